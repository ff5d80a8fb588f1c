package nodeman

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// MaxFileSize 单个文件传输的解压后上限
const MaxFileSize = 64 << 20

// ErrDigestMismatch 解压后的内容与摘要不符
var ErrDigestMismatch = errors.New("file digest mismatch")

// zstd 的 Encoder/Decoder 可以并发复用 EncodeAll/DecodeAll，初始化一次
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("nodeman: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFileSize))
	if err != nil {
		panic("nodeman: zstd decoder initialization failed: " + err.Error())
	}
}

// FilePayload AddFileToVessel 的参数和 RetrieveFileFromVessel 的结果
type FilePayload struct {
	Name   string `cbor:"name"`
	Size   int    `cbor:"size"`
	Digest []byte `cbor:"digest"`
	Data   []byte `cbor:"data"`
}

// NewFilePayload 压缩文件内容并计算 BLAKE3 摘要
func NewFilePayload(name string, content []byte) (*FilePayload, error) {
	if len(content) > MaxFileSize {
		return nil, fmt.Errorf("file %s is %d bytes, limit is %d", name, len(content), MaxFileSize)
	}
	digest := blake3.Sum256(content)
	return &FilePayload{
		Name:   name,
		Size:   len(content),
		Digest: digest[:],
		Data:   zstdEncoder.EncodeAll(content, nil),
	}, nil
}

// Content 解压并校验摘要
func (p *FilePayload) Content() ([]byte, error) {
	if p.Size < 0 {
		return nil, fmt.Errorf("file %s claims a negative size %d", p.Name, p.Size)
	}
	if p.Size > MaxFileSize {
		return nil, fmt.Errorf("file %s claims %d bytes, limit is %d", p.Name, p.Size, MaxFileSize)
	}
	content, err := zstdDecoder.DecodeAll(p.Data, make([]byte, 0, p.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", p.Name, err)
	}
	digest := blake3.Sum256(content)
	if len(content) != p.Size || !bytes.Equal(digest[:], p.Digest) {
		return nil, fmt.Errorf("%s: %w", p.Name, ErrDigestMismatch)
	}
	return content, nil
}
