package keyfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// TerminalPassphrase 在终端上关闭回显读取口令
func TerminalPassphrase(prompt string) PassphraseFunc {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", errors.New("no terminal available for passphrase prompt")
		}
		fmt.Fprint(os.Stderr, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
}

// StaticPassphrase 直接使用给定口令 (配置文件或环境变量)
func StaticPassphrase(secret string) PassphraseFunc {
	return func() (string, error) { return secret, nil }
}
