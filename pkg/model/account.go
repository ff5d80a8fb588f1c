package model

// VesselType broker 可分配的 vessel 类型
type VesselType string

const (
	VesselTypeWAN  VesselType = "wan"
	VesselTypeLAN  VesselType = "lan"
	VesselTypeNAT  VesselType = "nat"
	VesselTypeRand VesselType = "rand"
)

// Valid 是否为已知类型
func (t VesselType) Valid() bool {
	switch t {
	case VesselTypeWAN, VesselTypeLAN, VesselTypeNAT, VesselTypeRand:
		return true
	}
	return false
}

// AccountInfo broker 账户信息
type AccountInfo struct {
	MaxVessels int `json:"max_vessels"`
	// UserPort broker 保证在所有已分配 vessel 上可用的端口
	UserPort int `json:"user_port"`
}

// Allows 判断需求数是否在额度内
func (a AccountInfo) Allows(count int) bool {
	return count >= 0 && count <= a.MaxVessels
}
