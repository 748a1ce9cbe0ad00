package signal

import "errors"

// Code identifies a signaling command
type Code uint8

const (
	CodeCommandReject Code = 0x01
	CodeConnectReq    Code = 0x02
	CodeConnectRsp    Code = 0x03
	CodeConfigReq     Code = 0x04
	CodeConfigRsp     Code = 0x05
	CodeDisconnectReq Code = 0x06
	CodeDisconnectRsp Code = 0x07
	CodeEchoReq       Code = 0x08
	CodeEchoRsp       Code = 0x09
	CodeInfoReq       Code = 0x0A
	CodeInfoRsp       Code = 0x0B
)

// String returns string representation of Code
func (c Code) String() string {
	switch c {
	case CodeCommandReject:
		return "CommandReject"
	case CodeConnectReq:
		return "ConnectReq"
	case CodeConnectRsp:
		return "ConnectRsp"
	case CodeConfigReq:
		return "ConfigReq"
	case CodeConfigRsp:
		return "ConfigRsp"
	case CodeDisconnectReq:
		return "DisconnectReq"
	case CodeDisconnectRsp:
		return "DisconnectRsp"
	case CodeEchoReq:
		return "EchoReq"
	case CodeEchoRsp:
		return "EchoRsp"
	case CodeInfoReq:
		return "InfoReq"
	case CodeInfoRsp:
		return "InfoRsp"
	default:
		return "Unknown"
	}
}

// IsResponse reports whether the command answers an earlier request
func (c Code) IsResponse() bool {
	switch c {
	case CodeCommandReject, CodeConnectRsp, CodeConfigRsp, CodeDisconnectRsp, CodeEchoRsp, CodeInfoRsp:
		return true
	}
	return false
}

// ConnectResult is the result field of a connect response
type ConnectResult uint16

const (
	ConnectSuccess            ConnectResult = 0x0000
	ConnectPending            ConnectResult = 0x0001
	ConnectPSMNotSupported    ConnectResult = 0x0002
	ConnectSecurityBlock      ConnectResult = 0x0003
	ConnectNoResources        ConnectResult = 0x0004
	ConnectInvalidSourceCID   ConnectResult = 0x0006
	ConnectSourceCIDAllocated ConnectResult = 0x0007
)

// String returns string representation of ConnectResult
func (r ConnectResult) String() string {
	switch r {
	case ConnectSuccess:
		return "Success"
	case ConnectPending:
		return "Pending"
	case ConnectPSMNotSupported:
		return "PSMNotSupported"
	case ConnectSecurityBlock:
		return "SecurityBlock"
	case ConnectNoResources:
		return "NoResources"
	case ConnectInvalidSourceCID:
		return "InvalidSourceCID"
	case ConnectSourceCIDAllocated:
		return "SourceCIDAllocated"
	default:
		return "Unknown"
	}
}

// ConnectStatus qualifies a pending connect response
type ConnectStatus uint16

const (
	StatusNoInfo                ConnectStatus = 0x0000
	StatusAuthenticationPending ConnectStatus = 0x0001
	StatusAuthorizationPending  ConnectStatus = 0x0002
)

// ConfigResult is the result field of a configuration response
type ConfigResult uint16

const (
	ConfigSuccess        ConfigResult = 0x0000
	ConfigUnacceptable   ConfigResult = 0x0001
	ConfigRejected       ConfigResult = 0x0002
	ConfigUnknownOptions ConfigResult = 0x0003
	ConfigPending        ConfigResult = 0x0004
)

// String returns string representation of ConfigResult
func (r ConfigResult) String() string {
	switch r {
	case ConfigSuccess:
		return "Success"
	case ConfigUnacceptable:
		return "Unacceptable"
	case ConfigRejected:
		return "Rejected"
	case ConfigUnknownOptions:
		return "UnknownOptions"
	case ConfigPending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// ConfigFlagContinuation marks a configuration request or response that continues in the next one
const ConfigFlagContinuation uint16 = 0x0001

// RejectReason is the reason field of a command reject
type RejectReason uint16

const (
	RejectNotUnderstood RejectReason = 0x0000
	RejectMTUExceeded   RejectReason = 0x0001
	RejectInvalidCID    RejectReason = 0x0002
)

// String returns string representation of RejectReason
func (r RejectReason) String() string {
	switch r {
	case RejectNotUnderstood:
		return "NotUnderstood"
	case RejectMTUExceeded:
		return "MTUExceeded"
	case RejectInvalidCID:
		return "InvalidCID"
	default:
		return "Unknown"
	}
}

// InfoType selects the information requested by an information request
type InfoType uint16

const (
	InfoConnectionlessMTU InfoType = 0x0001
	InfoExtendedFeatures  InfoType = 0x0002
	InfoFixedChannels     InfoType = 0x0003
)

// String returns string representation of InfoType
func (t InfoType) String() string {
	switch t {
	case InfoConnectionlessMTU:
		return "ConnectionlessMTU"
	case InfoExtendedFeatures:
		return "ExtendedFeatures"
	case InfoFixedChannels:
		return "FixedChannels"
	default:
		return "Unknown"
	}
}

// InfoResult is the result field of an information response
type InfoResult uint16

const (
	InfoSuccess      InfoResult = 0x0000
	InfoNotSupported InfoResult = 0x0001
)

// Extended feature mask bits
const (
	FeatureFlowControl    uint32 = 0x00000001
	FeatureRetransmission uint32 = 0x00000002
	FeatureQoS            uint32 = 0x00000004
	FeatureERTM           uint32 = 0x00000008
	FeatureStreaming      uint32 = 0x00000010
	FeatureFCS            uint32 = 0x00000020
	FeatureExtFlowSpec    uint32 = 0x00000040
	FeatureFixedChannels  uint32 = 0x00000080
	FeatureExtWindow      uint32 = 0x00000100
)

// Signaling MTU and identifier limits
const (
	MinSignalingMTU     = 48
	DefaultSignalingMTU = 672
	MaxEchoData         = 253
	HeaderSize          = 4
)

// Errors
var (
	ErrMalformedCommand = errors.New("malformed signaling command")
	ErrUnknownCommand   = errors.New("unknown signaling command")
	ErrMalformedOption  = errors.New("malformed configuration option")
	ErrEchoTooLong      = errors.New("echo data too long")
)

// ValidPSM reports whether psm is well formed: odd, with the low bit of
// the upper octet clear
func ValidPSM(psm uint16) bool {
	return psm&0x0001 == 1 && psm&0x0100 == 0
}
