package frame

import "errors"

// Fixed channel identifiers
const (
	CIDNull           uint16 = 0x0000
	CIDSignaling      uint16 = 0x0001 // ACL-U signaling channel
	CIDConnectionless uint16 = 0x0002
	CIDDynamicBase    uint16 = 0x0040 // First dynamically allocated CID
	CIDDynamicMax     uint16 = 0xFFFF
)

// Frame sizes
const (
	BasicHeaderSize     = 4 // Length + CID
	StdControlSize      = 2
	ExtControlSize      = 4
	SDULengthSize       = 2
	FCSSize             = 2
	PSMSize             = 2 // connectionless PSM prefix
	MaxBasicPayloadSize = 0xFFFF

	// MaxMPS is the largest information field that fits a basic frame with
	// the extended control field and FCS
	MaxMPS = MaxBasicPayloadSize - ExtControlSize - FCSSize
)

// Sequence spaces
const (
	StdSeqModulus uint16 = 64
	ExtSeqModulus uint16 = 16384
	StdMaxWindow  uint16 = 63
	ExtMaxWindow  uint16 = 0x3FFF
)

// Type distinguishes information frames from supervisory frames
type Type uint8

const (
	TypeI Type = iota // Information frame
	TypeS             // Supervisory frame
)

// String returns string representation of Type
func (t Type) String() string {
	if t == TypeS {
		return "S"
	}
	return "I"
}

// SAR is the segmentation and reassembly tag of an I-frame
type SAR uint8

const (
	SARUnsegmented SAR = 0
	SARStart       SAR = 1
	SAREnd         SAR = 2
	SARContinue    SAR = 3
)

// String returns string representation of SAR
func (s SAR) String() string {
	switch s {
	case SARUnsegmented:
		return "Unsegmented"
	case SARStart:
		return "Start"
	case SAREnd:
		return "End"
	case SARContinue:
		return "Continue"
	default:
		return "Unknown"
	}
}

// Super is the supervisory function of an S-frame
type Super uint8

const (
	SuperRR   Super = 0 // Receiver Ready
	SuperREJ  Super = 1 // Reject
	SuperRNR  Super = 2 // Receiver Not Ready
	SuperSREJ Super = 3 // Selective Reject
)

// String returns string representation of Super
func (s Super) String() string {
	switch s {
	case SuperRR:
		return "RR"
	case SuperREJ:
		return "REJ"
	case SuperRNR:
		return "RNR"
	case SuperSREJ:
		return "SREJ"
	default:
		return "Unknown"
	}
}

// Errors
var (
	ErrFrameTooShort  = errors.New("frame too short")
	ErrLengthMismatch = errors.New("basic header length does not match frame")
	ErrFrameTooLong   = errors.New("frame too long")
	ErrInvalidFCS     = errors.New("invalid FCS")
	ErrInvalidControl = errors.New("invalid control field")
)
