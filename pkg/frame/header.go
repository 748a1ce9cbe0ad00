package frame

import (
	"encoding/binary"
	"fmt"
)

// BFrame is a basic L2CAP frame: 4-byte header followed by the payload
type BFrame struct {
	CID     uint16
	Payload []byte
}

// PutBasicHeader writes length and CID into b[0:4]
func PutBasicHeader(b []byte, length, cid uint16) {
	binary.LittleEndian.PutUint16(b[0:2], length)
	binary.LittleEndian.PutUint16(b[2:4], cid)
}

// ParseBasicHeader reads length and CID from the start of b
func ParseBasicHeader(b []byte) (length, cid uint16, err error) {
	if len(b) < BasicHeaderSize {
		return 0, 0, ErrFrameTooShort
	}
	return binary.LittleEndian.Uint16(b[0:2]), binary.LittleEndian.Uint16(b[2:4]), nil
}

// Marshal serializes the frame
func (f *BFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxBasicPayloadSize {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, BasicHeaderSize+len(f.Payload))
	PutBasicHeader(out, uint16(len(f.Payload)), f.CID)
	copy(out[BasicHeaderSize:], f.Payload)
	return out, nil
}

// ParseBFrame parses a complete basic frame. The payload aliases data.
func ParseBFrame(data []byte) (*BFrame, error) {
	length, cid, err := ParseBasicHeader(data)
	if err != nil {
		return nil, err
	}
	if int(length) != len(data)-BasicHeaderSize {
		return nil, fmt.Errorf("%w: header %d, payload %d", ErrLengthMismatch, length, len(data)-BasicHeaderSize)
	}
	return &BFrame{CID: cid, Payload: data[BasicHeaderSize:]}, nil
}

// String returns string representation of the frame
func (f *BFrame) String() string {
	return fmt.Sprintf("BFrame{CID=0x%04X, Len=%d}", f.CID, len(f.Payload))
}

// GFrame is a connectionless frame: the PSM precedes the payload on the
// connectionless CID
type GFrame struct {
	PSM     uint16
	Payload []byte
}

// Marshal serializes the frame including the basic header
func (f *GFrame) Marshal() ([]byte, error) {
	if len(f.Payload)+PSMSize > MaxBasicPayloadSize {
		return nil, ErrFrameTooLong
	}
	out := make([]byte, BasicHeaderSize+PSMSize+len(f.Payload))
	PutBasicHeader(out, uint16(PSMSize+len(f.Payload)), CIDConnectionless)
	binary.LittleEndian.PutUint16(out[BasicHeaderSize:], f.PSM)
	copy(out[BasicHeaderSize+PSMSize:], f.Payload)
	return out, nil
}

// ParseGFrame parses the payload of a frame received on the connectionless
// CID. The returned payload aliases data.
func ParseGFrame(payload []byte) (*GFrame, error) {
	if len(payload) < PSMSize {
		return nil, ErrFrameTooShort
	}
	return &GFrame{
		PSM:     binary.LittleEndian.Uint16(payload),
		Payload: payload[PSMSize:],
	}, nil
}

// String returns string representation of the frame
func (f *GFrame) String() string {
	return fmt.Sprintf("GFrame{PSM=0x%04X, Len=%d}", f.PSM, len(f.Payload))
}
