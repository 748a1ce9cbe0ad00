package frame

import (
	"encoding/binary"
	"fmt"
)

// Format describes how ERTM/Streaming PDUs of a channel are laid out
type Format struct {
	Extended bool // 32-bit control field
	FCS      bool // trailing CRC-16
}

// ControlSize returns the control field length
func (f Format) ControlSize() int {
	if f.Extended {
		return ExtControlSize
	}
	return StdControlSize
}

// Overhead returns the bytes a PDU adds around its information payload,
// excluding the SDU length field.
func (f Format) Overhead() int {
	n := BasicHeaderSize + f.ControlSize()
	if f.FCS {
		n += FCSSize
	}
	return n
}

// MaxMPS returns the largest information field, SDU length included, that
// fits one basic frame in this format
func (f Format) MaxMPS() int {
	n := MaxBasicPayloadSize - f.ControlSize()
	if f.FCS {
		n -= FCSSize
	}
	return n
}

// Space returns the sequence space of the format
func (f Format) Space() SeqSpace {
	return SeqSpaceFor(f.Extended)
}

// PDU is a decoded ERTM/Streaming frame
type PDU struct {
	Control
	SDULength uint16 // Present when SAR is Start
	Payload   []byte // Information payload, aliases the input on decode
}

// HasSDULength reports whether the PDU carries the SDU length field
func (p *PDU) HasSDULength() bool {
	return p.Type == TypeI && p.SAR == SARStart
}

// InfoLength returns the size of the information field (SDU length included)
func (p *PDU) InfoLength() int {
	n := len(p.Payload)
	if p.HasSDULength() {
		n += SDULengthSize
	}
	return n
}

// Marshal serializes p as a complete basic frame on cid
func (f Format) Marshal(cid uint16, p *PDU) ([]byte, error) {
	payloadLen := f.ControlSize() + len(p.Payload)
	if p.HasSDULength() {
		payloadLen += SDULengthSize
	}
	if p.Type == TypeS && len(p.Payload) != 0 {
		return nil, fmt.Errorf("%w: S-frame with payload", ErrInvalidControl)
	}
	if f.FCS {
		payloadLen += FCSSize
	}
	if payloadLen > MaxBasicPayloadSize {
		return nil, ErrFrameTooLong
	}

	out := make([]byte, BasicHeaderSize, BasicHeaderSize+payloadLen)
	PutBasicHeader(out, uint16(payloadLen), cid)

	if f.Extended {
		out = binary.LittleEndian.AppendUint32(out, p.EncodeExtended())
	} else {
		out = binary.LittleEndian.AppendUint16(out, p.EncodeStandard())
	}
	if p.HasSDULength() {
		out = binary.LittleEndian.AppendUint16(out, p.SDULength)
	}
	out = append(out, p.Payload...)
	if f.FCS {
		out = AppendFCS(out)
	}
	return out, nil
}

// Unmarshal decodes a complete basic frame. The FCS, when the format
// carries one, covers everything before it including the basic header.
func (f Format) Unmarshal(data []byte) (*PDU, error) {
	length, _, err := ParseBasicHeader(data)
	if err != nil {
		return nil, err
	}
	if int(length) != len(data)-BasicHeaderSize {
		return nil, ErrLengthMismatch
	}
	minLen := BasicHeaderSize + f.ControlSize()
	if f.FCS {
		minLen += FCSSize
	}
	if len(data) < minLen {
		return nil, ErrFrameTooShort
	}

	end := len(data)
	if f.FCS {
		if !VerifyFCS(data) {
			return nil, ErrInvalidFCS
		}
		end -= FCSSize
	}

	pos := BasicHeaderSize
	p := &PDU{}
	if f.Extended {
		p.Control = DecodeExtended(binary.LittleEndian.Uint32(data[pos:]))
		pos += ExtControlSize
	} else {
		p.Control = DecodeStandard(binary.LittleEndian.Uint16(data[pos:]))
		pos += StdControlSize
	}

	if p.Type == TypeS {
		if pos != end {
			return nil, fmt.Errorf("%w: S-frame with %d payload bytes", ErrInvalidControl, end-pos)
		}
		return p, nil
	}

	if p.HasSDULength() {
		if end-pos < SDULengthSize {
			return nil, ErrFrameTooShort
		}
		p.SDULength = binary.LittleEndian.Uint16(data[pos:])
		pos += SDULengthSize
	}
	p.Payload = data[pos:end]
	return p, nil
}

// String returns string representation of the PDU
func (p *PDU) String() string {
	if p.HasSDULength() {
		return fmt.Sprintf("%s SDULen=%d Len=%d", p.Control, p.SDULength, len(p.Payload))
	}
	return fmt.Sprintf("%s Len=%d", p.Control, len(p.Payload))
}
