package ertm

import (
	"bytes"
	"fmt"

	"avaneesh/l2cap-go/pkg/frame"
)

// segment is one I-frame information field waiting for a sequence number
type segment struct {
	sar     frame.SAR
	sduLen  uint16 // Start only
	payload []byte
}

// last reports whether the segment completes its SDU
func (s segment) last() bool {
	return s.sar == frame.SARUnsegmented || s.sar == frame.SAREnd
}

// segmentSDU splits sdu into segments of at most mps information bytes.
// The SDU length field of the Start segment counts against mps.
func segmentSDU(sdu []byte, mps int) []segment {
	if len(sdu) <= mps {
		return []segment{{sar: frame.SARUnsegmented, payload: sdu}}
	}

	var segs []segment
	first := mps - frame.SDULengthSize
	segs = append(segs, segment{sar: frame.SARStart, sduLen: uint16(len(sdu)), payload: sdu[:first]})
	for offset := first; offset < len(sdu); {
		n := len(sdu) - offset
		sar := frame.SAREnd
		if n > mps {
			n = mps
			sar = frame.SARContinue
		}
		segs = append(segs, segment{sar: sar, payload: sdu[offset : offset+n]})
		offset += n
	}
	return segs
}

// reassembler rebuilds SDUs from I-frame segments
type reassembler struct {
	buffer bytes.Buffer
	sduLen int
	active bool
	mtu    int
}

func newReassembler(mtu int) *reassembler {
	return &reassembler{mtu: mtu}
}

// push adds one segment. It returns the SDU when the segment completes one.
func (r *reassembler) push(p *frame.PDU) ([]byte, error) {
	switch p.SAR {
	case frame.SARUnsegmented:
		if r.active {
			r.reset()
			return nil, fmt.Errorf("%w: unsegmented frame inside SDU", ErrSARSequence)
		}
		if len(p.Payload) > r.mtu {
			return nil, fmt.Errorf("%w: %d bytes, MTU %d", ErrSDUTooLarge, len(p.Payload), r.mtu)
		}
		return append([]byte(nil), p.Payload...), nil

	case frame.SARStart:
		if r.active {
			r.reset()
			return nil, fmt.Errorf("%w: start frame inside SDU", ErrSARSequence)
		}
		if int(p.SDULength) > r.mtu {
			return nil, fmt.Errorf("%w: SDU length %d, MTU %d", ErrSDUTooLarge, p.SDULength, r.mtu)
		}
		if len(p.Payload) >= int(p.SDULength) {
			return nil, fmt.Errorf("%w: start frame carries the whole SDU", ErrSARSequence)
		}
		r.active = true
		r.sduLen = int(p.SDULength)
		r.buffer.Write(p.Payload)
		return nil, nil

	case frame.SARContinue:
		if !r.active {
			return nil, fmt.Errorf("%w: continuation without start", ErrSARSequence)
		}
		r.buffer.Write(p.Payload)
		if r.buffer.Len() >= r.sduLen {
			r.reset()
			return nil, fmt.Errorf("%w: continuation reaches SDU length", ErrSARSequence)
		}
		return nil, nil

	default: // End
		if !r.active {
			return nil, fmt.Errorf("%w: end without start", ErrSARSequence)
		}
		r.buffer.Write(p.Payload)
		if r.buffer.Len() != r.sduLen {
			got := r.buffer.Len()
			r.reset()
			return nil, fmt.Errorf("%w: SDU length %d, received %d", ErrSARSequence, r.sduLen, got)
		}
		sdu := make([]byte, r.buffer.Len())
		copy(sdu, r.buffer.Bytes())
		r.reset()
		return sdu, nil
	}
}

func (r *reassembler) reset() {
	r.buffer.Reset()
	r.sduLen = 0
	r.active = false
}

// inProgress reports whether a partial SDU is buffered
func (r *reassembler) inProgress() bool {
	return r.active
}

// buffered returns the accumulated length of the partial SDU
func (r *reassembler) buffered() int {
	return r.buffer.Len()
}
