package frame

import "fmt"

// Standard (16-bit) control field layout
//
//	I-frame: bit0=0 | TxSeq bits1-6 | F bit7 | ReqSeq bits8-13 | SAR bits14-15
//	S-frame: bit0=1 | S bits2-3 | P bit4 | F bit7 | ReqSeq bits8-13
const (
	stdTypeBit    uint16 = 0x0001
	stdTxSeqMask  uint16 = 0x007E
	stdTxSeqShift        = 1
	stdSuperMask  uint16 = 0x000C
	stdSuperShift        = 2
	stdPollBit    uint16 = 0x0010
	stdFinalBit   uint16 = 0x0080
	stdReqSeqMask uint16 = 0x3F00
	stdReqShift          = 8
	stdSARMask    uint16 = 0xC000
	stdSARShift          = 14
)

// Extended (32-bit) control field layout
//
//	I-frame: bit0=0 | F bit1 | ReqSeq bits2-15 | SAR bits16-17 | TxSeq bits18-31
//	S-frame: bit0=1 | F bit1 | ReqSeq bits2-15 | S bits16-17 | P bit18
const (
	extTypeBit    uint32 = 0x00000001
	extFinalBit   uint32 = 0x00000002
	extReqSeqMask uint32 = 0x0000FFFC
	extReqShift          = 2
	extSARMask    uint32 = 0x00030000
	extSARShift          = 16
	extSuperMask  uint32 = 0x00030000
	extSuperShift        = 16
	extPollBit    uint32 = 0x00040000
	extTxSeqMask  uint32 = 0xFFFC0000
	extTxShift           = 18
)

// Control is the decoded ERTM/Streaming control field
type Control struct {
	Type   Type
	TxSeq  uint16 // I-frames only
	ReqSeq uint16
	SAR    SAR   // I-frames only
	Super  Super // S-frames only
	Poll   bool  // S-frames only
	Final  bool
}

// IFrame builds an I-frame control field
func IFrame(txSeq, reqSeq uint16, sar SAR, final bool) Control {
	return Control{Type: TypeI, TxSeq: txSeq, ReqSeq: reqSeq, SAR: sar, Final: final}
}

// SFrame builds an S-frame control field
func SFrame(super Super, reqSeq uint16, poll, final bool) Control {
	return Control{Type: TypeS, Super: super, ReqSeq: reqSeq, Poll: poll, Final: final}
}

// EncodeStandard packs c into the 16-bit layout. Sequence numbers are taken modulo 64.
func (c Control) EncodeStandard() uint16 {
	v := (c.ReqSeq << stdReqShift) & stdReqSeqMask
	if c.Final {
		v |= stdFinalBit
	}
	if c.Type == TypeS {
		v |= stdTypeBit
		v |= (uint16(c.Super) << stdSuperShift) & stdSuperMask
		if c.Poll {
			v |= stdPollBit
		}
		return v
	}
	v |= (c.TxSeq << stdTxSeqShift) & stdTxSeqMask
	v |= (uint16(c.SAR) << stdSARShift) & stdSARMask
	return v
}

// DecodeStandard unpacks a 16-bit control field
func DecodeStandard(v uint16) Control {
	c := Control{
		ReqSeq: (v & stdReqSeqMask) >> stdReqShift,
		Final:  v&stdFinalBit != 0,
	}
	if v&stdTypeBit != 0 {
		c.Type = TypeS
		c.Super = Super((v & stdSuperMask) >> stdSuperShift)
		c.Poll = v&stdPollBit != 0
		return c
	}
	c.Type = TypeI
	c.TxSeq = (v & stdTxSeqMask) >> stdTxSeqShift
	c.SAR = SAR((v & stdSARMask) >> stdSARShift)
	return c
}

// EncodeExtended packs c into the 32-bit layout. Sequence numbers are taken modulo 16384.
func (c Control) EncodeExtended() uint32 {
	v := (uint32(c.ReqSeq) << extReqShift) & extReqSeqMask
	if c.Final {
		v |= extFinalBit
	}
	if c.Type == TypeS {
		v |= extTypeBit
		v |= (uint32(c.Super) << extSuperShift) & extSuperMask
		if c.Poll {
			v |= extPollBit
		}
		return v
	}
	v |= (uint32(c.SAR) << extSARShift) & extSARMask
	v |= (uint32(c.TxSeq) << extTxShift) & extTxSeqMask
	return v
}

// DecodeExtended unpacks a 32-bit control field
func DecodeExtended(v uint32) Control {
	c := Control{
		ReqSeq: uint16((v & extReqSeqMask) >> extReqShift),
		Final:  v&extFinalBit != 0,
	}
	if v&extTypeBit != 0 {
		c.Type = TypeS
		c.Super = Super((v & extSuperMask) >> extSuperShift)
		c.Poll = v&extPollBit != 0
		return c
	}
	c.Type = TypeI
	c.SAR = SAR((v & extSARMask) >> extSARShift)
	c.TxSeq = uint16((v & extTxSeqMask) >> extTxShift)
	return c
}

// String returns string representation of the control field
func (c Control) String() string {
	if c.Type == TypeS {
		return fmt.Sprintf("S{%s ReqSeq=%d P=%t F=%t}", c.Super, c.ReqSeq, c.Poll, c.Final)
	}
	return fmt.Sprintf("I{TxSeq=%d ReqSeq=%d SAR=%s F=%t}", c.TxSeq, c.ReqSeq, c.SAR, c.Final)
}

// SeqSpace does modular arithmetic on ERTM sequence numbers
type SeqSpace uint16

// SeqSpaceFor returns the space used by the given control field layout
func SeqSpaceFor(extended bool) SeqSpace {
	if extended {
		return SeqSpace(ExtSeqModulus)
	}
	return SeqSpace(StdSeqModulus)
}

// Next returns seq+1
func (s SeqSpace) Next(seq uint16) uint16 {
	return (seq + 1) % uint16(s)
}

// Add returns seq+n
func (s SeqSpace) Add(seq uint16, n int) uint16 {
	m := int(s)
	return uint16(((int(seq)+n)%m + m) % m)
}

// Offset returns the forward distance from base to seq
func (s SeqSpace) Offset(seq, base uint16) uint16 {
	m := uint16(s)
	return (seq%m + m - base%m) % m
}

// InWindow reports whether seq lies in [base, base+size)
func (s SeqSpace) InWindow(seq, base, size uint16) bool {
	return s.Offset(seq, base) < size
}

// Between reports whether seq lies in [lo, hi] going forward from lo
func (s SeqSpace) Between(seq, lo, hi uint16) bool {
	return s.Offset(seq, lo) <= s.Offset(hi, lo)
}
