package signal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// OptionType identifies a configuration option
type OptionType uint8

const (
	OptMTU          OptionType = 0x01
	OptFlushTimeout OptionType = 0x02
	OptQoS          OptionType = 0x03
	OptRFC          OptionType = 0x04 // Retransmission and flow control
	OptFCS          OptionType = 0x05
	OptExtFlowSpec  OptionType = 0x06
	OptExtWindow    OptionType = 0x07

	// OptionHint marks an option the receiver may silently ignore
	OptionHint uint8 = 0x80
)

// String returns string representation of OptionType
func (t OptionType) String() string {
	switch t {
	case OptMTU:
		return "MTU"
	case OptFlushTimeout:
		return "FlushTimeout"
	case OptQoS:
		return "QoS"
	case OptRFC:
		return "RFC"
	case OptFCS:
		return "FCS"
	case OptExtFlowSpec:
		return "ExtFlowSpec"
	case OptExtWindow:
		return "ExtWindow"
	default:
		return fmt.Sprintf("Option(0x%02X)", uint8(t))
	}
}

// Option payload lengths
const (
	lenMTU         = 2
	lenRFC         = 9
	lenFCS         = 1
	lenExtWindow   = 2
	lenQoS         = 22
	lenExtFlowSpec = 16
)

// Protocol defaults and limits
const (
	DefaultMTU    uint16 = 0x02A0 // 672
	MinMTU        uint16 = 0x0030 // 48
	FlushInfinite uint32 = 0xFFFFFFFF

	flushInfinite16 uint16 = 0xFFFF
)

// Lower bounds for the ERTM timers
const (
	MinRetransTimeout = 100 * time.Millisecond
	MinMonitorTimeout = 200 * time.Millisecond
)

// Mode is the channel operating mode carried in the RFC option
type Mode uint8

const (
	ModeBasic          Mode = 0x00
	ModeRetransmission Mode = 0x01
	ModeFlowControl    Mode = 0x02
	ModeERTM           Mode = 0x03
	ModeStreaming      Mode = 0x04
)

// String returns string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeBasic:
		return "Basic"
	case ModeRetransmission:
		return "Retransmission"
	case ModeFlowControl:
		return "FlowControl"
	case ModeERTM:
		return "ERTM"
	case ModeStreaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// Reliable reports whether the mode uses I-frames and the ERTM extension
func (m Mode) Reliable() bool {
	return m == ModeERTM || m == ModeStreaming
}

// RFC is the retransmission and flow control option
type RFC struct {
	Mode           Mode
	TxWindow       uint8
	MaxTransmit    uint8
	RetransTimeout uint16 // milliseconds
	MonitorTimeout uint16 // milliseconds
	MPS            uint16
}

// FCSType is the value of the FCS option
type FCSType uint8

const (
	FCSNone FCSType = 0x00
	FCS16   FCSType = 0x01
)

// RawOption is an option kept as bytes, used for unknown options
type RawOption struct {
	Type  uint8
	Value []byte
}

// Options is a decoded set of configuration options.
// Only options marked present are encoded.
type Options struct {
	MTU          uint16
	FlushTimeout uint32
	QoS          []byte
	RFC          RFC
	FCS          FCSType
	ExtFlowSpec  []byte
	ExtWindow    uint16

	// Unknown holds non-hint options this side does not understand
	Unknown []RawOption

	present uint16
}

func optBit(t OptionType) uint16 { return 1 << uint(t) }

// Has reports whether option t is present
func (o *Options) Has(t OptionType) bool {
	return o.present&optBit(t) != 0
}

// Clear removes option t
func (o *Options) Clear(t OptionType) {
	o.present &^= optBit(t)
}

// Empty reports whether no option is present
func (o *Options) Empty() bool {
	return o.present == 0 && len(o.Unknown) == 0
}

// SetMTU sets the MTU option
func (o *Options) SetMTU(v uint16) { o.MTU = v; o.present |= optBit(OptMTU) }

// SetFlushTimeout sets the flush timeout option
func (o *Options) SetFlushTimeout(v uint32) { o.FlushTimeout = v; o.present |= optBit(OptFlushTimeout) }

// SetQoS sets the raw QoS option
func (o *Options) SetQoS(v []byte) { o.QoS = v; o.present |= optBit(OptQoS) }

// SetRFC sets the retransmission and flow control option
func (o *Options) SetRFC(v RFC) { o.RFC = v; o.present |= optBit(OptRFC) }

// SetFCS sets the FCS option
func (o *Options) SetFCS(v FCSType) { o.FCS = v; o.present |= optBit(OptFCS) }

// SetExtFlowSpec sets the raw extended flow specification option
func (o *Options) SetExtFlowSpec(v []byte) { o.ExtFlowSpec = v; o.present |= optBit(OptExtFlowSpec) }

// SetExtWindow sets the extended window size option
func (o *Options) SetExtWindow(v uint16) { o.ExtWindow = v; o.present |= optBit(OptExtWindow) }

// Types lists the present option types in encoding order
func (o *Options) Types() []OptionType {
	var out []OptionType
	for t := OptMTU; t <= OptExtWindow; t++ {
		if o.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Merge copies every option present in other over o
func (o *Options) Merge(other Options) {
	for _, t := range other.Types() {
		switch t {
		case OptMTU:
			o.SetMTU(other.MTU)
		case OptFlushTimeout:
			o.SetFlushTimeout(other.FlushTimeout)
		case OptQoS:
			o.SetQoS(other.QoS)
		case OptRFC:
			o.SetRFC(other.RFC)
		case OptFCS:
			o.SetFCS(other.FCS)
		case OptExtFlowSpec:
			o.SetExtFlowSpec(other.ExtFlowSpec)
		case OptExtWindow:
			o.SetExtWindow(other.ExtWindow)
		}
	}
	o.Unknown = append(o.Unknown, other.Unknown...)
}

// Equal reports whether two option sets carry the same values
func (o *Options) Equal(other *Options) bool {
	return string(o.Marshal()) == string(other.Marshal())
}

// Marshal encodes the present options as type/length/value triples
func (o *Options) Marshal() []byte {
	var b []byte
	for _, t := range o.Types() {
		switch t {
		case OptMTU:
			b = append(b, byte(t), lenMTU)
			b = binary.LittleEndian.AppendUint16(b, o.MTU)
		case OptFlushTimeout:
			b = appendFlushTimeout(b, o.FlushTimeout)
		case OptQoS:
			b = append(b, byte(t), byte(len(o.QoS)))
			b = append(b, o.QoS...)
		case OptRFC:
			b = append(b, byte(t), lenRFC, byte(o.RFC.Mode), o.RFC.TxWindow, o.RFC.MaxTransmit)
			b = binary.LittleEndian.AppendUint16(b, o.RFC.RetransTimeout)
			b = binary.LittleEndian.AppendUint16(b, o.RFC.MonitorTimeout)
			b = binary.LittleEndian.AppendUint16(b, o.RFC.MPS)
		case OptFCS:
			b = append(b, byte(t), lenFCS, byte(o.FCS))
		case OptExtFlowSpec:
			b = append(b, byte(t), byte(len(o.ExtFlowSpec)))
			b = append(b, o.ExtFlowSpec...)
		case OptExtWindow:
			b = append(b, byte(t), lenExtWindow)
			b = binary.LittleEndian.AppendUint16(b, o.ExtWindow)
		}
	}
	for _, u := range o.Unknown {
		b = append(b, u.Type, byte(len(u.Value)))
		b = append(b, u.Value...)
	}
	return b
}

func appendFlushTimeout(b []byte, v uint32) []byte {
	switch {
	case v == FlushInfinite:
		b = append(b, byte(OptFlushTimeout), 2)
		return binary.LittleEndian.AppendUint16(b, flushInfinite16)
	case v < uint32(flushInfinite16):
		b = append(b, byte(OptFlushTimeout), 2)
		return binary.LittleEndian.AppendUint16(b, uint16(v))
	default:
		b = append(b, byte(OptFlushTimeout), 4)
		return binary.LittleEndian.AppendUint32(b, v)
	}
}

// ParseOptions decodes a list of options. Unknown hint options are
// dropped; unknown non-hint options are collected in Unknown.
func ParseOptions(data []byte) (Options, error) {
	var o Options
	for pos := 0; pos < len(data); {
		if len(data)-pos < 2 {
			return o, fmt.Errorf("%w: truncated option header", ErrMalformedOption)
		}
		raw := data[pos]
		n := int(data[pos+1])
		pos += 2
		if len(data)-pos < n {
			return o, fmt.Errorf("%w: option 0x%02X wants %d bytes", ErrMalformedOption, raw, n)
		}
		val := data[pos : pos+n]
		pos += n

		t := OptionType(raw &^ OptionHint)
		if err := o.decodeOne(t, val); err != nil {
			if err == errUnknownOption {
				if raw&OptionHint == 0 {
					o.Unknown = append(o.Unknown, RawOption{Type: raw, Value: append([]byte(nil), val...)})
				}
				continue
			}
			return o, err
		}
	}
	return o, nil
}

var errUnknownOption = errors.New("unknown option")

func (o *Options) decodeOne(t OptionType, val []byte) error {
	switch t {
	case OptMTU:
		if len(val) != lenMTU {
			return fmt.Errorf("%w: MTU length %d", ErrMalformedOption, len(val))
		}
		o.SetMTU(binary.LittleEndian.Uint16(val))
	case OptFlushTimeout:
		switch len(val) {
		case 2:
			v := binary.LittleEndian.Uint16(val)
			if v == flushInfinite16 {
				o.SetFlushTimeout(FlushInfinite)
			} else {
				o.SetFlushTimeout(uint32(v))
			}
		case 4:
			o.SetFlushTimeout(binary.LittleEndian.Uint32(val))
		default:
			return fmt.Errorf("%w: flush timeout length %d", ErrMalformedOption, len(val))
		}
	case OptQoS:
		if len(val) != lenQoS {
			return fmt.Errorf("%w: QoS length %d", ErrMalformedOption, len(val))
		}
		o.SetQoS(append([]byte(nil), val...))
	case OptRFC:
		if len(val) != lenRFC {
			return fmt.Errorf("%w: RFC length %d", ErrMalformedOption, len(val))
		}
		o.SetRFC(RFC{
			Mode:           Mode(val[0]),
			TxWindow:       val[1],
			MaxTransmit:    val[2],
			RetransTimeout: binary.LittleEndian.Uint16(val[3:5]),
			MonitorTimeout: binary.LittleEndian.Uint16(val[5:7]),
			MPS:            binary.LittleEndian.Uint16(val[7:9]),
		})
	case OptFCS:
		if len(val) != lenFCS {
			return fmt.Errorf("%w: FCS length %d", ErrMalformedOption, len(val))
		}
		o.SetFCS(FCSType(val[0]))
	case OptExtFlowSpec:
		if len(val) != lenExtFlowSpec {
			return fmt.Errorf("%w: extended flow spec length %d", ErrMalformedOption, len(val))
		}
		o.SetExtFlowSpec(append([]byte(nil), val...))
	case OptExtWindow:
		if len(val) != lenExtWindow {
			return fmt.Errorf("%w: extended window length %d", ErrMalformedOption, len(val))
		}
		o.SetExtWindow(binary.LittleEndian.Uint16(val))
	default:
		return errUnknownOption
	}
	return nil
}

// String returns string representation of the options
func (o *Options) String() string {
	s := "{"
	for i, t := range o.Types() {
		if i > 0 {
			s += " "
		}
		switch t {
		case OptMTU:
			s += fmt.Sprintf("MTU=%d", o.MTU)
		case OptFlushTimeout:
			s += fmt.Sprintf("Flush=0x%X", o.FlushTimeout)
		case OptRFC:
			s += fmt.Sprintf("RFC=%s/win=%d/maxtx=%d/rtx=%d/mon=%d/mps=%d", o.RFC.Mode, o.RFC.TxWindow,
				o.RFC.MaxTransmit, o.RFC.RetransTimeout, o.RFC.MonitorTimeout, o.RFC.MPS)
		case OptFCS:
			s += fmt.Sprintf("FCS=%d", o.FCS)
		case OptExtWindow:
			s += fmt.Sprintf("ExtWin=%d", o.ExtWindow)
		default:
			s += t.String()
		}
	}
	if len(o.Unknown) > 0 {
		s += fmt.Sprintf(" unknown=%d", len(o.Unknown))
	}
	return s + "}"
}
