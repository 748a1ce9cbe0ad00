package signal

import (
	"encoding/binary"
	"fmt"
)

// Message is a decoded signaling command body
type Message interface {
	Code() Code
	appendTo(b []byte) []byte
}

// Encode builds a command carrying m
func Encode(ident uint8, m Message) Command {
	return Command{Code: m.Code(), Ident: ident, Data: m.appendTo(nil)}
}

// CommandReject tells the peer a command could not be processed
type CommandReject struct {
	Reason RejectReason
	Data   []byte
}

// RejectNotUnderstoodMsg builds a reject for an unknown or malformed command
func RejectNotUnderstoodMsg() *CommandReject {
	return &CommandReject{Reason: RejectNotUnderstood}
}

// RejectMTUExceededMsg builds a reject carrying the local signaling MTU
func RejectMTUExceededMsg(mtu uint16) *CommandReject {
	return &CommandReject{Reason: RejectMTUExceeded, Data: binary.LittleEndian.AppendUint16(nil, mtu)}
}

// RejectInvalidCIDMsg builds a reject naming the CIDs of the request
func RejectInvalidCIDMsg(local, remote uint16) *CommandReject {
	d := binary.LittleEndian.AppendUint16(nil, local)
	return &CommandReject{Reason: RejectInvalidCID, Data: binary.LittleEndian.AppendUint16(d, remote)}
}

func (m *CommandReject) Code() Code { return CodeCommandReject }

func (m *CommandReject) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Reason))
	return append(b, m.Data...)
}

// ConnectRequest opens a channel to a service
type ConnectRequest struct {
	PSM       uint16
	SourceCID uint16
}

func (m *ConnectRequest) Code() Code { return CodeConnectReq }

func (m *ConnectRequest) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.PSM)
	return binary.LittleEndian.AppendUint16(b, m.SourceCID)
}

// ConnectResponse answers a ConnectRequest
type ConnectResponse struct {
	DestCID   uint16 // responder's CID
	SourceCID uint16 // requester's CID
	Result    ConnectResult
	Status    ConnectStatus
}

func (m *ConnectResponse) Code() Code { return CodeConnectRsp }

func (m *ConnectResponse) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.DestCID)
	b = binary.LittleEndian.AppendUint16(b, m.SourceCID)
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Result))
	return binary.LittleEndian.AppendUint16(b, uint16(m.Status))
}

// ConfigRequest proposes options for the sender's incoming direction
type ConfigRequest struct {
	DestCID uint16
	Flags   uint16
	Options Options
}

func (m *ConfigRequest) Code() Code { return CodeConfigReq }

func (m *ConfigRequest) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.DestCID)
	b = binary.LittleEndian.AppendUint16(b, m.Flags)
	return append(b, m.Options.Marshal()...)
}

// ConfigResponse answers a ConfigRequest
type ConfigResponse struct {
	SourceCID uint16 // CID of the channel endpoint receiving the response
	Flags     uint16
	Result    ConfigResult
	Options   Options
}

func (m *ConfigResponse) Code() Code { return CodeConfigRsp }

func (m *ConfigResponse) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.SourceCID)
	b = binary.LittleEndian.AppendUint16(b, m.Flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Result))
	return append(b, m.Options.Marshal()...)
}

// DisconnectRequest closes a channel
type DisconnectRequest struct {
	DestCID   uint16
	SourceCID uint16
}

func (m *DisconnectRequest) Code() Code { return CodeDisconnectReq }

func (m *DisconnectRequest) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.DestCID)
	return binary.LittleEndian.AppendUint16(b, m.SourceCID)
}

// DisconnectResponse echoes the CIDs of the DisconnectRequest
type DisconnectResponse struct {
	DestCID   uint16
	SourceCID uint16
}

func (m *DisconnectResponse) Code() Code { return CodeDisconnectRsp }

func (m *DisconnectResponse) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.DestCID)
	return binary.LittleEndian.AppendUint16(b, m.SourceCID)
}

// EchoRequest carries optional data to be echoed
type EchoRequest struct {
	Data []byte
}

func (m *EchoRequest) Code() Code { return CodeEchoReq }

func (m *EchoRequest) appendTo(b []byte) []byte { return append(b, m.Data...) }

// EchoResponse returns data to the requester
type EchoResponse struct {
	Data []byte
}

func (m *EchoResponse) Code() Code { return CodeEchoRsp }

func (m *EchoResponse) appendTo(b []byte) []byte { return append(b, m.Data...) }

// InfoRequest asks for implementation information
type InfoRequest struct {
	InfoType InfoType
}

func (m *InfoRequest) Code() Code { return CodeInfoReq }

func (m *InfoRequest) appendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint16(b, uint16(m.InfoType))
}

// InfoResponse answers an InfoRequest
type InfoResponse struct {
	InfoType InfoType
	Result   InfoResult
	Data     []byte
}

func (m *InfoResponse) Code() Code { return CodeInfoRsp }

func (m *InfoResponse) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(m.InfoType))
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Result))
	return append(b, m.Data...)
}

// FeaturesResponse builds a successful extended features response
func FeaturesResponse(mask uint32) *InfoResponse {
	return &InfoResponse{InfoType: InfoExtendedFeatures, Data: binary.LittleEndian.AppendUint32(nil, mask)}
}

// FixedChannelsResponse builds a successful fixed channels response
func FixedChannelsResponse(mask uint64) *InfoResponse {
	return &InfoResponse{InfoType: InfoFixedChannels, Data: binary.LittleEndian.AppendUint64(nil, mask)}
}

// ConnectionlessMTUResponse builds a successful connectionless MTU response
func ConnectionlessMTUResponse(mtu uint16) *InfoResponse {
	return &InfoResponse{InfoType: InfoConnectionlessMTU, Data: binary.LittleEndian.AppendUint16(nil, mtu)}
}

// Features returns the extended feature mask of a successful response
func (m *InfoResponse) Features() (uint32, bool) {
	if m.InfoType != InfoExtendedFeatures || m.Result != InfoSuccess || len(m.Data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Data), true
}

// FixedChannels returns the fixed channel mask of a successful response
func (m *InfoResponse) FixedChannels() (uint64, bool) {
	if m.InfoType != InfoFixedChannels || m.Result != InfoSuccess || len(m.Data) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.Data), true
}

// ConnectionlessMTU returns the MTU of a successful response
func (m *InfoResponse) ConnectionlessMTU() (uint16, bool) {
	if m.InfoType != InfoConnectionlessMTU || m.Result != InfoSuccess || len(m.Data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.Data), true
}

func need(c Command, n int) error {
	if len(c.Data) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformedCommand, c.Code, n, len(c.Data))
	}
	return nil
}

func u16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

// Decode parses the body of c
func Decode(c Command) (Message, error) {
	d := c.Data
	switch c.Code {
	case CodeCommandReject:
		if err := need(c, 2); err != nil {
			return nil, err
		}
		return &CommandReject{Reason: RejectReason(u16(d, 0)), Data: d[2:]}, nil
	case CodeConnectReq:
		if err := need(c, 4); err != nil {
			return nil, err
		}
		return &ConnectRequest{PSM: u16(d, 0), SourceCID: u16(d, 2)}, nil
	case CodeConnectRsp:
		if err := need(c, 8); err != nil {
			return nil, err
		}
		return &ConnectResponse{
			DestCID:   u16(d, 0),
			SourceCID: u16(d, 2),
			Result:    ConnectResult(u16(d, 4)),
			Status:    ConnectStatus(u16(d, 6)),
		}, nil
	case CodeConfigReq:
		if err := need(c, 4); err != nil {
			return nil, err
		}
		opts, err := ParseOptions(d[4:])
		if err != nil {
			return nil, err
		}
		return &ConfigRequest{DestCID: u16(d, 0), Flags: u16(d, 2), Options: opts}, nil
	case CodeConfigRsp:
		if err := need(c, 6); err != nil {
			return nil, err
		}
		opts, err := ParseOptions(d[6:])
		if err != nil {
			return nil, err
		}
		return &ConfigResponse{SourceCID: u16(d, 0), Flags: u16(d, 2), Result: ConfigResult(u16(d, 4)), Options: opts}, nil
	case CodeDisconnectReq:
		if err := need(c, 4); err != nil {
			return nil, err
		}
		return &DisconnectRequest{DestCID: u16(d, 0), SourceCID: u16(d, 2)}, nil
	case CodeDisconnectRsp:
		if err := need(c, 4); err != nil {
			return nil, err
		}
		return &DisconnectResponse{DestCID: u16(d, 0), SourceCID: u16(d, 2)}, nil
	case CodeEchoReq:
		return &EchoRequest{Data: d}, nil
	case CodeEchoRsp:
		return &EchoResponse{Data: d}, nil
	case CodeInfoReq:
		if err := need(c, 2); err != nil {
			return nil, err
		}
		return &InfoRequest{InfoType: InfoType(u16(d, 0))}, nil
	case CodeInfoRsp:
		if err := need(c, 4); err != nil {
			return nil, err
		}
		return &InfoResponse{InfoType: InfoType(u16(d, 0)), Result: InfoResult(u16(d, 2)), Data: d[4:]}, nil
	default:
		return nil, fmt.Errorf("%w: code 0x%02X", ErrUnknownCommand, uint8(c.Code))
	}
}
