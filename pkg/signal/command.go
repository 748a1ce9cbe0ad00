package signal

import (
	"encoding/binary"
	"fmt"
)

// Command is one signaling command: code, identifier, data
type Command struct {
	Code  Code
	Ident uint8
	Data  []byte
}

// Marshal serializes the command header and data
func (c Command) Marshal() []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(c.Data))
	out[0] = byte(c.Code)
	out[1] = c.Ident
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(c.Data)))
	return append(out, c.Data...)
}

// String returns string representation of the command
func (c Command) String() string {
	return fmt.Sprintf("%s{Ident=%d, Len=%d}", c.Code, c.Ident, len(c.Data))
}

// ParseCommands splits a signaling frame payload into commands.
// Commands decoded before a malformed one are returned along with the error.
func ParseCommands(payload []byte) ([]Command, error) {
	var cmds []Command
	for pos := 0; pos < len(payload); {
		if len(payload)-pos < HeaderSize {
			return cmds, fmt.Errorf("%w: %d trailing bytes", ErrMalformedCommand, len(payload)-pos)
		}
		code := Code(payload[pos])
		ident := payload[pos+1]
		n := int(binary.LittleEndian.Uint16(payload[pos+2 : pos+4]))
		pos += HeaderSize
		if len(payload)-pos < n {
			return cmds, fmt.Errorf("%w: %s declares %d bytes, %d available", ErrMalformedCommand, code, n, len(payload)-pos)
		}
		cmds = append(cmds, Command{Code: code, Ident: ident, Data: payload[pos : pos+n]})
		pos += n
	}
	return cmds, nil
}

// JoinCommands concatenates serialized commands into one signaling payload
func JoinCommands(cmds ...Command) []byte {
	var out []byte
	for _, c := range cmds {
		out = append(out, c.Marshal()...)
	}
	return out
}
