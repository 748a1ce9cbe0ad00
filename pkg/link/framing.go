package link

import (
	"fmt"
	"io"

	"avaneesh/l2cap-go/pkg/frame"
)

// DefaultMaxPayload is the largest payload a transport accepts by default
const DefaultMaxPayload = frame.MaxBasicPayloadSize

// ReadFrame reads one basic frame from a byte stream. The basic header
// carries the payload length, so no extra delimiting is needed.
func ReadFrame(r io.Reader, maxPayload int) ([]byte, error) {
	header := make([]byte, frame.BasicHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length, _, err := frame.ParseBasicHeader(header)
	if err != nil {
		return nil, err
	}
	if maxPayload > 0 && int(length) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, frame.BasicHeaderSize+int(length))
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[frame.BasicHeaderSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// checkFrame verifies that data is exactly one basic frame within limit
func checkFrame(data []byte, maxPayload int) error {
	f, err := frame.ParseBFrame(data)
	if err != nil {
		return err
	}
	if maxPayload > 0 && len(f.Payload) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	return nil
}
