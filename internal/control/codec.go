package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// wire byte order for header fields; the original's gr_api.h struct layout
// is native-endian C on a little-endian target, which binary.LittleEndian
// matches byte-for-byte.
var wireOrder = binary.LittleEndian

// Codec reads requests from and writes responses to one control-socket
// connection. It performs no buffering of its own and never flushes rw;
// Listener.serveConn hands it the raw net.Conn.
type Codec struct {
	rw io.ReadWriter
}

// NewCodec wraps rw for request/response framing.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// ReadRequest reads one RequestHeader followed by its payload. An oversized
// PayloadLen (> MaxMessageLen) is rejected before any payload bytes are
// read, so a misbehaving peer cannot force an unbounded allocation.
func (c *Codec) ReadRequest() (RequestHeader, []byte, error) {
	var hdr RequestHeader
	if err := binary.Read(c.rw, wireOrder, &hdr); err != nil {
		return RequestHeader{}, nil, fmt.Errorf("control: read request header: %w", err)
	}
	if hdr.PayloadLen > MaxMessageLen {
		return RequestHeader{}, nil, fmt.Errorf("control: request %d payload %d exceeds MaxMessageLen", hdr.ID, hdr.PayloadLen)
	}
	payload := make([]byte, hdr.PayloadLen)
	if hdr.PayloadLen > 0 {
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return RequestHeader{}, nil, fmt.Errorf("control: read request %d payload: %w", hdr.ID, err)
		}
	}
	return hdr, payload, nil
}

// WriteResponse writes a ResponseHeader for request id forID with the given
// POSIX status and payload. status is 0 on success, a syscall.Errno value
// otherwise (see Bridge's methods).
func (c *Codec) WriteResponse(forID uint32, status uint32, payload []byte) error {
	if len(payload) > MaxMessageLen {
		return fmt.Errorf("control: response %d payload %d exceeds MaxMessageLen", forID, len(payload))
	}
	hdr := ResponseHeader{ForID: forID, Status: status, PayloadLen: uint32(len(payload))}
	if err := binary.Write(c.rw, wireOrder, &hdr); err != nil {
		return fmt.Errorf("control: write response header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			return fmt.Errorf("control: write response %d payload: %w", forID, err)
		}
	}
	return nil
}
