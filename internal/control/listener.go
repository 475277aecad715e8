package control

import (
	"context"
	"errors"
	"fmt"
	"net"

	"grout/internal/logger"
)

// Handler dispatches one decoded request to whatever module id/request id
// it names and returns the payload and POSIX status to frame into the
// response. Per §1/§6, the per-module request dispatch table (which Type
// values exist, their payload schemas) is the collaborator's concern; this
// core models only the boundary contract a Handler must satisfy to sit
// behind Listener, not a full implementation.
type Handler interface {
	Handle(ctx context.Context, hdr RequestHeader, payload []byte) (respPayload []byte, status uint32)
}

// Listener accepts connections on a net.Listener (normally a "unix" socket
// at DefaultSockPath) and decodes/dispatches frames through a Handler. Each
// accepted connection is served by its own goroutine; Listener itself holds
// no datapath state, it only frames and dispatches.
type Listener struct {
	ln      net.Listener
	handler Handler
	lgr     logger.Logger
}

// ListenerOption configures a Listener at construction.
type ListenerOption func(*Listener)

// WithListenerLogger attaches a logger to the listener.
func WithListenerLogger(lgr logger.Logger) ListenerOption {
	return func(l *Listener) { l.lgr = lgr }
}

// NewListener wraps ln, dispatching decoded requests to handler.
func NewListener(ln net.Listener, handler Handler, opts ...ListenerOption) *Listener {
	l := &Listener{ln: ln, handler: handler, lgr: &logger.NopLogger{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Serve accepts connections until ctx is canceled or Accept returns a fatal
// error. Each connection is handled by serveConn in its own goroutine; Serve
// itself never blocks on a single connection.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go l.serveConn(ctx, conn)
	}
}

// serveConn frames and dispatches every request on conn until it errors or
// closes. One bad frame ends only this connection, never the listener.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := NewCodec(conn)

	for {
		hdr, payload, err := codec.ReadRequest()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.lgr.Debug("control connection closed", logger.F("err", err))
			}
			return
		}

		resp, status := l.handler.Handle(ctx, hdr, payload)
		if err := codec.WriteResponse(hdr.ID, status, resp); err != nil {
			l.lgr.Warn("control: write response failed", logger.F("err", err))
			return
		}
	}
}
