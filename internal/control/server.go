package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Handler answers one decoded request with a response payload (no framing
// — Server takes care of Encode/Fragment).
type Handler func(ctx context.Context, req Message) ([]byte, error)

// Server listens on a UNIX datagram socket and dispatches requests to a
// registered Handler per Command.
type Server struct {
	conn     *net.UnixConn
	handlers map[Command]Handler
	log      *slog.Logger
}

// Listen opens a UNIX datagram socket at path. Any existing socket file at
// path is removed first, matching dvblastctl's own socket lifecycle.
func Listen(path string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	return &Server{conn: conn, handlers: make(map[Command]Handler), log: log.With("component", "control.server")}, nil
}

// Handle registers a Handler for cmd, replacing any existing registration.
func (s *Server) Handle(cmd Command, h Handler) {
	s.handlers[cmd] = h
}

// Close closes the underlying socket.
func (s *Server) Close() error { return s.conn.Close() }

// Run serves requests until ctx is canceled or the socket errors.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, MaxMsgChunk)
	for {
		n, raddr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read failed", "error", err)
			continue
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			s.log.Warn("decode failed", "error", err)
			continue
		}

		h, ok := s.handlers[msg.Command]
		if !ok {
			s.log.Warn("no handler registered", "command", msg.Command)
			continue
		}

		resp, err := h(ctx, msg)
		if err != nil {
			s.log.Warn("handler failed", "command", msg.Command, "error", err)
			continue
		}
		if raddr == nil {
			continue // anonymous sender, cannot reply
		}
		for _, frame := range Fragment(msg.Command, resp) {
			if _, err := s.conn.WriteToUnix(frame, raddr); err != nil {
				s.log.Warn("write failed", "command", msg.Command, "error", err)
				break
			}
		}
	}
}
