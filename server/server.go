// Package server accepts one JSON request per connection and answers it through the gateway.
// It listens on TCP or on vsock for enclave deployments.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/timedauction/api"
	"github.com/cloudx-io/timedauction/gateway"
)

// Handler answers one decoded request.
type Handler interface {
	Handle(ctx context.Context, raw []byte) api.Response
}

var _ Handler = (*gateway.Gateway)(nil)

// maxRequestBytes bounds a single request body.
const maxRequestBytes = 1 << 20

// Server is the connection server.
type Server struct {
	handler     Handler
	maxWorkers  int
	readTimeout time.Duration
	log         zerolog.Logger
}

// New returns a server that runs at most maxWorkers requests concurrently.
func New(handler Handler, maxWorkers int, readTimeout time.Duration, log zerolog.Logger) *Server {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Server{
		handler:     handler,
		maxWorkers:  maxWorkers,
		readTimeout: readTimeout,
		log:         log,
	}
}

// Listen opens the listener for network "tcp" (on addr) or "vsock" (on port).
func Listen(network, addr string, port uint32) (net.Listener, error) {
	switch network {
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		return listener, nil
	case "vsock":
		listener, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		return listener, nil
	default:
		return nil, fmt.Errorf("unsupported listen network %q", network)
	}
}

// Serve accepts connections until ctx is canceled, then closes the listener and waits
// for in-flight requests. Accepted requests run to completion: their context keeps
// ctx's values but not its cancellation.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	semaphore := make(chan struct{}, s.maxWorkers)

	s.log.Info().
		Str("addr", listener.Addr().String()).
		Int("max_workers", s.maxWorkers).
		Msg("Connection server listening")

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to close listener")
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("Failed to accept connection")
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(context.WithoutCancel(ctx), c)
			}(conn)
		default:
			s.log.Info().Msg("No workers available, rejecting connection (pool full)")
			go s.reject(conn)
		}
	}

	// Wait for in-flight workers by filling every slot
	for i := 0; i < s.maxWorkers; i++ {
		semaphore <- struct{}{}
	}
	s.log.Info().Msg("Connection server stopped")
	return nil
}

func (s *Server) reject(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	resp := api.ErrorResponse(api.CodeUnavailable, "server busy")
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write busy response")
	}
	// Drain the unread request so closing does not reset the connection
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = io.Copy(io.Discard, conn)
	}
	if err := conn.Close(); err != nil {
		s.log.Error().Err(err).Msg("Failed to close rejected connection")
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Panic recovered in handleConnection")
		}
		if err := conn.Close(); err != nil {
			s.log.Error().Err(err).Msg("Failed to close connection")
		}
	}()

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	var raw json.RawMessage
	dec := json.NewDecoder(&limitedReader{conn: conn, remaining: maxRequestBytes})
	if err := dec.Decode(&raw); err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Failed to read request")
		s.write(conn, api.ErrorResponse(api.CodeBadRequest, fmt.Sprintf("Failed to read request: %v", err)))
		return
	}

	start := time.Now()
	resp := s.handler.Handle(ctx, raw)

	s.log.Info().
		Str("type", resp.Type).
		Bool("success", resp.Success).
		Str("code", resp.Code).
		Dur("elapsed", time.Since(start)).
		Msg("Request handled")

	s.write(conn, resp)
}

func (s *Server) write(conn net.Conn, resp api.Response) {
	if s.readTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// limitedReader fails reads past the request size limit.
type limitedReader struct {
	conn      net.Conn
	remaining int64
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, fmt.Errorf("request exceeds %d bytes", maxRequestBytes)
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.conn.Read(p)
	r.remaining -= int64(n)
	return n, err
}
