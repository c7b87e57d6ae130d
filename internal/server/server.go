// Package server accepts connections and runs one session per client.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"boltalka/internal/config"
	"boltalka/internal/hub"
	"boltalka/internal/transfer"
	"boltalka/internal/wire"
)

const (
	// TLSHandshakeTimeout bounds the TLS handshake; a connection that
	// fails it is closed without writing anything.
	TLSHandshakeTimeout = 10 * time.Second
	// ShutdownTimeout bounds the graceful drain of all sessions.
	ShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	transfers *transfer.Coordinator
	tlsConf   *tls.Config

	active atomic.Int64
	ln     net.Listener
}

func New(cfg *config.Config, h *hub.Hub, tr *transfer.Coordinator, tlsConf *tls.Config) *Server {
	return &Server{cfg: cfg, hub: h, transfers: tr, tlsConf: tlsConf}
}

// Addr returns the bound listen address; valid once Serve has started.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Listen binds the configured address. Kept separate from Serve so the
// caller can treat a bind failure differently from a serve error.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	slog.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsConf != nil, "max_clients", s.cfg.MaxClients)
	return nil
}

// Serve accepts until ctx is cancelled, then drains every session.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	c := conn
	if s.tlsConf != nil {
		tc := tls.Server(conn, s.tlsConf)
		_ = tc.SetDeadline(time.Now().Add(TLSHandshakeTimeout))
		if err := tc.Handshake(); err != nil {
			slog.Info("tls handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		_ = tc.SetDeadline(time.Time{})
		c = tc
	}

	if !s.admit() {
		slog.Warn("capacity exceeded, rejecting", "remote", conn.RemoteAddr().String())
		_ = wire.NewCodec(c).WriteFrame(wire.Err(wire.CodeCapacityExceeded, "server is full"))
		return
	}
	defer s.active.Add(-1)

	newSession(c, s.hub, s.transfers).run()
}

// admit reserves a connection slot, failing at max_clients.
func (s *Server) admit() bool {
	for {
		cur := s.active.Load()
		if cur >= int64(s.cfg.MaxClients) {
			return false
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// shutdown kicks every session and waits for the drains to finish.
func (s *Server) shutdown() {
	slog.Info("shutting down", "sessions", s.active.Load())
	s.hub.CloseAll(wire.ReasonServerDown)

	deadline := time.Now().Add(ShutdownTimeout)
	for s.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := s.active.Load(); n > 0 {
		slog.Warn("sessions did not drain in time", "remaining", n)
	}
}
