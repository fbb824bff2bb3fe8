package audiosocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ErrServerClosed is returned by Accept after Close.
var ErrServerClosed = errors.New("audiosocket: server closed")

// Server accepts AudioSocket streams and hands them out by stream ID.
// The PBX dials in with an ID chosen by us when the external-media
// channel was created, so Accept is a rendezvous on that ID.
type Server struct {
	logger *slog.Logger
	ln     net.Listener

	mu      sync.Mutex
	conns   map[string]*Conn
	waiters map[string]chan *Conn
	closed  bool
}

// Listen starts accepting AudioSocket connections on addr.
func Listen(addr string, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:  logger,
		ln:      ln,
		conns:   make(map[string]*Conn),
		waiters: make(map[string]chan *Conn),
	}
	go s.acceptLoop()
	logger.Info("[AudioSocket] Listening", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	id, err := handshake(nc)
	if err != nil {
		s.logger.Warn("[AudioSocket] Handshake failed", "error", err)
		nc.Close()
		return
	}
	conn := newConn(id, nc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if w, ok := s.waiters[id]; ok {
		delete(s.waiters, id)
		s.mu.Unlock()
		w <- conn
		return
	}
	s.conns[id] = conn
	s.mu.Unlock()
	s.logger.Debug("[AudioSocket] Stream connected", "id", id)
}

// Accept waits for the stream with the given ID to connect.
func (s *Server) Accept(ctx context.Context, id string) (*Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if conn, ok := s.conns[id]; ok {
		delete(s.conns, id)
		s.mu.Unlock()
		return conn, nil
	}
	ch := make(chan *Conn, 1)
	s.waiters[id] = ch
	s.mu.Unlock()

	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, ErrServerClosed
		}
		return conn, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close stops the listener and closes any unclaimed streams.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return s.ln.Close()
}
