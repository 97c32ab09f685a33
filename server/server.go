// Package server implements the listening half of a peer: a single TCP
// listener shared by every package this process serves, dispatching each
// accepted connection to the Controller whose info_hash it names.
package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/tormint/peer/core"
	"github.com/tormint/peer/peerconn"
	"github.com/tormint/peer/wire"
)

// Controller is the slice of a per-package controller's API the server
// needs: enough to route an accepted connection to it and hand over an
// already-handshaken PeerConn.
type Controller interface {
	peerconn.Controller
	peerconn.Events
	InfoHash() core.InfoHash
	AddPeer(*peerconn.PeerConn) error
}

// Server owns the process-wide listening socket and a table of Controllers
// keyed by info_hash, one per package currently being shared or downloaded.
// There is one Server per process; it is constructed and owned explicitly
// by whatever assembles the process, not reached through a package-level
// singleton.
type Server struct {
	peerID     core.PeerID
	cfg        Config
	clk        clock.Clock
	logger     *zap.SugaredLogger
	handshaker *wire.Handshaker

	mu          sync.Mutex
	controllers map[core.InfoHash]Controller

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a Server identifying this process as peerID.
func New(peerID core.PeerID, cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *Server {
	cfg = cfg.applyDefaults()
	return &Server{
		peerID:      peerID,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		handshaker:  wire.NewHandshaker(peerID, cfg.HandshakeTimeout),
		controllers: make(map[core.InfoHash]Controller),
		done:        make(chan struct{}),
	}
}

// Register makes ctrl reachable by incoming connections naming its
// info_hash. Safe to call before or after Start.
func (s *Server) Register(ctrl Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[ctrl.InfoHash()] = ctrl
}

// Deregister removes the Controller for infoHash, rejecting any further
// incoming connections naming it.
func (s *Server) Deregister(infoHash core.InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controllers, infoHash)
}

func (s *Server) lookup(infoHash core.InfoHash) (Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl, ok := s.controllers[infoHash]
	return ctrl, ok
}

// Start binds the listening socket and begins accepting connections.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen: %s", err)
	}
	s.listener = l

	s.logger.Infow("server: listening", "addr", l.Addr().String(), "peer_id", s.peerID)

	s.wg.Add(1)
	go s.listenLoop()
	return nil
}

// Port returns the bound listening port, resolving an ephemeral (0) port to
// whatever the OS actually chose. Only valid after Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listening socket and waits for the accept loop to exit.
// Already-accepted connections are left to their owning Controllers, which
// are responsible for closing them on their own Stop.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
	})
}

func (s *Server) listenLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Infow("server: accept failed, exiting listen loop", "err", err)
			}
			return
		}
		go s.handleIncoming(nc)
	}
}

func (s *Server) handleIncoming(nc net.Conn) {
	pending, err := s.handshaker.AcceptPrefix(nc)
	if err != nil {
		s.logger.Debugw("server: handshake prefix failed", "err", err)
		nc.Close()
		return
	}

	ctrl, ok := s.lookup(pending.InfoHash)
	if !ok {
		s.logger.Debugw("server: unknown info_hash, rejecting", "info_hash", pending.InfoHash.Hex())
		nc.Close()
		return
	}

	peerID, err := s.handshaker.CompleteAccept(nc, pending.InfoHash)
	if err != nil {
		s.logger.Debugw("server: handshake completion failed", "err", err)
		nc.Close()
		return
	}

	pc := peerconn.New(nc, peerID, pending.InfoHash, ctrl, ctrl, s.clk, true, s.logger)
	if err := ctrl.AddPeer(pc); err != nil {
		s.logger.Debugw("server: rejecting incoming peer", "peer", peerID, "err", err)
		pc.Close()
	}
}
