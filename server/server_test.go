package server

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tormint/peer/core"
	"github.com/tormint/peer/peerconn"
	"github.com/tormint/peer/piece"
	"github.com/tormint/peer/wire"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testPeerID(b byte) core.PeerID {
	var id core.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

// stubController is a minimal server.Controller for testing routing, without
// needing a real package on disk.
type stubController struct {
	infoHash core.InfoHash
	added    chan *peerconn.PeerConn
	addErr   error
}

func newStubController(infoHash core.InfoHash) *stubController {
	return &stubController{infoHash: infoHash, added: make(chan *peerconn.PeerConn, 1)}
}

func (s *stubController) InfoHash() core.InfoHash { return s.infoHash }

func (s *stubController) AddPeer(pc *peerconn.PeerConn) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.added <- pc
	return nil
}

func (s *stubController) NextClaim(func(int) bool) (piece.Block, bool) { return piece.Block{}, false }
func (s *stubController) ReleaseClaim(piece.Block)                     {}
func (s *stubController) ReceivedBlock(core.PeerID, piece.Block) error { return nil }
func (s *stubController) Piece(int) (*piece.Piece, error) {
	return nil, errors.New("stubController: no pieces")
}
func (s *stubController) NumPieces() int                 { return 0 }
func (s *stubController) ConnClosed(*peerconn.PeerConn) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(testPeerID(1), Config{Port: 0}, clock.New(), testLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func TestServerRoutesKnownInfoHash(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t)
	infoHash := core.NewInfoHashFromBytes([]byte("some fake info dict"))
	ctrl := newStubController(infoHash)
	srv.Register(ctrl)

	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(err)
	defer nc.Close()

	h := wire.NewHandshaker(testPeerID(2), 2*time.Second)
	_, err = h.Initiate(nc, infoHash)
	require.NoError(err)

	select {
	case pc := <-ctrl.added:
		require.Equal(testPeerID(2), pc.PeerID()) // accepted peer is identified by the dialer's peer_id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AddPeer")
	}
}

func TestServerRejectsUnknownInfoHash(t *testing.T) {
	require := require.New(t)

	srv := newTestServer(t)

	nc, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(err)
	defer nc.Close()

	unknown := core.NewInfoHashFromBytes([]byte("nobody registered this"))
	h := wire.NewHandshaker(testPeerID(2), 2*time.Second)
	_, err = h.Initiate(nc, unknown)
	require.Error(err)
}

func TestPortReturnsBoundPort(t *testing.T) {
	require := require.New(t)
	srv := newTestServer(t)
	require.NotZero(srv.Port())
}
