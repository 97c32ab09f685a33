package peerconn

import (
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/tormint/peer/bencode"
	"github.com/tormint/peer/core"
	"github.com/tormint/peer/metainfo"
	"github.com/tormint/peer/piece"
	"github.com/tormint/peer/pkgstore"
	"github.com/tormint/peer/wire"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func testPeerID(b byte) core.PeerID {
	var id core.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

type infoT struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length,omitempty"`
}

func buildPackage(t *testing.T, pieceLength int64, content []byte) *pkgstore.Package {
	t.Helper()

	var pieces []byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		h := sha1.Sum(content[off:end])
		pieces = append(pieces, h[:]...)
	}

	raw, err := bencode.Marshal(struct {
		Info     infoT  `bencode:"info"`
		Announce string `bencode:"announce"`
	}{
		Info: infoT{
			PieceLength: pieceLength,
			Pieces:      pieces,
			Name:        "file.bin",
			Length:      int64(len(content)),
		},
		Announce: "http://tracker.example/announce",
	})
	require.NoError(t, err)

	mi, err := metainfo.Decode(raw)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "file.bin")
	pkg, err := pkgstore.New(mi, dest)
	require.NoError(t, err)
	t.Cleanup(func() { pkg.Close() })
	return pkg
}

// fakeController is a minimal peerconn.Controller/Events pair backed by a
// real *pkgstore.Package, so Piece/NumPieces behave exactly as a real
// controller's would without needing the full controller package.
type fakeController struct {
	pkg      *pkgstore.Package
	received []piece.Block
	released []piece.Block
	closed   []*PeerConn
}

func newFakeController(t *testing.T, pieceLength int64, content []byte) *fakeController {
	return &fakeController{pkg: buildPackage(t, pieceLength, content)}
}

func (f *fakeController) NextClaim(peerHas func(int) bool) (piece.Block, bool) {
	return piece.Block{}, false
}
func (f *fakeController) ReleaseClaim(b piece.Block) { f.released = append(f.released, b) }
func (f *fakeController) ReceivedBlock(id core.PeerID, b piece.Block) error {
	f.received = append(f.received, b)
	return nil
}
func (f *fakeController) Piece(pi int) (*piece.Piece, error) { return f.pkg.Piece(pi) }
func (f *fakeController) NumPieces() int                     { return f.pkg.NumPieces() }
func (f *fakeController) ConnClosed(pc *PeerConn)             { f.closed = append(f.closed, pc) }

// pipePair returns a connected PeerConn (over one end of a net.Pipe) and the
// raw far end, for tests to read/write wire messages directly against.
func pipePair(t *testing.T, ctrl *fakeController) (*PeerConn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	pc := New(a, testPeerID(2), core.InfoHash{}, ctrl, ctrl, clock.NewMock(), true, testLogger())
	return pc, b
}

func readMessage(t *testing.T, nc net.Conn) wire.Message {
	t.Helper()
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := wire.Read(nc)
	require.NoError(t, err)
	return m
}

func TestStartSendsInitialBitfield(t *testing.T) {
	require := require.New(t)
	ctrl := newFakeController(t, 8, make([]byte, 16)) // 2 empty pieces
	pc, far := pipePair(t, ctrl)

	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	m := readMessage(t, far)
	require.Equal(wire.Bitfield, m.ID)
}

func TestRemoteBitfieldTriggersInterested(t *testing.T) {
	require := require.New(t)
	content := []byte("0123456701234567") // 2 pieces of 8, neither complete
	ctrl := newFakeController(t, 8, content)
	pc, far := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	readMessage(t, far) // drain our own initial bitfield

	bs := bitset.New(2)
	bs.Set(0)
	require.NoError(wire.Write(far, wire.NewBitfield(bitfieldBytes(bs, 2))))

	m := readMessage(t, far)
	require.Equal(wire.Interested, m.ID)
	require.True(pc.PeerHasPiece(0))
	require.False(pc.PeerHasPiece(1))
}

func TestHandleHaveUpdatesBitfield(t *testing.T) {
	require := require.New(t)
	content := make([]byte, 16)
	ctrl := newFakeController(t, 8, content)
	pc, far := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	readMessage(t, far) // our initial bitfield

	require.NoError(wire.Write(far, wire.NewHave(1)))
	readMessage(t, far) // resulting interested

	require.True(pc.PeerHasPiece(1))
	require.False(pc.PeerHasPiece(0))
}

func TestSendHaveEnqueuesHaveMessage(t *testing.T) {
	require := require.New(t)
	ctrl := newFakeController(t, 8, make([]byte, 8))
	pc, far := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	readMessage(t, far) // initial bitfield

	pc.SendHave(0)
	m := readMessage(t, far)
	require.Equal(wire.Have, m.ID)
	require.Equal(0, m.PieceIndex)
}

func TestCloseIsSafeBeforeStart(t *testing.T) {
	ctrl := newFakeController(t, 8, make([]byte, 8))
	pc, _ := pipePair(t, ctrl)
	pc.Close()
	pc.Close() // idempotent
	require.False(t, pc.IsRunning())
}

func TestCloseNotifiesEventsAndReleasesClaims(t *testing.T) {
	require := require.New(t)
	ctrl := newFakeController(t, 8, make([]byte, 8))
	pc, _ := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())

	b := piece.NewBlock(0, 0, 8)
	pc.wantBlocks[b.Key()] = &wantedBlock{block: b}

	pc.Close()
	require.Eventually(func() bool { return len(ctrl.closed) == 1 }, time.Second, time.Millisecond)
	require.Len(ctrl.released, 1)
	require.Equal(b, ctrl.released[0])
}

func TestHandleRequestIgnoredWhileChoking(t *testing.T) {
	require := require.New(t)
	ctrl := newFakeController(t, 8, make([]byte, 8))
	pc, far := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	readMessage(t, far) // initial bitfield

	require.NoError(wire.Write(far, wire.NewRequest(0, 0, 8)))
	time.Sleep(10 * time.Millisecond)

	pc.mu.Lock()
	n := len(pc.peerWantBlocks)
	pc.mu.Unlock()
	require.Equal(0, n) // still choking by default, request dropped
}

func TestHandlePieceDeliversReceivedBlock(t *testing.T) {
	require := require.New(t)
	content := []byte("01234567")
	ctrl := newFakeController(t, 8, content)
	pc, far := pipePair(t, ctrl)
	pc.Start(ctrl.pkg.Bitfield(), ctrl.pkg.NumPieces())
	defer pc.Close()

	readMessage(t, far) // initial bitfield

	b := piece.NewBlock(0, 0, 8)
	pc.wantBlocks[b.Key()] = &wantedBlock{block: b, requested: true, requestTime: time.Now()}

	require.NoError(wire.Write(far, wire.NewPiece(0, 0, content)))

	require.Eventually(func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return len(ctrl.received) == 1
	}, time.Second, time.Millisecond)
	require.Equal(content, ctrl.received[0].Data())
}
