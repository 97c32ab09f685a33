package controller

import (
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tormint/peer/bencode"
	"github.com/tormint/peer/core"
	"github.com/tormint/peer/metainfo"
	"github.com/tormint/peer/peerconn"
	"github.com/tormint/peer/piece"
	"github.com/tormint/peer/pkgstore"
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

type infoT struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length,omitempty"`
}

func buildMetainfo(t *testing.T, pieceLength int64, content []byte) *metainfo.Metainfo {
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
	return mi
}

func newTestController(t *testing.T, pieceLength int64, content []byte) (*Controller, *metainfo.Metainfo) {
	t.Helper()
	mi := buildMetainfo(t, pieceLength, content)
	dest := filepath.Join(t.TempDir(), "file.bin")
	pkg, err := pkgstore.New(mi, dest)
	require.NoError(t, err)
	t.Cleanup(func() { pkg.Close() })

	ct := New(pkg, mi, testPeerID(1), 6881, Config{}, clock.NewMock(), testLogger())
	return ct, mi
}

func mockClock(t *testing.T, ct *Controller) *clock.Mock {
	t.Helper()
	mc, ok := ct.clk.(*clock.Mock)
	require.True(t, ok)
	return mc
}

// newAttachedPeer builds a PeerConn owned by ct, started over a net.Pipe
// whose far end is drained in the background so writeLoop never blocks.
func newAttachedPeer(t *testing.T, ct *Controller, id core.PeerID) *peerconn.PeerConn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	pc := peerconn.New(a, id, ct.InfoHash(), ct, ct, ct.clk, true, testLogger())
	return pc
}

func TestAddPeerRejectsDuplicate(t *testing.T) {
	require := require.New(t)
	ct, _ := newTestController(t, 8, make([]byte, 16))

	id := testPeerID(2)
	p1 := newAttachedPeer(t, ct, id)
	require.NoError(ct.AddPeer(p1))

	p2 := newAttachedPeer(t, ct, id)
	require.Error(ct.AddPeer(p2))
	require.Equal(1, ct.NumPeers())
}

func TestAddPeerEvictsBoredPeerWhenFull(t *testing.T) {
	require := require.New(t)
	ct, _ := newTestController(t, 8, make([]byte, 16))
	ct.cfg.MaxPeers = 1
	ct.cfg.BoredomDeathInterval = time.Minute

	mc := mockClock(t, ct)

	bored := newAttachedPeer(t, ct, testPeerID(2))
	require.NoError(ct.AddPeer(bored))

	mc.Add(2 * time.Minute) // bored peer now eligible for eviction

	newcomer := newAttachedPeer(t, ct, testPeerID(3))
	require.NoError(ct.AddPeer(newcomer))

	require.Equal(1, ct.NumPeers())
	_, stillThere := ct.peers[testPeerID(2)]
	require.False(stillThere)
}

func TestConnClosedRemovesPeer(t *testing.T) {
	require := require.New(t)
	ct, _ := newTestController(t, 8, make([]byte, 16))

	id := testPeerID(2)
	pc := newAttachedPeer(t, ct, id)
	require.NoError(ct.AddPeer(pc))
	require.Equal(1, ct.NumPeers())

	ct.ConnClosed(pc)
	require.Equal(0, ct.NumPeers())
}

func TestNextClaimSkipsPiecesPeerLacks(t *testing.T) {
	require := require.New(t)
	content := []byte("0123456789012345") // 2 pieces of 8
	ct, _ := newTestController(t, 8, content)

	ct.order = []int{0, 1}

	hasOnlyPiece1 := func(pi int) bool { return pi == 1 }
	b, ok := ct.NextClaim(hasOnlyPiece1)
	require.True(ok)
	require.Equal(1, b.PieceIndex)
}

func TestNextClaimReturnsFalseWhenNothingClaimable(t *testing.T) {
	require := require.New(t)
	content := []byte("0123456789012345")
	ct, _ := newTestController(t, 8, content)
	ct.order = []int{0, 1}

	_, ok := ct.NextClaim(func(int) bool { return false })
	require.False(ok)
}

func TestNextClaimEndgameReclaimsFullyClaimedPiece(t *testing.T) {
	require := require.New(t)
	content := []byte("01234567")
	ct, _ := newTestController(t, 8, content)
	ct.order = []int{0}
	ct.endgame = true

	peerHas := func(int) bool { return true }

	first, ok := ct.NextClaim(peerHas)
	require.True(ok)
	require.Equal(int64(0), first.Begin)

	// Every byte is now claimed; without endgame this would return false.
	second, ok := ct.NextClaim(peerHas)
	require.True(ok)
	require.Equal(int64(0), second.Begin)
}

func TestReceivedBlockCompletesPieceAndPackage(t *testing.T) {
	require := require.New(t)
	content := []byte("01234567")
	ct, _ := newTestController(t, 8, content)

	b := piece.NewBlockWithData(0, 0, content)
	require.NoError(ct.ReceivedBlock(testPeerID(2), b))

	p, err := ct.Piece(0)
	require.NoError(err)
	require.True(p.Complete())
	require.True(ct.pkg.Complete())
}

func TestReceivedBlockDiscardsCorruptPiece(t *testing.T) {
	require := require.New(t)
	content := []byte("01234567")
	ct, _ := newTestController(t, 8, content)

	bad := []byte("zzzzzzzz")
	b := piece.NewBlockWithData(0, 0, bad)
	require.NoError(ct.ReceivedBlock(testPeerID(2), b))

	p, err := ct.Piece(0)
	require.NoError(err)
	require.False(p.Complete())
}

func TestPieceScorePrefersStartedOverRarity(t *testing.T) {
	require := require.New(t)
	started := pieceScore(10, 0.5, true, 0.5, false, 10)
	unstarted := pieceScore(0, 0, false, 0.5, false, 10)
	require.Less(started, unstarted)
}

func TestPieceScoreFusekiFavorsMedianPopularity(t *testing.T) {
	require := require.New(t)
	numPeers := 10
	rare := pieceScore(0, 0, false, 0.1, true, numPeers)
	median := pieceScore(5, 0, false, 0.1, true, numPeers)
	require.Less(median, rare) // fuseki favors pieces near num_peers/2, not strict rarest-first
}

func TestApportionSplitsLimitAcrossPeers(t *testing.T) {
	require := require.New(t)
	ct, _ := newTestController(t, 8, make([]byte, 16))
	ct.cfg.Heartbeat = 5 * time.Second
	ct.cfg.BandwidthWindow = 15 * time.Second

	require.Equal(int64(0), ct.apportion(0, 4))
	share := ct.apportion(1000, 4)
	require.Greater(share, int64(0))
}

func TestProgressReflectsCompletedPieces(t *testing.T) {
	require := require.New(t)
	content := []byte("0123456701234567") // 2 pieces of 8
	ct, _ := newTestController(t, 8, content)

	_, _, left := ct.progress()
	require.Equal(int64(16), left)

	require.NoError(ct.ReceivedBlock(testPeerID(2), piece.NewBlockWithData(0, 0, content[:8])))

	_, _, left = ct.progress()
	require.Equal(int64(8), left)
}
