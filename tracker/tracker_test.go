package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tormint/peer/bencode"
	"github.com/tormint/peer/core"
)

func testPeerID(b byte) core.PeerID {
	var id core.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestAnnounceCompactPeers(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("1", r.URL.Query().Get("compact"))
		body, err := bencode.Marshal(struct {
			Interval int64  `bencode:"interval"`
			Peers    string `bencode:"peers"`
		}{
			Interval: 1800,
			Peers:    string([]byte{192, 168, 1, 1, 0x1A, 0xE1}), // 192.168.1.1:6881
		})
		require.NoError(err)
		w.Write(body)
	}))
	defer srv.Close()

	conn := New(Config{Compact: true}, core.InfoHash{}, testPeerID(1), 6881, srv.URL, nil)
	peers, interval, err := conn.Announce(EventStarted, 0, 0, 100)
	require.NoError(err)
	require.Equal(1800*1e9, float64(interval))
	require.Len(peers, 1)
	require.Equal("192.168.1.1", peers[0].IP)
	require.Equal(6881, peers[0].Port)
}

func TestAnnounceDictPeers(t *testing.T) {
	require := require.New(t)

	other := testPeerID(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := bencode.Marshal(struct {
			Peers []struct {
				PeerID string `bencode:"peer id"`
				IP     string `bencode:"ip"`
				Port   int    `bencode:"port"`
			} `bencode:"peers"`
		}{
			Peers: []struct {
				PeerID string `bencode:"peer id"`
				IP     string `bencode:"ip"`
				Port   int    `bencode:"port"`
			}{
				{PeerID: string(other[:]), IP: "10.0.0.5", Port: 6882},
			},
		})
		require.NoError(err)
		w.Write(body)
	}))
	defer srv.Close()

	conn := New(Config{Compact: false}, core.InfoHash{}, testPeerID(1), 6881, srv.URL, nil)
	peers, _, err := conn.Announce(EventNone, 0, 0, 0)
	require.NoError(err)
	require.Len(peers, 1)
	require.Equal(other, peers[0].PeerID)
	require.Equal("10.0.0.5", peers[0].IP)
}

func TestAnnounceFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := bencode.Marshal(struct {
			FailureReason string `bencode:"failure reason"`
		}{FailureReason: "bad info_hash"})
		require.NoError(err)
		w.Write(body)
	}))
	defer srv.Close()

	conn := New(Config{}, core.InfoHash{}, testPeerID(1), 6881, srv.URL, nil)
	_, _, err := conn.Announce(EventNone, 0, 0, 0)
	require.Error(err)
	var fe *ErrFailure
	require.ErrorAs(err, &fe)
	require.Equal("bad info_hash", fe.Reason)
}

func TestAnnounceFallsBackOnNextURLInTier(t *testing.T) {
	require := require.New(t)

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(struct {
			Peers string `bencode:"peers"`
		}{Peers: ""})
		w.Write(body)
	}))
	defer good.Close()

	conn := New(Config{}, core.InfoHash{}, testPeerID(1), 6881, "", [][]string{{"http://127.0.0.1:1", good.URL}})
	peers, _, err := conn.Announce(EventNone, 0, 0, 0)
	require.NoError(err)
	require.Empty(peers)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	require := require.New(t)

	conn := New(Config{InitialBackoff: 5e9, MaxBackoff: 20e9}, core.InfoHash{}, testPeerID(1), 6881, "http://example.com", nil)
	require.Equal(int64(5e9), int64(conn.NextBackoff()))
	require.Equal(int64(10e9), int64(conn.NextBackoff()))
	require.Equal(int64(20e9), int64(conn.NextBackoff()))
	require.Equal(int64(20e9), int64(conn.NextBackoff())) // capped
	conn.ResetBackoff()
	require.Equal(int64(5e9), int64(conn.NextBackoff()))
}

func TestExhaustedPeersTriggersEscalation(t *testing.T) {
	require := require.New(t)

	conn := New(Config{NumWant: 1}, core.InfoHash{}, testPeerID(1), 6881, "http://example.com", nil)
	peers := []PeerAddr{{PeerID: testPeerID(9)}}
	require.False(conn.ExhaustedPeers(peers))
	conn.MarkTried(testPeerID(9))
	require.True(conn.ExhaustedPeers(peers))
	conn.EscalateNumWant()
	require.False(conn.ExhaustedPeers(peers))
}
