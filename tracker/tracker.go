// Package tracker implements the TrackerConnection component: HTTP
// announces against a single metainfo's tracker tiers, an exponential
// backoff schedule for the caller to wait out after a failed announce, and
// dict/compact peer-list parsing. It runs no loop of its own; the caller
// decides when to announce.
package tracker

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/tormint/peer/bencode"
	"github.com/tormint/peer/core"
)

// Event is the announce lifecycle event sent as the tracker's "event" query
// parameter.
type Event string

// Announce events, per BEP3.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// ErrFailure wraps a tracker-reported "failure reason".
type ErrFailure struct {
	Reason string
}

func (e *ErrFailure) Error() string {
	return fmt.Sprintf("tracker: failure reason: %s", e.Reason)
}

// PeerAddr is one peer returned by an announce, dialable at IP:Port.
type PeerAddr struct {
	PeerID core.PeerID
	IP     string
	Port   int
}

// Config configures a Connection's HTTP behavior.
type Config struct {
	// Timeout bounds each HTTP announce request.
	Timeout time.Duration `yaml:"timeout"`
	// Compact requests the compact peer-list encoding (BEP23).
	Compact bool `yaml:"compact"`
	// InitialBackoff is the retry delay after the first failed announce.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// NumWant is the initial number of peers requested per announce.
	NumWant int `yaml:"numwant"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 5 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 3600 * time.Second
	}
	if c.NumWant == 0 {
		c.NumWant = 50
	}
	return c
}

// Connection announces one package's progress to its metainfo's tracker
// tiers, escalating numwant once every peer in the currently active
// tracker's response has been tried.
type Connection struct {
	config   Config
	infoHash core.InfoHash
	peerID   core.PeerID
	port     int
	client   *http.Client
	backoff  *backoff.ExponentialBackOff

	tiers   [][]string
	tierIdx int
	urlIdx  int

	numWant int
	tried   map[string]bool
}

// New returns a Connection that will announce for infoHash against the
// tiers named by announce/announceList (announce is treated as tier 0 if
// announceList is absent), each tier shuffled independently.
func New(config Config, infoHash core.InfoHash, peerID core.PeerID, port int, announce string, announceList [][]string) *Connection {
	config = config.applyDefaults()

	tiers := announceList
	if len(tiers) == 0 {
		tiers = [][]string{{announce}}
	}
	shuffled := make([][]string, len(tiers))
	for i, tier := range tiers {
		cp := append([]string(nil), tier...)
		rand.Shuffle(len(cp), func(a, b int) { cp[a], cp[b] = cp[b], cp[a] })
		shuffled[i] = cp
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialBackoff
	b.MaxInterval = config.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Connection{
		config:   config,
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		client:   &http.Client{Timeout: config.Timeout},
		backoff:  b,
		tiers:    shuffled,
		numWant:  config.NumWant,
		tried:    make(map[string]bool),
	}
}

// NextBackoff returns the delay to wait before retrying after a failed
// announce, doubling each call and capped at config.MaxBackoff.
func (c *Connection) NextBackoff() time.Duration {
	return c.backoff.NextBackOff()
}

// ResetBackoff resets the retry delay to its initial value, called after a
// successful announce.
func (c *Connection) ResetBackoff() {
	c.backoff.Reset()
}

// ExhaustedPeers reports whether every peer returned by the current
// tracker's announce list has been marked with MarkTried and
// numwant is not larger than that list — the controller's signal to
// escalate numwant by 50 and force a refresh.
func (c *Connection) ExhaustedPeers(lastPeers []PeerAddr) bool {
	if c.numWant > len(lastPeers) {
		return false
	}
	for _, p := range lastPeers {
		if !c.tried[p.PeerID.String()] {
			return false
		}
	}
	return true
}

// EscalateNumWant increases numwant by 50 for the next announce.
func (c *Connection) EscalateNumWant() {
	c.numWant += 50
}

// MarkTried records that the peer with id has been tried, so
// ExhaustedPeers can detect when a tracker's candidate list has run dry.
// Peers are matched by id only, so a peer listed without one (as in a
// compact response) never counts as tried.
func (c *Connection) MarkTried(id core.PeerID) {
	c.tried[id.String()] = true
}

// Announce sends one GET request to the current tier's current URL,
// advancing to the next URL in the tier (and next tier) only on failure.
// Returns the peers, the server's refresh interval (0 if absent), and an
// error. event should be EventStarted on the first call, EventCompleted
// once when the package finishes, EventStopped on shutdown, and
// EventNone for ordinary refreshes.
func (c *Connection) Announce(event Event, uploaded, downloaded, left int64) ([]PeerAddr, time.Duration, error) {
	var lastErr error
	for ti := c.tierIdx; ti < len(c.tiers); ti++ {
		tier := c.tiers[ti]
		startURL := 0
		if ti == c.tierIdx {
			startURL = c.urlIdx
		}
		for ui := startURL; ui < len(tier); ui++ {
			peers, interval, err := c.announceOne(tier[ui], event, uploaded, downloaded, left, c.config.Compact)
			if err != nil {
				lastErr = err
				continue
			}
			c.tierIdx, c.urlIdx = ti, ui
			return peers, interval, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("tracker: no announce URLs configured")
	}
	return nil, 0, lastErr
}

func (c *Connection) announceOne(announceURL string, event Event, uploaded, downloaded, left int64, compact bool) ([]PeerAddr, time.Duration, error) {
	peers, interval, err := c.doAnnounce(announceURL, event, uploaded, downloaded, left, compact)
	if err != nil && compact {
		// Spec: on parse failure with compact=1, retry with compact=0 once.
		return c.doAnnounce(announceURL, event, uploaded, downloaded, left, false)
	}
	return peers, interval, err
}

func (c *Connection) doAnnounce(announceURL string, event Event, uploaded, downloaded, left int64, compact bool) ([]PeerAddr, time.Duration, error) {
	// info_hash and peer_id are escaped by hand (not url.Values.Encode, which
	// would double-escape an already-percent-encoded binary string) since
	// they're arbitrary 20-byte strings, not text.
	v := url.Values{}
	v.Set("port", strconv.Itoa(c.port))
	v.Set("uploaded", strconv.FormatInt(uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(downloaded, 10))
	v.Set("left", strconv.FormatInt(left, 10))
	v.Set("numwant", strconv.Itoa(c.numWant))
	if compact {
		v.Set("compact", "1")
	} else {
		v.Set("compact", "0")
	}
	if event != EventNone {
		v.Set("event", string(event))
	}

	sep := "?"
	if containsQuery(announceURL) {
		sep = "&"
	}
	full := fmt.Sprintf("%s%sinfo_hash=%s&peer_id=%s&%s",
		announceURL, sep, escapeBinary(c.infoHash.Bytes()), escapeBinary(c.peerID[:]), v.Encode())

	req, err := http.NewRequest(http.MethodGet, full, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: build request: %s", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: announce request: %s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: read response: %s", err)
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(body, &tr); err != nil {
		return nil, 0, fmt.Errorf("tracker: decode response: %s", err)
	}
	if tr.FailureReason != "" {
		return nil, 0, &ErrFailure{Reason: tr.FailureReason}
	}

	peers, err := parsePeers(tr.Peers)
	if err != nil {
		return nil, 0, err
	}

	var interval time.Duration
	if tr.Interval > 0 {
		interval = time.Duration(tr.Interval) * time.Second
	}
	return peers, interval, nil
}

func containsQuery(u string) bool {
	for _, r := range u {
		if r == '?' {
			return true
		}
	}
	return false
}

// escapeBinary percent-encodes every byte of b, the way BitTorrent clients
// escape binary query parameters (net/url's QueryEscape treats some bytes,
// like space, specially in ways trackers don't expect).
func escapeBinary(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%', hex[c>>4], hex[c&0xf])
	}
	return string(out)
}

type trackerResponse struct {
	FailureReason string             `bencode:"failure reason,omitempty"`
	Interval      int64              `bencode:"interval,omitempty"`
	Complete      int64              `bencode:"complete,omitempty"`
	Incomplete    int64              `bencode:"incomplete,omitempty"`
	Peers         bencode.RawMessage `bencode:"peers,omitempty"`
}

type peerDict struct {
	PeerID string `bencode:"peer id,omitempty"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// parsePeers decodes raw's peers field, which is either a bencoded list of
// peer dicts or a compact byte string of 6-byte (4-byte IPv4 + 2-byte port)
// records.
func parsePeers(raw bencode.RawMessage) ([]PeerAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case 'l':
		var dicts []peerDict
		if err := bencode.Unmarshal(raw, &dicts); err != nil {
			return nil, fmt.Errorf("tracker: decode peer dicts: %s", err)
		}
		out := make([]PeerAddr, 0, len(dicts))
		for _, d := range dicts {
			addr := PeerAddr{IP: d.IP, Port: d.Port}
			if d.PeerID != "" {
				if id, err := core.NewPeerIDFromBytes([]byte(d.PeerID)); err == nil {
					addr.PeerID = id
				}
			}
			out = append(out, addr)
		}
		return out, nil
	default:
		var blob string
		if err := bencode.Unmarshal(raw, &blob); err != nil {
			return nil, fmt.Errorf("tracker: decode compact peers: %s", err)
		}
		b := []byte(blob)
		if len(b)%6 != 0 {
			return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(b))
		}
		out := make([]PeerAddr, 0, len(b)/6)
		for i := 0; i < len(b); i += 6 {
			ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
			port := int(b[i+4])<<8 | int(b[i+5])
			out = append(out, PeerAddr{IP: ip, Port: port})
		}
		return out, nil
	}
}
