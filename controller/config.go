package controller

import (
	"time"

	"github.com/tormint/peer/tracker"
)

// Config configures a Controller's policy knobs. Every field except
// DownloadLimit, UploadLimit and Tracker has a spec-mandated default
// applied by applyDefaults, following the teacher's
// yaml-tagged Config/applyDefaults idiom used throughout its scheduler
// subpackages.
type Config struct {
	// Heartbeat is how often the controller's main policy loop runs.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// CalcFriendsInterval is how often choke/unchoke ranking runs.
	CalcFriendsInterval time.Duration `yaml:"calc_friends_interval"`
	// CalcOptUnchokesInterval is how often optimistic-unchoke slots are
	// reassigned.
	CalcOptUnchokesInterval time.Duration `yaml:"calc_optunchokes_interval"`
	// NumFriends is the number of non-optimistic unchoke slots.
	NumFriends int `yaml:"num_friends"`
	// NumOptUnchokes is the baseline number of optimistic-unchoke slots.
	NumOptUnchokes int `yaml:"num_optunchokes"`
	// NewOptUnchokeProb is the probability of awarding an optimistic
	// unchoke to each eligible candidate, youngest-first.
	NewOptUnchokeProb float64 `yaml:"new_optunchoke_prob"`
	// PopRecalcThresh is the number of pieces completed locally since the
	// last piece-order recalculation that forces the next one. Have and
	// bitfield messages from peers are not counted toward it.
	PopRecalcThresh int `yaml:"pop_recalc_thresh"`
	// PopRecalcLimit bounds how long a piece-order recalculation may lag
	// behind changes.
	PopRecalcLimit time.Duration `yaml:"pop_recalc_limit"`
	// MaxPeers caps the number of simultaneously connected peers.
	MaxPeers int `yaml:"max_peers"`
	// SilentDeathInterval is how long since a peer's last send before the
	// controller shuts it down as unresponsive.
	SilentDeathInterval time.Duration `yaml:"silent_death_interval"`
	// BoredomDeathInterval is how long a peer may go without sending any
	// bytes before it becomes eligible for eviction to make room for an
	// incoming connection.
	BoredomDeathInterval time.Duration `yaml:"boredom_death_interval"`
	// AntisnubInterval is how long an unchoked, interested peer may go
	// without sending a block before counting as snubbing us.
	AntisnubInterval time.Duration `yaml:"antisnub_interval"`
	// AntisnubRateThreshold is the aggregate download rate, in bytes/sec,
	// below which antisnub mode engages.
	AntisnubRateThreshold float64 `yaml:"antisnub_rate_threshold"`
	// EndgameRemainingPieces is the remaining incomplete piece count at or
	// below which end-game mode engages.
	EndgameRemainingPieces int `yaml:"endgame_remaining_pieces"`
	// FusekiCompletedPieces is the completed piece count below which
	// fuseki (opening) mode stays active.
	FusekiCompletedPieces int `yaml:"fuseki_completed_pieces"`
	// KeepaliveInterval is how long since a peer's last send before a
	// keepalive is enqueued.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// BandwidthWindow is the trailing window used in the bandwidth
	// apportionment formula (see Controller.apportion).
	BandwidthWindow time.Duration `yaml:"bandwidth_window"`
	// MaxBlockLen caps the length of any single claimed block.
	MaxBlockLen int64 `yaml:"max_block_len"`
	// DownloadLimit and UploadLimit cap aggregate bytes/sec across all
	// peers; 0 means unlimited (every peer is still dispatched once per
	// heartbeat, with no byte cap).
	DownloadLimit int64 `yaml:"download_limit"`
	UploadLimit   int64 `yaml:"upload_limit"`
	// AddPeerAttemptsPerHeartbeat bounds how many new outgoing connections
	// are dialed per heartbeat.
	AddPeerAttemptsPerHeartbeat int `yaml:"add_peer_attempts_per_heartbeat"`
	// DialJitter bounds the random delay spread across outgoing dial
	// attempts, to avoid connecting to an entire peer list at once.
	DialJitter time.Duration `yaml:"dial_jitter"`
	// HandshakeTimeout bounds an outgoing or incoming handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Tracker configures the tracker.Connection used for peer discovery.
	// Its own defaults are applied by the tracker package, not here.
	Tracker tracker.Config `yaml:"tracker"`
}

func (c Config) applyDefaults() Config {
	if c.Heartbeat == 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.CalcFriendsInterval == 0 {
		c.CalcFriendsInterval = 10 * time.Second
	}
	if c.CalcOptUnchokesInterval == 0 {
		c.CalcOptUnchokesInterval = 30 * time.Second
	}
	if c.NumFriends == 0 {
		c.NumFriends = 4
	}
	if c.NumOptUnchokes == 0 {
		c.NumOptUnchokes = 1
	}
	if c.NewOptUnchokeProb == 0 {
		c.NewOptUnchokeProb = 0.5
	}
	if c.PopRecalcThresh == 0 {
		c.PopRecalcThresh = 20
	}
	if c.PopRecalcLimit == 0 {
		c.PopRecalcLimit = 30 * time.Second
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 15
	}
	if c.SilentDeathInterval == 0 {
		c.SilentDeathInterval = 240 * time.Second
	}
	if c.BoredomDeathInterval == 0 {
		c.BoredomDeathInterval = 120 * time.Second
	}
	if c.AntisnubInterval == 0 {
		c.AntisnubInterval = 60 * time.Second
	}
	if c.AntisnubRateThreshold == 0 {
		c.AntisnubRateThreshold = 1024
	}
	if c.EndgameRemainingPieces == 0 {
		c.EndgameRemainingPieces = 5
	}
	if c.FusekiCompletedPieces == 0 {
		c.FusekiCompletedPieces = 2
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 120 * time.Second
	}
	if c.BandwidthWindow == 0 {
		c.BandwidthWindow = 20 * time.Second
	}
	if c.MaxBlockLen == 0 {
		c.MaxBlockLen = 16 * 1024
	}
	if c.AddPeerAttemptsPerHeartbeat == 0 {
		c.AddPeerAttemptsPerHeartbeat = 3
	}
	if c.DialJitter == 0 {
		c.DialJitter = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}
