// Package controller implements the Controller component: the per-package
// policy brain that owns the set of connected peers, decides what to
// request and from whom, runs the choke/unchoke algorithm, and drives the
// tracker announce lifecycle.
package controller

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tormint/peer/core"
	"github.com/tormint/peer/metainfo"
	"github.com/tormint/peer/peerconn"
	"github.com/tormint/peer/piece"
	"github.com/tormint/peer/pkgstore"
	"github.com/tormint/peer/tracker"
	"github.com/tormint/peer/wire"
)

// Controller owns every PeerConn for one package, decides piece order and
// choke state, and drives that package's tracker announce lifecycle. There
// is exactly one Controller per package being shared or downloaded; callers
// construct and own it explicitly rather than reaching through a process-
// wide registry.
type Controller struct {
	pkg         *pkgstore.Package
	mi          *metainfo.Metainfo
	peerID      core.PeerID
	listenPort  int
	cfg         Config
	clk         clock.Clock
	logger      *zap.SugaredLogger
	handshaker  *wire.Handshaker
	dialer      Dialer
	trackerConn *tracker.Connection

	mu         sync.Mutex
	peers      map[core.PeerID]*peerconn.PeerConn
	dialed     map[string]bool
	popularity []int
	jitter     []float64
	order      []int
	popDirty   int
	lastRecalc time.Time

	friends     map[core.PeerID]bool
	optUnchoked map[core.PeerID]bool

	fuseki   bool
	endgame  bool
	antisnub bool

	sentStarted   bool
	sentCompleted bool
	uploaded      int64
	downloaded    int64

	// trackerRetryAt is the earliest time refreshTracker may announce again
	// after a failed announce; only the heartbeat goroutine touches it.
	trackerRetryAt time.Time

	running   bool
	done      chan struct{}
	wg        sync.WaitGroup
	dialGroup errgroup.Group
	stopOnce  sync.Once
}

// New returns a Controller for pkg, identifying this process to peers as
// peerID and advertising listenPort in tracker announces. mi is used to
// derive the package's info_hash and tracker tiers; if it has no tracker
// (mi.Announce == "" and no AnnounceList), the Controller acquires peers
// only through AddPeer (e.g. from an external peer-exchange source or a
// server accepting unsolicited incoming connections).
func New(
	pkg *pkgstore.Package,
	mi *metainfo.Metainfo,
	peerID core.PeerID,
	listenPort int,
	cfg Config,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Controller {
	cfg = cfg.applyDefaults()

	var tc *tracker.Connection
	if mi.Announce != "" || len(mi.AnnounceList) > 0 {
		tc = tracker.New(cfg.Tracker, mi.InfoHash(), peerID, listenPort, mi.Announce, mi.AnnounceList)
	}

	numPieces := pkg.NumPieces()

	return &Controller{
		pkg:         pkg,
		mi:          mi,
		peerID:      peerID,
		listenPort:  listenPort,
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		handshaker:  wire.NewHandshaker(peerID, cfg.HandshakeTimeout),
		dialer:      netDialer{},
		trackerConn: tc,
		peers:       make(map[core.PeerID]*peerconn.PeerConn),
		dialed:      make(map[string]bool),
		popularity:  make([]int, numPieces),
		jitter:      newJitter(numPieces),
		friends:     make(map[core.PeerID]bool),
		optUnchoked: make(map[core.PeerID]bool),
		fuseki:      true,
		done:        make(chan struct{}),
	}
}

// InfoHash returns the package's info_hash, for a server to route an
// incoming handshake to this Controller.
func (ct *Controller) InfoHash() core.InfoHash {
	return ct.mi.InfoHash()
}

// Handshaker returns the Handshaker used to complete incoming and outgoing
// connections for this package.
func (ct *Controller) Handshaker() *wire.Handshaker {
	return ct.handshaker
}

// Start begins the controller's heartbeat loop and, if a tracker is
// configured, sends the initial "started" announce.
func (ct *Controller) Start() {
	ct.mu.Lock()
	if ct.running {
		ct.mu.Unlock()
		return
	}
	ct.running = true
	ct.mu.Unlock()

	ct.wg.Add(1)
	go ct.heartbeatLoop()
}

// Stop sends a best-effort tracker "stopped" announce, halts the heartbeat
// loop, and closes every connected peer.
func (ct *Controller) Stop() {
	ct.stopOnce.Do(func() {
		close(ct.done)
		ct.wg.Wait()
		ct.dialGroup.Wait() // no in-flight dial can AddPeer after this point

		if ct.trackerConn != nil && ct.sentStarted {
			uploaded, downloaded, left := ct.progress()
			if _, _, err := ct.trackerConn.Announce(tracker.EventStopped, uploaded, downloaded, left); err != nil {
				ct.logger.Debugw("controller: stopped announce failed", "err", err)
			}
		}

		ct.mu.Lock()
		peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
		for _, pc := range ct.peers {
			peers = append(peers, pc)
		}
		ct.mu.Unlock()
		for _, pc := range peers {
			pc.Close()
		}
	})
}

// AddPeer inserts pc into the connected-peer set and starts it. Insertion
// and Start happen under the same lock so the heartbeat loop's reaping pass
// can never observe pc in the set before it's running.
func (ct *Controller) AddPeer(pc *peerconn.PeerConn) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, exists := ct.peers[pc.PeerID()]; exists {
		return fmt.Errorf("controller: already connected to peer %s", pc.PeerID())
	}
	if len(ct.peers) >= ct.cfg.MaxPeers {
		victim := ct.boredPeerLocked()
		if victim == nil {
			return fmt.Errorf("controller: peer set full at %d", ct.cfg.MaxPeers)
		}
		delete(ct.peers, victim.PeerID())
		victim.Close()
	}

	ct.peers[pc.PeerID()] = pc
	pc.Start(ct.pkg.Bitfield(), ct.pkg.NumPieces())
	return nil
}

// boredPeerLocked returns a peer that has sent us nothing in
// BoredomDeathInterval, the eviction candidate to make room for a new
// incoming connection. Caller must hold ct.mu.
func (ct *Controller) boredPeerLocked() *peerconn.PeerConn {
	now := ct.clk.Now()
	for _, pc := range ct.peers {
		if now.Sub(pc.LastReceivedBlock()) > ct.cfg.BoredomDeathInterval &&
			now.Sub(pc.CreatedAt()) > ct.cfg.BoredomDeathInterval {
			return pc
		}
	}
	return nil
}

// ConnClosed implements peerconn.Events.
func (ct *Controller) ConnClosed(pc *peerconn.PeerConn) {
	ct.mu.Lock()
	if cur, ok := ct.peers[pc.PeerID()]; ok && cur == pc {
		delete(ct.peers, pc.PeerID())
	}
	ct.mu.Unlock()
}

// NumPieces implements peerconn.Controller.
func (ct *Controller) NumPieces() int {
	return ct.pkg.NumPieces()
}

// Piece implements peerconn.Controller.
func (ct *Controller) Piece(pi int) (*piece.Piece, error) {
	return ct.pkg.Piece(pi)
}

// NextClaim implements peerconn.Controller: it walks the current piece
// order, returning the first unclaimed block of the first piece peerHas
// reports and that isn't already complete. In end-game mode, once every
// block of a candidate piece is already claimed, a duplicate request is
// handed out from its not-yet-have blocks instead of skipping the piece.
func (ct *Controller) NextClaim(peerHas func(pieceIndex int) bool) (piece.Block, bool) {
	ct.mu.Lock()
	order := ct.order
	endgame := ct.endgame
	maxLen := ct.cfg.MaxBlockLen
	ct.mu.Unlock()

	for _, pi := range order {
		if !peerHas(pi) {
			continue
		}
		p, err := ct.pkg.Piece(pi)
		if err != nil || p.Complete() {
			continue
		}

		var found piece.Block
		ok := false
		p.EachUnclaimedBlock(maxLen, func(b piece.Block) {
			if !ok {
				found, ok = b, true
			}
		})
		if !ok && endgame {
			p.EachEmptyBlock(maxLen, func(b piece.Block) {
				if !ok {
					found, ok = b, true
				}
			})
		}
		if !ok {
			continue
		}
		if err := p.ClaimBlock(found); err != nil {
			continue
		}
		return found, true
	}
	return piece.Block{}, false
}

// ReleaseClaim implements peerconn.Controller.
func (ct *Controller) ReleaseClaim(b piece.Block) {
	p, err := ct.pkg.Piece(b.PieceIndex)
	if err != nil {
		return
	}
	if err := p.UnclaimBlock(b); err != nil {
		ct.logger.Debugw("controller: release claim", "block", b.Key(), "err", err)
	}
}

// ReceivedBlock implements peerconn.Controller: persists the block, cancels
// it on every other peer in end-game mode (their duplicate requests for it
// are now redundant), and on piece completion validates the piece, notifies
// the package, and broadcasts "have" to every peer.
func (ct *Controller) ReceivedBlock(peerID core.PeerID, b piece.Block) error {
	p, err := ct.pkg.Piece(b.PieceIndex)
	if err != nil {
		return err
	}

	completed, err := p.AddBlock(b)
	if err != nil {
		return err
	}
	ct.addDownloaded(b.Length)
	ct.cancelRedundantRequests(peerID, b)
	if !completed {
		return nil
	}

	valid, err := p.Valid()
	if err != nil {
		return err
	}
	if !valid {
		ct.logger.Warnw("controller: piece failed hash check, discarding", "piece", b.PieceIndex)
		p.Discard()
		return nil
	}

	if err := ct.pkg.NotifyPieceComplete(); err != nil {
		ct.logger.Errorw("controller: notify piece complete", "err", err)
	}
	ct.markPopularityDirty()
	ct.broadcastHave(b.PieceIndex)

	if ct.pkg.Complete() {
		ct.sendCompletedOnce()
	}
	return nil
}

func (ct *Controller) broadcastHave(pi int) {
	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	ct.mu.Unlock()
	for _, pc := range peers {
		pc.SendHave(pi)
	}
}

// cancelRedundantRequests, in end-game mode, cancels b on every peer other
// than from, the one it arrived from. Outside end-game it does nothing.
func (ct *Controller) cancelRedundantRequests(from core.PeerID, b piece.Block) {
	ct.mu.Lock()
	if !ct.endgame {
		ct.mu.Unlock()
		return
	}
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for id, pc := range ct.peers {
		if id != from {
			peers = append(peers, pc)
		}
	}
	ct.mu.Unlock()

	for _, pc := range peers {
		pc.Cancel(b)
	}
}

func (ct *Controller) sendCompletedOnce() {
	ct.mu.Lock()
	if ct.sentCompleted || ct.trackerConn == nil {
		ct.mu.Unlock()
		return
	}
	ct.sentCompleted = true
	ct.mu.Unlock()

	uploaded, downloaded, left := ct.progress()
	if _, _, err := ct.trackerConn.Announce(tracker.EventCompleted, uploaded, downloaded, left); err != nil {
		ct.logger.Infow("controller: completed announce failed", "err", err)
	}
}

func (ct *Controller) addDownloaded(n int64) {
	ct.mu.Lock()
	ct.downloaded += n
	ct.mu.Unlock()
}

func (ct *Controller) addUploaded(n int64) {
	ct.mu.Lock()
	ct.uploaded += n
	ct.mu.Unlock()
}

func (ct *Controller) progress() (uploaded, downloaded, left int64) {
	ct.mu.Lock()
	uploaded, downloaded = ct.uploaded, ct.downloaded
	ct.mu.Unlock()

	total := ct.pkg.TotalLength()
	have := int64(0)
	for i := 0; i < ct.pkg.NumPieces(); i++ {
		p, err := ct.pkg.Piece(i)
		if err != nil {
			continue
		}
		if p.Complete() {
			have += p.Length()
		}
	}
	left = total - have
	if left < 0 {
		left = 0
	}
	return uploaded, downloaded, left
}

func (ct *Controller) markPopularityDirty() {
	ct.mu.Lock()
	ct.popDirty++
	ct.mu.Unlock()
}

// heartbeatLoop runs the controller's periodic policy passes: piece order
// recalculation, choke/unchoke ranking, optimistic unchoke rotation, peer
// acquisition, reaping, tracker refresh, and per-peer dispatch.
func (ct *Controller) heartbeatLoop() {
	defer ct.wg.Done()

	tick := ct.clk.Tick(ct.cfg.Heartbeat)
	friendsTick := ct.clk.Tick(ct.cfg.CalcFriendsInterval)
	optTick := ct.clk.Tick(ct.cfg.CalcOptUnchokesInterval)

	ct.announceStartedOnce()
	ct.recalcPieceOrder()

	for {
		select {
		case <-ct.done:
			return
		case <-tick:
			ct.recalcModes()
			ct.reapDeadPeers()
			ct.refreshTracker()
			ct.dispatchAll()
			if ct.popularityDue() {
				ct.recalcPieceOrder()
			}
		case <-friendsTick:
			ct.recalcChoking()
		case <-optTick:
			ct.recalcOptimisticUnchokes()
		}
	}
}

// popularityDue reports whether the piece order should be recalculated:
// once PopRecalcThresh changes have accumulated, or once PopRecalcLimit has
// passed since the last recalculation and there has been at least one
// change (or fuseki mode is on).
func (ct *Controller) popularityDue() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	now := ct.clk.Now()
	stale := (ct.popDirty > 0 || ct.fuseki) && now.Sub(ct.lastRecalc) >= ct.cfg.PopRecalcLimit
	if ct.popDirty >= ct.cfg.PopRecalcThresh || stale {
		ct.popDirty = 0
		ct.lastRecalc = now
		return true
	}
	return false
}

func (ct *Controller) announceStartedOnce() {
	ct.mu.Lock()
	if ct.sentStarted || ct.trackerConn == nil {
		ct.mu.Unlock()
		return
	}
	ct.sentStarted = true
	ct.mu.Unlock()

	uploaded, downloaded, left := ct.progress()
	peers, _, err := ct.trackerConn.Announce(tracker.EventStarted, uploaded, downloaded, left)
	if err != nil {
		ct.logger.Infow("controller: started announce failed", "err", err)
		return
	}
	ct.dialPeers(peers)
}

// recalcModes updates fuseki/endgame/antisnub mode flags based on current
// package completion and aggregate download rate.
func (ct *Controller) recalcModes() {
	numComplete := 0
	total := ct.pkg.NumPieces()
	for i := 0; i < total; i++ {
		p, err := ct.pkg.Piece(i)
		if err == nil && p.Complete() {
			numComplete++
		}
	}
	remaining := total - numComplete

	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	ct.mu.Unlock()

	var dlRate float64
	for _, pc := range peers {
		dlRate += pc.DownloadRate()
	}

	ct.mu.Lock()
	ct.fuseki = numComplete < ct.cfg.FusekiCompletedPieces
	ct.endgame = remaining > 0 && remaining <= ct.cfg.EndgameRemainingPieces
	ct.antisnub = dlRate < ct.cfg.AntisnubRateThreshold && len(peers) > 0
	ct.mu.Unlock()
}

// recalcPieceOrder recomputes piece popularity from every connected peer's
// declared bitfield and re-sorts the piece claim order.
func (ct *Controller) recalcPieceOrder() {
	ct.mu.Lock()
	peers := make([]peerHaver, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	fuseki := ct.fuseki
	ct.mu.Unlock()

	pop := recalcPopularity(ct.pkg.NumPieces(), peers)
	order := recalcOrder(ct.pkg, pop, ct.jitter, fuseki, len(peers))

	ct.mu.Lock()
	ct.popularity = pop
	ct.order = order
	ct.mu.Unlock()
}

// recalcChoking ranks interested peers by download/upload rate and unchokes
// the top NumFriends, choking the rest (except those holding an optimistic
// unchoke slot). Under antisnub mode, a peer that hasn't sent a block
// within AntisnubInterval is excluded from the friends ranking even if it
// would otherwise qualify.
func (ct *Controller) recalcChoking() {
	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	antisnub := ct.antisnub
	optUnchoked := make(map[core.PeerID]bool, len(ct.optUnchoked))
	for id := range ct.optUnchoked {
		optUnchoked[id] = true
	}
	ct.mu.Unlock()

	now := ct.clk.Now()
	var candidates []*peerconn.PeerConn
	for _, pc := range peers {
		if !pc.PeerInterested() {
			continue
		}
		if antisnub && now.Sub(pc.LastReceivedBlock()) > ct.cfg.AntisnubInterval {
			continue
		}
		candidates = append(candidates, pc)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return rateOf(candidates[i]) > rateOf(candidates[j])
	})

	friends := make(map[core.PeerID]bool)
	for i, pc := range candidates {
		if i >= ct.cfg.NumFriends {
			break
		}
		friends[pc.PeerID()] = true
	}

	ct.mu.Lock()
	ct.friends = friends
	ct.mu.Unlock()

	for _, pc := range peers {
		unchoke := friends[pc.PeerID()] || optUnchoked[pc.PeerID()]
		pc.SetChoking(!unchoke)
	}
}

// rateOf favors download rate (we're leeching) but falls back to upload
// rate for a peer we have nothing left to request from, so a pure seed
// target can still earn reciprocal unchokes.
func rateOf(pc *peerconn.PeerConn) float64 {
	if r := pc.DownloadRate(); r > 0 {
		return r
	}
	return pc.UploadRate()
}

// recalcOptimisticUnchokes rotates the optimistic unchoke slots: the
// youngest peers not already a friend each have
// NewOptUnchokeProb probability of being awarded a slot, up to
// NumOptUnchokes total. Under antisnub mode, the slot count is reduced by
// one for every peer we're already unchoking and that is interested but
// hasn't sent us a block within AntisnubInterval, floored at -NumFriends
// (which suspends optimistic unchoking entirely).
func (ct *Controller) recalcOptimisticUnchokes() {
	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	friends := ct.friends
	antisnub := ct.antisnub
	ct.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].CreatedAt().After(peers[j].CreatedAt())
	})

	slots := ct.cfg.NumOptUnchokes
	if antisnub {
		now := ct.clk.Now()
		for _, pc := range peers {
			if !pc.AmChoking() && pc.PeerInterested() && now.Sub(pc.LastReceivedBlock()) > ct.cfg.AntisnubInterval {
				slots--
			}
		}
		if slots < -ct.cfg.NumFriends {
			slots = -ct.cfg.NumFriends
		}
	}

	next := make(map[core.PeerID]bool)
	for _, pc := range peers {
		if len(next) >= slots {
			break
		}
		if friends[pc.PeerID()] {
			continue
		}
		if rand.Float64() < ct.cfg.NewOptUnchokeProb {
			next[pc.PeerID()] = true
		}
	}

	ct.mu.Lock()
	ct.optUnchoked = next
	ct.mu.Unlock()

	for _, pc := range peers {
		if next[pc.PeerID()] && !friends[pc.PeerID()] {
			pc.SetChoking(false)
		}
	}
}

// reapDeadPeers closes any connection that has gone silent for longer than
// SilentDeathInterval.
func (ct *Controller) reapDeadPeers() {
	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	ct.mu.Unlock()

	now := ct.clk.Now()
	for _, pc := range peers {
		if !pc.IsRunning() {
			continue
		}
		if now.Sub(pc.LastSend()) > ct.cfg.SilentDeathInterval {
			pc.Close()
		}
	}
}

// dispatchAll drives SendBlocksAndReqs and keepalives across every
// connected peer, apportioning the controller's aggregate bandwidth limits
// evenly across them.
func (ct *Controller) dispatchAll() {
	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	ct.mu.Unlock()

	if len(peers) == 0 {
		return
	}

	dlBudget := ct.apportion(ct.cfg.DownloadLimit, len(peers))
	ulBudget := ct.apportion(ct.cfg.UploadLimit, len(peers))

	for _, pc := range peers {
		requested, sent := pc.SendBlocksAndReqs(dlBudget, ulBudget)
		ct.addUploaded(sent)
		_ = requested
		pc.SendKeepalive(ct.cfg.KeepaliveInterval)
	}
}

// apportion implements the bandwidth apportionment formula: each peer's
// share of an aggregate limit over the heartbeat interval, widened by
// BandwidthWindow so a burst doesn't starve a peer that was merely idle
// last tick. Returns 0 (unlimited) when limit is non-positive.
func (ct *Controller) apportion(limit int64, numPeers int) int64 {
	if limit <= 0 || numPeers == 0 {
		return 0
	}
	window := ct.cfg.BandwidthWindow + ct.cfg.Heartbeat
	share := limit * int64(window/time.Second) / int64(numPeers)
	if share <= 0 {
		share = limit / int64(numPeers)
	}
	return share
}

// refreshTracker re-announces once peer acquisition is warranted: the
// tracker is present, we're under MaxPeers, the package isn't complete yet,
// we have fewer than NumFriends friends, and (if a download limit is set)
// our aggregate download rate is under 75% of it. A fully seeded package
// never re-announces to find more peers. After a failed announce, no
// refresh is attempted until the tracker connection's backoff delay has
// passed.
func (ct *Controller) refreshTracker() {
	if ct.trackerConn == nil {
		return
	}
	if ct.pkg.Complete() || ct.clk.Now().Before(ct.trackerRetryAt) {
		return
	}

	ct.mu.Lock()
	peers := make([]*peerconn.PeerConn, 0, len(ct.peers))
	for _, pc := range ct.peers {
		peers = append(peers, pc)
	}
	numFriends := len(ct.friends)
	ct.mu.Unlock()

	needMore := len(peers) < ct.cfg.MaxPeers && numFriends < ct.cfg.NumFriends
	if needMore && ct.cfg.DownloadLimit > 0 {
		var dlRate float64
		for _, pc := range peers {
			dlRate += pc.DownloadRate()
		}
		needMore = dlRate < 0.75*float64(ct.cfg.DownloadLimit)
	}
	if !needMore {
		return
	}

	uploaded, downloaded, left := ct.progress()
	peers, _, err := ct.trackerConn.Announce(tracker.EventNone, uploaded, downloaded, left)
	if err != nil {
		ct.trackerRetryAt = ct.clk.Now().Add(ct.trackerConn.NextBackoff())
		ct.logger.Debugw("controller: tracker refresh failed", "err", err)
		return
	}
	ct.trackerConn.ResetBackoff()
	if ct.trackerConn.ExhaustedPeers(peers) {
		ct.trackerConn.EscalateNumWant()
	}
	ct.dialPeers(peers)
}

// dialPeers attempts outgoing connections to addrs not already dialed or
// connected, up to AddPeerAttemptsPerHeartbeat per call. Each dial starts
// after a random delay below DialJitter.
func (ct *Controller) dialPeers(addrs []tracker.PeerAddr) {
	attempts := 0
	for _, addr := range addrs {
		if attempts >= ct.cfg.AddPeerAttemptsPerHeartbeat {
			return
		}
		key := addrString(addr.IP, addr.Port)

		ct.mu.Lock()
		already := ct.dialed[key]
		if !already {
			ct.dialed[key] = true
		}
		ct.mu.Unlock()
		if already {
			continue
		}

		attempts++
		// Routed through a shared errgroup rather than a bare `go` so Stop
		// can join every in-flight dial before deciding the final peer set
		// to close, instead of racing a late AddPeer against shutdown.
		ct.dialGroup.Go(func() error {
			if ct.cfg.DialJitter > 0 {
				select {
				case <-ct.done:
					return nil
				case <-ct.clk.After(time.Duration(rand.Int63n(int64(ct.cfg.DialJitter)))):
				}
			}
			ct.dialOne(addr, key)
			return nil
		})
	}
}

func (ct *Controller) dialOne(addr tracker.PeerAddr, key string) {
	nc, err := ct.dialer.Dial(key, ct.cfg.HandshakeTimeout)
	if err != nil {
		ct.logger.Debugw("controller: dial failed", "addr", key, "err", err)
		return
	}
	peerID, err := ct.handshaker.Initiate(nc, ct.mi.InfoHash())
	if err != nil {
		ct.logger.Debugw("controller: handshake failed", "addr", key, "err", err)
		nc.Close()
		return
	}
	if ct.trackerConn != nil {
		ct.trackerConn.MarkTried(peerID)
	}

	select {
	case <-ct.done:
		nc.Close()
		return
	default:
	}

	pc := peerconn.New(nc, peerID, ct.mi.InfoHash(), ct, ct, ct.clk, false, ct.logger)
	if err := ct.AddPeer(pc); err != nil {
		ct.logger.Debugw("controller: add dialed peer", "peer", peerID, "err", err)
		pc.Close()
	}
}

// NumPeers returns the number of currently connected peers.
func (ct *Controller) NumPeers() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.peers)
}
