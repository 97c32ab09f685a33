// Package peerconn implements the per-peer duplex connection: wire framing
// I/O loops, choke/interest state, block request pipelining, and rate
// metering, as described for the PeerConnection component.
package peerconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tormint/peer/core"
	"github.com/tormint/peer/piece"
	"github.com/tormint/peer/ratemeter"
	"github.com/tormint/peer/wire"
)

const (
	// MinRequests is the low-water mark that triggers refilling want_blocks.
	MinRequests = 3
	// MaxRequests caps how many blocks may be in flight to one peer at once.
	MaxRequests = 5
	// RequestTimeout is how long a requested block may go unanswered before
	// it is returned to the controller's pool.
	RequestTimeout = 60 * time.Second
	// sendChunkSize is the buffer size used when streaming piece payloads.
	sendChunkSize = 8 * 1024
)

// Controller is the narrow slice of the owning controller's API that a
// PeerConn needs: claiming and releasing blocks, and reporting completed
// ones back for SHA-1 validation and end-game fan-out.
type Controller interface {
	// NextClaim returns the next claimable block whose piece satisfies
	// peerHas, already marked claimed; a caller that does not keep it hands
	// it back with ReleaseClaim. It returns false when nothing is claimable.
	NextClaim(peerHas func(pieceIndex int) bool) (piece.Block, bool)
	// ReleaseClaim returns a previously claimed block to the pool, e.g. on
	// timeout, cancellation, or the connection closing.
	ReleaseClaim(b piece.Block)
	// ReceivedBlock reports a fully downloaded block for piece-completion
	// handling (SHA-1 validation, have broadcast, end-game cancel fan-out).
	ReceivedBlock(peerID core.PeerID, b piece.Block) error
	// Piece returns the piece at index pi, for read access when serving
	// upload requests.
	Piece(pi int) (*piece.Piece, error)
	// NumPieces returns the total number of pieces in the package.
	NumPieces() int
}

// Events is implemented by the owning controller to learn about connection
// lifecycle and state transitions it must react to.
type Events interface {
	ConnClosed(*PeerConn)
}

type wantedBlock struct {
	block       piece.Block
	requested   bool
	requestTime time.Time
}

// PeerConn is a duplex connection to one remote peer for one package.
type PeerConn struct {
	nc       net.Conn
	peerID   core.PeerID
	infoHash core.InfoHash
	ctrl     Controller
	events   Events
	clk      clock.Clock
	logger   *zap.SugaredLogger

	createdAt time.Time

	mu              sync.Mutex
	remoteBitfield  *bitset.BitSet
	haveRemoteField bool
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool

	wantBlocks     map[piece.Key]*wantedBlock
	peerWantBlocks []piece.Block

	lastSend             time.Time
	lastReceive          time.Time
	lastReceivedBlock    time.Time
	lastSentBlock        time.Time

	download *ratemeter.RateMeter
	upload   *ratemeter.RateMeter

	sender   chan wire.Message
	receiver chan wire.Message

	openedByRemote bool
	closed         *atomic.Bool
	done           chan struct{}
	wg             sync.WaitGroup
	startOnce      sync.Once
}

// New returns a PeerConn wrapping an already-handshaken net.Conn.
func New(
	nc net.Conn,
	peerID core.PeerID,
	infoHash core.InfoHash,
	ctrl Controller,
	events Events,
	clk clock.Clock,
	openedByRemote bool,
	logger *zap.SugaredLogger,
) *PeerConn {
	now := clk.Now()
	return &PeerConn{
		nc:             nc,
		peerID:         peerID,
		infoHash:       infoHash,
		ctrl:           ctrl,
		events:         events,
		clk:            clk,
		logger:         logger,
		createdAt:      now,
		amChoking:      true,
		amInterested:   false,
		peerChoking:    true,
		peerInterested: false,
		wantBlocks:     make(map[piece.Key]*wantedBlock),
		lastSend:       now,
		lastReceive:    now,
		download:       ratemeter.New(),
		upload:         ratemeter.New(),
		sender:         make(chan wire.Message, 64),
		receiver:       make(chan wire.Message, 64),
		openedByRemote: openedByRemote,
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
}

// PeerID returns the remote peer's id.
func (c *PeerConn) PeerID() core.PeerID { return c.peerID }

// CreatedAt returns when this connection was established.
func (c *PeerConn) CreatedAt() time.Time { return c.createdAt }

// DownloadRate returns the estimated trailing download rate in bytes/sec.
func (c *PeerConn) DownloadRate() float64 { return c.download.Rate() }

// UploadRate returns the estimated trailing upload rate in bytes/sec.
func (c *PeerConn) UploadRate() float64 { return c.upload.Rate() }

// Start begins the read and write loops. Safe to call multiple times; only
// the first call has an effect.
func (c *PeerConn) Start(bitfield *bitset.BitSet, numPieces int) {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
		c.enqueue(wire.NewBitfield(bitfieldBytes(bitfield, numPieces)))
	})
}

// IsRunning reports whether the connection is still open.
func (c *PeerConn) IsRunning() bool {
	return !c.closed.Load()
}

// LastSend returns the time of the last message sent to the peer.
func (c *PeerConn) LastSend() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSend
}

// LastReceivedBlock returns the time the last block was received from the
// peer, used for boredom-eviction accounting.
func (c *PeerConn) LastReceivedBlock() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceivedBlock
}

// PeerInterested reports whether the remote peer is interested in us.
func (c *PeerConn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// AmChoking reports whether we are choking the peer.
func (c *PeerConn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// SetChoking sets our choke state, emitting choke/unchoke on transition only.
func (c *PeerConn) SetChoking(choke bool) {
	c.mu.Lock()
	changed := c.amChoking != choke
	c.amChoking = choke
	c.mu.Unlock()
	if !changed {
		return
	}
	if choke {
		c.enqueue(wire.NewChoke())
	} else {
		c.enqueue(wire.NewUnchoke())
	}
}

// PeerHasPiece reports whether the remote bitfield has declared piece i.
func (c *PeerConn) PeerHasPiece(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveRemoteField || c.remoteBitfield == nil {
		return false
	}
	return c.remoteBitfield.Test(uint(i))
}

// Close tears down the connection and releases all of its claims.
func (c *PeerConn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.releaseAllClaims()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

func (c *PeerConn) releaseAllClaims() {
	c.mu.Lock()
	blocks := make([]piece.Block, 0, len(c.wantBlocks))
	for _, wb := range c.wantBlocks {
		blocks = append(blocks, wb.block)
	}
	c.wantBlocks = make(map[piece.Key]*wantedBlock)
	c.mu.Unlock()

	for _, b := range blocks {
		c.ctrl.ReleaseClaim(b)
	}
}

func (c *PeerConn) enqueue(m wire.Message) error {
	select {
	case <-c.done:
		return errors.New("peerconn: connection closed")
	case c.sender <- m:
		return nil
	default:
		return errors.New("peerconn: send buffer full")
	}
}

// SendHave announces that we now have pieceIndex, so the peer can update
// its own view of our availability for requesting and rarity purposes.
func (c *PeerConn) SendHave(pieceIndex int) {
	c.enqueue(wire.NewHave(pieceIndex))
}

// Cancel removes b from want_blocks; if it had already been requested, also
// emits a cancel message on the wire.
func (c *PeerConn) Cancel(b piece.Block) {
	c.mu.Lock()
	wb, ok := c.wantBlocks[b.Key()]
	if ok {
		delete(c.wantBlocks, b.Key())
	}
	c.mu.Unlock()
	if ok && wb.requested {
		c.enqueue(wire.NewCancel(b.PieceIndex, int(b.Begin), int(b.Length)))
	}
}

func (c *PeerConn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}
		m, err := wire.Read(c.nc)
		if err != nil {
			c.logger.Debugw("peerconn: read loop exiting", "peer", c.peerID, "err", err)
			return
		}
		c.mu.Lock()
		c.lastReceive = c.clk.Now()
		c.mu.Unlock()

		if err := c.handleMessage(m); err != nil {
			c.logger.Infow("peerconn: protocol violation, closing", "peer", c.peerID, "err", err)
			return
		}
	}
}

func (c *PeerConn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case m := <-c.sender:
			if err := c.writeMessage(m); err != nil {
				c.logger.Debugw("peerconn: write loop exiting", "peer", c.peerID, "err", err)
				c.Close()
				return
			}
		}
	}
}

func (c *PeerConn) writeMessage(m wire.Message) error {
	if err := wire.Write(c.nc, m); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSend = c.clk.Now()
	if m.ID == wire.Piece {
		c.lastSentBlock = c.lastSend
	}
	c.mu.Unlock()
	if m.ID == wire.Piece {
		c.upload.Add(int64(len(m.Block)))
	}
	return nil
}

func bitfieldBytes(bs *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, wire.ExpectedBitfieldLen(numPieces))
	for i := 0; i < numPieces; i++ {
		if bs != nil && bs.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

func bitsetFromBytes(b []byte) *bitset.BitSet {
	bs := bitset.New(uint(len(b) * 8))
	for i, by := range b {
		for bit := 0; bit < 8; bit++ {
			if by&(1<<uint(7-bit)) != 0 {
				bs.Set(uint(i*8 + bit))
			}
		}
	}
	return bs
}

func (c *PeerConn) handleMessage(m wire.Message) error {
	if m.IsKeepalive {
		return nil
	}
	switch m.ID {
	case wire.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case wire.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case wire.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case wire.Uninterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case wire.Have:
		return c.handleHave(m.PieceIndex)
	case wire.Bitfield:
		return c.handleBitfield(m.BitfieldBytes)
	case wire.Request:
		return c.handleRequest(m.Index, m.Begin, m.Length)
	case wire.Piece:
		return c.handlePiece(m.Index, m.Begin, m.Block)
	case wire.Cancel:
		c.handleRemoteCancel(m.Index, m.Begin, m.Length)
	default:
		return fmt.Errorf("peerconn: unhandled message id %d", m.ID)
	}
	return nil
}

func (c *PeerConn) handleHave(pieceIndex int) error {
	if pieceIndex < 0 || pieceIndex >= c.ctrl.NumPieces() {
		return fmt.Errorf("peerconn: have for out-of-range piece %d", pieceIndex)
	}
	c.mu.Lock()
	if c.remoteBitfield == nil {
		c.remoteBitfield = bitset.New(uint(c.ctrl.NumPieces()))
	}
	c.remoteBitfield.Set(uint(pieceIndex))
	c.haveRemoteField = true
	c.mu.Unlock()
	c.recalculateInterest()
	return nil
}

func (c *PeerConn) handleBitfield(b []byte) error {
	expected := wire.ExpectedBitfieldLen(c.ctrl.NumPieces())
	if len(b) != expected {
		return fmt.Errorf("peerconn: bitfield length %d, expected %d", len(b), expected)
	}
	c.mu.Lock()
	c.remoteBitfield = bitsetFromBytes(b)
	c.haveRemoteField = true
	c.mu.Unlock()
	c.recalculateInterest()
	return nil
}

// recalculateInterest re-evaluates am_interested whenever the peer's piece
// set changes, sending interested/uninterested only on an actual
// transition, and releasing all claims when we drop out of interest.
func (c *PeerConn) recalculateInterest() {
	wantAny := false
	for i := 0; i < c.ctrl.NumPieces(); i++ {
		if !c.PeerHasPiece(i) {
			continue
		}
		p, err := c.ctrl.Piece(i)
		if err != nil || p.Complete() {
			continue
		}
		wantAny = true
		break
	}

	c.mu.Lock()
	was := c.amInterested
	c.amInterested = wantAny
	changed := was != wantAny
	c.mu.Unlock()

	if !changed {
		return
	}
	if wantAny {
		c.enqueue(wire.NewInterested())
	} else {
		c.enqueue(wire.NewUninterested())
		c.releaseAllClaims()
	}
}

func (c *PeerConn) handleRequest(index, begin, length int) error {
	c.mu.Lock()
	amChoking := c.amChoking
	peerInterested := c.peerInterested
	c.mu.Unlock()

	p, err := c.ctrl.Piece(index)
	if err != nil || !p.Complete() || amChoking || !peerInterested {
		// Spec: logged and ignored, not fatal.
		c.logger.Debugw("peerconn: ignoring invalid request",
			"peer", c.peerID, "index", index, "begin", begin, "length", length)
		return nil
	}

	c.mu.Lock()
	c.peerWantBlocks = append(c.peerWantBlocks, piece.NewBlock(index, int64(begin), int64(length)))
	c.mu.Unlock()
	return nil
}

func (c *PeerConn) handleRemoteCancel(index, begin, length int) {
	target := piece.Key{PieceIndex: index, Begin: int64(begin), Length: int64(length)}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.peerWantBlocks[:0]
	for _, b := range c.peerWantBlocks {
		if b.Key() != target {
			out = append(out, b)
		}
	}
	c.peerWantBlocks = out
}

func (c *PeerConn) handlePiece(index, begin int, data []byte) error {
	key := piece.Key{PieceIndex: index, Begin: int64(begin), Length: int64(len(data))}

	c.mu.Lock()
	wb, ok := c.wantBlocks[key]
	if ok {
		delete(c.wantBlocks, key)
	}
	c.lastReceivedBlock = c.clk.Now()
	c.mu.Unlock()

	if !ok {
		// Unsolicited or already-cancelled block; ignore.
		return nil
	}

	c.download.Add(int64(len(data)))

	block := piece.NewBlockWithData(index, int64(begin), data)
	_ = wb
	return c.ctrl.ReceivedBlock(c.peerID, block)
}

// RefillClaims, once want_blocks has fallen below MinRequests, tops it up to
// MaxRequests while we are interested and the peer is not choking us,
// accepting only blocks whose piece the peer has and that we don't already
// want.
func (c *PeerConn) RefillClaims() {
	c.mu.Lock()
	amInterested := c.amInterested
	peerChoking := c.peerChoking
	n := len(c.wantBlocks)
	c.mu.Unlock()

	if !amInterested || peerChoking || n >= MinRequests {
		return
	}

	for n < MaxRequests {
		b, ok := c.ctrl.NextClaim(c.PeerHasPiece)
		if !ok {
			return
		}
		c.mu.Lock()
		if _, exists := c.wantBlocks[b.Key()]; exists {
			c.mu.Unlock()
			c.ctrl.ReleaseClaim(b)
			continue
		}
		c.wantBlocks[b.Key()] = &wantedBlock{block: b}
		n = len(c.wantBlocks)
		c.mu.Unlock()
	}
}

// SendBlocksAndReqs performs one dispatch pass: times out stale requests,
// sends new requests up to dlBudget, serves queued piece requests up to
// ulBudget, and refills claims. Returns the bytes requested and sent during
// this call. A non-positive budget is treated as unlimited.
func (c *PeerConn) SendBlocksAndReqs(dlBudget, ulBudget int64) (bytesRequested, bytesSent int64) {
	c.timeoutStaleRequests()

	c.mu.Lock()
	peerChoking := c.peerChoking
	amInterested := c.amInterested
	amChoking := c.amChoking
	peerInterested := c.peerInterested
	var toRequest []*wantedBlock
	if !peerChoking && amInterested {
		for _, wb := range c.wantBlocks {
			if !wb.requested {
				toRequest = append(toRequest, wb)
			}
		}
	}
	c.mu.Unlock()

	for _, wb := range toRequest {
		if dlBudget > 0 && bytesRequested+wb.block.Length > dlBudget {
			break
		}
		if err := c.enqueue(wire.NewRequest(wb.block.PieceIndex, int(wb.block.Begin), int(wb.block.Length))); err != nil {
			break
		}
		c.mu.Lock()
		wb.requested = true
		wb.requestTime = c.clk.Now()
		c.mu.Unlock()
		bytesRequested += wb.block.Length
	}

	if !amChoking && peerInterested {
		bytesSent = c.serveUploads(ulBudget)
	}

	c.RefillClaims()
	return bytesRequested, bytesSent
}

func (c *PeerConn) serveUploads(ulBudget int64) int64 {
	var sent int64
	for {
		c.mu.Lock()
		if len(c.peerWantBlocks) == 0 {
			c.mu.Unlock()
			break
		}
		b := c.peerWantBlocks[0]
		if ulBudget > 0 && sent+b.Length > ulBudget {
			c.mu.Unlock()
			break
		}
		c.peerWantBlocks = c.peerWantBlocks[1:]
		c.mu.Unlock()

		p, err := c.ctrl.Piece(b.PieceIndex)
		if err != nil {
			continue
		}
		out, err := p.GetCompleteBlock(b.Begin, b.Length)
		if err != nil {
			c.logger.Debugw("peerconn: failed to read block for upload", "err", err)
			continue
		}
		if err := c.enqueue(wire.NewPiece(b.PieceIndex, int(b.Begin), out.Data())); err != nil {
			break
		}
		sent += b.Length
	}
	return sent
}

func (c *PeerConn) timeoutStaleRequests() {
	now := c.clk.Now()
	c.mu.Lock()
	var expired []piece.Block
	for key, wb := range c.wantBlocks {
		if wb.requested && now.Sub(wb.requestTime) > RequestTimeout {
			expired = append(expired, wb.block)
			delete(c.wantBlocks, key)
		}
	}
	c.mu.Unlock()
	for _, b := range expired {
		c.ctrl.ReleaseClaim(b)
	}
}

// SendKeepalive enqueues a keepalive if nothing has been sent in at least
// keepaliveInterval.
func (c *PeerConn) SendKeepalive(keepaliveInterval time.Duration) {
	c.mu.Lock()
	since := c.clk.Now().Sub(c.lastSend)
	c.mu.Unlock()
	if since > keepaliveInterval {
		c.enqueue(wire.NewKeepalive())
	}
}
