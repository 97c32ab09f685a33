// Package piece implements the fixed-size content-addressed chunks a
// package is divided into, along with the byte-range bookkeeping needed to
// track which of their bytes are on disk or claimed from a peer.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/tormint/peer/rangeset"
)

// File is the narrow interface a Piece needs from the underlying storage to
// read and write its bytes. Implementations must serialize concurrent
// access to the same file with their own lock; Piece never locks across
// files itself, only within the ordering of the FileSpan list it is given.
type File interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
}

// FileSpan is a non-owning view into one of the package's underlying files:
// Offset is that file's absolute starting position in the logical package
// byte stream.
type FileSpan struct {
	File   File
	Offset int64
	Length int64
}

// validity is the tri-state SHA-1 validation result for a piece.
type validity int

const (
	unknown validity = iota
	valid
	invalid
)

// Piece is one fixed-size, content-addressed chunk of a package.
type Piece struct {
	mu sync.Mutex

	index        int
	sha1Expected [20]byte
	startOffset  int64
	length       int64
	files        []FileSpan

	have    *rangeset.Covering
	claimed *rangeset.Covering
	valid   validity
}

// New returns a Piece covering [startOffset, startOffset+length) of the
// package's logical byte stream, backed by the spans of the files it
// overlaps, in package order. Each span keeps its file's full offset and
// length; the piece computes the overlap itself when reading and writing.
func New(index int, sha1Expected [20]byte, startOffset, length int64, files []FileSpan) *Piece {
	return &Piece{
		index:        index,
		sha1Expected: sha1Expected,
		startOffset:  startOffset,
		length:       length,
		files:        files,
		have:         rangeset.New(length),
		claimed:      rangeset.New(length),
		valid:        unknown,
	}
}

// Index returns p's index within its package.
func (p *Piece) Index() int {
	return p.index
}

// Length returns p's total byte length.
func (p *Piece) Length() int64 {
	return p.length
}

// Complete reports whether every byte of p is on disk.
func (p *Piece) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.have.Complete()
}

// Started reports whether any byte of p has been claimed or written.
func (p *Piece) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.claimed.Empty() || !p.have.Empty()
}

// ClaimedBytes returns the number of bytes currently marked claimed,
// used by the controller's piece-ordering score to favor finishing
// started-but-incomplete pieces.
func (p *Piece) ClaimedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, r := range p.claimed.Ranges() {
		n += r.Len()
	}
	return n
}

// AssumeValid marks p as fully have and claimed without touching disk or
// computing its SHA-1, for the case where the backing bytes were already
// present on disk before this piece was constructed and the caller has
// chosen to trust them rather than pay for a scan.
func (p *Piece) AssumeValid() {
	p.mu.Lock()
	defer p.mu.Unlock()
	domain := rangeset.Range{First: 0, Last: p.length}
	p.have.Fill(domain)    // nolint:errcheck // domain is always in-range
	p.claimed.Fill(domain) // nolint:errcheck // domain is always in-range
	p.valid = valid
}

// EachUnclaimedBlock yields the gaps of claimed, ascending by offset, each
// split into chunks of at most maxLen bytes.
func (p *Piece) EachUnclaimedBlock(maxLen int64, yield func(Block)) {
	p.mu.Lock()
	chunks := p.claimed.Chunks(rangeset.Range{First: 0, Last: p.length}, maxLen)
	p.mu.Unlock()
	for _, c := range chunks {
		yield(NewBlock(p.index, c.First, c.Len()))
	}
}

// EachEmptyBlock yields the gaps of have, ascending by offset, each split
// into chunks of at most maxLen bytes.
func (p *Piece) EachEmptyBlock(maxLen int64, yield func(Block)) {
	p.mu.Lock()
	chunks := p.have.Chunks(rangeset.Range{First: 0, Last: p.length}, maxLen)
	p.mu.Unlock()
	for _, c := range chunks {
		yield(NewBlock(p.index, c.First, c.Len()))
	}
}

// ClaimBlock marks b's range as claimed. Idempotent.
func (p *Piece) ClaimBlock(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed.Fill(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length})
}

// UnclaimBlock un-marks b's range as claimed. Idempotent.
func (p *Piece) UnclaimBlock(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed.Poke(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length})
}

// AddBlock persists b's data to the underlying files at the correct
// absolute offset and marks its range as have. Reports whether this
// completed the piece. The piece's cached valid state is invalidated on
// every call, since new bytes may change the outcome of a subsequent
// Valid() check.
func (p *Piece) AddBlock(b Block) (completed bool, err error) {
	if !b.Complete() {
		return false, fmt.Errorf("piece: block %+v is not complete", b.Key())
	}

	if err := p.writeAt(b.Begin, b.Data()); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	wasComplete := p.have.Complete()
	if err := p.have.Fill(rangeset.Range{First: b.Begin, Last: b.Begin + b.Length}); err != nil {
		return false, err
	}
	p.valid = unknown
	return !wasComplete && p.have.Complete(), nil
}

// Valid computes (and caches) whether p's on-disk bytes match its expected
// SHA-1. Only meaningful once Complete(); returns false without touching
// disk otherwise.
func (p *Piece) Valid() (bool, error) {
	p.mu.Lock()
	if p.valid != unknown {
		defer p.mu.Unlock()
		return p.valid == valid, nil
	}
	if !p.have.Complete() {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	buf := make([]byte, p.length)
	if err := p.readAt(0, buf); err != nil {
		return false, err
	}
	sum := sha1.Sum(buf)

	p.mu.Lock()
	defer p.mu.Unlock()
	if sum == p.sha1Expected {
		p.valid = valid
	} else {
		p.valid = invalid
	}
	return p.valid == valid, nil
}

// Discard empties both coverings and marks p invalid, without touching the
// bytes already written to disk.
func (p *Piece) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.have = rangeset.New(p.length)
	p.claimed = rangeset.New(p.length)
	p.valid = invalid
}

// GetCompleteBlock reads [begin, begin+length) back from disk into a new
// Block. The piece must be Complete.
func (p *Piece) GetCompleteBlock(begin, length int64) (Block, error) {
	if !p.Complete() {
		return Block{}, fmt.Errorf("piece %d: not complete", p.index)
	}
	buf := make([]byte, length)
	if err := p.readAt(begin, buf); err != nil {
		return Block{}, err
	}
	return NewBlockWithData(p.index, begin, buf), nil
}

// writeAt writes data at piece-relative offset begin, splitting it across
// the underlying file spans at their fixed boundaries.
func (p *Piece) writeAt(begin int64, data []byte) error {
	abs := p.startOffset + begin
	remaining := data
	for _, span := range p.files {
		spanEnd := span.Offset + span.Length
		if spanEnd <= abs || len(remaining) == 0 {
			continue
		}
		if span.Offset >= abs+int64(len(remaining)) {
			break
		}
		fileOff := abs - span.Offset
		if fileOff < 0 {
			fileOff = 0
		}
		n := spanEnd - (span.Offset + fileOff)
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if _, err := span.File.WriteAt(remaining[:n], fileOff); err != nil {
			return fmt.Errorf("piece %d: write file span at %d: %s", p.index, fileOff, err)
		}
		abs += n
		remaining = remaining[n:]
	}
	if len(remaining) != 0 {
		return fmt.Errorf("piece %d: write overruns declared file spans by %d bytes", p.index, len(remaining))
	}
	return nil
}

// readAt reads length bytes starting at piece-relative offset begin,
// gathered across the underlying file spans at their fixed boundaries.
func (p *Piece) readAt(begin int64, buf []byte) error {
	abs := p.startOffset + begin
	remaining := buf
	for _, span := range p.files {
		spanEnd := span.Offset + span.Length
		if spanEnd <= abs || len(remaining) == 0 {
			continue
		}
		if span.Offset >= abs+int64(len(remaining)) {
			break
		}
		fileOff := abs - span.Offset
		if fileOff < 0 {
			fileOff = 0
		}
		n := spanEnd - (span.Offset + fileOff)
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if _, err := span.File.ReadAt(remaining[:n], fileOff); err != nil {
			return fmt.Errorf("piece %d: read file span at %d: %s", p.index, fileOff, err)
		}
		abs += n
		remaining = remaining[n:]
	}
	if len(remaining) != 0 {
		return fmt.Errorf("piece %d: read overruns declared file spans by %d bytes", p.index, len(remaining))
	}
	return nil
}
