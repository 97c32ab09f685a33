// Package pkgstore maps a Metainfo's logical byte stream onto a set of
// underlying files on disk, and owns the Pieces that stream is divided
// into.
package pkgstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/tormint/peer/metainfo"
	"github.com/tormint/peer/piece"
)

// fileEntry is one of Package's owned, on-disk files.
type fileEntry struct {
	handle         *lockedFile
	declaredLength int64
}

// Package owns every Piece and file handle backing one Metainfo's content
// at a destination path, and exposes completeness statistics over them.
type Package struct {
	mi   *metainfo.Metainfo
	path string

	files  []*fileEntry
	pieces []*piece.Piece

	numComplete *atomic.Int32
	readOnly    *atomic.Bool
}

// Options controls Package construction.
type Options struct {
	// AssumeExistingValid marks every piece whose files all already existed
	// at their declared length as complete and valid, without reading or
	// hashing their bytes. When it is false, every piece starts empty and
	// its bytes are downloaded again. New sets it to true; call
	// NewWithOptions to disable it.
	AssumeExistingValid bool
}

// New binds mi to destPath (a directory for a multi-file package, a file
// path for single-file) with default options, opening or creating every
// underlying file.
func New(mi *metainfo.Metainfo, destPath string) (*Package, error) {
	return NewWithOptions(mi, destPath, Options{AssumeExistingValid: true})
}

// NewWithOptions is New with explicit Options.
func NewWithOptions(mi *metainfo.Metainfo, destPath string, opts Options) (*Package, error) {
	fileSpecs, err := resolveFileSpecs(mi, destPath)
	if err != nil {
		return nil, err
	}

	files := make([]*fileEntry, len(fileSpecs))
	preexisting := make([]bool, len(fileSpecs))
	for i, spec := range fileSpecs {
		if err := os.MkdirAll(filepath.Dir(spec.path), 0755); err != nil {
			return nil, fmt.Errorf("pkgstore: create parent dir for %s: %s", spec.path, err)
		}
		if fi, err := os.Stat(spec.path); err == nil && fi.Size() == spec.length {
			preexisting[i] = true
		}
		lf, err := openFile(spec.path, false, spec.length)
		if err != nil {
			return nil, fmt.Errorf("pkgstore: open %s: %s", spec.path, err)
		}
		files[i] = &fileEntry{handle: lf, declaredLength: spec.length}
	}

	spans := buildFileSpans(fileSpecs, files)

	numPieces := mi.Info.NumPieces()
	pieceLength := mi.Info.PieceLength
	totalLength := mi.Info.TotalLength()

	pieces := make([]*piece.Piece, numPieces)
	numComplete := 0
	for i := 0; i < numPieces; i++ {
		start := int64(i) * pieceLength
		length := pieceLength
		if start+length > totalLength {
			length = totalLength - start
		}
		hash, err := mi.Info.PieceHash(i)
		if err != nil {
			return nil, err
		}
		pieceSpans := clipSpans(spans, start, length)
		p := piece.New(i, hash, start, length, pieceSpans)
		if opts.AssumeExistingValid && allSpansPreexisting(pieceSpans, spans, preexisting) {
			p.AssumeValid()
			numComplete++
		}
		pieces[i] = p
	}

	return &Package{
		mi:          mi,
		path:        destPath,
		files:       files,
		pieces:      pieces,
		numComplete: atomic.NewInt32(int32(numComplete)),
		readOnly:    atomic.NewBool(false),
	}, nil
}

// Piece returns the Piece at index pi.
func (pk *Package) Piece(pi int) (*piece.Piece, error) {
	if pi < 0 || pi >= len(pk.pieces) {
		return nil, fmt.Errorf("pkgstore: invalid piece index %d", pi)
	}
	return pk.pieces[pi], nil
}

// NumPieces returns the number of pieces in the package.
func (pk *Package) NumPieces() int {
	return len(pk.pieces)
}

// TotalLength returns the total declared length of the package.
func (pk *Package) TotalLength() int64 {
	return pk.mi.Info.TotalLength()
}

// Bitfield returns a bit per piece, set iff that piece is complete.
func (pk *Package) Bitfield() *bitset.BitSet {
	bs := bitset.New(uint(len(pk.pieces)))
	for i, p := range pk.pieces {
		if p.Complete() {
			bs.Set(uint(i))
		}
	}
	return bs
}

// Complete reports whether every piece in the package is complete.
func (pk *Package) Complete() bool {
	for _, p := range pk.pieces {
		if !p.Complete() {
			return false
		}
	}
	return true
}

// NotifyPieceComplete should be called whenever a piece transitions to
// complete, so the package can track aggregate completion and reopen its
// files read-only once every piece is done.
func (pk *Package) NotifyPieceComplete() error {
	pk.numComplete.Inc()
	if int(pk.numComplete.Load()) < len(pk.pieces) {
		return nil
	}
	return pk.reopenReadOnly()
}

func (pk *Package) reopenReadOnly() error {
	if pk.readOnly.Load() {
		return nil
	}
	for _, fe := range pk.files {
		if err := fe.handle.reopenReadOnly(); err != nil {
			return fmt.Errorf("pkgstore: reopen read-only: %s", err)
		}
	}
	pk.readOnly.Store(true)
	return nil
}

// Close closes every underlying file handle.
func (pk *Package) Close() error {
	var firstErr error
	for _, fe := range pk.files {
		if err := fe.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type fileSpec struct {
	path   string
	length int64
}

// resolveFileSpecs maps mi's info dict onto concrete on-disk paths rooted
// at destPath: a single file for a single-file package, or destPath/name/...
// for each declared file in a multi-file package.
func resolveFileSpecs(mi *metainfo.Metainfo, destPath string) ([]fileSpec, error) {
	if !mi.Info.IsMultiFile() {
		return []fileSpec{{path: destPath, length: mi.Info.Length}}, nil
	}
	root := filepath.Join(destPath, mi.Info.Name)
	specs := make([]fileSpec, len(mi.Info.Files))
	for i, f := range mi.Info.Files {
		parts := append([]string{root}, f.Path...)
		specs[i] = fileSpec{path: filepath.Join(parts...), length: f.Length}
	}
	return specs, nil
}

// fileSpan pairs a fileEntry with its absolute offset in the logical
// package byte stream.
type fileSpan struct {
	entry  *fileEntry
	offset int64
	length int64
}

func buildFileSpans(specs []fileSpec, files []*fileEntry) []fileSpan {
	spans := make([]fileSpan, len(specs))
	var offset int64
	for i, spec := range specs {
		spans[i] = fileSpan{entry: files[i], offset: offset, length: spec.length}
		offset += spec.length
	}
	return spans
}

// clipSpans returns the piece.FileSpan views overlapping [start, start+length).
func clipSpans(spans []fileSpan, start, length int64) []piece.FileSpan {
	end := start + length
	var out []piece.FileSpan
	for _, s := range spans {
		spanEnd := s.offset + s.length
		if spanEnd <= start || s.offset >= end {
			continue
		}
		out = append(out, piece.FileSpan{File: s.entry.handle, Offset: s.offset, Length: s.length})
	}
	return out
}

// allSpansPreexisting reports whether every file span a piece touches
// belonged to a file that already existed on disk at its declared length
// before this Package was constructed.
func allSpansPreexisting(pieceSpans []piece.FileSpan, allSpans []fileSpan, preexisting []bool) bool {
	for _, ps := range pieceSpans {
		found := false
		for i, s := range allSpans {
			if s.entry.handle == ps.File {
				if !preexisting[i] {
					return false
				}
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
