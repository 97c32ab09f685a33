// Package metainfo parses and validates .torrent metainfo files.
package metainfo

import (
	"errors"
	"fmt"

	"github.com/tormint/peer/bencode"
	"github.com/tormint/peer/core"
)

const pieceHashSize = 20

// FileInfo describes one file within a multi-file package, relative to the
// package's root directory.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the torrent info dictionary: either single-file (Length > 0,
// Files == nil) or multi-file (Files != nil, Length == 0).
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
}

// Metainfo is a fully parsed and validated .torrent structure.
type Metainfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	Encoding     string     `bencode:"encoding,omitempty"`

	// infoHash caches the SHA-1 over the exact bencoded info dict bytes, as
	// seen on the wire. Recomputing from the decoded Info struct would not
	// be byte-stable across implementations that order unknown extension
	// keys differently, so we capture the raw dict at decode time instead.
	infoHash core.InfoHash
	rawInfo  bencode.RawMessage
}

// decodeEnvelope mirrors Metainfo but keeps the info dict as a RawMessage so
// its exact bytes can be hashed for InfoHash.
type decodeEnvelope struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	Encoding     string             `bencode:"encoding,omitempty"`
}

// Decode parses and validates a bencoded metainfo dict.
func Decode(data []byte) (*Metainfo, error) {
	var env decodeEnvelope
	if err := bencode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode metainfo: %s", err)
	}
	if env.Announce == "" {
		return nil, errors.New("metainfo: missing announce")
	}
	if len(env.Info) == 0 {
		return nil, errors.New("metainfo: missing info dict")
	}

	var info Info
	if err := bencode.Unmarshal(env.Info, &info); err != nil {
		return nil, fmt.Errorf("decode info dict: %s", err)
	}

	mi := &Metainfo{
		Info:         info,
		Announce:     env.Announce,
		AnnounceList: env.AnnounceList,
		CreationDate: env.CreationDate,
		CreatedBy:    env.CreatedBy,
		Comment:      env.Comment,
		Encoding:     env.Encoding,
		rawInfo:      append(bencode.RawMessage(nil), env.Info...),
	}
	if err := mi.Info.Validate(); err != nil {
		return nil, err
	}
	mi.infoHash = core.NewInfoHashFromBytes(mi.rawInfo)
	return mi, nil
}

// Encode serializes m back into a bencoded metainfo dict, re-emitting the
// info dict from its cached raw bytes so InfoHash remains stable.
func (m *Metainfo) Encode() ([]byte, error) {
	env := decodeEnvelope{
		Info:         m.rawInfo,
		Announce:     m.Announce,
		AnnounceList: m.AnnounceList,
		CreationDate: m.CreationDate,
		CreatedBy:    m.CreatedBy,
		Comment:      m.Comment,
		Encoding:     m.Encoding,
	}
	return bencode.Marshal(env)
}

// InfoHash returns the swarm identifier for m.
func (m *Metainfo) InfoHash() core.InfoHash {
	return m.infoHash
}

// IsMultiFile reports whether m describes a multi-file package.
func (info *Info) IsMultiFile() bool {
	return info.Files != nil
}

// NumPieces returns the number of pieces declared by info.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / pieceHashSize
}

// PieceHash returns the expected SHA-1 of the given piece index.
func (info *Info) PieceHash(piece int) ([20]byte, error) {
	var h [20]byte
	if piece < 0 || piece >= info.NumPieces() {
		return h, fmt.Errorf("piece index %d out of range [0, %d)", piece, info.NumPieces())
	}
	start := piece * pieceHashSize
	copy(h[:], info.Pieces[start:start+pieceHashSize])
	return h, nil
}

// TotalLength returns the sum of all file lengths described by info.
func (info *Info) TotalLength() int64 {
	if info.IsMultiFile() {
		var total int64
		for _, f := range info.Files {
			total += f.Length
		}
		return total
	}
	return info.Length
}

// Validate reports whether info satisfies the structural invariants of a
// metainfo info dict: exactly one of Length/Files, a positive piece length,
// a pieces blob that is a multiple of the SHA-1 size, and a piece count
// consistent with the declared total length.
func (info *Info) Validate() error {
	if info.Name == "" {
		return errors.New("metainfo: info.name is required")
	}
	if info.PieceLength <= 0 {
		return errors.New("metainfo: info.piece length must be positive")
	}
	if len(info.Pieces)%pieceHashSize != 0 {
		return errors.New("metainfo: info.pieces is not a multiple of 20 bytes")
	}
	hasLength := info.Length > 0
	hasFiles := len(info.Files) > 0
	if hasLength == hasFiles {
		return errors.New("metainfo: info must declare exactly one of length or files")
	}
	if info.IsMultiFile() {
		for i, f := range info.Files {
			if f.Length <= 0 {
				return fmt.Errorf("metainfo: file %d has non-positive length", i)
			}
			if len(f.Path) == 0 {
				return fmt.Errorf("metainfo: file %d has empty path", i)
			}
		}
	}
	expected := (info.TotalLength() + info.PieceLength - 1) / info.PieceLength
	if expected != int64(info.NumPieces()) {
		return fmt.Errorf("metainfo: piece count %d inconsistent with total length %d at piece length %d",
			info.NumPieces(), info.TotalLength(), info.PieceLength)
	}
	return nil
}
