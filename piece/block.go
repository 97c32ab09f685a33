package piece

import "time"

// Block identifies and optionally carries the bytes of one contiguous
// sub-range of a piece. Two blocks are equal iff their (PieceIndex, Begin,
// Length) triple matches; Data is never compared.
type Block struct {
	PieceIndex int
	Begin      int64
	Length     int64

	data        []byte
	Requested   bool
	RequestTime time.Time
}

// NewBlock returns an empty block describing the given piece-relative
// sub-range, with no data accumulated yet.
func NewBlock(pieceIndex int, begin, length int64) Block {
	return Block{PieceIndex: pieceIndex, Begin: begin, Length: length}
}

// NewBlockWithData returns a block that already carries its full payload.
func NewBlockWithData(pieceIndex int, begin int64, data []byte) Block {
	return Block{
		PieceIndex: pieceIndex,
		Begin:      begin,
		Length:     int64(len(data)),
		data:       data,
	}
}

// Key identifies b by its (PieceIndex, Begin, Length) triple, suitable for
// use as a map key when tracking in-flight requests.
type Key struct {
	PieceIndex int
	Begin      int64
	Length     int64
}

// Key returns b's identity, excluding its data.
func (b Block) Key() Key {
	return Key{b.PieceIndex, b.Begin, b.Length}
}

// Equal reports whether b and o have the same identity.
func (b Block) Equal(o Block) bool {
	return b.Key() == o.Key()
}

// Data returns the bytes accumulated so far.
func (b Block) Data() []byte {
	return b.data
}

// Complete reports whether b has accumulated its full declared length.
func (b Block) Complete() bool {
	return int64(len(b.data)) == b.Length
}

// AddChunk appends chunk to b's data. Data only ever grows; callers must not
// call AddChunk after Complete returns true.
func (b *Block) AddChunk(chunk []byte) {
	b.data = append(b.data, chunk...)
}
