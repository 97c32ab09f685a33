// Package wire implements the BitTorrent peer-wire message codec and
// handshake: length-prefixed messages over a stream connection, plus the
// fixed 68-byte handshake that precedes them.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize guards against an allocation bomb from a corrupt or hostile
// peer: no real message on this wire exceeds a few hundred KiB.
const maxFrameSize = 512 * 1024

// ID identifies a message's wire type. There is no ID for keepalive: it is
// the unique zero-length message.
type ID byte

const (
	Choke ID = iota
	Unchoke
	Interested
	Uninterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case Uninterested:
		return "uninterested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Message is a single decoded peer-wire message. Keepalive is represented
// as IsKeepalive == true, with every other field zero.
type Message struct {
	IsKeepalive bool
	ID          ID

	// Have
	PieceIndex int

	// Bitfield
	BitfieldBytes []byte

	// Request, Cancel
	Index, Begin, Length int

	// Piece
	Block []byte
}

// NewKeepalive returns the zero-length keepalive message.
func NewKeepalive() Message {
	return Message{IsKeepalive: true}
}

// NewChoke, NewUnchoke, NewInterested, NewUninterested return the
// corresponding zero-payload message.
func NewChoke() Message        { return Message{ID: Choke} }
func NewUnchoke() Message      { return Message{ID: Unchoke} }
func NewInterested() Message   { return Message{ID: Interested} }
func NewUninterested() Message { return Message{ID: Uninterested} }

// NewHave returns a have message announcing pieceIndex.
func NewHave(pieceIndex int) Message {
	return Message{ID: Have, PieceIndex: pieceIndex}
}

// NewBitfield returns a bitfield message carrying the given packed,
// MSB-first bytes.
func NewBitfield(b []byte) Message {
	return Message{ID: Bitfield, BitfieldBytes: b}
}

// NewRequest returns a request message for the given piece-relative range.
func NewRequest(index, begin, length int) Message {
	return Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewPiece returns a piece message carrying block's bytes.
func NewPiece(index, begin int, block []byte) Message {
	return Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// NewCancel returns a cancel message for the given piece-relative range.
func NewCancel(index, begin, length int) Message {
	return Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// Write encodes and writes m to w as a single length-prefixed frame.
func Write(w io.Writer, m Message) error {
	body, err := encodeBody(m)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %s", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %s", err)
	}
	return nil
}

func encodeBody(m Message) ([]byte, error) {
	if m.IsKeepalive {
		return nil, nil
	}
	switch m.ID {
	case Choke, Unchoke, Interested, Uninterested:
		return []byte{byte(m.ID)}, nil
	case Have:
		b := make([]byte, 5)
		b[0] = byte(Have)
		binary.BigEndian.PutUint32(b[1:], uint32(m.PieceIndex))
		return b, nil
	case Bitfield:
		b := make([]byte, 1+len(m.BitfieldBytes))
		b[0] = byte(Bitfield)
		copy(b[1:], m.BitfieldBytes)
		return b, nil
	case Request, Cancel:
		b := make([]byte, 13)
		b[0] = byte(m.ID)
		binary.BigEndian.PutUint32(b[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(b[5:9], uint32(m.Begin))
		binary.BigEndian.PutUint32(b[9:13], uint32(m.Length))
		return b, nil
	case Piece:
		b := make([]byte, 9+len(m.Block))
		b[0] = byte(Piece)
		binary.BigEndian.PutUint32(b[1:5], uint32(m.Index))
		binary.BigEndian.PutUint32(b[5:9], uint32(m.Begin))
		copy(b[9:], m.Block)
		return b, nil
	default:
		return nil, fmt.Errorf("wire: unknown message id %d", m.ID)
	}
}

// Read reads and decodes the next frame from r. A zero-length frame decodes
// to a keepalive.
func Read(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length prefix: %s", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 {
		return NewKeepalive(), nil
	}
	if n > maxFrameSize {
		return Message{}, fmt.Errorf("wire: frame length %d exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("wire: read body: %s", err)
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (Message, error) {
	id := ID(body[0])
	payload := body[1:]

	switch id {
	case Choke, Unchoke, Interested, Uninterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("wire: %s has unexpected payload length %d", id, len(payload))
		}
		return Message{ID: id}, nil
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("wire: have has unexpected payload length %d", len(payload))
		}
		return Message{ID: id, PieceIndex: int(binary.BigEndian.Uint32(payload))}, nil
	case Bitfield:
		b := make([]byte, len(payload))
		copy(b, payload)
		return Message{ID: id, BitfieldBytes: b}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("wire: %s has unexpected payload length %d", id, len(payload))
		}
		return Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("wire: piece payload too short: %d", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Message{
			ID:    id,
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: block,
		}, nil
	default:
		return Message{}, fmt.Errorf("wire: unknown message id %d", id)
	}
}

// ExpectedBitfieldLen returns the number of bytes a bitfield message for
// numPieces pieces must carry: ceil(numPieces/8).
func ExpectedBitfieldLen(numPieces int) int {
	return (numPieces + 7) / 8
}
