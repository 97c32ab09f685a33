package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tormint/peer/core"
)

const (
	protocolName   = "BitTorrent protocol"
	protocolLength = byte(len(protocolName))
)

var reserved = [8]byte{}

// ErrUnknownInfoHash names the rejection of an incoming handshake whose
// info_hash matches no package this process is serving. The Handshaker
// itself never returns it: AcceptPrefix leaves that lookup to its caller.
var ErrUnknownInfoHash = errors.New("wire: unknown info_hash")

// ErrSelfConnect is returned when a peer's advertised id matches our own.
var ErrSelfConnect = errors.New("wire: self-connection rejected")

// Handshaker performs the 68-byte BitTorrent handshake in both directions.
type Handshaker struct {
	peerID  core.PeerID
	timeout time.Duration
}

// NewHandshaker returns a Handshaker that identifies this process as
// peerID, failing any handshake that doesn't round-trip within timeout.
func NewHandshaker(peerID core.PeerID, timeout time.Duration) *Handshaker {
	return &Handshaker{peerID: peerID, timeout: timeout}
}

// PendingHandshake is a peer's handshake prefix, received before we know
// which package (if any) it's asking about.
type PendingHandshake struct {
	InfoHash core.InfoHash
}

// AcceptPrefix reads the fixed handshake prefix and the remote info_hash
// from an incoming connection, without yet committing to an info_hash or
// sending our own handshake back.
func (h *Handshaker) AcceptPrefix(nc net.Conn) (*PendingHandshake, error) {
	if err := setDeadline(nc, h.timeout); err != nil {
		return nil, err
	}
	if err := readProtocolPrefix(nc); err != nil {
		return nil, err
	}
	var infoHash [20]byte
	if _, err := io.ReadFull(nc, infoHash[:]); err != nil {
		return nil, fmt.Errorf("wire: read info_hash: %s", err)
	}
	return &PendingHandshake{InfoHash: infoHash}, nil
}

// CompleteAccept finishes an incoming handshake: reads and validates the
// remote peer_id, then sends our own prefix + info_hash + peer_id. Reading
// first lets the initiator's single 68-byte write finish before we write,
// so the exchange also completes over an unbuffered net.Pipe.
func (h *Handshaker) CompleteAccept(nc net.Conn, infoHash core.InfoHash) (core.PeerID, error) {
	peerID, err := h.readPeerID(nc)
	if err != nil {
		return core.PeerID{}, err
	}
	if err := writeHandshake(nc, infoHash, h.peerID); err != nil {
		return core.PeerID{}, err
	}
	return peerID, nil
}

// Initiate performs a full outgoing handshake: sends our prefix +
// info_hash + peer_id immediately, then validates the remote's echoed
// info_hash and reads its peer_id.
func (h *Handshaker) Initiate(nc net.Conn, infoHash core.InfoHash) (core.PeerID, error) {
	if err := setDeadline(nc, h.timeout); err != nil {
		return core.PeerID{}, err
	}
	if err := writeHandshake(nc, infoHash, h.peerID); err != nil {
		return core.PeerID{}, err
	}
	if err := readProtocolPrefix(nc); err != nil {
		return core.PeerID{}, err
	}
	var theirInfoHash [20]byte
	if _, err := io.ReadFull(nc, theirInfoHash[:]); err != nil {
		return core.PeerID{}, fmt.Errorf("wire: read info_hash: %s", err)
	}
	if core.InfoHash(theirInfoHash) != infoHash {
		return core.PeerID{}, fmt.Errorf("wire: info_hash mismatch")
	}
	return h.readPeerID(nc)
}

func (h *Handshaker) readPeerID(nc net.Conn) (core.PeerID, error) {
	var id [20]byte
	if _, err := io.ReadFull(nc, id[:]); err != nil {
		return core.PeerID{}, fmt.Errorf("wire: read peer_id: %s", err)
	}
	peerID := core.PeerID(id)
	if peerID == h.peerID {
		return core.PeerID{}, ErrSelfConnect
	}
	return peerID, nil
}

func writeHandshake(w io.Writer, infoHash core.InfoHash, peerID core.PeerID) error {
	var buf [68]byte
	buf[0] = protocolLength
	copy(buf[1:20], protocolName)
	copy(buf[20:28], reserved[:])
	copy(buf[28:48], infoHash.Bytes())
	copy(buf[48:68], peerID[:])
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("wire: write handshake: %s", err)
	}
	return nil
}

func readProtocolPrefix(r io.Reader) error {
	var prefix [20]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("wire: read protocol prefix: %s", err)
	}
	if prefix[0] != protocolLength {
		return fmt.Errorf("wire: unexpected protocol length byte %d", prefix[0])
	}
	if string(prefix[1:20]) != protocolName {
		return fmt.Errorf("wire: unexpected protocol string %q", prefix[1:20])
	}
	var reservedBytes [8]byte
	if _, err := io.ReadFull(r, reservedBytes[:]); err != nil {
		return fmt.Errorf("wire: read reserved bytes: %s", err)
	}
	return nil
}

func setDeadline(nc net.Conn, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("wire: set handshake deadline: %s", err)
	}
	return nil
}
