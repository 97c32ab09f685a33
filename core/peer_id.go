// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// clientPrefix identifies this implementation in the peer id, following the
// same 7-byte-prefix + 1-byte-version + 12-random-byte structure as the
// original client.
const clientPrefix = "gotorr-"

const clientVersion = byte(1)

// ErrInvalidPeerIDLength returns when a string peer id does not decode into
// 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID represents a fixed size peer id, exchanged during the handshake and
// used to address a peer within the controller's connection set.
type PeerID [20]byte

// NewPeerID parses a PeerID from the given string. Must be in hexadecimal
// notation, encoding exactly 20 bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromBytes copies exactly 20 bytes of b into a PeerID.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	var p PeerID
	if len(b) != 20 {
		return p, ErrInvalidPeerIDLength
	}
	copy(p[:], b)
	return p, nil
}

// String encodes the PeerID in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// LessThan returns whether p is less than o, comparing bytewise, which
// gives peer ids a deterministic total order.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) == -1
}

// RandomPeerID returns a freshly generated local PeerID: a fixed 7-byte
// client prefix, a 1-byte version, and 12 random bytes drawn from a v4 UUID.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	copy(p[:7], clientPrefix)
	p[7] = clientVersion
	id, err := uuid.NewRandom()
	if err != nil {
		return PeerID{}, err
	}
	copy(p[8:], id[:12])
	return p, nil
}
