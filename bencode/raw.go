package bencode

import "bytes"

// RawMessage is a raw encoded bencode value. It implements Marshaler and
// Unmarshaler and can be used to delay decoding or to precompute an
// encoding, mirroring the metainfo dict's need to keep its info dict bytes
// around verbatim for info_hash computation.
type RawMessage []byte

// MarshalBencode returns m as the raw bencode encoding.
func (m RawMessage) MarshalBencode() ([]byte, error) {
	if m == nil {
		return []byte("0:"), nil
	}
	return m, nil
}

// UnmarshalBencode stores a copy of the next encoded value in m without
// interpreting it.
func (m *RawMessage) UnmarshalBencode(data []byte) error {
	*m = append((*m)[0:0], data...)
	return nil
}

// Equal reports whether m and other encode identically byte for byte.
func (m RawMessage) Equal(other RawMessage) bool {
	return bytes.Equal(m, other)
}
