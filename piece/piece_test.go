package piece

import (
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memFile is an in-memory File for tests, serializing access with its own
// lock the way a real on-disk file handle would.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile(size int64) *memFile {
	return &memFile{data: make([]byte, size)}
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(p, f.data[off:off+int64(len(p))])
	return len(p), nil
}

func TestAddBlockCompletesAndValidates(t *testing.T) {
	require := require.New(t)

	payload := []byte("0123456789012345") // 16 bytes
	expected := sha1.Sum(payload)

	f := newMemFile(16)
	p := New(0, expected, 0, 16, []FileSpan{{File: f, Offset: 0, Length: 16}})

	completed, err := p.AddBlock(NewBlockWithData(0, 0, payload[:8]))
	require.NoError(err)
	require.False(completed)
	require.False(p.Complete())

	completed, err = p.AddBlock(NewBlockWithData(0, 8, payload[8:]))
	require.NoError(err)
	require.True(completed)
	require.True(p.Complete())

	valid, err := p.Valid()
	require.NoError(err)
	require.True(valid)
	require.Equal(payload, f.data)
}

func TestValidDetectsCorruption(t *testing.T) {
	require := require.New(t)

	payload := []byte("0123456789012345")
	wrongExpected := sha1.Sum([]byte("zzzzzzzzzzzzzzzz"))

	f := newMemFile(16)
	p := New(0, wrongExpected, 0, 16, []FileSpan{{File: f, Offset: 0, Length: 16}})

	_, err := p.AddBlock(NewBlockWithData(0, 0, payload))
	require.NoError(err)

	valid, err := p.Valid()
	require.NoError(err)
	require.False(valid)
}

func TestWriteSplitsAcrossFileSpans(t *testing.T) {
	require := require.New(t)

	payload := []byte("0123456789") // 10 bytes, split across two files at offset 6 boundary
	expected := sha1.Sum(payload)

	fa := newMemFile(6)
	fb := newMemFile(4)
	p := New(0, expected, 0, 10, []FileSpan{
		{File: fa, Offset: 0, Length: 6},
		{File: fb, Offset: 6, Length: 4},
	})

	_, err := p.AddBlock(NewBlockWithData(0, 0, payload))
	require.NoError(err)
	require.Equal([]byte("012345"), fa.data)
	require.Equal([]byte("6789"), fb.data)

	valid, err := p.Valid()
	require.NoError(err)
	require.True(valid)
}

func TestDiscardDoesNotTouchDisk(t *testing.T) {
	require := require.New(t)

	payload := []byte("0123456789012345")
	expected := sha1.Sum(payload)

	f := newMemFile(16)
	p := New(0, expected, 0, 16, []FileSpan{{File: f, Offset: 0, Length: 16}})

	_, err := p.AddBlock(NewBlockWithData(0, 0, payload))
	require.NoError(err)
	require.True(p.Complete())

	p.Discard()
	require.False(p.Complete())
	require.Equal(payload, f.data) // bytes on disk untouched
}

func TestClaimBlockIdempotent(t *testing.T) {
	require := require.New(t)

	f := newMemFile(16)
	p := New(0, [20]byte{}, 0, 16, []FileSpan{{File: f, Offset: 0, Length: 16}})

	b := NewBlock(0, 0, 8)
	require.NoError(p.ClaimBlock(b))
	require.NoError(p.ClaimBlock(b))
	require.True(p.Started())

	require.NoError(p.UnclaimBlock(b))
	require.False(p.Started())
}

func TestClaimedBytesTracksCovering(t *testing.T) {
	require := require.New(t)

	f := newMemFile(16)
	p := New(0, [20]byte{}, 0, 16, []FileSpan{{File: f, Offset: 0, Length: 16}})

	require.Equal(int64(0), p.ClaimedBytes())
	require.NoError(p.ClaimBlock(NewBlock(0, 0, 6)))
	require.Equal(int64(6), p.ClaimedBytes())
	require.NoError(p.ClaimBlock(NewBlock(0, 6, 10)))
	require.Equal(int64(16), p.ClaimedBytes())
}

func TestEachEmptyBlockSplitsByMaxLen(t *testing.T) {
	require := require.New(t)

	f := newMemFile(10)
	p := New(0, [20]byte{}, 0, 10, []FileSpan{{File: f, Offset: 0, Length: 10}})

	var blocks []Block
	p.EachEmptyBlock(4, func(b Block) {
		blocks = append(blocks, b)
	})
	require.Len(blocks, 3)
	require.Equal(int64(0), blocks[0].Begin)
	require.Equal(int64(4), blocks[0].Length)
	require.Equal(int64(8), blocks[2].Begin)
	require.Equal(int64(2), blocks[2].Length)
}

func TestGetCompleteBlockRequiresCompletion(t *testing.T) {
	require := require.New(t)

	f := newMemFile(10)
	p := New(0, [20]byte{}, 0, 10, []FileSpan{{File: f, Offset: 0, Length: 10}})

	_, err := p.GetCompleteBlock(0, 5)
	require.Error(err)
}
