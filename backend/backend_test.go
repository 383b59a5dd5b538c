package backend

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPools = []PoolConfig{{ID: 0, Capacity: 4}, {ID: 1}}

func collect(t *testing.T, b Backend, pool PoolID) []Record {
	var recs []Record
	for rec, err := range b.Scan(pool) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

// conformance runs the contract every backend has to satisfy.
func conformance(t *testing.T, b Backend) {
	tok := Token{1, 0, 7}

	_, err := b.Read(0, tok)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, b.Write(0, tok, Low, []byte("hello")))
	val, err := b.Read(0, tok)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), val)

	// overwrite in place
	assert.NoError(t, b.Write(0, tok, Low, []byte("world!")))
	val, err = b.Read(0, tok)
	assert.NoError(t, err)
	assert.Equal(t, []byte("world!"), val)

	// pools are separate namespaces
	_, err = b.Read(1, tok)
	assert.ErrorIs(t, err, ErrNotFound)

	// empty payloads survive
	assert.NoError(t, b.Write(0, Token{1, 1, 0}, High, nil))
	val, err = b.Read(0, Token{1, 1, 0})
	assert.NoError(t, err)
	assert.Empty(t, val)

	var tooLarge *RecordTooLargeError
	err = b.Write(0, Token{1, 2, 0}, High, bytes.Repeat([]byte{1}, b.MaxRecordSize()+1))
	assert.ErrorAs(t, err, &tooLarge)
	assert.ErrorIs(t, b.Write(0, nil, High, nil), ErrBadToken)
	assert.ErrorIs(t, b.Write(0, make(Token, MaxTokenLen+1), High, nil), ErrBadToken)
	assert.ErrorIs(t, b.Write(9, tok, High, nil), ErrUnknownPool)

	// capacity counts records, replacing does not consume any
	assert.NoError(t, b.Write(0, Token{2}, High, []byte{2}))
	assert.NoError(t, b.Write(0, Token{3}, InitOnly, []byte{3}))
	assert.ErrorIs(t, b.Write(0, Token{4}, High, []byte{4}), ErrFull)
	assert.NoError(t, b.Write(0, Token{3}, InitOnly, []byte{33}))

	recs := collect(t, b, 0)
	assert.Len(t, recs, 4)
	seen := map[string]Record{}
	for _, rec := range recs {
		seen[string(rec.Token)] = rec
	}
	assert.Equal(t, InitOnly, seen[string(Token{3})].Frequency)
	assert.Equal(t, []byte{33}, seen[string(Token{3})].Payload)

	assert.NoError(t, b.Remove(0, Token{2}))
	assert.ErrorIs(t, b.Remove(0, Token{2}), ErrNotFound)
	assert.NoError(t, b.Write(0, Token{4}, High, []byte{4}))

	// scan is restartable and tolerates writes from inside the loop
	for rec, err := range b.Scan(0) {
		require.NoError(t, err)
		if bytes.Equal(rec.Token, Token{4}) {
			assert.NoError(t, b.Remove(0, rec.Token))
		}
	}
	assert.Len(t, collect(t, b, 0), 3)

	assert.NoError(t, b.Write(1, tok, ReadOnly, []byte("other")))
	assert.NoError(t, b.EraseAll(0))
	assert.Empty(t, collect(t, b, 0))
	assert.Len(t, collect(t, b, 1), 1)

	// erased pool regains its whole capacity
	for i := byte(0); i < 4; i++ {
		assert.NoError(t, b.Write(0, Token{i}, High, []byte{i}))
	}

	assert.NoError(t, b.EraseAll(AllPools))
	assert.Empty(t, collect(t, b, 1))
	assert.ErrorIs(t, b.EraseAll(9), ErrUnknownPool)
}

func TestMemory_Conformance(t *testing.T) {
	m := NewMemory(testPools, WithMaxRecordSize(64))
	conformance(t, m)
	assert.NoError(t, m.Close())
	_, err := m.Read(0, Token{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPebble_Conformance(t *testing.T) {
	p, err := OpenPebble(t.TempDir(), PebbleOptions{Pools: testPools})
	require.NoError(t, err)
	defer p.Close()
	conformance(t, p)
}

func TestPebble_Reopen(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPebble(dir, PebbleOptions{Pools: testPools, Sync: true})
	require.NoError(t, err)
	for i := byte(0); i < 3; i++ {
		assert.NoError(t, p.Write(0, Token{i}, Low, []byte{i}))
	}
	assert.NoError(t, p.Close())

	p, err = OpenPebble(dir, PebbleOptions{Pools: testPools})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 3, p.Count(0))
	assert.NoError(t, p.Write(0, Token{3}, Low, nil))
	assert.ErrorIs(t, p.Write(0, Token{4}, Low, nil), ErrFull)
	val, err := p.Read(0, Token{1})
	assert.NoError(t, err)
	assert.Equal(t, []byte{1}, val)
}

func TestBolt_Conformance(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "tags.db"), WithBoltPools(testPools), WithBoltNoSync(true))
	require.NoError(t, err)
	defer b.Close()
	conformance(t, b)
}

func TestBadger_Conformance(t *testing.T) {
	cfg := InMemoryBadgerConfig()
	cfg.Pools = testPools
	b, err := OpenBadger(cfg)
	require.NoError(t, err)
	defer b.Close()
	conformance(t, b)
}

func TestMemory_FailAfter(t *testing.T) {
	m := NewMemory(nil)
	m.FailAfter(1)
	assert.NoError(t, m.Write(0, Token{1}, High, []byte{1}))
	assert.ErrorIs(t, m.Write(0, Token{2}, High, []byte{2}), ErrPowerLoss)
	assert.ErrorIs(t, m.Remove(0, Token{1}), ErrPowerLoss)
	m.Recover()
	assert.NoError(t, m.Remove(0, Token{1}))
	assert.Equal(t, 1, m.Writes())
	assert.Equal(t, 0, m.Count(0))
}

func TestCheckPools(t *testing.T) {
	assert.NoError(t, CheckPools(testPools))
	assert.NoError(t, CheckPools(DefaultPools))
	for name, pools := range map[string][]PoolConfig{
		"reserved": {{ID: 0}, {ID: AllPools}},
		"twice":    {{ID: 1}, {ID: 1}},
		"capacity": {{ID: 0, Capacity: -1}},
	} {
		assert.ErrorIs(t, CheckPools(pools), ErrBadPools, name)
	}

	reserved := []PoolConfig{{ID: 0}, {ID: AllPools}}
	assert.Panics(t, func() { NewMemory(reserved) })
	_, err := OpenPebble(t.TempDir(), PebbleOptions{Pools: reserved})
	assert.ErrorIs(t, err, ErrBadPools)
	_, err = OpenBolt(filepath.Join(t.TempDir(), "tags.db"), WithBoltPools(reserved))
	assert.ErrorIs(t, err, ErrBadPools)
	cfg := InMemoryBadgerConfig()
	cfg.Pools = reserved
	_, err = OpenBadger(cfg)
	assert.ErrorIs(t, err, ErrBadPools)
}

func TestToken_Matches(t *testing.T) {
	want := Token{5, 1, 0}
	assert.True(t, Token{5, 1, 0}.Matches(want, nil))
	assert.False(t, Token{5, 1, 9}.Matches(want, nil))
	assert.True(t, Token{5, 1, 9}.Matches(want, []byte{0, 0, 0xff}))
	assert.False(t, Token{5, 2, 9}.Matches(want, []byte{0, 0, 0xff}))
	assert.True(t, Token{5, 2, 9}.Matches(want, []byte{0, 0xff, 0xff}))
	assert.False(t, Token{5, 1}.Matches(want, []byte{0, 0, 0xff}))
	// partial bit masks
	assert.True(t, Token{0x5f}.Matches(Token{0x50}, []byte{0x0f}))
	assert.False(t, Token{0x6f}.Matches(Token{0x50}, []byte{0x0f}))
}

func TestParseFrequency(t *testing.T) {
	for _, f := range []Frequency{High, Low, InitOnly, ReadOnly} {
		back, err := ParseFrequency(f.String())
		assert.NoError(t, err)
		assert.Equal(t, f, back)
	}
	_, err := ParseFrequency("sometimes")
	assert.Error(t, err)
}

func TestDecodeValue_Garbage(t *testing.T) {
	_, _, err := decodeValue([]byte{'f', 2, 1})
	assert.Error(t, err)
	_, _, err = decodeValue(encodeValue(Low, []byte{1})[3:])
	assert.Error(t, err)
}
