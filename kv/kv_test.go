package kv

import (
	"bytes"
	"testing"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKV(t *testing.T, be *backend.Memory, opts Options) *KV {
	s := tagstore.Open(be, nil, tagstore.Options{})
	kv, err := New(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.Equal(t, 0, s.OpenHandles()) })
	return kv
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

// records splits pool 0 of the component by kind.
func records(t *testing.T, be backend.Backend, component uint8) (keys, data []backend.Record) {
	for rec, err := range be.Scan(0) {
		require.NoError(t, err)
		c, kind, _, _ := tagstore.SplitToken(rec.Token)
		if c != component {
			continue
		}
		switch kind {
		case tagstore.KindKey:
			keys = append(keys, rec)
		case tagstore.KindData:
			data = append(data, rec)
		}
	}
	return
}

func TestKV_ChunkLayout(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	value := bytes.Repeat([]byte{0xAB}, 300)
	require.NoError(t, kv.Put("net/key", value))

	keys, data := records(t, be, 1)
	require.Len(t, data, 2)
	assert.Len(t, data[0].Payload, 251)
	assert.Len(t, data[1].Payload, 49)
	require.Len(t, keys, 1)

	parsed, err := ParseRecord(keys[0])
	require.NoError(t, err)
	kr, ok := parsed.(*KeyRecord)
	require.True(t, ok)
	assert.Equal(t, hashKey("net/key"), kr.Hash)
	assert.EqualValues(t, 300, kr.Length)
	assert.Equal(t, []uint8{0, 1}, kr.Indices)

	got, err := kv.Get("net/key", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestKV_Sizes(t *testing.T) {
	for _, size := range []int{0, 1, 250, 251, 252, 251 * 8} {
		be := backend.NewMemory(nil)
		kv := newKV(t, be, Options{Component: 2})
		value := pattern(size)
		require.NoError(t, kv.Put("k", value), size)

		got, err := kv.Get("k", 0, size+10)
		require.NoError(t, err, size)
		assert.Equal(t, value, got, size)

		n, err := kv.Size("k")
		assert.NoError(t, err)
		assert.Equal(t, size, n)

		// windows across chunk boundaries
		for _, off := range []int{0, size / 2, max(size-1, 0)} {
			got, err := kv.Get("k", off, 3)
			require.NoError(t, err, "size %d off %d", size, off)
			assert.Equal(t, value[off:min(off+3, size)], got, "size %d off %d", size, off)
		}

		got, err = kv.Get("k", size, 5)
		assert.NoError(t, err)
		assert.Empty(t, got)
		_, err = kv.Get("k", size+1, 5)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestKV_Overwrite(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	value := pattern(600)
	require.NoError(t, kv.Put("a", value))
	assert.Equal(t, 4, be.Count(0))

	// an unchanged value only rewrites the key record
	writes := be.Writes()
	require.NoError(t, kv.Put("a", value))
	assert.Equal(t, writes+1, be.Writes())
	assert.Equal(t, 4, be.Count(0))

	// shrinking releases the tail chunks
	require.NoError(t, kv.Put("a", value[:100]))
	_, data := records(t, be, 1)
	assert.Len(t, data, 1)
	got, err := kv.Get("a", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, value[:100], got)

	require.NoError(t, kv.Put("b", []byte("second")))
	n, err := kv.Keys()
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestKV_Delete(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	require.NoError(t, kv.Put("a", pattern(700)))
	require.NoError(t, kv.Put("b", pattern(10)))

	require.NoError(t, kv.Delete("a"))
	_, err := kv.Get("a", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, kv.Delete("a"), ErrNotFound)
	assert.Equal(t, 2, be.Count(0))

	require.NoError(t, kv.Delete("b"))
	assert.Equal(t, 0, be.Count(0))

	assert.ErrorIs(t, kv.Delete(""), ErrInvalidArgument)
	assert.ErrorIs(t, kv.Put("", nil), ErrInvalidArgument)
}

func TestKV_CrashOnNewKey(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})

	// the first chunk lands, the second chunk and the key record do not
	be.FailAfter(1)
	assert.ErrorIs(t, kv.Put("fresh", pattern(300)), backend.ErrPowerLoss)
	be.Recover()

	_, err := kv.Get("fresh", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
	removed, err := kv.Collect()
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, be.Count(0))
}

func TestKV_CrashOnGrowth(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	old := bytes.Repeat([]byte{0x11}, 251)
	require.NoError(t, kv.Put("k", old))

	grown := append(bytes.Clone(old), bytes.Repeat([]byte{0x22}, 49)...)
	be.FailAfter(1)
	assert.ErrorIs(t, kv.Put("k", grown), backend.ErrPowerLoss)
	be.Recover()

	// the key record still describes the old value
	got, err := kv.Get("k", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, old, got)

	removed, err := kv.Collect()
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, kv.Put("k", grown))
	got, err = kv.Get("k", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, grown, got)
}

func TestKV_CrashOnOverwrite(t *testing.T) {
	old := bytes.Repeat([]byte{0x11}, 300)
	for name, tc := range map[string]struct {
		value   []byte
		ok      int
		removed int
	}{
		"same size":        {value: bytes.Repeat([]byte{0x33}, 300), ok: 1, removed: 1},
		"same size, data":  {value: bytes.Repeat([]byte{0x33}, 300), ok: 2, removed: 2},
		"shrink":           {value: bytes.Repeat([]byte{0x22}, 260), ok: 1, removed: 1},
		"shrink, data":     {value: bytes.Repeat([]byte{0x22}, 260), ok: 2, removed: 2},
		"single chunk":     {value: bytes.Repeat([]byte{0x44}, 200), ok: 0, removed: 0},
		"single, one data": {value: bytes.Repeat([]byte{0x44}, 200), ok: 1, removed: 1},
	} {
		t.Run(name, func(t *testing.T) {
			be := backend.NewMemory(nil)
			kv := newKV(t, be, Options{Component: 1})
			require.NoError(t, kv.Put("k", old))

			// the key record write never lands
			be.FailAfter(tc.ok)
			assert.ErrorIs(t, kv.Put("k", tc.value), backend.ErrPowerLoss)
			be.Recover()

			got, err := kv.Get("k", 0, 1000)
			require.NoError(t, err)
			assert.Equal(t, old, got)

			removed, err := kv.Collect()
			assert.NoError(t, err)
			assert.Equal(t, tc.removed, removed)
			got, err = kv.Get("k", 0, 1000)
			require.NoError(t, err)
			assert.Equal(t, old, got)

			require.NoError(t, kv.Put("k", tc.value))
			got, err = kv.Get("k", 0, 1000)
			require.NoError(t, err)
			assert.Equal(t, tc.value, got)
			_, data := records(t, be, 1)
			assert.Len(t, data, kv.chunks(len(tc.value)))
		})
	}
}

func TestKV_CrashAfterKeyRecord(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	require.NoError(t, kv.Put("k", bytes.Repeat([]byte{0x11}, 300)))

	// both chunks and the key record land, the superseded chunks stay
	value := bytes.Repeat([]byte{0x22}, 260)
	be.FailAfter(3)
	assert.ErrorIs(t, kv.Put("k", value), backend.ErrPowerLoss)
	be.Recover()

	got, err := kv.Get("k", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, value, got)
	removed, err := kv.Collect()
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, data := records(t, be, 1)
	assert.Len(t, data, 2)
}

func TestKV_InterruptedDelete(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	require.NoError(t, kv.Put("k", pattern(20)))

	// the key record is blanked, nothing else happens
	be.FailAfter(1)
	assert.ErrorIs(t, kv.Delete("k"), backend.ErrPowerLoss)
	be.Recover()

	keys, _ := records(t, be, 1)
	require.Len(t, keys, 1)
	parsed, err := ParseRecord(keys[0])
	require.NoError(t, err)
	assert.Equal(t, BlankKey{}, parsed)

	_, err = kv.Get("k", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := kv.Keys()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	removed, err := kv.Collect()
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, be.Count(0))
}

func TestKV_StaleCache(t *testing.T) {
	be := backend.NewMemory(nil)
	s := tagstore.Open(be, nil, tagstore.Options{})
	one, err := New(s, Options{Component: 1})
	require.NoError(t, err)
	two, err := New(s, Options{Component: 1})
	require.NoError(t, err)

	require.NoError(t, one.Put("a", []byte("first")))
	require.NoError(t, two.Delete("a"))
	require.NoError(t, two.Put("b", []byte("second")))

	_, err = one.Get("a", 0, 10)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := one.Get("b", 0, 10)
	assert.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestKV_ErasePartition(t *testing.T) {
	be := backend.NewMemory(nil)
	s := tagstore.Open(be, nil, tagstore.Options{})
	mine, err := New(s, Options{Component: 1})
	require.NoError(t, err)
	theirs, err := New(s, Options{Component: 2})
	require.NoError(t, err)

	tag := tagstore.MakeToken(1, tagstore.KindTag, 5)
	require.NoError(t, be.Write(0, tag, backend.Low, []byte{42}))
	for i := 0; i < 70; i++ {
		require.NoError(t, mine.Put(string(rune('A'+i)), pattern(i)))
	}
	require.NoError(t, theirs.Put("kept", []byte("value")))

	require.NoError(t, mine.ErasePartition())
	keys, data := records(t, be, 1)
	assert.Empty(t, keys)
	assert.Empty(t, data)
	n, err := mine.Keys()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = mine.Get("B", 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	val, err := be.Read(0, tag)
	assert.NoError(t, err)
	assert.Equal(t, []byte{42}, val)
	got, err := theirs.Get("kept", 0, 100)
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
	assert.Equal(t, 0, s.OpenHandles())
}

func TestKV_Limits(t *testing.T) {
	be := backend.NewMemory(nil)
	kv := newKV(t, be, Options{Component: 1})
	assert.ErrorIs(t, kv.Put("big", pattern(251*8+1)), ErrInvalidArgument)
	assert.Equal(t, 0, be.Count(0))

	s := tagstore.Open(be, nil, tagstore.Options{})
	_, err := New(s, Options{Component: 1, MaxValueChunk: 300})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New(s, Options{Component: tagstore.AllComponents})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New(s, Options{Component: 1, MaxExtensions: 250})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// data indices run out
	tiny := newKV(t, backend.NewMemory(nil), Options{Component: 1, MaxValueChunk: 1, MaxExtensions: 200})
	require.NoError(t, tiny.Put("a", pattern(200)))
	assert.ErrorIs(t, tiny.Put("b", pattern(57)), ErrStoreFull)
	require.NoError(t, tiny.Put("b", pattern(56)))

	// with no free index left, changed chunks are rewritten in place
	changed := bytes.Repeat([]byte{0xee}, 56)
	require.NoError(t, tiny.Put("b", changed))
	got, err := tiny.Get("b", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, changed, got)
	got, err = tiny.Get("a", 0, 300)
	require.NoError(t, err)
	assert.Equal(t, pattern(200), got)

	// the pool runs out
	small := backend.NewMemory([]backend.PoolConfig{{ID: 0, Capacity: 2}})
	bounded := newKV(t, small, Options{Component: 1})
	err = bounded.Put("k", pattern(300))
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.ErrorIs(t, err, backend.ErrFull)
}

func TestDescribe(t *testing.T) {
	kr := &KeyRecord{Hash: 0x0102030405060708, Length: 300, Indices: []uint8{0, 1}}
	rec := backend.Record{Token: tagstore.MakeToken(1, tagstore.KindKey, 3), Payload: kr.encode()}
	assert.Len(t, rec.Payload, keyRecordSize(2))
	assert.Equal(t, "01.1.003:\tkey 0102030405060708 len=300 data=[0 1]", Describe(rec))

	rec.Payload = nil
	assert.Equal(t, "01.1.003:\tkey (blank)", Describe(rec))

	rec = backend.Record{Token: tagstore.MakeToken(1, tagstore.KindData, 9), Payload: []byte{1, 2}}
	assert.Equal(t, "01.2.009:\tdata 2 bytes", Describe(rec))

	_, err := ParseRecord(backend.Record{Token: tagstore.MakeToken(1, tagstore.KindKey, 0), Payload: []byte{'h', 1}})
	assert.Error(t, err)
	_, err = ParseRecord(backend.Record{Token: tagstore.MakeToken(1, tagstore.KindTag, 0)})
	assert.ErrorIs(t, err, ErrCorrupt)
}
