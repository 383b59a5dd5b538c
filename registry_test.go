package tagstore

import (
	"testing"

	"github.com/drpcorg/tagstore/backend"
	"github.com/stretchr/testify/assert"
)

func zeroDefault(dst []byte) {
	fill(dst, 0)
}

func TestBuilder_Register(t *testing.T) {
	loc := make([]byte, 4)
	d := Descriptor{ID: UniqueID{1, 1}, Size: 4, Location: loc, Frequency: backend.Low, Default: zeroDefault}

	b := NewBuilder(2)
	b.Register(d)
	// identical re-registration is a no-op
	b.Register(d)

	other := d
	other.Size = 2
	other.Location = nil
	assert.PanicsWithError(t, ErrDuplicateTag.Error()+": 01:01", func() { b.Register(other) })

	// a different RAM location is a different declaration
	moved := d
	moved.Location = make([]byte, 4)
	assert.Panics(t, func() { b.Register(moved) })

	b.Register(Descriptor{ID: UniqueID{1, 2}, Size: 1})
	assert.Panics(t, func() { b.Register(Descriptor{ID: UniqueID{1, 3}, Size: 1}) })

	reg := b.Build()
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2, reg.Capacity())
	got, ok := reg.Lookup(UniqueID{1, 1})
	assert.True(t, ok)
	assert.Equal(t, uint16(4), got.Size)
	_, ok = reg.Lookup(UniqueID{9, 9})
	assert.False(t, ok)

	assert.PanicsWithError(t, ErrRegistryBuilt.Error(), func() { b.Register(d) })
	assert.Panics(t, func() { b.Build() })
}

func TestBuilder_Invalid(t *testing.T) {
	b := NewBuilder(0)
	assert.Panics(t, func() { b.Register(Descriptor{ID: UniqueID{AllComponents, 1}, Size: 1}) })
	assert.Panics(t, func() { b.Register(Descriptor{ID: UniqueID{1, 1}}) })
	assert.Panics(t, func() { b.Register(Descriptor{ID: UniqueID{1, 1}, Size: 8, Location: make([]byte, 2)}) })
	assert.Equal(t, DefaultCapacity, b.Build().Capacity())
}

func TestRegistry_Each(t *testing.T) {
	b := NewBuilder(8)
	for _, id := range []UniqueID{{1, 1}, {1, 2}, {2, 1}, {3, 7}} {
		b.Register(Descriptor{ID: id, Size: 1})
	}
	reg := b.Build()

	var ids []UniqueID
	for d := range reg.Each(UniqueID{1, AllTags}) {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []UniqueID{{1, 1}, {1, 2}}, ids)

	ids = nil
	for d := range reg.Each(UniqueID{AllComponents, 1}) {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []UniqueID{{1, 1}, {2, 1}}, ids)

	n := 0
	for range reg.Each(All) {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestUniqueID(t *testing.T) {
	assert.Equal(t, "0a:03", UniqueID{10, 3}.String())
	assert.Equal(t, "*:*", All.String())
	assert.True(t, All.Wildcard())
	assert.False(t, UniqueID{1, 2}.Wildcard())
	assert.True(t, UniqueID{1, AllTags}.Covers(UniqueID{1, 9}))
	assert.False(t, UniqueID{1, AllTags}.Covers(UniqueID{2, 9}))

	tok := MakeToken(4, KindData, 9)
	c, k, i, ok := SplitToken(tok)
	assert.True(t, ok)
	assert.Equal(t, []any{uint8(4), KindData, uint8(9)}, []any{c, k, i})
	_, _, _, ok = SplitToken(backend.Token{1, 2})
	assert.False(t, ok)
}
