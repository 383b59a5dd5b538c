package tagstore

import (
	"bytes"
	"fmt"
	"iter"
	"reflect"

	"github.com/drpcorg/tagstore/backend"
)

// DefaultCapacity bounds the registry when the builder is given none.
const DefaultCapacity = 256

// Descriptor declares one persisted tag and its policy.
type Descriptor struct {
	ID   UniqueID
	Pool backend.PoolID
	// Location is the RAM copy Backup reads from and Restore fills when the
	// caller passes no buffer. Optional.
	Location  []byte
	Size      uint16
	Frequency backend.Frequency
	// Default writes the default value into dst (len(dst) == Size). Tags
	// without one default to all-ones.
	Default func(dst []byte)
	// Check validates a stored value during CheckConsistency.
	Check func(value []byte) bool
}

func funcPtr(fn any) uintptr {
	v := reflect.ValueOf(fn)
	if v.IsNil() {
		return 0
	}
	return v.Pointer()
}

func sameLocation(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// same reports whether two descriptors declare the identical tag.
func (d *Descriptor) same(o *Descriptor) bool {
	return d.ID == o.ID &&
		d.Pool == o.Pool &&
		d.Size == o.Size &&
		d.Frequency == o.Frequency &&
		sameLocation(d.Location, o.Location) &&
		funcPtr(d.Default) == funcPtr(o.Default) &&
		funcPtr(d.Check) == funcPtr(o.Check)
}

func (d *Descriptor) validate() error {
	if d.ID.Wildcard() {
		return fmt.Errorf("%w: tag id %s is a wildcard", ErrInvalidArgument, d.ID)
	}
	if d.Size == 0 {
		return fmt.Errorf("%w: tag %s has zero size", ErrInvalidArgument, d.ID)
	}
	if d.Location != nil && len(d.Location) < int(d.Size) {
		return fmt.Errorf("%w: tag %s location is %d bytes, size %d", ErrInvalidArgument, d.ID, len(d.Location), d.Size)
	}
	return nil
}

// defaultValue is what the tag holds when nothing was ever stored.
func (d *Descriptor) defaultValue() []byte {
	val := bytes.Repeat([]byte{0xff}, int(d.Size))
	if d.Default != nil {
		d.Default(val)
	}
	return val
}

// Registry is the table of declared tags. It is built once by a Builder;
// later registrations go through Store.Register under the guard.
type Registry struct {
	tags     []Descriptor
	byID     map[UniqueID]int
	capacity int
}

func (r *Registry) register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	if i, ok := r.byID[d.ID]; ok {
		if r.tags[i].same(&d) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateTag, d.ID)
	}
	if len(r.tags) >= r.capacity {
		return fmt.Errorf("%w: capacity %d", ErrRegistryFull, r.capacity)
	}
	r.byID[d.ID] = len(r.tags)
	r.tags = append(r.tags, d)
	return nil
}

func (r *Registry) Lookup(id UniqueID) (Descriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.tags[i], true
}

// Each yields the descriptors selected by filter in registration order.
func (r *Registry) Each(filter UniqueID) iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for _, d := range r.tags {
			if filter.Covers(d.ID) && !yield(d) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	return len(r.tags)
}

func (r *Registry) Capacity() int {
	return r.capacity
}

// Builder collects descriptors during start-up. It is consumed by Build;
// any use after that is a programming error and panics.
type Builder struct {
	reg *Registry
}

func NewBuilder(capacity int) *Builder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Builder{reg: &Registry{
		byID:     make(map[UniqueID]int),
		capacity: capacity,
	}}
}

// Register declares a tag. Re-registering an identical descriptor is a
// no-op; a conflicting id or a full registry panics.
func (b *Builder) Register(d Descriptor) *Builder {
	if b.reg == nil {
		panic(ErrRegistryBuilt)
	}
	if err := b.reg.register(d); err != nil {
		panic(err)
	}
	return b
}

func (b *Builder) Build() *Registry {
	if b.reg == nil {
		panic(ErrRegistryBuilt)
	}
	reg := b.reg
	b.reg = nil
	return reg
}
