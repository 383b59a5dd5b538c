// Package settings maps an external 16-bit key space onto the tags of one
// component. A key is either a scalar, stored in one tag, or a list of up
// to MaxCount entries stored in consecutive tags plus a count tag. Lists
// never have gaps: deleting an entry shifts the following ones down.
package settings

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/utils"
)

// All selects every entry of a list in Delete.
const All = -1

// erased is the length prefix of a slot that holds nothing.
const erased = 0xFFFF

var (
	ErrNotFound        = errors.New("settings: not found")
	ErrInvalidArgument = errors.New("settings: invalid argument")
	ErrFull            = errors.New("settings: list full")
	ErrUnknownKey      = errors.New("settings: unknown key")
)

// Entry maps one external key onto tags. A list (MaxCount > 0) occupies
// tags Base..Base+MaxCount-1 and keeps its length in tag CountTag.
type Entry struct {
	Key      uint16
	Base     uint8
	MaxSize  uint16
	MaxCount uint8
	CountTag uint8
	Pool     backend.PoolID
}

func (e Entry) IsList() bool {
	return e.MaxCount > 0
}

func (e Entry) slots() int {
	return max(int(e.MaxCount), 1)
}

func (e Entry) slotSize() int {
	return 2 + int(e.MaxSize)
}

type Table []Entry

func (t Table) validate() error {
	owner := make(map[uint8]uint16)
	claim := func(key uint16, local uint8) error {
		if local == tagstore.AllTags {
			return fmt.Errorf("%w: key %#04x uses the wildcard tag", ErrInvalidArgument, key)
		}
		if prev, taken := owner[local]; taken {
			return fmt.Errorf("%w: keys %#04x and %#04x share tag %#02x", ErrInvalidArgument, prev, key, local)
		}
		owner[local] = key
		return nil
	}
	keys := make(map[uint16]bool, len(t))
	for _, e := range t {
		if keys[e.Key] {
			return fmt.Errorf("%w: key %#04x listed twice", ErrInvalidArgument, e.Key)
		}
		keys[e.Key] = true
		if e.MaxSize == 0 || e.MaxSize > erased-2 {
			return fmt.Errorf("%w: key %#04x has max size %d", ErrInvalidArgument, e.Key, e.MaxSize)
		}
		if int(e.Base)+e.slots() > int(tagstore.AllTags) {
			return fmt.Errorf("%w: key %#04x runs past the tag space", ErrInvalidArgument, e.Key)
		}
		for i := 0; i < e.slots(); i++ {
			if err := claim(e.Key, e.Base+uint8(i)); err != nil {
				return err
			}
		}
		if e.IsList() {
			if err := claim(e.Key, e.CountTag); err != nil {
				return err
			}
		}
	}
	return nil
}

func zeroCount(dst []byte) {
	clear(dst)
}

// Descriptors lists the tags a table needs under component.
func Descriptors(component uint8, table Table) ([]tagstore.Descriptor, error) {
	if component == tagstore.AllComponents {
		return nil, fmt.Errorf("%w: component %#x is the wildcard", ErrInvalidArgument, component)
	}
	if err := table.validate(); err != nil {
		return nil, err
	}
	var ds []tagstore.Descriptor
	for _, e := range table {
		for i := 0; i < e.slots(); i++ {
			ds = append(ds, tagstore.Descriptor{
				ID:        tagstore.UniqueID{Component: component, Local: e.Base + uint8(i)},
				Pool:      e.Pool,
				Size:      uint16(e.slotSize()),
				Frequency: backend.Low,
			})
		}
		if e.IsList() {
			ds = append(ds, tagstore.Descriptor{
				ID:        tagstore.UniqueID{Component: component, Local: e.CountTag},
				Pool:      e.Pool,
				Size:      1,
				Frequency: backend.Low,
				Default:   zeroCount,
			})
		}
	}
	return ds, nil
}

// Register declares the tags of table on b. An invalid table panics, like
// any other bad registration.
func Register(b *tagstore.Builder, component uint8, table Table) *tagstore.Builder {
	ds, err := Descriptors(component, table)
	if err != nil {
		panic(err)
	}
	for _, d := range ds {
		b.Register(d)
	}
	return b
}

type Adapter struct {
	s         *tagstore.Store
	component uint8
	entries   map[uint16]Entry
	log       utils.Logger
}

// Open binds table to a store whose registry carries its tags, and
// checks the list counts. A count beyond the list capacity is reset to
// zero and persisted.
func Open(s *tagstore.Store, component uint8, table Table) (*Adapter, error) {
	ds, err := Descriptors(component, table)
	if err != nil {
		return nil, err
	}
	limit := s.Backend().MaxRecordSize()
	a := &Adapter{
		s:         s,
		component: component,
		entries:   make(map[uint16]Entry, len(table)),
		log:       s.Logger().With("settings", component),
	}
	for _, e := range table {
		if e.slotSize() > limit {
			return nil, fmt.Errorf("%w: key %#04x entries of %d bytes exceed records of %d", ErrInvalidArgument, e.Key, e.slotSize(), limit)
		}
		a.entries[e.Key] = e
	}
	err = s.Do(func(tx *tagstore.Tx) error {
		for _, d := range ds {
			if _, ok := s.Registry().Lookup(d.ID); !ok {
				return fmt.Errorf("%w: tag %s is not registered", ErrInvalidArgument, d.ID)
			}
		}
		for _, e := range table {
			if e.IsList() {
				if _, err := a.count(tx, e); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) slotID(e Entry, i int) tagstore.UniqueID {
	return tagstore.UniqueID{Component: a.component, Local: e.Base + uint8(i)}
}

func (a *Adapter) countID(e Entry) tagstore.UniqueID {
	return tagstore.UniqueID{Component: a.component, Local: e.CountTag}
}

func (a *Adapter) entry(key uint16) (Entry, error) {
	e, ok := a.entries[key]
	if !ok {
		return e, fmt.Errorf("%w: %#04x", ErrUnknownKey, key)
	}
	return e, nil
}

// count reads the list length from its tag. The store may have been wiped
// since the last call, so it is never cached.
func (a *Adapter) count(tx *tagstore.Tx, e Entry) (uint8, error) {
	buf := []byte{0}
	if _, err := tx.Restore(a.countID(e), buf); err != nil {
		return 0, err
	}
	if buf[0] > e.MaxCount {
		a.log.Warn("list count out of range, resetting", "key", e.Key, "count", buf[0], "max", e.MaxCount)
		return 0, a.setCount(tx, e, 0)
	}
	return buf[0], nil
}

func (a *Adapter) setCount(tx *tagstore.Tx, e Entry, n uint8) error {
	return tx.Backup(a.countID(e), []byte{n})
}

func (a *Adapter) readSlot(tx *tagstore.Tx, e Entry, i int) ([]byte, error) {
	buf := make([]byte, e.slotSize())
	if _, err := tx.Restore(a.slotID(e, i), buf); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(buf)
	if n == erased {
		return nil, ErrNotFound
	}
	if n > e.MaxSize {
		a.log.Warn("entry length out of range", "key", e.Key, "slot", i, "len", n)
		return nil, fmt.Errorf("%w: key %#04x slot %d is corrupt", ErrNotFound, e.Key, i)
	}
	return buf[2 : 2+n], nil
}

func (a *Adapter) writeSlot(tx *tagstore.Tx, e Entry, i int, value []byte) error {
	buf := make([]byte, e.slotSize())
	binary.BigEndian.PutUint16(buf, uint16(len(value)))
	n := copy(buf[2:], value)
	for j := 2 + n; j < len(buf); j++ {
		buf[j] = 0xff
	}
	return tx.Backup(a.slotID(e, i), buf)
}

// Get returns the value of a scalar key (index 0) or one list entry.
func (a *Adapter) Get(key uint16, index int) (val []byte, err error) {
	e, err := a.entry(key)
	if err != nil {
		return nil, err
	}
	err = a.s.Do(func(tx *tagstore.Tx) error {
		if !e.IsList() {
			if index != 0 {
				return fmt.Errorf("%w: %#04x is not a list", ErrInvalidArgument, key)
			}
		} else {
			n, err := a.count(tx, e)
			if err != nil {
				return err
			}
			if index < 0 || index >= int(n) {
				return ErrNotFound
			}
		}
		val, err = a.readSlot(tx, e, index)
		return err
	})
	return
}

// Count is the number of entries of a list key.
func (a *Adapter) Count(key uint16) (n int, err error) {
	e, err := a.entry(key)
	if err != nil {
		return 0, err
	}
	if !e.IsList() {
		return 0, fmt.Errorf("%w: %#04x is not a list", ErrInvalidArgument, key)
	}
	err = a.s.Do(func(tx *tagstore.Tx) error {
		c, err := a.count(tx, e)
		n = int(c)
		return err
	})
	return
}

// Add stores value under key. On a list, appendToList adds an entry at the
// end; otherwise the list is replaced by value alone.
func (a *Adapter) Add(key uint16, appendToList bool, value []byte) error {
	e, err := a.entry(key)
	if err != nil {
		return err
	}
	if len(value) > int(e.MaxSize) {
		return fmt.Errorf("%w: %d bytes for key %#04x, max %d", ErrInvalidArgument, len(value), key, e.MaxSize)
	}
	return a.s.Do(func(tx *tagstore.Tx) error {
		if !e.IsList() {
			if appendToList {
				return fmt.Errorf("%w: %#04x is not a list", ErrInvalidArgument, key)
			}
			return a.writeSlot(tx, e, 0, value)
		}
		n, err := a.count(tx, e)
		if err != nil {
			return err
		}
		if appendToList {
			if n >= e.MaxCount {
				return fmt.Errorf("%w: key %#04x holds %d entries", ErrFull, key, n)
			}
			if err := a.writeSlot(tx, e, int(n), value); err != nil {
				return err
			}
			return a.setCount(tx, e, n+1)
		}
		if err := a.writeSlot(tx, e, 0, value); err != nil {
			return err
		}
		for i := 1; i < int(n); i++ {
			if err := tx.Clear(a.slotID(e, i)); err != nil {
				return err
			}
		}
		return a.setCount(tx, e, 1)
	})
}

// Delete removes a scalar (index 0 or All), one list entry, or the whole
// list with index All.
func (a *Adapter) Delete(key uint16, index int) error {
	e, err := a.entry(key)
	if err != nil {
		return err
	}
	return a.s.Do(func(tx *tagstore.Tx) error {
		if !e.IsList() {
			if index != 0 && index != All {
				return fmt.Errorf("%w: %#04x is not a list", ErrInvalidArgument, key)
			}
			return tx.Clear(a.slotID(e, 0))
		}
		c, err := a.count(tx, e)
		if err != nil {
			return err
		}
		n := int(c)
		if index == All {
			for i := 0; i < n; i++ {
				if err := tx.Clear(a.slotID(e, i)); err != nil {
					return err
				}
			}
			return a.setCount(tx, e, 0)
		}
		if index < 0 || index >= n {
			return ErrNotFound
		}
		buf := make([]byte, e.slotSize())
		for j := index; j < n-1; j++ {
			if _, err := tx.Restore(a.slotID(e, j+1), buf); err != nil {
				return err
			}
			if err := tx.Backup(a.slotID(e, j), buf); err != nil {
				return err
			}
		}
		if err := tx.Clear(a.slotID(e, n-1)); err != nil {
			return err
		}
		return a.setCount(tx, e, uint8(n-1))
	})
}

// Wipe clears every key of the table.
func (a *Adapter) Wipe() error {
	return a.s.Do(func(tx *tagstore.Tx) error {
		for _, e := range a.entries {
			for i := 0; i < e.slots(); i++ {
				if err := tx.Clear(a.slotID(e, i)); err != nil {
					return err
				}
			}
			if e.IsList() {
				if err := a.setCount(tx, e, 0); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
