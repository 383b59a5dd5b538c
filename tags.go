package tagstore

import (
	"errors"
	"fmt"

	"github.com/drpcorg/tagstore/backend"
)

func (tx *Tx) lookup(id UniqueID) (Descriptor, error) {
	d, ok := tx.s.tags.Lookup(id)
	if !ok {
		return d, tx.s.fatal(fmt.Errorf("%w: %s", ErrUnknownTag, id))
	}
	return d, nil
}

func fill(dst []byte, b byte) {
	for i := range dst {
		dst[i] = b
	}
}

// Backup persists a tag from src, or from its bound Location when src is
// nil. A wildcard id backs up every selected tag that has a Location.
func (tx *Tx) Backup(id UniqueID, src []byte) error {
	if err := tx.live(); err != nil {
		return err
	}
	if id.Wildcard() {
		if src != nil {
			return fmt.Errorf("%w: wildcard backup takes no source", ErrInvalidArgument)
		}
		for d := range tx.s.tags.Each(id) {
			if d.Location == nil {
				continue
			}
			if err := tx.backup(&d, d.Location); err != nil {
				return err
			}
		}
		return nil
	}
	d, err := tx.lookup(id)
	if err != nil {
		return err
	}
	if src == nil {
		src = d.Location
	}
	return tx.backup(&d, src)
}

func (tx *Tx) backup(d *Descriptor, src []byte) error {
	if len(src) < int(d.Size) {
		return fmt.Errorf("%w: tag %s needs %d bytes, got %d", ErrInvalidArgument, d.ID, d.Size, len(src))
	}
	return tx.Write(d.Pool, tagToken(d.ID), d.Frequency, src[:d.Size])
}

// Restore loads a tag into dst, or into its Location when dst is nil.
// A tag that was never stored gets its default, which is also persisted;
// restored is false then. A wildcard id restores every selected tag that
// has a Location and reports whether all of them were found.
func (tx *Tx) Restore(id UniqueID, dst []byte) (restored bool, err error) {
	if err := tx.live(); err != nil {
		return false, err
	}
	if id.Wildcard() {
		if dst != nil {
			return false, fmt.Errorf("%w: wildcard restore takes no destination", ErrInvalidArgument)
		}
		restored = true
		for d := range tx.s.tags.Each(id) {
			if d.Location == nil {
				continue
			}
			ok, err := tx.restore(&d, d.Location)
			if err != nil {
				return false, err
			}
			restored = restored && ok
		}
		return restored, nil
	}
	d, err := tx.lookup(id)
	if err != nil {
		return false, err
	}
	if dst == nil {
		dst = d.Location
	}
	return tx.restore(&d, dst)
}

func (tx *Tx) restore(d *Descriptor, dst []byte) (bool, error) {
	if len(dst) < int(d.Size) {
		return false, fmt.Errorf("%w: tag %s needs %d bytes, got %d", ErrInvalidArgument, d.ID, d.Size, len(dst))
	}
	dst = dst[:d.Size]
	val, err := tx.Read(d.Pool, tagToken(d.ID))
	if err == nil {
		n := copy(dst, val)
		fill(dst[n:], 0xff)
		return true, nil
	}
	if !errors.Is(err, ErrNoData) {
		return false, err
	}
	if d.Default == nil {
		fill(dst, 0xff)
		return false, nil
	}
	copy(dst, d.defaultValue())
	return false, tx.Write(d.Pool, tagToken(d.ID), d.Frequency, dst)
}

// Clear resets the selected tags to their defaults. Tags with a Default
// get it persisted; the rest lose their record and read back as all-ones.
func (tx *Tx) Clear(id UniqueID) error {
	if err := tx.live(); err != nil {
		return err
	}
	if !id.Wildcard() {
		if _, err := tx.lookup(id); err != nil {
			return err
		}
	}
	for d := range tx.s.tags.Each(id) {
		if err := tx.reset(&d); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) reset(d *Descriptor) error {
	val := d.defaultValue()
	if d.Location != nil {
		copy(d.Location, val)
	}
	if d.Default == nil {
		err := tx.Remove(d.Pool, tagToken(d.ID))
		if errors.Is(err, ErrNoData) {
			return nil
		}
		return err
	}
	return tx.Write(d.Pool, tagToken(d.ID), d.Frequency, val)
}

// CheckConsistency runs every tag's Check against its stored value. The
// first failure wipes the store, reseeds defaults and is reported as an
// *InconsistencyError; the store is usable afterwards.
func (tx *Tx) CheckConsistency() error {
	if err := tx.live(); err != nil {
		return err
	}
	for d := range tx.s.tags.Each(All) {
		if d.Check == nil {
			continue
		}
		val, err := tx.Read(d.Pool, tagToken(d.ID))
		if errors.Is(err, ErrNoData) {
			val = d.defaultValue()
		} else if err != nil {
			return err
		}
		if d.Check(val) {
			continue
		}
		tx.s.log.Warn("consistency check failed, wiping store", "tag", d.ID.String())
		if err := tx.Wipe(); err != nil {
			return err
		}
		if tx.s.opts.OnWipe != nil {
			tx.s.opts.OnWipe(d.ID)
		}
		return &InconsistencyError{ID: d.ID}
	}
	return nil
}

// Wipe erases every pool of the backend and writes every tag default
// back. RAM locations are reset too.
func (tx *Tx) Wipe() error {
	if err := tx.live(); err != nil {
		return err
	}
	if err := tx.EraseAll(backend.AllPools); err != nil {
		return err
	}
	WipeCount.Inc()
	for d := range tx.s.tags.Each(All) {
		val := d.defaultValue()
		if d.Location != nil {
			copy(d.Location, val)
		}
		if d.Default == nil {
			continue
		}
		if err := tx.Write(d.Pool, tagToken(d.ID), d.Frequency, val); err != nil {
			return err
		}
	}
	return nil
}
