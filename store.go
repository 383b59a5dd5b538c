// Package tagstore is a durable tag/token store for configuration state.
//
// Values live as records of a backend.Backend, addressed by 3-byte tokens
// [component][kind][index]. Three layers share one Store:
//
//   - the tag registry: typed, fixed-size tags with defaults and
//     consistency checks (Backup, Restore, Clear, CheckConsistency);
//   - the index builder: snapshots of the records matching a token mask,
//     for batched lookups and iteration (Tx.BuildIndex and friends);
//   - the key-value layer in package kv and the settings adapter in package
//     settings, which are built on the two above.
//
// Every operation runs under a single mutex (Store.Do). Flash writes are
// not reentrant, so there is no finer locking.
package tagstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type Options struct {
	Logger utils.Logger
	// Fatal is called on programming errors (conflicting tags, misused
	// handles). The default panics. A hook that returns lets the failing
	// call return the error instead.
	Fatal func(err error)
	// SafetyNet erases the pools touched by a guarded section when a panic
	// escapes it, so a restart does not come up on half-written state.
	SafetyNet bool
	// OnWipe is told which tag failed its consistency check after the
	// store was wiped and reseeded.
	OnWipe func(id UniqueID)
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NopLogger()
	}
	if o.Fatal == nil {
		o.Fatal = func(err error) { panic(err) }
	}
}

type Store struct {
	be   backend.Backend
	tags *Registry
	lock sync.Mutex
	opts Options
	log  utils.Logger

	handles *xsync.MapOf[uuid.UUID, *Handle]
}

// Open wraps a backend. A nil registry means no tags are declared yet.
func Open(be backend.Backend, reg *Registry, opts Options) *Store {
	opts.SetDefaults()
	if reg == nil {
		reg = NewBuilder(DefaultCapacity).Build()
	}
	return &Store{
		be:      be,
		tags:    reg,
		opts:    opts,
		log:     opts.Logger,
		handles: xsync.NewMapOf[uuid.UUID, *Handle](),
	}
}

func (s *Store) Backend() backend.Backend {
	return s.be
}

func (s *Store) Registry() *Registry {
	return s.tags
}

func (s *Store) Logger() utils.Logger {
	return s.log
}

// OpenHandles is the number of index handles built and not yet freed.
func (s *Store) OpenHandles() int {
	return s.handles.Size()
}

func (s *Store) fatal(err error) error {
	s.log.Error("fatal store misuse", "err", err)
	FatalCount.Inc()
	s.opts.Fatal(err)
	return err
}

// Do runs fn as one guarded section. Every multi-step sequence (index
// build, read, free; multi-record writes) must run inside a single Do.
func (s *Store) Do(fn func(tx *Tx) error) (err error) {
	s.lock.Lock()
	tx := &Tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			s.safetyNet(tx, r)
			tx.close()
			s.lock.Unlock()
			panic(r)
		}
		tx.close()
		s.lock.Unlock()
	}()
	return fn(tx)
}

func (s *Store) safetyNet(tx *Tx, cause any) {
	if !s.opts.SafetyNet || len(tx.touched) == 0 {
		return
	}
	s.log.Error("panic inside store operation, erasing pools", "cause", fmt.Sprint(cause), "pools", tx.touched)
	for _, pool := range tx.touched {
		if err := s.be.EraseAll(pool); err != nil {
			s.log.Error("safety net erase failed", "pool", pool, "err", err)
		}
	}
}

// Register declares a tag after start-up, under the guard.
func (s *Store) Register(d Descriptor) error {
	return s.Do(func(tx *Tx) error {
		if err := s.tags.register(d); err != nil {
			return s.fatal(err)
		}
		return nil
	})
}

func (s *Store) Backup(id UniqueID, src []byte) error {
	return s.Do(func(tx *Tx) error {
		return tx.Backup(id, src)
	})
}

func (s *Store) Restore(id UniqueID, dst []byte) (restored bool, err error) {
	err = s.Do(func(tx *Tx) error {
		restored, err = tx.Restore(id, dst)
		return err
	})
	return
}

func (s *Store) Clear(id UniqueID) error {
	return s.Do(func(tx *Tx) error {
		return tx.Clear(id)
	})
}

func (s *Store) CheckConsistency() error {
	return s.Do(func(tx *Tx) error {
		return tx.CheckConsistency()
	})
}

// Wipe erases every pool of the backend and reseeds the defaults.
func (s *Store) Wipe() error {
	return s.Do(func(tx *Tx) error {
		return tx.Wipe()
	})
}

// Tx is the view of the store inside a guarded section. It is only valid
// until the function passed to Do returns.
type Tx struct {
	s       *Store
	done    bool
	touched []backend.PoolID
	opened  []*Handle
}

func (tx *Tx) close() {
	tx.done = true
	// handles do not outlive the section that built them
	for _, h := range tx.opened {
		if !h.freed {
			tx.s.log.Warn("index handle leaked by guarded section, freeing", "handle", h.id)
			tx.release(h)
		}
	}
}

func (tx *Tx) live() error {
	if tx.done {
		return tx.s.fatal(ErrTxDone)
	}
	return nil
}

func (tx *Tx) touch(pool backend.PoolID) {
	if pool == backend.AllPools {
		for _, p := range tx.s.be.Pools() {
			tx.touch(p.ID)
		}
		return
	}
	if !slices.Contains(tx.touched, pool) {
		tx.touched = append(tx.touched, pool)
	}
}

func (tx *Tx) Registry() *Registry {
	return tx.s.tags
}

func (tx *Tx) Write(pool backend.PoolID, token backend.Token, freq backend.Frequency, payload []byte) error {
	if err := tx.live(); err != nil {
		return err
	}
	tx.touch(pool)
	err := tx.s.be.Write(pool, token, freq, payload)
	countOp("write", err)
	return err
}

func (tx *Tx) Read(pool backend.PoolID, token backend.Token) ([]byte, error) {
	if err := tx.live(); err != nil {
		return nil, err
	}
	val, err := tx.s.be.Read(pool, token)
	if errors.Is(err, backend.ErrNotFound) {
		countOp("read", nil)
		return nil, ErrNoData
	}
	countOp("read", err)
	return val, err
}

func (tx *Tx) Remove(pool backend.PoolID, token backend.Token) error {
	if err := tx.live(); err != nil {
		return err
	}
	tx.touch(pool)
	err := tx.s.be.Remove(pool, token)
	if errors.Is(err, backend.ErrNotFound) {
		countOp("remove", nil)
		return ErrNoData
	}
	countOp("remove", err)
	return err
}

func (tx *Tx) EraseAll(pool backend.PoolID) error {
	if err := tx.live(); err != nil {
		return err
	}
	tx.touch(pool)
	err := tx.s.be.EraseAll(pool)
	countOp("erase", err)
	return err
}
