package backend

import (
	"bytes"
	"iter"
	"slices"
	"sync"
)

// Memory is an in-process backend. It is the test double for the store
// layers and models power loss through FailAfter.
type Memory struct {
	lock      sync.RWMutex
	pools     []PoolConfig
	recs      map[PoolID]map[string]Record
	maxRecord int
	closed    bool

	// fault injection: mutations left before the medium "loses power";
	// negative means disabled
	budget int
	writes int
}

type MemoryOption func(*Memory)

func WithMaxRecordSize(n int) MemoryOption {
	return func(m *Memory) {
		m.maxRecord = n
	}
}

// NewMemory panics on a pool layout CheckPools rejects.
func NewMemory(pools []PoolConfig, opts ...MemoryOption) *Memory {
	if len(pools) == 0 {
		pools = DefaultPools
	}
	if err := CheckPools(pools); err != nil {
		panic(err)
	}
	m := &Memory{
		pools:     pools,
		recs:      make(map[PoolID]map[string]Record, len(pools)),
		maxRecord: DefaultMaxRecordSize,
		budget:    -1,
	}
	for _, p := range pools {
		m.recs[p.ID] = make(map[string]Record)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailAfter lets n more mutations through, then fails every mutation with
// ErrPowerLoss until Recover is called.
func (m *Memory) FailAfter(n int) {
	m.lock.Lock()
	m.budget = n
	m.lock.Unlock()
}

func (m *Memory) Recover() {
	m.lock.Lock()
	m.budget = -1
	m.lock.Unlock()
}

// Writes is the number of successful Write calls so far.
func (m *Memory) Writes() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.writes
}

// Count is the number of records held by the pool.
func (m *Memory) Count(pool PoolID) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.recs[pool])
}

// spend must be called with the write lock held.
func (m *Memory) spend() error {
	if m.budget == 0 {
		return ErrPowerLoss
	}
	if m.budget > 0 {
		m.budget--
	}
	return nil
}

func (m *Memory) capacity(pool PoolID) int {
	for _, p := range m.pools {
		if p.ID == pool {
			return p.Capacity
		}
	}
	return 0
}

func (m *Memory) Write(pool PoolID, token Token, freq Frequency, payload []byte) error {
	if err := checkWrite(token, payload, m.maxRecord); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	recs, ok := m.recs[pool]
	if !ok {
		return ErrUnknownPool
	}
	_, exists := recs[string(token)]
	if limit := m.capacity(pool); !exists && limit > 0 && len(recs) >= limit {
		return ErrFull
	}
	if err := m.spend(); err != nil {
		return err
	}
	recs[string(token)] = Record{
		Token:     slices.Clone(token),
		Frequency: freq,
		Payload:   slices.Clone(payload),
	}
	m.writes++
	return nil
}

func (m *Memory) Read(pool PoolID, token Token) ([]byte, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	recs, ok := m.recs[pool]
	if !ok {
		return nil, ErrUnknownPool
	}
	rec, ok := recs[string(token)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, rec.Payload...), nil
}

func (m *Memory) Remove(pool PoolID, token Token) error {
	if err := checkToken(token); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	recs, ok := m.recs[pool]
	if !ok {
		return ErrUnknownPool
	}
	if _, ok := recs[string(token)]; !ok {
		return ErrNotFound
	}
	if err := m.spend(); err != nil {
		return err
	}
	delete(recs, string(token))
	return nil
}

func (m *Memory) EraseAll(pool PoolID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	ids, err := selectPools(m.pools, pool)
	if err != nil {
		return err
	}
	if err := m.spend(); err != nil {
		return err
	}
	for _, id := range ids {
		m.recs[id] = make(map[string]Record)
	}
	return nil
}

// Scan yields a token-ordered snapshot of the pool, so callers may mutate
// the backend while iterating.
func (m *Memory) Scan(pool PoolID) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.lock.RLock()
		if m.closed {
			m.lock.RUnlock()
			yield(Record{}, ErrClosed)
			return
		}
		recs, ok := m.recs[pool]
		if !ok {
			m.lock.RUnlock()
			yield(Record{}, ErrUnknownPool)
			return
		}
		snap := make([]Record, 0, len(recs))
		for _, rec := range recs {
			snap = append(snap, Record{
				Token:     slices.Clone(rec.Token),
				Frequency: rec.Frequency,
				Payload:   slices.Clone(rec.Payload),
			})
		}
		m.lock.RUnlock()
		slices.SortFunc(snap, func(a, b Record) int {
			return bytes.Compare(a.Token, b.Token)
		})
		for _, rec := range snap {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) MaxRecordSize() int {
	return m.maxRecord
}

func (m *Memory) Pools() []PoolConfig {
	return slices.Clone(m.pools)
}

func (m *Memory) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}
