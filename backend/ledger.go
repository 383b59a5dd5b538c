package backend

import (
	"sync"

	"github.com/drpcorg/tagstore/codec"
)

// ledger keeps per-pool record counts so the disk backends can enforce
// pool capacities without rescanning.
type ledger struct {
	lock   sync.Mutex
	caps   map[PoolID]int
	counts map[PoolID]int
}

func newLedger(pools []PoolConfig) *ledger {
	l := &ledger{
		caps:   make(map[PoolID]int, len(pools)),
		counts: make(map[PoolID]int, len(pools)),
	}
	for _, p := range pools {
		l.caps[p.ID] = p.Capacity
	}
	return l
}

func (l *ledger) known(pool PoolID) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.caps[pool]; !ok {
		return ErrUnknownPool
	}
	return nil
}

// admit checks that a new record fits; replacing an existing one always does.
func (l *ledger) admit(pool PoolID, exists bool) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	limit, ok := l.caps[pool]
	if !ok {
		return ErrUnknownPool
	}
	if !exists && limit > 0 && l.counts[pool] >= limit {
		return ErrFull
	}
	return nil
}

func (l *ledger) add(pool PoolID, delta int) {
	l.lock.Lock()
	l.counts[pool] += delta
	if l.counts[pool] < 0 {
		l.counts[pool] = 0
	}
	l.lock.Unlock()
}

func (l *ledger) reset(pool PoolID) {
	l.lock.Lock()
	l.counts[pool] = 0
	l.lock.Unlock()
}

func (l *ledger) count(pool PoolID) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.counts[pool]
}

// poolKey lays a record out as [pool][token] in a flat keyspace.
func poolKey(pool PoolID, token Token) []byte {
	key := make([]byte, 0, 1+len(token))
	key = append(key, byte(pool))
	return append(key, token...)
}

func encodeValue(freq Frequency, payload []byte) []byte {
	return codec.Concat(
		codec.Record('F', []byte{byte(freq)}),
		codec.Record('P', payload),
	)
}

func decodeValue(data []byte) (Frequency, []byte, error) {
	fields, err := codec.Fields(data)
	if err != nil {
		return 0, nil, err
	}
	f, err := codec.Need(fields, 'F')
	if err != nil {
		return 0, nil, err
	}
	if len(f) != 1 {
		return 0, nil, codec.ErrBadRecord
	}
	payload, err := codec.Need(fields, 'P')
	if err != nil {
		return 0, nil, err
	}
	return Frequency(f[0]), append([]byte{}, payload...), nil
}

func decodeRecord(key, value []byte) (Record, error) {
	freq, payload, err := decodeValue(value)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Token:     append(Token{}, key[1:]...),
		Frequency: freq,
		Payload:   payload,
	}, nil
}
