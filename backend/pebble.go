package backend

import (
	"iter"
	"slices"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

type PebbleOptions struct {
	Pools         []PoolConfig
	MaxRecordSize int
	// Sync makes every write durable before it returns.
	Sync bool

	pebble.Options
}

func (o *PebbleOptions) SetDefaults() {
	if len(o.Pools) == 0 {
		o.Pools = DefaultPools
	}
	if o.MaxRecordSize == 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
}

// Pebble stores records in a pebble LSM under [pool][token] keys. The LSM
// does the wear spreading and compaction a flash layout would.
type Pebble struct {
	db     *pebble.DB
	opts   PebbleOptions
	wo     *pebble.WriteOptions
	ledger *ledger
}

func OpenPebble(dir string, opts PebbleOptions) (*Pebble, error) {
	opts.SetDefaults()
	if err := CheckPools(opts.Pools); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %s", dir)
	}
	p := &Pebble{
		db:     db,
		opts:   opts,
		wo:     pebble.NoSync,
		ledger: newLedger(opts.Pools),
	}
	if opts.Sync {
		p.wo = pebble.Sync
	}
	for _, pc := range opts.Pools {
		n := 0
		for _, err := range p.Scan(pc.ID) {
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			n++
		}
		p.ledger.add(pc.ID, n)
	}
	return p, nil
}

// DB exposes the underlying database, for metrics.
func (p *Pebble) DB() *pebble.DB {
	return p.db
}

func (p *Pebble) exists(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pebble get")
	}
	_ = closer.Close()
	return true, nil
}

func (p *Pebble) Write(pool PoolID, token Token, freq Frequency, payload []byte) error {
	if err := checkWrite(token, payload, p.opts.MaxRecordSize); err != nil {
		return err
	}
	if err := p.ledger.known(pool); err != nil {
		return err
	}
	key := poolKey(pool, token)
	exists, err := p.exists(key)
	if err != nil {
		return err
	}
	if err := p.ledger.admit(pool, exists); err != nil {
		return err
	}
	if err := p.db.Set(key, encodeValue(freq, payload), p.wo); err != nil {
		return errors.Wrap(err, "pebble set")
	}
	if !exists {
		p.ledger.add(pool, 1)
	}
	return nil
}

func (p *Pebble) Read(pool PoolID, token Token) ([]byte, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	if err := p.ledger.known(pool); err != nil {
		return nil, err
	}
	val, closer, err := p.db.Get(poolKey(pool, token))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pebble get")
	}
	defer closer.Close()
	_, payload, err := decodeValue(val)
	return payload, err
}

func (p *Pebble) Remove(pool PoolID, token Token) error {
	if err := checkToken(token); err != nil {
		return err
	}
	if err := p.ledger.known(pool); err != nil {
		return err
	}
	key := poolKey(pool, token)
	exists, err := p.exists(key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if err := p.db.Delete(key, p.wo); err != nil {
		return errors.Wrap(err, "pebble delete")
	}
	p.ledger.add(pool, -1)
	return nil
}

func (p *Pebble) EraseAll(pool PoolID) error {
	ids, err := selectPools(p.opts.Pools, pool)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := p.db.DeleteRange([]byte{byte(id)}, poolUpper(id), p.wo)
		if err != nil {
			return errors.Wrapf(err, "pebble erase pool %d", id)
		}
		p.ledger.reset(id)
	}
	return nil
}

func poolUpper(id PoolID) []byte {
	if id == 0xff {
		return []byte{0xff, 0xff}
	}
	return []byte{byte(id) + 1}
}

func (p *Pebble) Scan(pool PoolID) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := p.ledger.known(pool); err != nil {
			yield(Record{}, err)
			return
		}
		it, err := p.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{byte(pool)},
			UpperBound: poolUpper(pool),
		})
		if err != nil {
			yield(Record{}, errors.Wrap(err, "pebble iter"))
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			rec, err := decodeRecord(it.Key(), it.Value())
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(Record{}, errors.Wrap(err, "pebble iter"))
		}
	}
}

func (p *Pebble) MaxRecordSize() int {
	return p.opts.MaxRecordSize
}

func (p *Pebble) Pools() []PoolConfig {
	return slices.Clone(p.opts.Pools)
}

// Count is the number of records held by the pool.
func (p *Pebble) Count(pool PoolID) int {
	return p.ledger.count(pool)
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return ErrClosed
	}
	err := p.db.Close()
	p.db = nil
	return err
}
