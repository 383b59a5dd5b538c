package backend

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Bolt keeps one bbolt bucket per pool.
type Bolt struct {
	db        *bbolt.DB
	pools     []PoolConfig
	maxRecord int
	noSync    bool
	ledger    *ledger
}

type BoltOption func(*Bolt)

func WithBoltPools(pools []PoolConfig) BoltOption {
	return func(b *Bolt) {
		b.pools = pools
	}
}

func WithBoltMaxRecordSize(n int) BoltOption {
	return func(b *Bolt) {
		b.maxRecord = n
	}
}

// WithBoltNoSync disables fsync per transaction. Tests only.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

func bucketName(pool PoolID) []byte {
	return []byte(fmt.Sprintf("pool-%02x", uint8(pool)))
}

func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		pools:     DefaultPools,
		maxRecord: DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := CheckPools(b.pools); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second, NoSync: b.noSync})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt at %s", path)
	}
	b.db = db
	b.ledger = newLedger(b.pools)
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, p := range b.pools {
			bkt, err := tx.CreateBucketIfNotExists(bucketName(p.ID))
			if err != nil {
				return err
			}
			b.ledger.add(p.ID, bkt.Stats().KeyN)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolt init buckets")
	}
	return b, nil
}

func (b *Bolt) Write(pool PoolID, token Token, freq Frequency, payload []byte) error {
	if err := checkWrite(token, payload, b.maxRecord); err != nil {
		return err
	}
	if err := b.ledger.known(pool); err != nil {
		return err
	}
	created := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(pool))
		exists := bkt.Get(token) != nil
		if err := b.ledger.admit(pool, exists); err != nil {
			return err
		}
		created = !exists
		return bkt.Put(token, encodeValue(freq, payload))
	})
	if err != nil {
		if err == ErrFull {
			return err
		}
		return errors.Wrap(err, "bolt write")
	}
	if created {
		b.ledger.add(pool, 1)
	}
	return nil
}

func (b *Bolt) Read(pool PoolID, token Token) ([]byte, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	if err := b.ledger.known(pool); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketName(pool)).Get(token)
		if val == nil {
			return ErrNotFound
		}
		var err error
		_, payload, err = decodeValue(val)
		return err
	})
	return payload, err
}

func (b *Bolt) Remove(pool PoolID, token Token) error {
	if err := checkToken(token); err != nil {
		return err
	}
	if err := b.ledger.known(pool); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName(pool))
		if bkt.Get(token) == nil {
			return ErrNotFound
		}
		return bkt.Delete(token)
	})
	if err != nil {
		return err
	}
	b.ledger.add(pool, -1)
	return nil
}

func (b *Bolt) EraseAll(pool PoolID) error {
	ids, err := selectPools(b.pools, pool)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if err := tx.DeleteBucket(bucketName(id)); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucketName(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "bolt erase")
	}
	for _, id := range ids {
		b.ledger.reset(id)
	}
	return nil
}

// Scan copies the pool out of a read transaction before yielding, so the
// caller can write to the backend from inside the loop.
func (b *Bolt) Scan(pool PoolID) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := b.ledger.known(pool); err != nil {
			yield(Record{}, err)
			return
		}
		var recs []Record
		err := b.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketName(pool)).ForEach(func(k, v []byte) error {
				freq, payload, err := decodeValue(v)
				if err != nil {
					return err
				}
				recs = append(recs, Record{Token: slices.Clone(Token(k)), Frequency: freq, Payload: payload})
				return nil
			})
		})
		if err != nil {
			yield(Record{}, errors.Wrap(err, "bolt scan"))
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (b *Bolt) MaxRecordSize() int {
	return b.maxRecord
}

func (b *Bolt) Pools() []PoolConfig {
	return slices.Clone(b.pools)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
