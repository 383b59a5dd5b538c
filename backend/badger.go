package backend

import (
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerConfig holds configuration for a Badger backend.
type BadgerConfig struct {
	// Path is the directory for the database files, ignored when InMemory.
	Path     string
	InMemory bool
	// SyncWrites makes every write durable before it returns.
	SyncWrites    bool
	Pools         []PoolConfig
	MaxRecordSize int
	// Logger receives badger's own logging; nil silences it.
	Logger *slog.Logger
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger stores records in a badger value log under [pool][token] keys.
type Badger struct {
	db     *badger.DB
	cfg    BadgerConfig
	ledger *ledger
}

func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = DefaultPools
	}
	if err := CheckPools(cfg.Pools); err != nil {
		return nil, err
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger database")
	}
	b := &Badger{db: db, cfg: cfg, ledger: newLedger(cfg.Pools)}
	for _, pc := range cfg.Pools {
		n := 0
		for _, err := range b.Scan(pc.ID) {
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			n++
		}
		b.ledger.add(pc.ID, n)
	}
	return b, nil
}

func (b *Badger) Write(pool PoolID, token Token, freq Frequency, payload []byte) error {
	if err := checkWrite(token, payload, b.cfg.MaxRecordSize); err != nil {
		return err
	}
	if err := b.ledger.known(pool); err != nil {
		return err
	}
	key := poolKey(pool, token)
	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		exists := err == nil
		if err != nil && err != badger.ErrKeyNotFound {
			return errors.Wrap(err, "badger get")
		}
		if err := b.ledger.admit(pool, exists); err != nil {
			return err
		}
		created = !exists
		return txn.Set(key, encodeValue(freq, payload))
	})
	if err != nil {
		return err
	}
	if created {
		b.ledger.add(pool, 1)
	}
	return nil
}

func (b *Badger) Read(pool PoolID, token Token) ([]byte, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	if err := b.ledger.known(pool); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(poolKey(pool, token))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "badger get")
		}
		return item.Value(func(val []byte) error {
			_, payload, err = decodeValue(val)
			return err
		})
	})
	return payload, err
}

func (b *Badger) Remove(pool PoolID, token Token) error {
	if err := checkToken(token); err != nil {
		return err
	}
	if err := b.ledger.known(pool); err != nil {
		return err
	}
	key := poolKey(pool, token)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return ErrNotFound
		} else if err != nil {
			return errors.Wrap(err, "badger get")
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}
	b.ledger.add(pool, -1)
	return nil
}

func (b *Badger) EraseAll(pool PoolID) error {
	ids, err := selectPools(b.cfg.Pools, pool)
	if err != nil {
		return err
	}
	prefixes := make([][]byte, 0, len(ids))
	for _, id := range ids {
		prefixes = append(prefixes, []byte{byte(id)})
	}
	if err := b.db.DropPrefix(prefixes...); err != nil {
		return errors.Wrap(err, "badger drop prefix")
	}
	for _, id := range ids {
		b.ledger.reset(id)
	}
	return nil
}

func (b *Badger) Scan(pool PoolID) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := b.ledger.known(pool); err != nil {
			yield(Record{}, err)
			return
		}
		txn := b.db.NewTransaction(false)
		defer txn.Discard()
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{byte(pool)}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				yield(Record{}, errors.Wrap(err, "badger value"))
				return
			}
			rec, err := decodeRecord(item.KeyCopy(nil), val)
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (b *Badger) MaxRecordSize() int {
	return b.cfg.MaxRecordSize
}

func (b *Badger) Pools() []PoolConfig {
	return slices.Clone(b.cfg.Pools)
}

func (b *Badger) Close() error {
	return b.db.Close()
}
