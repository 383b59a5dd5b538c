// Package kv is a string-keyed binary value store built on tagstore records.
//
// Each key owns one key record [component][1][index] holding the hash of
// the key, the value length and the indices of its data records
// [component][2][index]. Values longer than one record are split into
// MaxValueChunk-byte chunks, at most MaxExtensions of them.
//
// Writes go data first, key record last, so a crash never leaves a key
// pointing at a data record that was not written. A changed chunk is
// written to a free index rather than over the one the key still names;
// only when the index space is exhausted is it overwritten in place. Deletes blank the key
// record before removing anything. Leftovers of interrupted operations are
// unreachable and are reclaimed by Collect.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMaxValueChunk = 251
	DefaultMaxExtensions = 8
	DefaultCacheSize     = 64

	// MaxIndices is the index space of one record kind.
	MaxIndices = 256

	eraseBatch = 64
)

var (
	ErrNotFound        = errors.New("kv: key not found")
	ErrInvalidArgument = errors.New("kv: invalid argument")
	ErrStoreFull       = errors.New("kv: store full")
	ErrCorrupt         = errors.New("kv: corrupt record")
)

type Options struct {
	Component     uint8
	Pool          backend.PoolID
	MaxValueChunk int
	MaxExtensions int
	Frequency     backend.Frequency
	// CacheSize bounds the key hash to key record cache.
	CacheSize int
}

func (o *Options) SetDefaults() {
	if o.MaxValueChunk == 0 {
		o.MaxValueChunk = DefaultMaxValueChunk
	}
	if o.MaxExtensions == 0 {
		o.MaxExtensions = DefaultMaxExtensions
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
}

type KV struct {
	s     *tagstore.Store
	opts  Options
	log   utils.Logger
	cache *lru.Cache[uint64, uint8]
}

func New(s *tagstore.Store, opts Options) (*KV, error) {
	opts.SetDefaults()
	limit := s.Backend().MaxRecordSize()
	switch {
	case opts.Component == tagstore.AllComponents:
		return nil, fmt.Errorf("%w: component %#x is the wildcard", ErrInvalidArgument, opts.Component)
	case opts.MaxValueChunk < 1 || opts.MaxValueChunk > limit:
		return nil, fmt.Errorf("%w: chunk of %d bytes, records hold %d", ErrInvalidArgument, opts.MaxValueChunk, limit)
	case opts.MaxExtensions < 1 || opts.MaxExtensions >= MaxIndices:
		return nil, fmt.Errorf("%w: %d extensions", ErrInvalidArgument, opts.MaxExtensions)
	case keyRecordSize(opts.MaxExtensions) > limit:
		return nil, fmt.Errorf("%w: key record of %d extensions does not fit a record", ErrInvalidArgument, opts.MaxExtensions)
	}
	cache, err := lru.New[uint64, uint8](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &KV{
		s:     s,
		opts:  opts,
		log:   s.Logger().With("component", opts.Component),
		cache: cache,
	}, nil
}

// MaxValueSize is the largest value Put accepts.
func (kv *KV) MaxValueSize() int {
	return kv.opts.MaxValueChunk * kv.opts.MaxExtensions
}

func (kv *KV) keyToken(idx uint8) backend.Token {
	return tagstore.MakeToken(kv.opts.Component, tagstore.KindKey, idx)
}

func (kv *KV) dataToken(idx uint8) backend.Token {
	return tagstore.MakeToken(kv.opts.Component, tagstore.KindData, idx)
}

func (kv *KV) chunks(size int) int {
	return (size + kv.opts.MaxValueChunk - 1) / kv.opts.MaxValueChunk
}

// chunk is the i-th slice of value as stored in one data record.
func (kv *KV) chunk(value []byte, i int) []byte {
	return value[i*kv.opts.MaxValueChunk : min((i+1)*kv.opts.MaxValueChunk, len(value))]
}

func storeErr(err error) error {
	if errors.Is(err, backend.ErrFull) {
		return fmt.Errorf("%w: %w", ErrStoreFull, err)
	}
	return err
}

type slot struct {
	idx uint8
	rec *KeyRecord
}

// keyTable is what one scan of the key records tells.
type keyTable struct {
	used  [MaxIndices]bool
	live  map[uint64]slot
	blank []uint8
}

func (kv *KV) scanKeys(tx *tagstore.Tx) (*keyTable, error) {
	tok, dc := tagstore.KindMask(kv.opts.Component, tagstore.KindKey)
	table := &keyTable{live: make(map[uint64]slot)}
	err := tx.WithIndex(kv.opts.Pool, tok, dc, MaxIndices, func(h *tagstore.Handle) error {
		for rec, ok := tx.NextMatch(h); ok; rec, ok = tx.NextMatch(h) {
			_, _, idx, _ := tagstore.SplitToken(rec.Token)
			table.used[idx] = true
			parsed, err := parseKeyRecord(rec.Payload)
			if err != nil {
				kv.log.Warn("unreadable key record", "token", rec.Token.String(), "err", err)
				continue
			}
			switch r := parsed.(type) {
			case BlankKey:
				table.blank = append(table.blank, idx)
			case *KeyRecord:
				if prev, dup := table.live[r.Hash]; dup {
					kv.log.Warn("duplicate key hash", "first", prev.idx, "second", idx)
					continue
				}
				table.live[r.Hash] = slot{idx: idx, rec: r}
			}
		}
		return nil
	})
	return table, err
}

func (kv *KV) scanData(tx *tagstore.Tx) (used [MaxIndices]bool, err error) {
	tok, dc := tagstore.KindMask(kv.opts.Component, tagstore.KindData)
	err = tx.WithIndex(kv.opts.Pool, tok, dc, MaxIndices, func(h *tagstore.Handle) error {
		for rec, ok := tx.NextMatch(h); ok; rec, ok = tx.NextMatch(h) {
			_, _, idx, _ := tagstore.SplitToken(rec.Token)
			used[idx] = true
		}
		return nil
	})
	return
}

// find resolves a key hash to its key record, trying the cache before
// scanning.
func (kv *KV) find(tx *tagstore.Tx, hash uint64) (s slot, found bool, table *keyTable, err error) {
	if idx, ok := kv.cache.Get(hash); ok {
		payload, err := tx.Read(kv.opts.Pool, kv.keyToken(idx))
		switch {
		case err == nil:
			if r, perr := parseKeyRecord(payload); perr == nil {
				if kr, ok := r.(*KeyRecord); ok && kr.Hash == hash {
					return slot{idx: idx, rec: kr}, true, nil, nil
				}
			}
		case !errors.Is(err, tagstore.ErrNoData):
			return s, false, nil, err
		}
		kv.cache.Remove(hash)
	}
	table, err = kv.scanKeys(tx)
	if err != nil {
		return s, false, nil, err
	}
	s, found = table.live[hash]
	if found {
		kv.cache.Add(hash, s.idx)
	}
	return s, found, table, nil
}

// Put stores value under key, replacing any previous value.
func (kv *KV) Put(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	n := kv.chunks(len(value))
	if n > kv.opts.MaxExtensions {
		return fmt.Errorf("%w: value of %d bytes exceeds %d", ErrInvalidArgument, len(value), kv.MaxValueSize())
	}
	hash := hashKey(key)
	return kv.s.Do(func(tx *tagstore.Tx) error {
		cur, found, table, err := kv.find(tx, hash)
		if err != nil {
			return err
		}
		var old []uint8
		if found {
			old = cur.rec.Indices
		} else {
			if table == nil {
				if table, err = kv.scanKeys(tx); err != nil {
					return err
				}
			}
			idx, ok := firstFree(&table.used)
			if !ok {
				return fmt.Errorf("%w: no free key record", ErrStoreFull)
			}
			cur = slot{idx: idx}
		}

		// Chunks that change go to fresh indices, so the key record keeps
		// pointing at intact data until it is rewritten.
		reuse := min(n, len(old))
		indices := make([]uint8, n)
		dirty := make([]bool, n)
		copy(indices, old[:reuse])
		for i := range reuse {
			prev, err := tx.Read(kv.opts.Pool, kv.dataToken(old[i]))
			if err != nil && !errors.Is(err, tagstore.ErrNoData) {
				return err
			}
			dirty[i] = err != nil || !bytes.Equal(prev, kv.chunk(value, i))
		}
		for i := reuse; i < n; i++ {
			dirty[i] = true
		}
		if slices.Contains(dirty, true) {
			used, err := kv.scanData(tx)
			if err != nil {
				return err
			}
			for _, di := range old {
				used[di] = true
			}
			for i := range n {
				if !dirty[i] {
					continue
				}
				di, ok := firstFree(&used)
				switch {
				case ok:
					used[di] = true
					indices[i] = di
				case i < reuse:
					kv.log.Warn("no free data record, overwriting in place", "key", cur.idx, "data", old[i])
				default:
					return fmt.Errorf("%w: no free data record", ErrStoreFull)
				}
			}
		}

		for i, di := range indices {
			if !dirty[i] {
				continue
			}
			if err := tx.Write(kv.opts.Pool, kv.dataToken(di), kv.opts.Frequency, kv.chunk(value, i)); err != nil {
				return storeErr(err)
			}
		}

		rec := KeyRecord{Hash: hash, Length: uint32(len(value)), Indices: indices}
		if err := tx.Write(kv.opts.Pool, kv.keyToken(cur.idx), kv.opts.Frequency, rec.encode()); err != nil {
			return storeErr(err)
		}
		kv.cache.Add(hash, cur.idx)

		for _, di := range old {
			if slices.Contains(indices, di) {
				continue
			}
			if err := tx.Remove(kv.opts.Pool, kv.dataToken(di)); err != nil && !errors.Is(err, tagstore.ErrNoData) {
				return err
			}
		}
		return nil
	})
}

func firstFree(used *[MaxIndices]bool) (uint8, bool) {
	for i, u := range used {
		if !u {
			return uint8(i), true
		}
	}
	return 0, false
}

// Get returns up to maxLen bytes of the value starting at offset.
func (kv *KV) Get(key string, offset, maxLen int) (out []byte, err error) {
	if key == "" || offset < 0 || maxLen < 0 {
		return nil, ErrInvalidArgument
	}
	hash := hashKey(key)
	err = kv.s.Do(func(tx *tagstore.Tx) error {
		cur, found, _, err := kv.find(tx, hash)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		length := int(cur.rec.Length)
		if offset > length {
			return fmt.Errorf("%w: offset %d beyond value of %d bytes", ErrInvalidArgument, offset, length)
		}
		end := offset + min(maxLen, length-offset)
		out = make([]byte, 0, end-offset)
		chunk := kv.opts.MaxValueChunk
		for i := offset / chunk; i*chunk < end; i++ {
			if i >= len(cur.rec.Indices) {
				return fmt.Errorf("%w: key record of %q lists too few chunks", ErrCorrupt, key)
			}
			payload, err := tx.Read(kv.opts.Pool, kv.dataToken(cur.rec.Indices[i]))
			if errors.Is(err, tagstore.ErrNoData) {
				return fmt.Errorf("%w: data record %d of %q missing", ErrCorrupt, cur.rec.Indices[i], key)
			} else if err != nil {
				return err
			}
			lo := max(offset-i*chunk, 0)
			hi := min(end-i*chunk, len(payload))
			if lo > hi {
				return fmt.Errorf("%w: data record %d of %q is short", ErrCorrupt, cur.rec.Indices[i], key)
			}
			out = append(out, payload[lo:hi]...)
		}
		if len(out) != end-offset {
			return fmt.Errorf("%w: value of %q is short", ErrCorrupt, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Size returns the length of the value stored under key.
func (kv *KV) Size(key string) (size int, err error) {
	if key == "" {
		return 0, ErrInvalidArgument
	}
	err = kv.s.Do(func(tx *tagstore.Tx) error {
		cur, found, _, err := kv.find(tx, hashKey(key))
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		size = int(cur.rec.Length)
		return nil
	})
	return
}

// Delete removes key and its value.
func (kv *KV) Delete(key string) error {
	if key == "" {
		return ErrInvalidArgument
	}
	hash := hashKey(key)
	return kv.s.Do(func(tx *tagstore.Tx) error {
		cur, found, _, err := kv.find(tx, hash)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		kv.cache.Remove(hash)
		// from here on readers see the key as gone
		if err := tx.Write(kv.opts.Pool, kv.keyToken(cur.idx), kv.opts.Frequency, nil); err != nil {
			return err
		}
		for _, di := range cur.rec.Indices {
			if err := tx.Remove(kv.opts.Pool, kv.dataToken(di)); err != nil && !errors.Is(err, tagstore.ErrNoData) {
				return err
			}
		}
		return tx.Remove(kv.opts.Pool, kv.keyToken(cur.idx))
	})
}

// Keys counts the live keys.
func (kv *KV) Keys() (n int, err error) {
	err = kv.s.Do(func(tx *tagstore.Tx) error {
		table, err := kv.scanKeys(tx)
		if err != nil {
			return err
		}
		n = len(table.live)
		return nil
	})
	return
}

// ErasePartition removes every key and data record of the component, one
// record at a time. Other components in the pool, and tags registered
// under this component, are left alone.
func (kv *KV) ErasePartition() error {
	err := kv.s.Do(func(tx *tagstore.Tx) error {
		for _, kind := range []tagstore.Kind{tagstore.KindKey, tagstore.KindData} {
			tok, dc := tagstore.KindMask(kv.opts.Component, kind)
			for {
				h, err := tx.BuildIndex(kv.opts.Pool, tok, dc, eraseBatch)
				if h == nil {
					return err
				}
				for rec, ok := tx.NextMatch(h); ok; rec, ok = tx.NextMatch(h) {
					if rerr := tx.Remove(kv.opts.Pool, rec.Token); rerr != nil && !errors.Is(rerr, tagstore.ErrNoData) {
						tx.FreeIndex(h)
						return rerr
					}
				}
				tx.FreeIndex(h)
				if !errors.Is(err, tagstore.ErrTruncated) {
					break
				}
			}
		}
		return nil
	})
	kv.cache.Purge()
	return err
}

// Collect removes records left behind by interrupted writes and deletes:
// blank key records and data records no key refers to. It returns the
// number of records removed.
func (kv *KV) Collect() (removed int, err error) {
	err = kv.s.Do(func(tx *tagstore.Tx) error {
		table, err := kv.scanKeys(tx)
		if err != nil {
			return err
		}
		data, err := kv.scanData(tx)
		if err != nil {
			return err
		}
		for _, s := range table.live {
			for _, di := range s.rec.Indices {
				data[di] = false
			}
		}
		for _, idx := range table.blank {
			if err := tx.Remove(kv.opts.Pool, kv.keyToken(idx)); err != nil {
				return err
			}
			removed++
		}
		for i, orphan := range data {
			if !orphan {
				continue
			}
			if err := tx.Remove(kv.opts.Pool, kv.dataToken(uint8(i))); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		kv.log.Info("collected stale records", "removed", removed)
	}
	return
}
