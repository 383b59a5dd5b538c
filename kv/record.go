package kv

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/tagstore"
	"github.com/drpcorg/tagstore/backend"
	"github.com/drpcorg/tagstore/codec"
)

// HashLen is the size of the key hash kept in a key record.
const HashLen = 8

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Record is a parsed record of the key-value layer: *KeyRecord, BlankKey
// or DataRecord.
type Record interface {
	Kind() tagstore.Kind
}

// KeyRecord names a value: the hash of its key, its length and the data
// records holding it, in order.
type KeyRecord struct {
	Hash    uint64
	Length  uint32
	Indices []uint8
}

func (*KeyRecord) Kind() tagstore.Kind { return tagstore.KindKey }

// BlankKey is a key record emptied by a delete that did not finish.
type BlankKey struct{}

func (BlankKey) Kind() tagstore.Kind { return tagstore.KindKey }

type DataRecord []byte

func (DataRecord) Kind() tagstore.Kind { return tagstore.KindData }

func (k *KeyRecord) encode() []byte {
	return codec.Concat(
		codec.Record('H', binary.BigEndian.AppendUint64(nil, k.Hash)),
		codec.Record('L', binary.BigEndian.AppendUint32(nil, k.Length)),
		codec.Record('I', k.Indices),
	)
}

// keyRecordSize is the encoded size of a key record with n indices.
func keyRecordSize(n int) int {
	return 2 + HashLen + 2 + 4 + 2 + n
}

func parseKeyRecord(payload []byte) (Record, error) {
	if len(payload) == 0 {
		return BlankKey{}, nil
	}
	fields, err := codec.Fields(payload)
	if err != nil {
		return nil, err
	}
	h, err := codec.Need(fields, 'H')
	if err != nil {
		return nil, err
	}
	l, err := codec.Need(fields, 'L')
	if err != nil {
		return nil, err
	}
	idx, err := codec.Need(fields, 'I')
	if err != nil {
		return nil, err
	}
	if len(h) != HashLen || len(l) != 4 {
		return nil, codec.ErrBadRecord
	}
	return &KeyRecord{
		Hash:    binary.BigEndian.Uint64(h),
		Length:  binary.BigEndian.Uint32(l),
		Indices: append([]uint8{}, idx...),
	}, nil
}

// ParseRecord decodes a physical record of the key-value layer.
func ParseRecord(rec backend.Record) (Record, error) {
	_, kind, _, ok := tagstore.SplitToken(rec.Token)
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrCorrupt, rec.Token)
	}
	switch kind {
	case tagstore.KindKey:
		return parseKeyRecord(rec.Payload)
	case tagstore.KindData:
		return DataRecord(rec.Payload), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrCorrupt, kind)
}

// Describe renders a record for dumps.
func Describe(rec backend.Record) string {
	comp, kind, idx, _ := tagstore.SplitToken(rec.Token)
	parsed, err := ParseRecord(rec)
	head := fmt.Sprintf("%02x.%d.%03d", comp, kind, idx)
	if err != nil {
		return head + ":\t" + err.Error()
	}
	switch r := parsed.(type) {
	case *KeyRecord:
		parts := make([]string, len(r.Indices))
		for i, di := range r.Indices {
			parts[i] = fmt.Sprintf("%d", di)
		}
		return fmt.Sprintf("%s:\tkey %016x len=%d data=[%s]", head, r.Hash, r.Length, strings.Join(parts, " "))
	case BlankKey:
		return head + ":\tkey (blank)"
	case DataRecord:
		return fmt.Sprintf("%s:\tdata %d bytes", head, len(r))
	}
	return head
}
