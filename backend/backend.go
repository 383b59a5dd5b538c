// Package backend defines the record store tagstore persists into and the
// implementations of it.
//
// A backend is a region of physical storage split into pools. Each pool holds
// bounded-size records addressed by a short byte token. Every call is atomic:
// a record is either fully written or not written at all. How a backend lays
// records out physically (wear leveling, compaction) is its own business.
package backend

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
)

// MaxTokenLen bounds the length of a record token.
const MaxTokenLen = 13

// DefaultMaxRecordSize is the payload bound used when none is configured.
const DefaultMaxRecordSize = 255

// Token addresses one record inside a pool.
type Token []byte

func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Matches reports whether t equals want on every bit that is not set in
// dontCare. Tokens of different lengths never match. A dontCare shorter
// than the token cares about the remaining bytes.
func (t Token) Matches(want Token, dontCare []byte) bool {
	if len(t) != len(want) {
		return false
	}
	for i := range t {
		var dc byte
		if i < len(dontCare) {
			dc = dontCare[i]
		}
		if (t[i]^want[i])&^dc != 0 {
			return false
		}
	}
	return true
}

// PoolID names a pool of the backend.
type PoolID uint8

// AllPools selects every configured pool in EraseAll. No pool may carry
// this id.
const AllPools PoolID = 0xFF

// Frequency is the update-frequency class of a record. Backends may use it
// to group records with similar write patterns.
type Frequency uint8

const (
	High Frequency = iota
	Low
	InitOnly
	ReadOnly
)

func (f Frequency) String() string {
	switch f {
	case High:
		return "high"
	case Low:
		return "low"
	case InitOnly:
		return "init-only"
	case ReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("frequency(%d)", uint8(f))
	}
}

// ParseFrequency is the inverse of Frequency.String.
func ParseFrequency(s string) (Frequency, error) {
	switch s {
	case "high", "":
		return High, nil
	case "low":
		return Low, nil
	case "init-only":
		return InitOnly, nil
	case "read-only":
		return ReadOnly, nil
	}
	return 0, fmt.Errorf("backend: unknown update frequency %q", s)
}

// Record is one physical record.
type Record struct {
	Token     Token
	Frequency Frequency
	Payload   []byte
}

// PoolConfig configures one pool. Capacity is a record count; zero means
// the pool is bounded only by the medium.
type PoolConfig struct {
	ID       PoolID
	Capacity int
}

// DefaultPools is a single unbounded pool 0.
var DefaultPools = []PoolConfig{{ID: 0}}

type Backend interface {
	// Write creates or replaces the record under token.
	Write(pool PoolID, token Token, freq Frequency, payload []byte) error
	// Read returns a copy of the payload, or ErrNotFound.
	Read(pool PoolID, token Token) ([]byte, error)
	// Remove deletes the record, or returns ErrNotFound.
	Remove(pool PoolID, token Token) error
	// EraseAll drops every record of the pool, or of all pools for AllPools.
	EraseAll(pool PoolID) error
	// Scan yields every record of the pool. The sequence is finite and
	// restartable by calling Scan again.
	Scan(pool PoolID) iter.Seq2[Record, error]
	MaxRecordSize() int
	Pools() []PoolConfig
	Close() error
}

var (
	ErrNotFound    = errors.New("backend: record not found")
	ErrFull        = errors.New("backend: pool is full")
	ErrUnknownPool = errors.New("backend: unknown pool")
	ErrBadToken    = errors.New("backend: bad token")
	ErrClosed      = errors.New("backend: closed")
	ErrPowerLoss   = errors.New("backend: simulated power loss")
	ErrBadPools    = errors.New("backend: bad pool layout")
)

// RecordTooLargeError is returned when a payload exceeds MaxRecordSize.
type RecordTooLargeError struct {
	Token Token
	Size  int
	Max   int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("backend: record %s is %d bytes, limit is %d", e.Token, e.Size, e.Max)
}

func checkWrite(token Token, payload []byte, max int) error {
	if err := checkToken(token); err != nil {
		return err
	}
	if len(payload) > max {
		return &RecordTooLargeError{Token: token, Size: len(payload), Max: max}
	}
	return nil
}

func checkToken(token Token) error {
	if len(token) == 0 || len(token) > MaxTokenLen {
		return ErrBadToken
	}
	return nil
}

// CheckPools rejects a layout that declares a pool twice or names one
// AllPools, which EraseAll could then never address alone.
func CheckPools(pools []PoolConfig) error {
	seen := make(map[PoolID]bool, len(pools))
	for _, p := range pools {
		switch {
		case p.ID == AllPools:
			return fmt.Errorf("%w: pool id %#x is reserved", ErrBadPools, uint8(p.ID))
		case seen[p.ID]:
			return fmt.Errorf("%w: pool %d declared twice", ErrBadPools, p.ID)
		case p.Capacity < 0:
			return fmt.Errorf("%w: pool %d has negative capacity", ErrBadPools, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func selectPools(pools []PoolConfig, pool PoolID) ([]PoolID, error) {
	var ids []PoolID
	for _, p := range pools {
		if p.ID == AllPools {
			return nil, ErrBadPools
		}
		if pool == AllPools || p.ID == pool {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, ErrUnknownPool
	}
	return ids, nil
}
