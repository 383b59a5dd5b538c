package tagstore

import (
	"bytes"
	"strconv"
	"time"

	"github.com/drpcorg/tagstore/backend"
	"github.com/google/uuid"
)

// Handle is a snapshot of the records of one pool whose token matched a
// mask when the handle was built. Later writes are not observed. A handle
// is owned by the guarded section that built it and must be released with
// FreeIndex.
type Handle struct {
	id        uuid.UUID
	pool      backend.PoolID
	token     backend.Token
	dontCare  []byte
	recs      []backend.Record
	cursor    int
	truncated bool
	freed     bool
}

func (h *Handle) Pool() backend.PoolID {
	return h.pool
}

// Len is the number of records held by the snapshot.
func (h *Handle) Len() int {
	return len(h.recs)
}

// Truncated reports whether more records matched than the handle holds.
func (h *Handle) Truncated() bool {
	return h.truncated
}

// BuildIndex scans the pool once and keeps up to maxMatches records whose
// token matches token on every bit not set in dontCare; maxMatches <= 0
// keeps all of them. When more records match, the handle is returned
// together with ErrTruncated and is still usable.
func (tx *Tx) BuildIndex(pool backend.PoolID, token backend.Token, dontCare []byte, maxMatches int) (*Handle, error) {
	if err := tx.live(); err != nil {
		return nil, err
	}
	started := time.Now()
	h := &Handle{
		id:       uuid.New(),
		pool:     pool,
		token:    append(backend.Token{}, token...),
		dontCare: append([]byte{}, dontCare...),
	}
	for rec, err := range tx.s.be.Scan(pool) {
		if err != nil {
			countOp("index", err)
			return nil, err
		}
		if !rec.Token.Matches(h.token, h.dontCare) {
			continue
		}
		if maxMatches > 0 && len(h.recs) >= maxMatches {
			h.truncated = true
			break
		}
		h.recs = append(h.recs, rec)
	}
	label := strconv.Itoa(int(pool))
	IndexBuildDuration.WithLabelValues(label).Observe(float64(time.Since(started).Microseconds()))
	tx.s.handles.Store(h.id, h)
	tx.opened = append(tx.opened, h)
	OpenHandles.Inc()
	countOp("index", nil)
	if h.truncated {
		IndexTruncations.WithLabelValues(label).Inc()
		tx.s.log.Debug("index truncated", "pool", pool, "token", h.token.String(), "max", maxMatches)
		return h, ErrTruncated
	}
	return h, nil
}

func (tx *Tx) checkHandle(h *Handle) error {
	if err := tx.live(); err != nil {
		return err
	}
	if h == nil || h.freed {
		return tx.s.fatal(ErrNoLookUpTable)
	}
	if _, ok := tx.s.handles.Load(h.id); !ok {
		return tx.s.fatal(ErrNoLookUpTable)
	}
	return nil
}

// ReadUnique returns the payload of the one snapshot record whose token
// starts with token. A full-length token is an exact lookup; a shorter one
// that selects several records yields ErrNoUniqueMatch. Nothing found in a
// truncated snapshot yields ErrTruncated, since the record may exist
// beyond it.
func (tx *Tx) ReadUnique(h *Handle, token backend.Token) ([]byte, error) {
	if err := tx.checkHandle(h); err != nil {
		return nil, err
	}
	var found *backend.Record
	for i := range h.recs {
		if !bytes.HasPrefix(h.recs[i].Token, token) {
			continue
		}
		if found != nil {
			return nil, ErrNoUniqueMatch
		}
		found = &h.recs[i]
	}
	switch {
	case found != nil:
		return append([]byte{}, found.Payload...), nil
	case h.truncated:
		return nil, ErrTruncated
	default:
		return nil, ErrNoData
	}
}

// NextMatch advances the handle's cursor. ok is false once the snapshot
// is exhausted.
func (tx *Tx) NextMatch(h *Handle) (rec backend.Record, ok bool) {
	if err := tx.checkHandle(h); err != nil {
		return rec, false
	}
	if h.cursor >= len(h.recs) {
		return rec, false
	}
	rec = h.recs[h.cursor]
	h.cursor++
	return rec, true
}

func (tx *Tx) ResetIterator(h *Handle) {
	if tx.checkHandle(h) == nil {
		h.cursor = 0
	}
}

func (tx *Tx) FreeIndex(h *Handle) {
	if tx.checkHandle(h) == nil {
		tx.release(h)
	}
}

func (tx *Tx) release(h *Handle) {
	h.freed = true
	h.recs = nil
	tx.s.handles.Delete(h.id)
	OpenHandles.Dec()
}

// WithIndex builds an index, hands it to fn and frees it. A truncated
// index is still handed over; ErrTruncated is returned if fn succeeds.
func (tx *Tx) WithIndex(pool backend.PoolID, token backend.Token, dontCare []byte, maxMatches int, fn func(h *Handle) error) error {
	h, err := tx.BuildIndex(pool, token, dontCare, maxMatches)
	if h == nil {
		return err
	}
	defer tx.FreeIndex(h)
	if ferr := fn(h); ferr != nil {
		return ferr
	}
	return err
}
