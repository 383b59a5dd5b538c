package tagstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData reports a lookup that found nothing. It is an ordinary outcome.
	ErrNoData = errors.New("tagstore: no data available")
	// ErrNoLookUpTable reports use of a nil or released index handle.
	ErrNoLookUpTable = errors.New("tagstore: no lookup table")
	// ErrNoUniqueMatch reports a query that matched more than one record.
	ErrNoUniqueMatch = errors.New("tagstore: no unique match")
	// ErrTruncated reports an index that holds fewer records than matched.
	ErrTruncated = errors.New("tagstore: index truncated")

	ErrInvalidArgument = errors.New("tagstore: invalid argument")
	ErrUnknownTag      = errors.New("tagstore: unknown tag")
	ErrDuplicateTag    = errors.New("tagstore: conflicting tag registration")
	ErrRegistryFull    = errors.New("tagstore: tag registry full")
	ErrRegistryBuilt   = errors.New("tagstore: registry builder already consumed")
	ErrTxDone          = errors.New("tagstore: transaction used outside its guarded section")
)

// InconsistencyError is returned by CheckConsistency after a failed check
// was recovered by wiping the store and reseeding defaults.
type InconsistencyError struct {
	ID UniqueID
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("tagstore: consistency check of tag %s failed, store wiped", e.ID)
}
