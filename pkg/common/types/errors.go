package types

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for lookups of unknown blocks or transactions.
	ErrNotFound = errors.New("not found")

	// ErrFilterNotFound is returned for operations on unknown or
	// uninstalled filter ids. It is never conflated with an empty result.
	ErrFilterNotFound = errors.New("filter not found")

	// ErrDuplicateBlock is returned when a commit carries a block number
	// that is already stored. Fatal to the commit pipeline.
	ErrDuplicateBlock = errors.New("block already committed")

	// ErrOutOfOrder is returned when a commit does not extend the current
	// head. Fatal to the commit pipeline.
	ErrOutOfOrder = errors.New("block commit out of order")

	// ErrInvalidQuery is returned for malformed filter criteria, surfaced
	// at query time.
	ErrInvalidQuery = errors.New("invalid filter query")

	// ErrKeyNotFound is the storage-level missing key sentinel.
	ErrKeyNotFound = errors.New("key not found")
)

// IsCommitOrderViolation reports whether err is one of the commit-pipeline
// ordering sentinels.
func IsCommitOrderViolation(err error) bool {
	return errors.Is(err, ErrDuplicateBlock) || errors.Is(err, ErrOutOfOrder)
}

type MultiError struct {
	mu     sync.Mutex
	Errors []error
}

func (m *MultiError) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (m *MultiError) Add(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
}

func (m *MultiError) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Errors) == 0
}
