package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionAborted is returned when a metadata transaction lost a
	// write conflict. It is the only error retried by the retry package.
	ErrTransactionAborted = errors.New("transaction aborted: conflicting write")
	ErrSessionNotFound    = errors.New("replication session not found")
	ErrNotLeader          = errors.New("local node is not the replication leader")
	ErrStopped            = errors.New("component stopped")
)

// TrimmedError reports a read from a changelog position that has been garbage
// collected.
type TrimmedError struct {
	Requested int64
	TrimMark  int64
}

func (e *TrimmedError) Error() string {
	return fmt.Sprintf("changelog position %d trimmed (trim mark %d)", e.Requested, e.TrimMark)
}

// OversizeError reports an entry whose filtered size alone exceeds the
// message payload budget.
type OversizeError struct {
	Watermark int64
	Size      int
	Limit     int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("entry at %d is %d bytes, exceeds message limit %d", e.Watermark, e.Size, e.Limit)
}

// IsTrimmed checks if an error is a TrimmedError.
func IsTrimmed(err error) bool {
	var trimmed *TrimmedError
	return errors.As(err, &trimmed)
}

// IsOversize checks if an error is an OversizeError.
func IsOversize(err error) bool {
	var oversize *OversizeError
	return errors.As(err, &oversize)
}

func IsTransactionAborted(err error) bool {
	return errors.Is(err, ErrTransactionAborted)
}

// ErrSnapshotRequired is returned by a sink that cannot place a message in its
// current sync state, e.g. after it restarted or lost leadership. The source
// answers it by starting a new snapshot sync.
var ErrSnapshotRequired = errors.New("sink requires a new snapshot sync")
