package model

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds recorded on unit failures.
const (
	KindDataQuality         = "data_quality"
	KindInsufficientContent = "insufficient_content"
	KindLeakageViolation    = "leakage_violation"
	KindIncompleteForward   = "incomplete_forward_window"
	KindStoreConflict       = "store_conflict"
	KindBranchMissing       = "branch_missing"
	KindPanic               = "panic"
	KindInternal            = "internal"
)

// ErrNotFound is returned by store lookups that match no row.
var ErrNotFound = errors.New("not found")

// DataQualityError rejects malformed or non-finite input for one unit.
type DataQualityError struct {
	Ticker   string
	AsOfDate time.Time
	Field    string
	Reason   string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s %s: %s: %s", e.Ticker, e.AsOfDate.Format(DateLayout), e.Field, e.Reason)
}

// InsufficientContentError means one variation could not fit its minimum
// content under the token budget.
type InsufficientContentError struct {
	Variation int
	Budget    int
	Required  int
	Reason    string
}

func (e *InsufficientContentError) Error() string {
	return fmt.Sprintf("insufficient content: variation %d: %s (budget %d, required %d)",
		e.Variation, e.Reason, e.Budget, e.Required)
}

// LeakageViolationError flags a record timestamped after the as-of cutoff.
type LeakageViolationError struct {
	Modality Modality
	Key      string
	At       time.Time
	Cutoff   time.Time
}

func (e *LeakageViolationError) Error() string {
	return fmt.Sprintf("leakage violation: %s %s at %s is after cutoff %s",
		e.Modality, e.Key, e.At.Format(time.RFC3339), e.Cutoff.Format(time.RFC3339))
}

// IncompleteForwardWindowError means the label horizon extends past the
// available price history.
type IncompleteForwardWindowError struct {
	AsOfDate  time.Time
	Horizon   int
	Available int
}

func (e *IncompleteForwardWindowError) Error() string {
	return fmt.Sprintf("incomplete forward window: %s needs %d bars ahead, have %d",
		e.AsOfDate.Format(DateLayout), e.Horizon, e.Available)
}

// StoreConflictError is a transient write race reported by the database.
type StoreConflictError struct {
	Op  string
	Err error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("store conflict: %s: %v", e.Op, e.Err)
}

func (e *StoreConflictError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		dq  *DataQualityError
		ic  *InsufficientContentError
		lv  *LeakageViolationError
		ifw *IncompleteForwardWindowError
		sc  *StoreConflictError
	)
	switch {
	case errors.As(err, &dq):
		return KindDataQuality
	case errors.As(err, &ic):
		return KindInsufficientContent
	case errors.As(err, &lv):
		return KindLeakageViolation
	case errors.As(err, &ifw):
		return KindIncompleteForward
	case errors.As(err, &sc):
		return KindStoreConflict
	default:
		return KindInternal
	}
}

// IsSoft reports whether err is isolated to a single variation or sample and
// must not fail its unit.
func IsSoft(err error) bool {
	switch ErrorKind(err) {
	case KindInsufficientContent, KindIncompleteForward:
		return true
	default:
		return false
	}
}
