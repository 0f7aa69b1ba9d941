package ledger

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrMissingDatabase   = errors.New("database handle is required")
	ErrMissingUserID     = errors.New("external user identifier is required")
	ErrInvalidAward      = errors.New("award request is invalid")
	ErrEntryNotFound     = errors.New("leaderboard entry not found")
	ErrStorage           = errors.New("ledger storage unavailable")
	errDuplicateAwardKey = errors.New("award key already recorded")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opEnsureRow  = "ledger.ensure_row"
	opAward      = "ledger.award"
	opMarkScan   = "ledger.mark_scan"
	opPage       = "ledger.page"
	opMe         = "ledger.me"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func storageError(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %v", ErrStorage, cause))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}
