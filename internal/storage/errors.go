package storage

import (
	"errors"

	"github.com/lib/pq"
)

// ErrRejectedRecord marks a write refused because of what a record contains.
// Writing the same records again cannot succeed.
var ErrRejectedRecord = errors.New("record rejected by store")

// dataExceptionClass is the SQLSTATE class of postgres data exceptions such
// as 22P05 (untranslatable character) and 22021 (invalid byte sequence).
const dataExceptionClass = "22"

// IsDataError reports whether err was caused by record content rather than by
// the store being unavailable.
func IsDataError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejectedRecord) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == dataExceptionClass
}
