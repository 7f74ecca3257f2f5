package audit

import "errors"

var (
	// ErrInvalidArgument is returned for malformed input: unknown enum
	// values, unparseable dates, bad paging, unsupported export formats.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a requested tenant or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence wraps failures of the storage collaborator.
	ErrPersistence = errors.New("audit persistence failed")
)
