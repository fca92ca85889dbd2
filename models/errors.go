package models

import "errors"

// Fatal pipeline conditions. Anything that would publish an empty or
// misleading dataset wraps one of these; recoverable conditions (single
// parse failures, schema-already-exists) are absorbed with a count or log
// instead.
var (
	// ErrSourceUnavailable means every ranked candidate endpoint failed.
	ErrSourceUnavailable = errors.New("no candidate source yielded a usable payload")

	// ErrShapeNotFound means no daily series was located and the fallback
	// lookup could not find the target protocol either.
	ErrShapeNotFound = errors.New("no daily series and no fallback match for target protocol")

	// ErrSinkRejected means the publish failed on the primary transfer
	// encoding and on the fallback encoding.
	ErrSinkRejected = errors.New("sink rejected publish on all transfer encodings")
)
