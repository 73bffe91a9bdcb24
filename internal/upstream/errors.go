package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an upstream query failure for callers that need to
// decide between retrying, rewriting the query, or giving up.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindUnavailable    ErrorKind = "service_unavailable"
	KindMalformedQuery ErrorKind = "malformed_query"
)

type QueryError struct {
	Kind     ErrorKind
	Database string
	Detail   string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed (%s): %s", e.Database, e.Kind, e.Detail)
}

// Retryable reports whether another attempt against the same service could
// succeed. Malformed queries never are; the query text has to change.
func Retryable(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind != KindMalformedQuery
	}
	return true
}

// KindOf extracts the error kind, defaulting to service_unavailable for
// errors that did not originate here.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnavailable
}
