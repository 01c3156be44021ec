package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an Update or lookup matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrUniqueViolation is returned when an insert or update would break a
	// unique index.
	ErrUniqueViolation = errors.New("unique index violation")
)

// GeoIndexError reports a $nearSphere constraint against a field that has no
// geo index yet. The database layer builds the index and retries once.
type GeoIndexError struct {
	Collection string
	Field      string
}

func (e *GeoIndexError) Error() string {
	return fmt.Sprintf("no geo index for %s.%s", e.Collection, e.Field)
}

// AsGeoIndexError unwraps err into a *GeoIndexError if it is one.
func AsGeoIndexError(err error) (*GeoIndexError, bool) {
	var geoErr *GeoIndexError
	if errors.As(err, &geoErr) {
		return geoErr, true
	}
	return nil, false
}
