package quality

import "errors"

var (
	// ErrNoSuchPostalCode is returned when the postal code is absent from the mapping.
	ErrNoSuchPostalCode = errors.New("postal code not found")

	// ErrNoDataAvailable is returned when no municipality yielded data, fresh or cached.
	ErrNoDataAvailable = errors.New("no data available for postal code")

	// ErrConfiguration is returned when the mapping table cannot be used.
	ErrConfiguration = errors.New("configuration error")
)

// Errors a Resolver reports.
var (
	ErrLookupMiss         = errors.New("no entry for key")
	ErrMappingUnavailable = errors.New("mapping table unavailable")
)

var errEmptyResult = errors.New("empty result")
