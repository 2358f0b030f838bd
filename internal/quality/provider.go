package quality

import (
	"context"
)

// Resolver maps a postal code to its municipalities.
type Resolver interface {
	Resolve(postalCode string) ([]MunicipalityRef, error)
}

// Fetcher abstracts the upstream water-quality data source (Hub'Eau).
// Implementations issue exactly one query per call and never retry.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, inseeCode string) (QualityPayload, error)
}

// CacheStore is the contract the filesystem cache must satisfy.
// Read reports false when no usable record exists.
type CacheStore interface {
	Read(inseeCode string) (CachedRecord, bool)
	Write(inseeCode string, payload QualityPayload) error
}
