package quality

import (
	"encoding/json"
	"time"
)

// MunicipalityRef identifies a municipality (commune) listed under a postal code.
type MunicipalityRef struct {
	Name      string `json:"nom"`
	InseeCode string `json:"insee"`
}

// Department returns the two-character department prefix of the INSEE code,
// or an empty string when the code is too short to carry one.
func (m MunicipalityRef) Department() string {
	return DepartmentOf(m.InseeCode)
}

// DepartmentOf returns the department prefix used to partition cache storage.
func DepartmentOf(inseeCode string) string {
	if len(inseeCode) < 2 {
		return ""
	}
	return inseeCode[:2]
}

// Measurement is one upstream analysis record. Its fields are passed through untouched.
type Measurement = json.RawMessage

// QualityPayload is the upstream response shape.
type QualityPayload struct {
	Count int           `json:"count"`
	Data  []Measurement `json:"data"`
}

// CacheRecord is the persisted document for one municipality.
type CacheRecord struct {
	Data QualityPayload `json:"data"`
}

// CachedRecord is a CacheRecord together with the time it was written.
type CachedRecord struct {
	Record   CacheRecord
	StoredAt time.Time
}

// Source tells where a municipality's data came from.
type Source string

const (
	SourceFresh       Source = "fresh"
	SourceCached      Source = "cached"
	SourceUnavailable Source = "unavailable"
)

// Outcome is the resolution of one municipality within a request.
type Outcome struct {
	Municipality MunicipalityRef
	Source       Source
	Payload      QualityPayload
	Err          error // last fetch error, if any
}

// CommuneResult is one entry of the aggregated result.
type CommuneResult struct {
	CommuneName string        `json:"commune_name"`
	InseeCode   string        `json:"insee"`
	Data        []Measurement `json:"data"`

	Source Source `json:"-"`
}

// AggregatedResult lists municipalities that yielded data, in mapping order.
type AggregatedResult []CommuneResult

// RefreshReport summarizes a forced refresh of a postal code.
type RefreshReport struct {
	PostalCode  string `json:"postal_code"`
	Fresh       int    `json:"fresh"`
	Cached      int    `json:"cached"`
	Unavailable int    `json:"unavailable"`
}
