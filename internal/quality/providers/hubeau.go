package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/water-quality-aggregation/internal/quality"
)

// DefaultHubeauURL is the Hub'Eau drinking-water results endpoint.
const DefaultHubeauURL = "https://hubeau.eaufrance.fr/api/v1/qualite_eau_potable/resultats_dis"

// DefaultPageSize caps the number of analyses requested per municipality.
const DefaultPageSize = 1000

const maxBodyBytes = 64 << 20

// HubeauFields is the projection requested from the upstream service.
var HubeauFields = []string{
	"code_departement",
	"nom_departement",
	"code_prelevement",
	"code_parametre",
	"libelle_parametre",
	"resultat_alphanumerique",
	"resultat_numerique",
	"libelle_unite",
	"limite_qualite_parametre",
	"reference_qualite_parametre",
	"code_commune",
	"nom_commune",
	"date_prelevement",
	"conclusion_conformite_prelevement",
	"conformite_limites_bact_prelevement",
	"conformite_limites_pc_prelevement",
	"conformite_references_bact_prelevement",
	"conformite_references_pc_prelevement",
	"longitude",
	"latitude",
}

// HubeauProvider implements quality.Fetcher against the Hub'Eau API.
type HubeauProvider struct {
	name     string
	baseURL  string
	pageSize int
	fields   string
	client   *http.Client
	circuit  *gobreaker.CircuitBreaker
}

func NewHubeauProvider(client *http.Client, baseURL string, pageSize int, logger *slog.Logger) *HubeauProvider {
	if baseURL == "" {
		baseURL = DefaultHubeauURL
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "hubeau",
		MaxRequests:  5,
		Interval:     1 * time.Minute,
		Timeout:      2 * time.Minute,
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &HubeauProvider{
		name:     "hubeau",
		baseURL:  baseURL,
		pageSize: pageSize,
		fields:   strings.Join(HubeauFields, ","),
		client:   client,
		circuit:  cb,
	}
}

func (p *HubeauProvider) Name() string {
	return p.name
}

// Fetch queries the analyses of one municipality. Any failure is returned as *FetchError.
func (p *HubeauProvider) Fetch(ctx context.Context, inseeCode string) (quality.QualityPayload, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("code_commune", inseeCode)
		values.Set("size", strconv.Itoa(p.pageSize))
		values.Set("fields", p.fields)

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequest(ctx, p.client, p.circuit, buildRequest)
	if err != nil {
		return quality.QualityPayload{}, classify(ctx, inseeCode, err)
	}
	defer resp.Body.Close()

	var payload quality.QualityPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		if ctx.Err() != nil {
			return quality.QualityPayload{}, &FetchError{InseeCode: inseeCode, StatusCode: resp.StatusCode, Reason: ReasonTimeout, Err: err}
		}
		return quality.QualityPayload{}, &FetchError{InseeCode: inseeCode, StatusCode: resp.StatusCode, Reason: ReasonDecode, Err: err}
	}
	if payload.Data == nil {
		payload.Data = []quality.Measurement{}
	}

	return payload, nil
}
