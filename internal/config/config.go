package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type AppConfig struct {
	Port string `validate:"required,numeric"`

	// MappingFile is the postal code -> municipalities JSON table.
	MappingFile string `validate:"required"`
	// CacheDir is the root of the per-department cache tree.
	CacheDir string `validate:"required"`

	HubeauBaseURL  string `validate:"required,url"`
	HubeauPageSize int    `validate:"gte=1,lte=20000"`

	HTTPTimeout  time.Duration `validate:"gt=0"`
	FetchTimeout time.Duration `validate:"gt=0"`

	MaxConcurrentFetches int           `validate:"gte=1"`
	FetchRetries         int           `validate:"gte=0,lte=10"`
	RetryBackoff         time.Duration `validate:"gt=0"`

	// CacheMaxAge serves cache records younger than this without refreshing (0 = always refresh).
	CacheMaxAge     time.Duration `validate:"gte=0"`
	CoalesceFetches bool

	// Postal codes refreshed in the background.
	WarmPostalCodes       []string      `validate:"dive,required"`
	WarmInterval          time.Duration `validate:"gt=0"`
	WarmConcurrency       int           `validate:"gte=1"`
	MappingReloadInterval time.Duration `validate:"gte=0"` // 0 disables reload

	LogLevel  string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `validate:"oneof=json text"`
	LogFile   string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.MappingFile = getenvDefault("MAPPING_FILE", "postal_to_insee.json")
	cfg.CacheDir = getenvDefault("CACHE_DIR", "data/resultats")
	cfg.HubeauBaseURL = getenvDefault("HUBEAU_BASE_URL", "https://hubeau.eaufrance.fr/api/v1/qualite_eau_potable/resultats_dis")

	var err error
	if cfg.HubeauPageSize, err = getenvInt("HUBEAU_PAGE_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentFetches, err = getenvInt("MAX_CONCURRENT_FETCHES", 8); err != nil {
		return nil, err
	}
	if cfg.FetchRetries, err = getenvInt("FETCH_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.WarmConcurrency, err = getenvInt("WARM_CONCURRENCY", 2); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"HTTP_TIMEOUT", "15s", &cfg.HTTPTimeout},
		{"FETCH_TIMEOUT", "20s", &cfg.FetchTimeout},
		{"RETRY_BACKOFF", "500ms", &cfg.RetryBackoff},
		{"CACHE_MAX_AGE", "0s", &cfg.CacheMaxAge},
		{"WARM_INTERVAL", "6h", &cfg.WarmInterval},
		{"MAPPING_RELOAD_INTERVAL", "1m", &cfg.MappingReloadInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	coalesce, err := strconv.ParseBool(getenvDefault("COALESCE_FETCHES", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid COALESCE_FETCHES: %w", err)
	}
	cfg.CoalesceFetches = coalesce

	cfg.WarmPostalCodes = splitList(os.Getenv("WARM_POSTAL_CODES"))

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))
	cfg.LogFile = os.Getenv("LOG_FILE")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
