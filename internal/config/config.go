package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultUpstreamTimeout  = 8 * time.Second
	defaultFetchWait        = 2 * time.Second
	defaultFetchConcurrency = 4
	defaultLogLevel         = "info"
	defaultLocale           = "ja"
	defaultTemplatesDir     = "templates"
	defaultPublicDir        = "public"
	defaultContentDir       = "content"
	defaultLocalesDir       = "locales"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server  ServerConfig
	API     APIConfig
	Fetch   FetchConfig
	Paths   PathConfig
	Locale  string
	Log     LogConfig
	DevMode bool
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	if strings.Contains(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}

// APIConfig points at the population API. BaseURL and Key have no defaults.
type APIConfig struct {
	BaseURL string
	Key     string
	Timeout time.Duration
}

// RedactedKey returns the API key with all but the last four characters masked.
func (a APIConfig) RedactedKey() string {
	key := strings.TrimSpace(a.Key)
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// FetchConfig bounds how long a page render waits for composition fetches.
type FetchConfig struct {
	Wait        time.Duration
	Concurrency int
}

// PathConfig lists on-disk asset locations.
type PathConfig struct {
	Templates string
	Public    string
	Content   string
	Locales   string
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.LookupEnv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the application configuration by combining defaults, .env overrides
// and environment variables. The API base URL and key must be supplied; Load returns a
// *ValidationError otherwise so no request is ever built from a partial config.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	port := stringWithDefault(lookup, "POPCHART_PORT", "")
	if port == "" {
		// Cloud Run style
		port = stringWithDefault(lookup, "PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         port,
			ReadTimeout:  durationWithDefault(lookup, "POPCHART_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "POPCHART_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "POPCHART_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		API: APIConfig{
			BaseURL: strings.TrimRight(strings.TrimSpace(stringWithDefault(lookup, "POPCHART_API_BASE_URL", "")), "/"),
			Key:     strings.TrimSpace(stringWithDefault(lookup, "POPCHART_API_KEY", "")),
			Timeout: durationWithDefault(lookup, "POPCHART_UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		},
		Fetch: FetchConfig{
			Wait:        durationWithDefault(lookup, "POPCHART_FETCH_WAIT", defaultFetchWait),
			Concurrency: intWithDefault(lookup, "POPCHART_FETCH_CONCURRENCY", defaultFetchConcurrency),
		},
		Paths: PathConfig{
			Templates: stringWithDefault(lookup, "POPCHART_TEMPLATES_DIR", defaultTemplatesDir),
			Public:    stringWithDefault(lookup, "POPCHART_PUBLIC_DIR", defaultPublicDir),
			Content:   stringWithDefault(lookup, "POPCHART_CONTENT_DIR", defaultContentDir),
			Locales:   stringWithDefault(lookup, "POPCHART_LOCALES_DIR", defaultLocalesDir),
		},
		Locale: strings.ToLower(stringWithDefault(lookup, "POPCHART_LOCALE", defaultLocale)),
		Log: LogConfig{
			Level: stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
		},
		DevMode: boolWithDefault(lookup, "POPCHART_DEV", false),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.API.BaseURL == "" {
		missing = append(missing, "API.BaseURL")
	} else if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		missing = append(missing, "API.BaseURL")
	}
	if cfg.API.Key == "" {
		missing = append(missing, "API.Key")
	}
	if cfg.API.Timeout <= 0 {
		missing = append(missing, "API.Timeout")
	}
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Fetch.Wait <= 0 {
		missing = append(missing, "Fetch.Wait")
	}
	if cfg.Fetch.Concurrency <= 0 {
		missing = append(missing, "Fetch.Concurrency")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if key == "" {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return n
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return b
		}
	}
	return fallback
}
