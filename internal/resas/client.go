// Package resas talks to the prefecture population API.
package resas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AY-49047/yumemi-test/internal/population"
)

const (
	defaultTimeout      = 8 * time.Second
	apiKeyHeader        = "X-API-KEY"
	prefecturesPath     = "api/v1/prefectures"
	compositionPath     = "api/v1/population/composition/perYear"
	instrumentation     = "github.com/AY-49047/yumemi-test/internal/resas"
	endpointPrefectures = "prefectures"
	endpointComposition = "composition"
)

var (
	// ErrMissingBaseURL is returned when the client is built without a base URL.
	ErrMissingBaseURL = errors.New("resas: missing base url")
	// ErrMissingAPIKey is returned when the client is built without an API key.
	ErrMissingAPIKey = errors.New("resas: missing api key")
	// ErrEmptyResult is returned when a 2xx response carries no result.
	ErrEmptyResult = errors.New("resas: empty result")
)

// StatusError reports a non-2xx response. The body is not parsed.
type StatusError struct {
	Endpoint   string
	StatusCode int
	StatusText string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("resas: %s: HTTP %d %s", e.Endpoint, e.StatusCode, e.StatusText)
}

// UpstreamError carries the message of a 2xx envelope that came back without a result.
type UpstreamError struct {
	Endpoint   string
	StatusCode string
	Message    string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode != "" {
		return fmt.Sprintf("resas: %s: upstream %s: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("resas: %s: upstream: %s", e.Endpoint, e.Message)
}

// Client issues population API calls with the configured key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient constructs an API client. Both baseURL and apiKey are required.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	apiKey = strings.TrimSpace(apiKey)
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
		tracer:  otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Prefectures fetches the prefecture directory.
func (c *Client) Prefectures(ctx context.Context) ([]population.Prefecture, error) {
	var result []prefecturePayload
	if err := c.get(ctx, endpointPrefectures, prefecturesPath, nil, &result); err != nil {
		return nil, err
	}
	out := make([]population.Prefecture, 0, len(result))
	for _, p := range result {
		out = append(out, population.Prefecture{Code: p.PrefCode, Name: strings.TrimSpace(p.PrefName)})
	}
	return out, nil
}

// Composition fetches the per-year population composition of one prefecture.
func (c *Client) Composition(ctx context.Context, prefCode int) (population.Composition, error) {
	query := url.Values{}
	query.Set("prefCode", strconv.Itoa(prefCode))

	var result compositionPayload
	if err := c.get(ctx, endpointComposition, compositionPath, query, &result); err != nil {
		return population.Composition{}, err
	}
	return result.toComposition(), nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, result any) (err error) {
	ctx, span := c.tracer.Start(ctx, "resas."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	started := time.Now()
	outcome := "error"
	defer func() {
		upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
		upstreamLatency.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	span.SetAttributes(
		attribute.String("http.request.method", http.MethodGet),
		attribute.String("url.path", "/"+path),
	)
	if code := query.Get("prefCode"); code != "" {
		span.SetAttributes(attribute.String("resas.pref_code", code))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resas: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		outcome = "status_" + strconv.Itoa(resp.StatusCode)
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, StatusText: statusText(resp)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("resas: %s: decode: %w", endpoint, err)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		if env.Message != nil && strings.TrimSpace(*env.Message) != "" {
			return &UpstreamError{Endpoint: endpoint, StatusCode: env.statusCode(), Message: strings.TrimSpace(*env.Message)}
		}
		return fmt.Errorf("resas: %s: %w", endpoint, ErrEmptyResult)
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("resas: %s: decode result: %w", endpoint, err)
	}
	outcome = "ok"
	return nil
}

// statusText returns the reason phrase, e.g. "Not Found" for "404 Not Found".
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

type envelope struct {
	Message    *string         `json:"message"`
	Result     json.RawMessage `json:"result"`
	StatusCode json.RawMessage `json:"statusCode"`
}

// statusCode normalises the envelope status code, which is sent as either a
// string or a number.
func (e envelope) statusCode() string {
	raw := strings.TrimSpace(string(e.StatusCode))
	if raw == "" || raw == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return unquoted
	}
	return raw
}

type prefecturePayload struct {
	PrefCode int    `json:"prefCode"`
	PrefName string `json:"prefName"`
}

type compositionPayload struct {
	BoundaryYear int `json:"boundaryYear"`
	Data         []struct {
		Label string `json:"label"`
		Data  []struct {
			Year  int     `json:"year"`
			Value float64 `json:"value"`
		} `json:"data"`
	} `json:"data"`
}

func (p compositionPayload) toComposition() population.Composition {
	comp := population.Composition{
		BoundaryYear: p.BoundaryYear,
		Series:       make([]population.Series, 0, len(p.Data)),
	}
	for _, s := range p.Data {
		points := make([]population.Point, 0, len(s.Data))
		for _, d := range s.Data {
			points = append(points, population.Point{Year: d.Year, Value: d.Value})
		}
		sort.SliceStable(points, func(i, j int) bool { return points[i].Year < points[j].Year })
		comp.Series = append(comp.Series, population.Series{Label: strings.TrimSpace(s.Label), Points: points})
	}
	return comp
}
