// Package handlers serves the prefecture population chart: the full page, the
// htmx fragments that replace it on every selection change, the standalone
// SVG and the JSON endpoints.
package handlers

import (
	"context"
	"errors"
	"html/template"
	"time"

	"go.uber.org/zap"

	"github.com/AY-49047/yumemi-test/internal/cms"
	"github.com/AY-49047/yumemi-test/internal/format"
	"github.com/AY-49047/yumemi-test/internal/i18n"
	"github.com/AY-49047/yumemi-test/internal/population"
)

// PrefectureDirectory is the read side of population.Directory.
type PrefectureDirectory interface {
	Prefectures() []population.Prefecture
	Err() error
	Name(code int) (string, bool)
	Has(code int) bool
}

// CompositionCache is the subset of population.Cache the handlers use.
type CompositionCache interface {
	Fill(ctx context.Context, codes []int, retry ...int) map[int]error
	Await(ctx context.Context, codes []int) error
	Snapshot(codes []int) population.Snapshot
}

// Config wires the handlers to their collaborators.
type Config struct {
	Directory      PrefectureDirectory
	Cache          CompositionCache
	Messages       *i18n.Bundle
	Content        *cms.Store
	TemplatesDir   string
	PublicDir      string
	DevMode        bool
	FetchWait      time.Duration // required, see config.FetchConfig.Wait
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Handlers holds the HTTP endpoints.
type Handlers struct {
	dir      PrefectureDirectory
	cache    CompositionCache
	messages *i18n.Bundle
	content  *cms.Store
	render   *Renderer
	public   string
	wait     time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// New validates cfg and parses the templates.
func New(cfg Config) (*Handlers, error) {
	switch {
	case cfg.Directory == nil:
		return nil, errors.New("handlers: directory is required")
	case cfg.Cache == nil:
		return nil, errors.New("handlers: cache is required")
	case cfg.Messages == nil:
		return nil, errors.New("handlers: messages are required")
	case cfg.FetchWait <= 0:
		return nil, errors.New("handlers: fetch wait must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	content := cfg.Content
	if content == nil {
		content = cms.NewStore("", cfg.Messages.Fallback())
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bundle := cfg.Messages
	funcs := template.FuncMap{
		"t":      bundle.T,
		"tf":     bundle.Tf,
		"year":   func(lang string, y int) string { return format.Year(y, lang) },
		"people": func(lang string, v float64) string { return format.People(v, lang) },
	}
	renderer, err := NewRenderer(cfg.TemplatesDir, cfg.DevMode, funcs)
	if err != nil {
		return nil, err
	}

	return &Handlers{
		dir:      cfg.Directory,
		cache:    cfg.Cache,
		messages: bundle,
		content:  content,
		render:   renderer,
		public:   cfg.PublicDir,
		wait:     cfg.FetchWait,
		timeout:  timeout,
		logger:   logger,
	}, nil
}
