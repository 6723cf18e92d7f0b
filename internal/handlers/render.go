package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
)

const (
	layoutTemplate = "base"
	pagesDir       = "pages"
)

// Renderer executes the layout for full pages and named partials for htmx
// fragments. In dev mode templates are reparsed on each request.
type Renderer struct {
	dir   string
	dev   bool
	funcs template.FuncMap

	mu     sync.RWMutex
	shared *template.Template
	pages  map[string]*template.Template
}

// NewRenderer parses every template under dir.
func NewRenderer(dir string, dev bool, funcs template.FuncMap) (*Renderer, error) {
	r := &Renderer{dir: dir, dev: dev, funcs: funcs}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

// parse loads the layout and partials into a shared set, then clones it once
// per page so every page can define its own "content" block.
func (r *Renderer) parse() error {
	var sharedFiles, pageFiles []string
	// Recursively discover all .tmpl files. ParseGlob doesn't support **.
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tmpl") {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) == pagesDir {
			pageFiles = append(pageFiles, path)
		} else {
			sharedFiles = append(sharedFiles, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(sharedFiles) == 0 {
		return fmt.Errorf("no templates found under %s", r.dir)
	}

	shared, err := template.New("_root").Funcs(r.funcs).ParseFiles(sharedFiles...)
	if err != nil {
		return err
	}
	pages := make(map[string]*template.Template, len(pageFiles))
	for _, file := range pageFiles {
		clone, err := shared.Clone()
		if err != nil {
			return err
		}
		t, err := clone.ParseFiles(file)
		if err != nil {
			return err
		}
		pages[strings.TrimSuffix(filepath.Base(file), ".tmpl")] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared = shared
	r.pages = pages
	return nil
}

func (r *Renderer) current() (*template.Template, map[string]*template.Template, error) {
	if r.dev {
		if err := r.parse(); err != nil {
			return nil, nil, fmt.Errorf("template parse error: %w", err)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shared == nil {
		return nil, nil, fmt.Errorf("template not initialized")
	}
	return r.shared, r.pages, nil
}

// Page renders the named page inside the base layout.
func (r *Renderer) Page(w http.ResponseWriter, status int, page string, data any) error {
	_, pages, err := r.current()
	if err != nil {
		return err
	}
	t, ok := pages[page]
	if !ok {
		return fmt.Errorf("template page %q not found", page)
	}
	return write(w, status, t, layoutTemplate, data)
}

// Fragment renders a shared partial on its own.
func (r *Renderer) Fragment(w http.ResponseWriter, status int, name string, data any) error {
	shared, _, err := r.current()
	if err != nil {
		return err
	}
	return write(w, status, shared, name, data)
}

// write buffers the output so a failing template never sends a partial body.
func write(w http.ResponseWriter, status int, t *template.Template, name string, data any) error {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("template exec error: %w", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
