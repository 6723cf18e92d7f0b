package handlers

import (
	"errors"
	"net/http"

	"github.com/AY-49047/yumemi-test/internal/cms"
	"github.com/AY-49047/yumemi-test/internal/middleware"
	"github.com/AY-49047/yumemi-test/internal/selection"
)

// PageData is the view model shared by every page using the layout.
type PageData struct {
	Title       string
	Description string
	Lang        string
	Langs       []string
	Path        string
	Nav         []NavItem

	App     *AppView
	Content *cms.Page
	Message string
}

// NavItem is one header link.
type NavItem struct {
	Label  string
	Href   string
	Active bool
}

// AppView is the interactive area: checklist, category radios and chart. It
// is the unit swapped by htmx.
type AppView struct {
	Lang           string
	DirectoryError string
	Prefectures    []PrefectureOption
	Categories     []CategoryOption
	Chart          ChartView
}

// PrefectureOption is one checkbox of the checklist.
type PrefectureOption struct {
	Code      int
	Name      string
	Checked   bool
	ToggleURL string
	PageURL   string
}

// CategoryOption is one radio of the category selector.
type CategoryOption struct {
	Key     string
	Label   string
	Checked bool
	URL     string
	PageURL string
}

func (h *Handlers) page(r *http.Request, titleKey string) PageData {
	lang := middleware.Lang(r.Context())
	title := h.messages.T(lang, "site.title")
	if titleKey != "" {
		title = h.messages.T(lang, titleKey) + " | " + title
	}
	return PageData{
		Title:       title,
		Description: h.messages.T(lang, "site.description"),
		Lang:        lang,
		Langs:       h.messages.Supported(),
		Path:        r.URL.Path,
		Nav: []NavItem{
			{Label: h.messages.T(lang, "nav.home"), Href: "/", Active: r.URL.Path == "/"},
			{Label: h.messages.T(lang, "nav.about"), Href: "/about", Active: r.URL.Path == "/about"},
		},
	}
}

func (h *Handlers) appView(r *http.Request, poll bool) (AppView, error) {
	ctx := r.Context()
	lang := middleware.Lang(ctx)
	q := r.URL.Query()
	sel := parseSelection(q)
	res := h.resolve(ctx, sel, poll, reselected(q, sel))

	view := AppView{Lang: lang}
	if err := h.dir.Err(); err != nil {
		view.DirectoryError = h.messages.Tf(lang, "error.directory", h.reason(lang, err))
	}
	sel = res.sel
	for _, p := range h.dir.Prefectures() {
		view.Prefectures = append(view.Prefectures, PrefectureOption{
			Code:      p.Code,
			Name:      p.Name,
			Checked:   sel.Has(p.Code),
			ToggleURL: sel.ToggleRequestURL("/chart", p.Code),
			PageURL:   sel.ToggleURL("/", p.Code),
		})
	}
	for _, c := range selection.Categories() {
		view.Categories = append(view.Categories, CategoryOption{
			Key:     c.Key(),
			Label:   h.messages.T(lang, "category."+c.Key()),
			Checked: sel.Category() == c,
			URL:     sel.CategoryURL("/chart", c),
			PageURL: sel.CategoryURL("/", c),
		})
	}

	chartView, err := h.chartView(ctx, lang, res, parseSize(q))
	if err != nil {
		return view, err
	}
	view.Chart = chartView
	return view, nil
}

// Home renders the full page. htmx requests get the app fragment only.
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	app, err := h.appView(r, false)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	if middleware.IsHTMX(r.Context()) {
		h.fragment(w, r, app)
		return
	}
	data := h.page(r, "")
	data.App = &app
	if err := h.render.Page(w, http.StatusOK, "home", data); err != nil {
		h.serverError(w, r, err)
	}
}

// Chart renders the app fragment for a selection change or a poll
// (poll=1). Direct navigation is redirected to the full page.
func (h *Handlers) Chart(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsHTMX(r.Context()) {
		sel := parseSelection(r.URL.Query())
		http.Redirect(w, r, sel.URL("/"), http.StatusSeeOther)
		return
	}
	app, err := h.appView(r, r.URL.Query().Get("poll") == "1")
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.fragment(w, r, app)
}

func (h *Handlers) fragment(w http.ResponseWriter, r *http.Request, app AppView) {
	if err := h.render.Fragment(w, http.StatusOK, "app", app); err != nil {
		h.serverError(w, r, err)
	}
}

// About renders the markdown page describing the data.
func (h *Handlers) About(w http.ResponseWriter, r *http.Request) {
	data := h.page(r, "nav.about")
	page, err := h.content.Page("about", data.Lang)
	status := http.StatusOK
	switch {
	case errors.Is(err, cms.ErrNotFound):
		status = http.StatusNotFound
		data.Message = h.messages.T(data.Lang, "about.missing")
	case err != nil:
		h.serverError(w, r, err)
		return
	default:
		data.Content = &page
		data.Description = page.Summary
	}
	if err := h.render.Page(w, status, "about", data); err != nil {
		h.serverError(w, r, err)
	}
}
