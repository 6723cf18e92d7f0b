package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/AY-49047/yumemi-test/internal/chart"
	"github.com/AY-49047/yumemi-test/internal/format"
	"github.com/AY-49047/yumemi-test/internal/merge"
	"github.com/AY-49047/yumemi-test/internal/middleware"
	"github.com/AY-49047/yumemi-test/internal/observability"
	"github.com/AY-49047/yumemi-test/internal/population"
	"github.com/AY-49047/yumemi-test/internal/resas"
	"github.com/AY-49047/yumemi-test/internal/selection"
)

// ChartState is the user-visible state of the chart area.
type ChartState int

const (
	// StateEmpty: nothing selected, the placeholder is shown.
	StateEmpty ChartState = iota
	// StateLoading: at least one selected prefecture is still being fetched.
	// Rows already available stay on screen.
	StateLoading
	// StatePopulated: every selected prefecture is charted.
	StatePopulated
	// StateErrored: at least one selected prefecture failed. The other rows
	// stay on screen below the error banner.
	StateErrored
)

func (s ChartState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePopulated:
		return "populated"
	case StateErrored:
		return "errored"
	default:
		return "empty"
	}
}

// MarshalText encodes the state by name.
func (s ChartState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// resolution is one pass of fetch, snapshot and merge for a selection.
type resolution struct {
	sel   selection.Selection
	snap  population.Snapshot
	data  merge.Data
	state ChartState
}

// pending lists still-fetching codes in selection order.
func (r resolution) pending() []int {
	var out []int
	for _, code := range r.sel.Codes() {
		if r.snap.Pending[code] {
			out = append(out, code)
		}
	}
	return out
}

// failures lists failed codes in selection order.
func (r resolution) failures() []int {
	var out []int
	for _, code := range r.sel.Codes() {
		if _, ok := r.snap.Failures[code]; ok {
			out = append(out, code)
		}
	}
	return out
}

// parseSelection reads pref/cat and applies an optional toggle=<code>.
func parseSelection(q url.Values) selection.Selection {
	sel := selection.ParseQuery(q)
	if raw := q.Get("toggle"); raw != "" {
		if code, err := strconv.Atoi(raw); err == nil {
			sel = sel.Toggle(code)
		}
	}
	return sel
}

// reselected returns the code the request toggled on, if any. Only a
// reselect retries a failed fetch.
func reselected(q url.Values, sel selection.Selection) []int {
	code, err := strconv.Atoi(q.Get("toggle"))
	if err != nil || !sel.Has(code) {
		return nil
	}
	return []int{code}
}

func parseSize(q url.Values) chart.Size {
	w, _ := strconv.Atoi(q.Get("w"))
	h, _ := strconv.Atoi(q.Get("h"))
	return chart.Size{Width: w, Height: h}.Clamp()
}

// resolve starts fetches for selected codes never tried before, waiting at
// most the configured fetch wait, and merges whatever is cached afterwards.
// Failed codes are refetched only when listed in retry. A poll only waits for
// fetches already in flight; it never starts or retries one.
func (h *Handlers) resolve(ctx context.Context, sel selection.Selection, poll bool, retry []int) resolution {
	if len(h.dir.Prefectures()) > 0 {
		sel = sel.Retain(h.dir.Has)
	}
	codes := sel.Codes()
	if len(codes) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, h.wait)
		if poll {
			_ = h.cache.Await(waitCtx, codes)
		} else {
			h.cache.Fill(waitCtx, codes, retry...)
		}
		cancel()
	}

	snap := h.cache.Snapshot(codes)
	data := merge.Merge(snap, h.dir, sel)
	logger := observability.FromContext(ctx)
	for _, fb := range data.Fallbacks {
		logger.Warn("category missing from composition, charting first series",
			zap.Int("pref_code", fb.Code),
			zap.String("requested", fb.Requested.Label()),
			zap.String("used", fb.Used),
		)
	}

	res := resolution{sel: sel, snap: snap, data: data}
	switch {
	case sel.Empty():
		res.state = StateEmpty
	case len(snap.Pending) > 0:
		res.state = StateLoading
	case len(snap.Failures) > 0:
		res.state = StateErrored
	case data.Empty():
		res.state = StateEmpty
	default:
		res.state = StatePopulated
	}
	return res
}

// ChartView is the view model of the chart area.
type ChartView struct {
	Lang            string
	State           ChartState
	Placeholder     bool
	PlaceholderText string
	SVG             template.HTML
	SVGURL          string
	PollURL         string
	Loading         bool
	LoadingText     string
	Errors          []string
	Caption         string
	Years           []string
	Rows            []TableRow
	Live            string
}

// TableRow is one prefecture's values formatted for the data table.
type TableRow struct {
	Label string
	Cells []string
}

func (h *Handlers) chartLabels(lang string) chart.Labels {
	return chart.Labels{
		XAxis:       h.messages.T(lang, "chart.x_axis"),
		YAxis:       h.messages.T(lang, "chart.y_axis"),
		Placeholder: h.messages.T(lang, "chart.placeholder"),
		Lang:        lang,
	}
}

// chartView renders the merged data with a fresh canvas that is released
// before returning.
func (h *Handlers) chartView(ctx context.Context, lang string, res resolution, size chart.Size) (ChartView, error) {
	view := ChartView{
		Lang:            lang,
		State:           res.state,
		PlaceholderText: h.messages.T(lang, "chart.placeholder"),
		LoadingText:     h.messages.T(lang, "chart.loading"),
		Loading:         res.state == StateLoading,
	}

	canvas := chart.NewCanvas(size, chart.WithLabels(h.chartLabels(lang)))
	defer canvas.Close()
	if err := canvas.Render(res.data); err != nil {
		return view, err
	}
	view.Placeholder = canvas.Placeholder()
	if !view.Placeholder {
		svg, err := canvas.SVG()
		if err != nil {
			return view, err
		}
		// gonum's SVG writer escapes every text node it emits
		view.SVG = template.HTML(svg)
		view.SVGURL = res.sel.URL("/chart.svg")
	}

	if view.Loading {
		view.PollURL = res.sel.URL("/chart") + "&poll=1"
	}
	for _, code := range res.failures() {
		view.Errors = append(view.Errors, h.messages.Tf(lang, "error.composition",
			h.prefName(code), h.reason(lang, res.snap.Failures[code])))
	}

	cat := h.messages.T(lang, "category."+res.data.Category.Key())
	view.Caption = h.messages.Tf(lang, "chart.table_caption", cat)
	for _, y := range res.data.Years {
		view.Years = append(view.Years, format.Year(y, lang))
	}
	absent := h.messages.T(lang, "chart.absent")
	for _, row := range res.data.Rows {
		tr := TableRow{Label: row.Label, Cells: make([]string, len(row.Values))}
		for i, v := range row.Values {
			if !v.OK {
				tr.Cells[i] = absent
				continue
			}
			tr.Cells[i] = format.People(v.V, lang)
		}
		view.Rows = append(view.Rows, tr)
	}
	view.Live = h.messages.Tf(lang, "chart.live", len(res.data.Rows))
	return view, nil
}

func (h *Handlers) prefName(code int) string {
	if name, ok := h.dir.Name(code); ok {
		return name
	}
	return strconv.Itoa(code)
}

// reason turns a fetch failure into the short text shown in the banner.
func (h *Handlers) reason(lang string, err error) string {
	var status *resas.StatusError
	switch {
	case errors.As(err, &status):
		return fmt.Sprintf("HTTP %d %s", status.StatusCode, status.StatusText)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return h.messages.T(lang, "error.generic")
	}
}

// ChartSVG serves the chart alone as an SVG document.
func (h *Handlers) ChartSVG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := middleware.Lang(ctx)
	q := r.URL.Query()
	res := h.resolve(ctx, parseSelection(q), false, nil)

	canvas := chart.NewCanvas(parseSize(q), chart.WithLabels(h.chartLabels(lang)))
	defer canvas.Close()
	if err := canvas.Render(res.data); err != nil {
		h.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("X-Chart-State", res.state.String())
	if _, err := canvas.WriteTo(w); err != nil {
		observability.FromContext(ctx).Warn("chart svg write failed", zap.Error(err))
	}
}

func (h *Handlers) serverError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).Error("render failed", zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
