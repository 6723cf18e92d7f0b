package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/AY-49047/yumemi-test/internal/httpx"
	"github.com/AY-49047/yumemi-test/internal/merge"
	"github.com/AY-49047/yumemi-test/internal/middleware"
	"github.com/AY-49047/yumemi-test/internal/population"
	"github.com/AY-49047/yumemi-test/internal/resas"
	"github.com/AY-49047/yumemi-test/internal/selection"
)

type prefecturesResponse struct {
	Prefectures []population.Prefecture `json:"prefectures"`
}

// APIPrefectures returns the loaded directory.
func (h *Handlers) APIPrefectures(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.Err(); err != nil {
		lang := middleware.Lang(r.Context())
		httpx.WriteError(r.Context(), w, upstreamError("directory_unavailable",
			h.messages.Tf(lang, "error.directory", h.reason(lang, err)), err))
		return
	}
	prefs := h.dir.Prefectures()
	if prefs == nil {
		prefs = []population.Prefecture{}
	}
	httpx.WriteJSON(w, http.StatusOK, prefecturesResponse{Prefectures: prefs})
}

type chartResponse struct {
	State    ChartState         `json:"state"`
	Category selection.Category `json:"category"`
	Years    []int              `json:"years"`
	Rows     []merge.Row        `json:"rows"`
	Pending  []int              `json:"pending"`
	Errors   []httpx.Failure    `json:"errors"`
}

// APIChart returns the merged chart data for the selection in the query.
// Absent values are encoded as null. When every selected prefecture failed
// there is nothing to chart and the response is an upstream error listing
// them.
func (h *Handlers) APIChart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := middleware.Lang(ctx)
	q := r.URL.Query()
	sel := parseSelection(q)
	res := h.resolve(ctx, sel, q.Get("poll") == "1", reselected(q, sel))

	resp := chartResponse{
		State:    res.state,
		Category: res.data.Category,
		Years:    res.data.Years,
		Rows:     res.data.Rows,
		Pending:  res.pending(),
		Errors:   []httpx.Failure{},
	}
	if resp.Pending == nil {
		resp.Pending = []int{}
	}
	failed := res.failures()
	for _, code := range failed {
		resp.Errors = append(resp.Errors, httpx.Failure{
			Code:    code,
			Label:   h.prefName(code),
			Message: h.reason(lang, res.snap.Failures[code]),
		})
	}
	if len(failed) > 0 && len(failed) == res.sel.Len() {
		httpx.WriteError(ctx, w, upstreamError("compositions_unavailable",
			h.messages.T(lang, "error.compositions"), res.snap.Failures[failed[0]]).WithFailures(resp.Errors))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// upstreamError maps a population API failure to 502, or 504 when the fetch
// timed out, and records what the API answered.
func upstreamError(code, message string, err error) httpx.Error {
	e := httpx.NewError(code, message, http.StatusBadGateway)
	var status *resas.StatusError
	var envelope *resas.UpstreamError
	switch {
	case errors.As(err, &status):
		e = e.WithUpstream(httpx.Upstream{Endpoint: status.Endpoint, Status: status.StatusCode, Message: status.StatusText})
	case errors.As(err, &envelope):
		e = e.WithUpstream(httpx.Upstream{Endpoint: envelope.Endpoint, Message: envelope.Message})
	case errors.Is(err, context.DeadlineExceeded):
		e.Status = http.StatusGatewayTimeout
	}
	return e
}
