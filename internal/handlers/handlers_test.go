package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/AY-49047/yumemi-test/internal/cms"
	"github.com/AY-49047/yumemi-test/internal/i18n"
	"github.com/AY-49047/yumemi-test/internal/population"
	"github.com/AY-49047/yumemi-test/internal/resas"
)

type fakeUpstream struct {
	mu       sync.Mutex
	prefs    []population.Prefecture
	prefErr  error
	data     map[int]population.Composition
	errs     map[int]error
	calls    map[int]int
	gate     chan struct{}
	gateCode int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		prefs: []population.Prefecture{
			{Code: 1, Name: "北海道"},
			{Code: 2, Name: "青森県"},
			{Code: 3, Name: "岩手県"},
		},
		data: map[int]population.Composition{
			1: {BoundaryYear: 2015, Series: []population.Series{
				{Label: "総人口", Points: []population.Point{{Year: 2015, Value: 100}, {Year: 2020, Value: 110}}},
				{Label: "年少人口", Points: []population.Point{{Year: 2015, Value: 12}, {Year: 2020, Value: 11}}},
			}},
			2: {BoundaryYear: 2015, Series: []population.Series{
				{Label: "総人口", Points: []population.Point{{Year: 2020, Value: 50}}},
			}},
			3: {BoundaryYear: 2015, Series: []population.Series{
				{Label: "総人口", Points: []population.Point{{Year: 2015, Value: 30}, {Year: 2020, Value: 29}}},
			}},
		},
		errs:  map[int]error{},
		calls: map[int]int{},
	}
}

func (f *fakeUpstream) Prefectures(context.Context) ([]population.Prefecture, error) {
	return f.prefs, f.prefErr
}

func (f *fakeUpstream) Composition(ctx context.Context, code int) (population.Composition, error) {
	f.mu.Lock()
	f.calls[code]++
	gate := f.gate
	gated := f.gateCode == code
	f.mu.Unlock()

	if gate != nil && gated {
		select {
		case <-gate:
		case <-ctx.Done():
			return population.Composition{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[code]; err != nil {
		return population.Composition{}, err
	}
	return f.data[code], nil
}

func (f *fakeUpstream) callCount(code int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

type testApp struct {
	server   *httptest.Server
	upstream *fakeUpstream
	cache    *population.Cache
}

func newTestApp(t *testing.T, upstream *fakeUpstream, wait time.Duration) *testApp {
	t.Helper()

	bundle, err := i18n.Load("../../locales", "ja", []string{"ja", "en"})
	require.NoError(t, err)

	dir := population.NewDirectory(upstream)
	_, _ = dir.Load(context.Background())
	cache := population.NewCache(upstream)

	h, err := New(Config{
		Directory:    dir,
		Cache:        cache,
		Messages:     bundle,
		Content:      cms.NewStore("../../content", "ja"),
		TemplatesDir: "../../templates",
		PublicDir:    "../../public",
		FetchWait:    wait,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		cache.Wait()
	})
	return &testApp{server: srv, upstream: upstream, cache: cache}
}

func (a *testApp) get(t *testing.T, path string, htmx bool) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	require.NoError(t, err)
	if htmx {
		req.Header.Set("HX-Request", "true")
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func parseHTML(t *testing.T, body []byte) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	require.NoError(t, err)
	return doc
}

func TestHomeShowsChecklistAndPlaceholder(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)

	require.Equal(t, "都道府県別 人口推移", doc.Find("title").Text())
	require.Equal(t, 3, doc.Find(`input[name="pref"]`).Length())
	require.Equal(t, 0, doc.Find(`input[name="pref"][checked]`).Length())
	require.Equal(t, 4, doc.Find(`input[name="cat"]`).Length())
	require.Equal(t, "total", doc.Find(`input[name="cat"][checked]`).AttrOr("value", ""))

	chart := doc.Find("#chart")
	require.Equal(t, "empty", chart.AttrOr("data-state", ""))
	require.Equal(t, "都道府県を選択してください", strings.TrimSpace(chart.Find(".placeholder").Text()))
	require.Equal(t, 0, chart.Find("svg").Length(), "placeholder must not draw an empty axis")
	require.Equal(t, 0, app.upstream.callCount(1))
}

func TestHomeWithSelectionAlignsRows(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	_, body := app.get(t, "/?pref=1&pref=2&cat=total", false)
	doc := parseHTML(t, body)

	chart := doc.Find("#chart")
	require.Equal(t, "populated", chart.AttrOr("data-state", ""))
	require.Equal(t, 1, chart.Find("figure svg").Length())
	require.Equal(t, 0, chart.Find(".placeholder").Length())

	var years []string
	chart.Find("thead th").Each(func(_ int, s *goquery.Selection) {
		if txt := strings.TrimSpace(s.Text()); txt != "" {
			years = append(years, txt)
		}
	})
	require.Equal(t, []string{"2015年", "2020年"}, years)

	rows := chart.Find("tbody tr")
	require.Equal(t, 2, rows.Length())
	require.Equal(t, "北海道", rows.Eq(0).Find("th").Text())
	require.Equal(t, []string{"100人", "110人"}, cells(rows.Eq(0)))
	require.Equal(t, "青森県", rows.Eq(1).Find("th").Text())
	require.Equal(t, []string{"-", "50人"}, cells(rows.Eq(1)))

	require.Equal(t, 2, doc.Find(`input[name="pref"][checked]`).Length())
}

func cells(row *goquery.Selection) []string {
	var out []string
	row.Find("td").Each(func(_ int, s *goquery.Selection) {
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out
}

func TestChartFragmentAppliesToggle(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/chart?pref=1&toggle=2", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, string(body), "<html")
	doc := parseHTML(t, body)

	require.Equal(t, 1, doc.Find("#app").Length())
	checked := doc.Find(`input[name="pref"][checked]`)
	require.Equal(t, 2, checked.Length())

	first := doc.Find(`input[name="pref"][value="1"]`)
	require.Equal(t, "/chart?cat=total&pref=1&pref=2&toggle=1", first.AttrOr("hx-get", ""))
	require.Equal(t, "/?cat=total&pref=2", first.AttrOr("hx-push-url", ""))
	third := doc.Find(`input[name="pref"][value="3"]`)
	require.Equal(t, "/chart?cat=total&pref=1&pref=2&toggle=3", third.AttrOr("hx-get", ""))
	require.Equal(t, "/?cat=total&pref=1&pref=2&pref=3", third.AttrOr("hx-push-url", ""))

	elderly := doc.Find(`input[name="cat"][value="elderly"]`)
	require.Equal(t, "/chart?cat=elderly&pref=1&pref=2", elderly.AttrOr("hx-get", ""))
}

func TestChartRedirectsDirectNavigation(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, _ := app.get(t, "/chart?pref=1&poll=1", false)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/?cat=total&pref=1", resp.Header.Get("Location"))
}

func TestFailedFetchShowsOneBannerPerCode(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[2] = &resas.StatusError{Endpoint: "composition", StatusCode: 500, StatusText: "Internal Server Error"}
	app := newTestApp(t, upstream, 2*time.Second)

	_, body := app.get(t, "/?pref=1&pref=2&pref=3", false)
	doc := parseHTML(t, body)

	chart := doc.Find("#chart")
	require.Equal(t, "errored", chart.AttrOr("data-state", ""))
	banners := chart.Find(".banner-error")
	require.Equal(t, 1, banners.Length())
	require.Contains(t, banners.Text(), "青森県")
	require.Contains(t, banners.Text(), "HTTP 500 Internal Server Error")

	rows := chart.Find("tbody tr")
	require.Equal(t, 2, rows.Length())
	require.Equal(t, "北海道", rows.Eq(0).Find("th").Text())
	require.Equal(t, "岩手県", rows.Eq(1).Find("th").Text())
}

func TestReselectingUsesCache(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	app.get(t, "/?pref=1", false)
	app.get(t, "/chart?pref=1&toggle=1", true)
	app.get(t, "/chart?toggle=1", true)

	require.Equal(t, 1, app.upstream.callCount(1))
}

func TestFailedFetchIsRetriedOnReselect(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[2] = &resas.StatusError{Endpoint: "composition", StatusCode: 503, StatusText: "Service Unavailable"}
	app := newTestApp(t, upstream, 2*time.Second)

	app.get(t, "/?pref=2", false)
	upstream.mu.Lock()
	delete(upstream.errs, 2)
	upstream.mu.Unlock()

	_, body := app.get(t, "/chart?pref=2", true)
	doc := parseHTML(t, body)
	require.Equal(t, "errored", doc.Find("#chart").AttrOr("data-state", ""))
	require.Equal(t, 1, upstream.callCount(2), "a plain refresh keeps the failure")

	app.get(t, "/chart?pref=2&toggle=2", true)
	_, body = app.get(t, "/chart?toggle=2", true)
	doc = parseHTML(t, body)
	require.Equal(t, "populated", doc.Find("#chart").AttrOr("data-state", ""))
	require.Equal(t, 2, upstream.callCount(2))
}

func TestCategorySwitchKeepsFailure(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[2] = &resas.StatusError{Endpoint: "composition", StatusCode: 500, StatusText: "Internal Server Error"}
	app := newTestApp(t, upstream, 2*time.Second)

	app.get(t, "/?pref=1&pref=2", false)
	require.Equal(t, 1, upstream.callCount(2))

	_, body := app.get(t, "/chart?pref=1&pref=2&cat=youth", true)
	doc := parseHTML(t, body)
	chart := doc.Find("#chart")
	require.Equal(t, "errored", chart.AttrOr("data-state", ""))
	require.Equal(t, 1, chart.Find(".banner-error").Length())
	require.Equal(t, 1, upstream.callCount(2), "category change must not retry")

	resp, _ := app.get(t, "/chart.svg?pref=1&pref=2&cat=youth", false)
	require.Equal(t, "errored", resp.Header.Get("X-Chart-State"))
	require.Equal(t, 1, upstream.callCount(2), "svg link must not retry")

	app.get(t, "/api/chart?pref=1&pref=2", false)
	require.Equal(t, 1, upstream.callCount(2))
	require.Equal(t, 1, upstream.callCount(1))
}

func TestLoadingStatePollsUntilFetched(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.gate = make(chan struct{})
	upstream.gateCode = 2
	app := newTestApp(t, upstream, 50*time.Millisecond)

	_, body := app.get(t, "/?pref=1&pref=2", false)
	doc := parseHTML(t, body)
	chart := doc.Find("#chart")
	require.Equal(t, "loading", chart.AttrOr("data-state", ""))
	require.Equal(t, "/chart?cat=total&pref=1&pref=2&poll=1", chart.AttrOr("hx-get", ""))
	require.Equal(t, 1, chart.Find(".loading").Length())
	require.Equal(t, 1, chart.Find("tbody tr").Length(), "ready rows stay visible while loading")

	close(upstream.gate)
	app.cache.Wait()

	_, body = app.get(t, "/chart?pref=1&pref=2&poll=1", true)
	doc = parseHTML(t, body)
	chart = doc.Find("#chart")
	require.Equal(t, "populated", chart.AttrOr("data-state", ""))
	_, polling := chart.Attr("hx-get")
	require.False(t, polling)
	require.Equal(t, 2, chart.Find("tbody tr").Length())
	require.Equal(t, 1, upstream.callCount(2))
}

func TestPollDoesNotRetryFailure(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[3] = &resas.StatusError{Endpoint: "composition", StatusCode: 500, StatusText: "Internal Server Error"}
	app := newTestApp(t, upstream, 2*time.Second)

	app.get(t, "/?pref=3", false)
	_, body := app.get(t, "/chart?pref=3&poll=1", true)
	doc := parseHTML(t, body)
	require.Equal(t, "errored", doc.Find("#chart").AttrOr("data-state", ""))
	require.Equal(t, 1, upstream.callCount(3))
}

func TestCategoryFallbackIsSilent(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	_, body := app.get(t, "/?pref=1&pref=2&cat=youth", false)
	doc := parseHTML(t, body)
	chart := doc.Find("#chart")
	require.Equal(t, "populated", chart.AttrOr("data-state", ""))
	require.Equal(t, 0, chart.Find(".banner-error").Length())
	rows := chart.Find("tbody tr")
	require.Equal(t, []string{"12人", "11人"}, cells(rows.Eq(0)))
	require.Equal(t, []string{"-", "50人"}, cells(rows.Eq(1)))
}

func TestDirectoryFailureShowsBanner(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.prefErr = &resas.StatusError{Endpoint: "prefectures", StatusCode: 403, StatusText: "Forbidden"}
	app := newTestApp(t, upstream, 2*time.Second)

	_, body := app.get(t, "/", false)
	doc := parseHTML(t, body)
	banner := doc.Find(".prefectures .banner-error")
	require.Equal(t, 1, banner.Length())
	require.Contains(t, banner.Text(), "HTTP 403 Forbidden")
	require.Equal(t, 0, doc.Find(`input[name="pref"]`).Length())
	require.Equal(t, 4, doc.Find(`input[name="cat"]`).Length(), "category selector stays usable")

	resp, raw := app.get(t, "/api/prefectures", false)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, "directory_unavailable", payload["error"])
	require.Equal(t, map[string]any{"endpoint": "prefectures", "status": float64(403), "message": "Forbidden"}, payload["upstream"])
}

func TestAPIChartAllFailedIsUpstreamError(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[2] = &resas.StatusError{Endpoint: "composition", StatusCode: 503, StatusText: "Service Unavailable"}
	upstream.errs[3] = &resas.StatusError{Endpoint: "composition", StatusCode: 404, StatusText: "Not Found"}
	app := newTestApp(t, upstream, 2*time.Second)

	resp, raw := app.get(t, "/api/chart?pref=2&pref=3", false)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var payload struct {
		Error    string `json:"error"`
		Upstream struct {
			Endpoint string `json:"endpoint"`
			Status   int    `json:"status"`
		} `json:"upstream"`
		Failed []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, "compositions_unavailable", payload.Error)
	require.Equal(t, "composition", payload.Upstream.Endpoint)
	require.Equal(t, 503, payload.Upstream.Status)
	require.Len(t, payload.Failed, 2)
	require.Equal(t, 2, payload.Failed[0].Code)
	require.Equal(t, "HTTP 404 Not Found", payload.Failed[1].Message)
}

func TestAPIPrefectures(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, raw := app.get(t, "/api/prefectures", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"prefectures":[
		{"code":1,"name":"北海道"},{"code":2,"name":"青森県"},{"code":3,"name":"岩手県"}
	]}`, string(raw))
}

func TestAPIChartEncodesAbsentAsNull(t *testing.T) {
	upstream := newFakeUpstream()
	upstream.errs[3] = &resas.StatusError{Endpoint: "composition", StatusCode: 404, StatusText: "Not Found"}
	app := newTestApp(t, upstream, 2*time.Second)

	resp, raw := app.get(t, "/api/chart?pref=1&pref=2&pref=3&cat=total", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{
		"state": "errored",
		"category": "総人口",
		"years": [2015, 2020],
		"rows": [
			{"code": 1, "label": "北海道", "series": "総人口", "values": [100, 110]},
			{"code": 2, "label": "青森県", "series": "総人口", "values": [null, 50]}
		],
		"pending": [],
		"errors": [{"code": 3, "label": "岩手県", "message": "HTTP 404 Not Found"}]
	}`, string(raw))
}

func TestAPIChartEmptySelection(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	_, raw := app.get(t, "/api/chart", false)
	require.JSONEq(t, `{"state":"empty","category":"総人口","years":[],"rows":[],"pending":[],"errors":[]}`, string(raw))
}

func TestChartSVG(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/chart.svg?pref=1&w=800&h=500", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	require.Equal(t, "populated", resp.Header.Get("X-Chart-State"))
	require.Contains(t, string(body), "<svg")

	resp, body = app.get(t, "/chart.svg", false)
	require.Equal(t, "empty", resp.Header.Get("X-Chart-State"))
	require.Contains(t, string(body), "<svg")
}

func TestAboutPage(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/about", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := parseHTML(t, body)
	require.Equal(t, "データについて", doc.Find("article h1").Text())
	require.Greater(t, doc.Find("article h2").Length(), 0)

	_, body = app.get(t, "/about?hl=en", false)
	doc = parseHTML(t, body)
	require.Equal(t, "About the data", doc.Find("article h1").Text())
	require.Equal(t, "en", doc.Find("html").AttrOr("lang", ""))
}

func TestHealthzAndMetrics(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/healthz", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	app.get(t, "/?pref=1", false)
	resp, body = app.get(t, "/metrics", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "popchart_composition_cache_lookups_total")
}

func TestAssetsServed(t *testing.T) {
	app := newTestApp(t, newFakeUpstream(), 2*time.Second)

	resp, body := app.get(t, "/assets/app.css", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("ETag"))
	require.Contains(t, string(body), ".chart")
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	bundle, err := i18n.Load("../../locales", "ja", []string{"ja", "en"})
	require.NoError(t, err)
	upstream := newFakeUpstream()
	_, err = New(Config{
		Directory:    population.NewDirectory(upstream),
		Cache:        population.NewCache(upstream),
		Messages:     bundle,
		TemplatesDir: "../../templates",
	})
	require.ErrorContains(t, err, "fetch wait")
}

func TestUpstreamErrorMapsFetchFailures(t *testing.T) {
	cause := &population.CompositionFetchError{Code: 13, Err: &resas.StatusError{
		Endpoint: "composition", StatusCode: 429, StatusText: "Too Many Requests",
	}}
	e := upstreamError("compositions_unavailable", "failed", cause)
	require.Equal(t, http.StatusBadGateway, e.Status)
	require.Equal(t, "composition", e.Upstream.Endpoint)
	require.Equal(t, 429, e.Upstream.Status)

	e = upstreamError("directory_unavailable", "failed", &population.DirectoryFetchError{
		Err: &resas.UpstreamError{Endpoint: "prefectures", Message: "Forbidden."},
	})
	require.Equal(t, "Forbidden.", e.Upstream.Message)
	require.Zero(t, e.Upstream.Status)

	e = upstreamError("compositions_unavailable", "failed", fmt.Errorf("fetch: %w", context.DeadlineExceeded))
	require.Equal(t, http.StatusGatewayTimeout, e.Status)
	require.Nil(t, e.Upstream)
}
