// Package chart draws merged population data as an SVG line chart.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/AY-49047/yumemi-test/internal/format"
	"github.com/AY-49047/yumemi-test/internal/merge"
)

// ErrClosed is returned by a Canvas used after Close.
var ErrClosed = errors.New("chart: canvas closed")

const (
	minSide = 160
	maxSide = 4096
)

// Size is the output size in points.
type Size struct {
	Width  int
	Height int
}

// DefaultSize matches the chart box of the page layout.
var DefaultSize = Size{Width: 720, Height: 400}

// Clamp keeps both sides inside the supported range, substituting the default
// for unset sides.
func (s Size) Clamp() Size {
	if s.Width <= 0 {
		s.Width = DefaultSize.Width
	}
	if s.Height <= 0 {
		s.Height = DefaultSize.Height
	}
	s.Width = min(max(s.Width, minSide), maxSide)
	s.Height = min(max(s.Height, minSide), maxSide)
	return s
}

// Labels holds the user-visible strings drawn on the chart.
type Labels struct {
	XAxis       string
	YAxis       string
	Placeholder string
	Lang        string
}

// DefaultLabels are the Japanese chart strings.
var DefaultLabels = Labels{
	XAxis:       "年度",
	YAxis:       "人口数",
	Placeholder: "都道府県を選択してください",
	Lang:        "ja",
}

// Option customises a Canvas.
type Option func(*Canvas)

// WithLabels replaces the axis and placeholder strings. Empty fields keep
// their defaults.
func WithLabels(l Labels) Option {
	return func(c *Canvas) {
		if l.XAxis != "" {
			c.labels.XAxis = l.XAxis
		}
		if l.YAxis != "" {
			c.labels.YAxis = l.YAxis
		}
		if l.Placeholder != "" {
			c.labels.Placeholder = l.Placeholder
		}
		if l.Lang != "" {
			c.labels.Lang = l.Lang
		}
	}
}

// Canvas owns one plot at a time. Every Render replaces the whole plot, so no
// series from an earlier selection survives. A Canvas is not safe for
// concurrent use; callers acquire one per render and Close it when done.
type Canvas struct {
	size        Size
	labels      Labels
	plot        *plot.Plot
	placeholder bool
	closed      bool
}

// NewCanvas returns an empty canvas of the given size.
func NewCanvas(size Size, opts ...Option) *Canvas {
	c := &Canvas{size: size.Clamp(), labels: DefaultLabels}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Size returns the size applied on the next write.
func (c *Canvas) Size() Size { return c.size }

// Resize changes the output size; it takes effect on the next WriteTo.
func (c *Canvas) Resize(size Size) {
	c.size = size.Clamp()
}

// Placeholder reports whether the canvas currently shows the selection prompt
// instead of data.
func (c *Canvas) Placeholder() bool {
	return c.plot == nil || c.placeholder
}

// Render replaces the canvas content with data. Data without rows clears the
// chart and shows the placeholder prompt.
func (c *Canvas) Render(data merge.Data) error {
	if c.closed {
		return ErrClosed
	}
	c.dispose()

	if data.Empty() || len(data.Years) == 0 {
		return c.renderPlaceholder()
	}

	p := plot.New()
	p.X.Label.Text = c.labels.XAxis
	p.Y.Label.Text = c.labels.YAxis
	p.Y.Tick.Marker = valueTicks{lang: c.labels.Lang}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	years := make([]string, len(data.Years))
	for i, year := range data.Years {
		years[i] = fmt.Sprintf("%d", year)
	}
	p.NominalX(years...)

	for i, row := range data.Rows {
		legend := false
		for _, seg := range segments(row.Values) {
			line, points, err := plotter.NewLinePoints(seg)
			if err != nil {
				return fmt.Errorf("chart: series %q: %w", row.Label, err)
			}
			styleSeries(i, line, points)
			p.Add(line, points)
			if !legend {
				p.Legend.Add(row.Label, line, points)
				legend = true
			}
		}
	}
	if p.Y.Min > 0 {
		p.Y.Min = 0
	}

	c.plot = p
	return nil
}

// WriteTo writes the current content as SVG. A canvas that was never rendered
// writes the placeholder.
func (c *Canvas) WriteTo(w io.Writer) (int64, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if c.plot == nil {
		if err := c.renderPlaceholder(); err != nil {
			return 0, err
		}
	}
	wt, err := c.plot.WriterTo(vg.Points(float64(c.size.Width)), vg.Points(float64(c.size.Height)), "svg")
	if err != nil {
		return 0, fmt.Errorf("chart: encode svg: %w", err)
	}
	return wt.WriteTo(w)
}

// SVG returns the current content as an <svg> element without the XML
// prolog, ready to be inlined in HTML.
func (c *Canvas) SVG() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if i := bytes.Index(out, []byte("<svg")); i > 0 {
		out = out[i:]
	}
	return out, nil
}

// Close releases the plot. It is safe to call more than once.
func (c *Canvas) Close() error {
	c.dispose()
	c.closed = true
	return nil
}

func (c *Canvas) dispose() {
	c.plot = nil
	c.placeholder = false
}

func (c *Canvas) renderPlaceholder() error {
	p := plot.New()
	p.HideAxes()
	prompt, err := plotter.NewLabels(plotter.XYLabels{
		XYs:    []plotter.XY{{X: 0, Y: 0}},
		Labels: []string{c.labels.Placeholder},
	})
	if err != nil {
		return fmt.Errorf("chart: placeholder: %w", err)
	}
	for i := range prompt.TextStyle {
		prompt.TextStyle[i].XAlign = draw.XCenter
		prompt.TextStyle[i].YAlign = draw.YCenter
		prompt.TextStyle[i].Font.Size = vg.Points(16)
	}
	p.Add(prompt)
	c.plot = p
	c.placeholder = true
	return nil
}

// segments splits a row into runs of present values. Absent years break the
// line instead of dropping to zero.
func segments(values []merge.Value) []plotter.XYs {
	var out []plotter.XYs
	var cur plotter.XYs
	for i, v := range values {
		if !v.OK {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, plotter.XY{X: float64(i), Y: v.V})
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// styleSeries alternates solid and dashed lines so neighbouring series stay
// distinguishable without colour.
func styleSeries(i int, line *plotter.Line, points *plotter.Scatter) {
	col := plotutil.Color(i)
	line.LineStyle.Color = col
	line.LineStyle.Width = vg.Points(2)
	if i%2 == 1 {
		line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
	}
	points.GlyphStyle.Color = col
	points.GlyphStyle.Shape = draw.CircleGlyph{}
	points.GlyphStyle.Radius = vg.Points(2)
}

type valueTicks struct {
	lang string
}

// Ticks relabels the default ticks with abbreviated population values.
func (t valueTicks) Ticks(min, max float64) []plot.Tick {
	ticks := plot.DefaultTicks{}.Ticks(min, max)
	for i := range ticks {
		if ticks[i].Label == "" {
			continue
		}
		ticks[i].Label = format.AxisValue(ticks[i].Value, t.lang)
	}
	return ticks
}
