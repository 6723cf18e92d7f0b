// Package population holds the prefecture directory and the per-prefecture
// population composition cache that feed the chart.
package population

// Prefecture is one entry of the prefecture directory.
type Prefecture struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// Point is a single yearly observation.
type Point struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
}

// Series is one category's time series ordered by year ascending.
type Series struct {
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}

// Composition groups every category series published for a prefecture.
type Composition struct {
	BoundaryYear int      `json:"boundaryYear"`
	Series       []Series `json:"series"`
}

// Lookup returns the series labelled label.
func (c Composition) Lookup(label string) (Series, bool) {
	for _, s := range c.Series {
		if s.Label == label {
			return s, true
		}
	}
	return Series{}, false
}
