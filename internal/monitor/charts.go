package monitor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/evtrack/internal/httputil"
)

var weightColours = []string{"#440154", "#3e4989", "#26828e", "#35b779", "#b5de2b", "#fde725"}

// handleEstimatesChart renders the estimate history as two line charts:
// position and radius, then likelihood and confidence.
// Query params:
//   - limit (optional; default all stored)
func (s *Server) handleEstimatesChart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no estimate history")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	ests := s.cfg.History.Last(limit)
	if len(ests) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no estimates yet")
		return
	}

	tick := time.Microsecond
	if s.cfg.Tracker != nil && s.cfg.Tracker.Config().TickPeriod > 0 {
		tick = s.cfg.Tracker.Config().TickPeriod
	}
	x := make([]string, len(ests))
	xs := make([]opts.LineData, len(ests))
	ys := make([]opts.LineData, len(ests))
	rs := make([]opts.LineData, len(ests))
	ls := make([]opts.LineData, len(ests))
	cs := make([]opts.LineData, len(ests))
	for i, e := range ests {
		ms := float64(e.Timestamp) * float64(tick) / float64(time.Millisecond)
		x[i] = strconv.FormatFloat(ms, 'f', 1, 64)
		xs[i] = opts.LineData{Value: e.X}
		ys[i] = opts.LineData{Value: e.Y}
		rs[i] = opts.LineData{Value: e.R}
		ls[i] = opts.LineData{Value: e.MaxLikelihood}
		cs[i] = opts.LineData{Value: e.Confidence}
	}
	last := ests[len(ests)-1]

	track := charts.NewLine()
	track.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracker estimates", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Target estimate", Subtitle: fmt.Sprintf("cycle=%d estimates=%d", last.Cycle, len(ests))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (ms)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "px"}),
	)
	track.SetXAxis(x).
		AddSeries("x", xs).
		AddSeries("y", ys).
		AddSeries("r", rs)

	quality := charts.NewLine()
	quality.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Likelihood"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (ms)", NameLocation: "middle", NameGap: 25}),
	)
	quality.SetXAxis(x).
		AddSeries("max likelihood", ls).
		AddSeries("confidence", cs)

	page := components.NewPage()
	page.AddCharts(track, quality)
	s.renderChart(w, page)
}

// handleParticlesChart renders the current particle population as a scatter
// coloured by weight, with the latest estimate overlaid.
func (s *Server) handleParticlesChart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracker == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no tracker")
		return
	}
	ps := s.cfg.Tracker.Particles()
	if len(ps) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no particles")
		return
	}
	cfg := s.cfg.Tracker.Config()

	maxW := 0.0
	data := make([]opts.ScatterData, len(ps))
	for i, p := range ps {
		if p.Weight > maxW {
			maxW = p.Weight
		}
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Weight, p.R}}
	}
	if maxW == 0 {
		maxW = 1
	}

	subtitle := fmt.Sprintf("particles=%d", len(ps))
	est, ok := s.cfg.Tracker.Latest()
	if ok {
		subtitle += fmt.Sprintf(" cycle=%d x=%.1f y=%.1f r=%.1f detected=%v", est.Cycle, est.X, est.Y, est.R, est.Detected)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Particle cloud", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Particle cloud", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: cfg.Width, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: cfg.Height, Name: "y (px)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxW),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: weightColours},
		}),
	)
	scatter.AddSeries("particles", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	if ok {
		scatter.AddSeries("estimate", []opts.ScatterData{{Value: []interface{}{est.X, est.Y}}},
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#e4572e"}),
		)
	}
	s.renderChart(w, scatter)
}

type renderer interface {
	Render(w io.Writer) error
}

func (s *Server) renderChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
