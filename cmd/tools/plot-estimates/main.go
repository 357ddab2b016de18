// Command plot-estimates renders one recorded run from an estimate database
// as PNG plots: the centre trajectory and the radius and likelihood over time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/evtrack/internal/sink"
	"github.com/banshee-data/evtrack/internal/tracker"
)

var (
	trackColour      = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	undetectedColour = color.RGBA{R: 200, G: 200, B: 200, A: 255}
	radiusColour     = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	likelihoodColour = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

func main() {
	dbFile := flag.String("db", "estimates.db", "estimate database written by evtrack -db")
	runID := flag.String("run", "", "run ID to plot (default: the latest run)")
	outDir := flag.String("out", ".", "output directory for the PNG files")
	tick := flag.Duration("tick", time.Microsecond, "sensor tick period used to label the time axis")
	flag.Parse()

	store, err := sink.OpenStore(*dbFile)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbFile, err)
	}
	defer store.Close()

	ctx := context.Background()
	id := *runID
	if id == "" {
		if id, err = store.LatestRun(ctx); err != nil {
			log.Fatalf("failed to find latest run: %v", err)
		}
	}
	ests, err := store.Estimates(ctx, id)
	if err != nil {
		log.Fatalf("failed to read run %s: %v", id, err)
	}
	files, err := render(ests, *outDir, id, *tick)
	if err != nil {
		log.Fatalf("failed to plot run %s: %v", id, err)
	}
	for _, f := range files {
		log.Printf("✓ Created: %s", f)
	}
}

// render writes the trajectory and time-series plots for ests into dir and
// returns the paths written.
func render(ests []tracker.TargetEstimate, dir, runID string, tick time.Duration) ([]string, error) {
	if len(ests) == 0 {
		return nil, errors.New("no estimates to plot")
	}
	if tick <= 0 {
		tick = time.Microsecond
	}
	ms := func(ts uint64) float64 {
		return float64(ts) * float64(tick) / float64(time.Millisecond)
	}

	var detected, lost plotter.XYs
	radius := make(plotter.XYs, 0, len(ests))
	likelihood := make(plotter.XYs, 0, len(ests))
	for _, e := range ests {
		pt := plotter.XY{X: e.X, Y: e.Y}
		if e.Detected {
			detected = append(detected, pt)
		} else {
			lost = append(lost, pt)
		}
		radius = append(radius, plotter.XY{X: ms(e.Timestamp), Y: e.R})
		likelihood = append(likelihood, plotter.XY{X: ms(e.Timestamp), Y: e.MaxLikelihood})
	}

	short := runID
	if len(short) > 8 {
		short = short[:8]
	}

	// Trajectory
	pTrack := plot.New()
	pTrack.Title.Text = fmt.Sprintf("Run %s - Centre Trajectory", short)
	pTrack.X.Label.Text = "x (px)"
	pTrack.Y.Label.Text = "y (px)"
	if len(lost) > 0 {
		sc, err := plotter.NewScatter(lost)
		if err != nil {
			return nil, err
		}
		sc.Color = undetectedColour
		sc.Radius = vg.Points(1.5)
		pTrack.Add(sc)
		pTrack.Legend.Add("not detected", sc)
	}
	if len(detected) > 0 {
		line, err := plotter.NewLine(detected)
		if err != nil {
			return nil, err
		}
		line.Color = trackColour
		line.Width = vg.Points(1)
		pTrack.Add(line)
		pTrack.Legend.Add("detected", line)
	}
	pTrack.Legend.Top = true

	// Radius and likelihood over time
	pRadius := plot.New()
	pRadius.Title.Text = fmt.Sprintf("Run %s - Radius", short)
	pRadius.X.Label.Text = "t (ms)"
	pRadius.Y.Label.Text = "r (px)"
	rLine, err := plotter.NewLine(radius)
	if err != nil {
		return nil, err
	}
	rLine.Color = radiusColour
	rLine.Width = vg.Points(1)
	pRadius.Add(rLine)

	pLike := plot.New()
	pLike.Title.Text = fmt.Sprintf("Run %s - Max Likelihood", short)
	pLike.X.Label.Text = "t (ms)"
	pLike.Y.Label.Text = "likelihood"
	lLine, err := plotter.NewLine(likelihood)
	if err != nil {
		return nil, err
	}
	lLine.Color = likelihoodColour
	lLine.Width = vg.Points(1)
	pLike.Add(lLine)

	out := []string{
		filepath.Join(dir, fmt.Sprintf("run_%s_trajectory.png", short)),
		filepath.Join(dir, fmt.Sprintf("run_%s_radius.png", short)),
		filepath.Join(dir, fmt.Sprintf("run_%s_likelihood.png", short)),
	}
	if err := pTrack.Save(8*vg.Inch, 8*vg.Inch, out[0]); err != nil {
		return nil, fmt.Errorf("failed to save trajectory plot: %w", err)
	}
	if err := pRadius.Save(14*vg.Inch, 5*vg.Inch, out[1]); err != nil {
		return nil, fmt.Errorf("failed to save radius plot: %w", err)
	}
	if err := pLike.Save(14*vg.Inch, 5*vg.Inch, out[2]); err != nil {
		return nil, fmt.Errorf("failed to save likelihood plot: %w", err)
	}
	return out, nil
}
