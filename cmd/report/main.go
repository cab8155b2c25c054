// Command report renders a finished counting job into a self-contained
// HTML page: per-class and per-line counts split by direction, plus a
// speed histogram over the job's crossing events.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/roadwatch/trafficcount/internal/count"
	"github.com/roadwatch/trafficcount/internal/crossing"
	"github.com/roadwatch/trafficcount/internal/store"
	"github.com/roadwatch/trafficcount/internal/units"
)

var (
	dbFile       = flag.String("db", "trafficcount.db", "Path to the sqlite database")
	jobID        = flag.String("job", "", "Job ID to report on")
	output       = flag.String("o", "report.html", "Output HTML file")
	displayUnits = flag.String("units", "mps", "Display units for speeds (mps, mph, kmph)")
)

func main() {
	flag.Parse()

	if *jobID == "" {
		log.Fatal("a job ID is required (-job)")
	}
	if !units.Valid(*displayUnits) {
		log.Fatalf("unknown units %q", *displayUnits)
	}

	db, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	rec, err := db.GetJob(*jobID)
	if err != nil {
		log.Fatalf("Failed to load job %s: %v", *jobID, err)
	}
	snap, err := db.GetSnapshot(*jobID)
	if err != nil {
		log.Fatalf("Failed to load counters for job %s: %v", *jobID, err)
	}
	events, err := db.GetEvents(*jobID)
	if err != nil {
		log.Fatalf("Failed to load events for job %s: %v", *jobID, err)
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Traffic report: %s", rec.Source)
	page.AddCharts(
		classChart(snap),
		lineChart(snap),
	)
	if hist := speedChart(events, *displayUnits); hist != nil {
		page.AddCharts(hist)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *output, err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		log.Fatalf("Failed to render report: %v", err)
	}
	log.Printf("wrote %s (job %s, state %s, %d events)", *output, rec.ID, rec.State, len(events))
}

// directionBars builds an in/out bar pair over sorted category labels.
func directionBars(title string, byKey map[string]count.DirectionCounts) *charts.Bar {
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	in := make([]opts.BarData, len(keys))
	out := make([]opts.BarData, len(keys))
	for i, k := range keys {
		in[i] = opts.BarData{Value: byKey[k].In}
		out[i] = opts.BarData{Value: byKey[k].Out}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(keys).
		AddSeries("in", in).
		AddSeries("out", out)
	return bar
}

func classChart(snap count.Snapshot) *charts.Bar {
	byKey := make(map[string]count.DirectionCounts, len(snap.ByClass))
	for class, c := range snap.ByClass {
		byKey[string(class)] = c
	}
	return directionBars("Counts by vehicle class", byKey)
}

func lineChart(snap count.Snapshot) *charts.Bar {
	return directionBars("Counts by counting line", snap.ByLine)
}

// speedChart buckets event speeds into a histogram. Returns nil when the
// job recorded no speeds. Only calibrated speeds are unit-converted;
// uncalibrated jobs report raw px/s whatever the flag says.
func speedChart(events []crossing.Event, targetUnits string) *charts.Bar {
	var speeds []float64
	calibrated := true
	for _, ev := range events {
		if ev.Speed == nil {
			continue
		}
		v := *ev.Speed
		if ev.SpeedCalibrated {
			v = units.ConvertSpeed(v, targetUnits)
		} else {
			calibrated = false
		}
		speeds = append(speeds, v)
	}
	if len(speeds) == 0 {
		return nil
	}

	unitLabel := targetUnits
	if !calibrated {
		unitLabel = "px/s"
	}

	min, max := speeds[0], speeds[0]
	for _, v := range speeds {
		min = math.Min(min, v)
		max = math.Max(max, v)
	}

	const buckets = 12
	width := (max - min) / buckets
	if width == 0 {
		width = 1
	}

	counts := make([]int, buckets)
	labels := make([]string, buckets)
	for _, v := range speeds {
		b := int((v - min) / width)
		if b >= buckets {
			b = buckets - 1
		}
		counts[b]++
	}
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f", min+width*float64(i))
	}

	data := make([]opts.BarData, buckets)
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Speed distribution",
			Subtitle: fmt.Sprintf("%d samples, %s", len(speeds), unitLabel),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).AddSeries("crossings", data)
	return bar
}
