// Command topology-report renders per-camera-pair transit-time distributions
// from confirmed cross-camera links into a standalone HTML report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fieldvision-data/crosscam.report/internal/camera"
	"github.com/fieldvision-data/crosscam.report/internal/db"
	"github.com/fieldvision-data/crosscam.report/internal/match"
)

var (
	dbPath    = flag.String("db", "crosscam.db", "SQLite database path")
	outPath   = flag.String("out", "topology-report.html", "Output HTML path")
	bucketSec = flag.Float64("bucket", 5, "Histogram bucket width in seconds")
)

func main() {
	flag.Parse()

	if *bucketSec <= 0 {
		log.Fatal("bucket width must be positive")
	}

	database, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("open database %s: %v", *dbPath, err)
	}
	defer database.Close()

	links := match.NewLinkStore(database)
	samples, err := links.ConfirmedTransitSamples(context.Background())
	if err != nil {
		log.Fatalf("load transit samples: %v", err)
	}
	if len(samples) == 0 {
		log.Fatal("no confirmed links to report on")
	}

	page := components.NewPage()
	page.PageTitle = "Camera Transit Times"
	for _, pair := range pairKeys(samples) {
		page.AddCharts(pairChart(pair, gapsForPair(samples, pair), *bucketSec))
	}

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("create %s: %v", *outPath, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("render report: %v", err)
	}
	log.Printf("wrote %s (%d samples, %d pairs)", *outPath, len(samples), len(pairKeys(samples)))
}

// pairKeys returns the distinct directed camera pairs in stable order.
func pairKeys(samples []camera.TransitSample) [][2]string {
	seen := make(map[[2]string]bool)
	var keys [][2]string
	for _, s := range samples {
		k := [2]string{s.CameraA, s.CameraB}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}

func gapsForPair(samples []camera.TransitSample, pair [2]string) []float64 {
	var gaps []float64
	for _, s := range samples {
		if s.CameraA == pair[0] && s.CameraB == pair[1] {
			gaps = append(gaps, math.Abs(s.GapSeconds))
		}
	}
	return gaps
}

// histogram buckets gaps into fixed-width bins from zero through the largest
// observed gap. Labels name the bucket's lower bound.
func histogram(gaps []float64, width float64) (labels []string, counts []int) {
	if len(gaps) == 0 {
		return nil, nil
	}
	maxGap := 0.0
	for _, g := range gaps {
		if g > maxGap {
			maxGap = g
		}
	}
	n := int(maxGap/width) + 1
	counts = make([]int, n)
	for _, g := range gaps {
		counts[int(g/width)]++
	}
	labels = make([]string, n)
	for i := range labels {
		labels[i] = fmt.Sprintf("%gs", float64(i)*width)
	}
	return labels, counts
}

func pairChart(pair [2]string, gaps []float64, width float64) *charts.Bar {
	labels, counts := histogram(gaps, width)
	data := make([]opts.BarData, len(counts))
	for i, c := range counts {
		data[i] = opts.BarData{Value: c}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s -> %s", pair[0], pair[1]),
			Subtitle: fmt.Sprintf("%d confirmed transits, %gs buckets", len(gaps), width),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("transits", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
