// calib-report renders the persisted calibration history as HTML charts:
// requested vs observed movement response, per-sample error magnitude and
// the global factor trend across sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/gimbalworks/aimloop/internal/calib"
	"github.com/gimbalworks/aimloop/internal/storage/sqlite"
)

var (
	dbPath  = flag.String("db", "aimloop.db", "Path to the calibration database")
	outPath = flag.String("out", "calib-report.html", "Output HTML file")
)

func responseScatter(samples []sqlite.Sample) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(samples))
	var maxMag float64
	for _, s := range samples {
		req := math.Hypot(s.RequestedX, s.RequestedY)
		obs := math.Hypot(s.ObservedX, s.ObservedY)
		if req > maxMag {
			maxMag = req
		}
		data = append(data, opts.ScatterData{Value: []interface{}{req, obs}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Actuator Response",
			Subtitle: fmt.Sprintf("%d samples; diagonal = perfect response", len(samples)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "requested (px)", Min: 0, Max: maxMag * 1.1}),
		charts.WithYAxisOpts(opts.YAxis{Name: "observed (px)", Min: 0, Max: maxMag * 1.1}),
	)
	scatter.AddSeries("response", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	return scatter
}

func errorLine(samples []sqlite.Sample) *charts.Line {
	x := make([]string, 0, len(samples))
	y := make([]opts.LineData, 0, len(samples))
	for i, s := range samples {
		x = append(x, fmt.Sprintf("%d", i+1))
		err := math.Hypot(s.ObservedX-s.RequestedX, s.ObservedY-s.RequestedY)
		y = append(y, opts.LineData{Value: err})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Error Magnitude", Subtitle: "per sample, oldest first"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "error (px)"}),
	)
	line.SetXAxis(x).AddSeries("error", y)
	return line
}

func factorLine(infos []sqlite.SnapshotInfo) *charts.Line {
	x := make([]string, 0, len(infos))
	y := make([]opts.LineData, 0, len(infos))
	for _, info := range infos {
		x = append(x, info.SavedAt.Format("01-02 15:04"))
		y = append(y, opts.LineData{Value: info.GlobalFactor})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Global Factor", Subtitle: "per saved session"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "factor"}),
	)
	line.SetXAxis(x).AddSeries("global factor", y)
	return line
}

func main() {
	flag.Parse()
	ctx := context.Background()

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	samples, err := store.AllSamples(ctx)
	if err != nil {
		log.Fatalf("failed to load samples: %v", err)
	}
	if len(samples) == 0 {
		log.Fatal("no calibration samples recorded yet")
	}
	infos, err := store.Snapshots(ctx)
	if err != nil {
		log.Fatalf("failed to load snapshots: %v", err)
	}

	calSamples := make([]calib.Sample, len(samples))
	for i, s := range samples {
		calSamples[i] = calib.Sample{
			RequestedX: s.RequestedX, RequestedY: s.RequestedY,
			ObservedX: s.ObservedX, ObservedY: s.ObservedY,
			At: s.At,
		}
	}
	summary := calib.SummarizeSamples(calSamples)
	log.Printf("%d samples, mean error %.2fpx, accuracy %.0f%%, response slope %.3f",
		summary.Samples, summary.MeanErrorPx, summary.AccuracyRatio*100, summary.ResponseSlope)

	page := components.NewPage()
	page.AddCharts(
		responseScatter(samples),
		errorLine(samples),
		factorLine(infos),
	)

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s", *outPath)
}
