package calib

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Summary aggregates the history ring into the statistics the status API
// and the calib-report tool expose.
type Summary struct {
	Samples       int     `json:"samples"`
	MeanErrorPx   float64 `json:"mean_error_px"`
	StdDevErrorPx float64 `json:"stddev_error_px"`
	AccuracyRatio float64 `json:"accuracy_ratio"` // fraction of samples within the accurate-error bound

	// ResponseSlope and ResponseIntercept describe the least-squares fit of
	// observed magnitude against requested magnitude. A perfectly calibrated
	// actuator has slope 1, intercept 0; the slope is the empirical inverse
	// of the correction factor.
	ResponseSlope     float64 `json:"response_slope"`
	ResponseIntercept float64 `json:"response_intercept"`
}

// Summarize computes summary statistics over the current history.
func (s *State) Summarize() Summary {
	return SummarizeSamples(s.History())
}

// SummarizeSamples computes the same statistics over an arbitrary sample
// set, for offline reporting from the persisted history.
func SummarizeSamples(history []Sample) Summary {
	out := Summary{Samples: len(history)}
	if len(history) == 0 {
		return out
	}

	errs := make([]float64, len(history))
	reqMags := make([]float64, len(history))
	obsMags := make([]float64, len(history))
	accurate := 0
	for i, sample := range history {
		errs[i] = sample.ErrorMagnitude()
		reqMags[i] = math.Hypot(sample.RequestedX, sample.RequestedY)
		obsMags[i] = math.Hypot(sample.ObservedX, sample.ObservedY)
		if sample.Accurate() {
			accurate++
		}
	}

	out.MeanErrorPx = stat.Mean(errs, nil)
	if len(errs) > 1 {
		out.StdDevErrorPx = stat.StdDev(errs, nil)
	}
	out.AccuracyRatio = float64(accurate) / float64(len(history))

	if len(history) > 1 {
		out.ResponseIntercept, out.ResponseSlope = stat.LinearRegression(reqMags, obsMags, nil, false)
	}
	return out
}
