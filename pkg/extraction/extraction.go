// Package extraction defines the signal-extraction and spike
// deconvolution collaborators plus the trace preprocessing used before
// deconvolution. Trace tables are (ROI x frame) dense matrices.
package extraction

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/roi"
)

// Extractor produces fluorescence traces for each ROI from the
// registered buffer(s). Channel-2 tables are nil when regChan2 is nil.
type Extractor interface {
	Extract(stat roi.Set, reg, regChan2 *binary.File, o *ops.Ops) (out roi.Set, f, fneu, f2, fneu2 *mat.Dense, err error)
}

// Deconvolver turns a preprocessed, neuropil-corrected trace table into
// spike-rate estimates of the same shape.
type Deconvolver interface {
	Deconvolve(dF *mat.Dense, batchSize int, tau, fs float64) (*mat.Dense, error)
}

// Masked is the reference Extractor: each ROI's trace is the
// lam-weighted sum over its pixel mask; the neuropil trace is the frame
// mean outside the mask.
type Masked struct{}

// Extract implements Extractor.
func (Masked) Extract(stat roi.Set, reg, regChan2 *binary.File, o *ops.Ops) (roi.Set, *mat.Dense, *mat.Dense, *mat.Dense, *mat.Dense, error) {
	f, fneu, err := extractChannel(stat, reg)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "extraction: functional channel")
	}
	var f2, fneu2 *mat.Dense
	if regChan2 != nil {
		f2, fneu2, err = extractChannel(stat, regChan2)
		if err != nil {
			return nil, nil, nil, nil, nil, errors.Wrap(err, "extraction: second channel")
		}
	}
	return stat, f, fneu, f2, fneu2, nil
}

func extractChannel(stat roi.Set, buf *binary.File) (*mat.Dense, *mat.Dense, error) {
	nROI := len(stat)
	nFrames := buf.NFrames()
	ly, lx := buf.Shape()
	f := mat.NewDense(nROI, nFrames, nil)
	fneu := mat.NewDense(nROI, nFrames, nil)

	inMask := make([][]bool, nROI)
	for r, s := range stat {
		m := make([]bool, ly*lx)
		for i := range s.YPix {
			m[s.YPix[i]*lx+s.XPix[i]] = true
		}
		inMask[r] = m
	}

	for t := 0; t < nFrames; t++ {
		frame, err := buf.ReadFrame(t)
		if err != nil {
			return nil, nil, err
		}
		var frameSum float64
		for _, v := range frame {
			frameSum += float64(v)
		}
		for r, s := range stat {
			var cell, maskSum float64
			for i := range s.YPix {
				v := float64(frame[s.YPix[i]*lx+s.XPix[i]])
				cell += s.Lam[i] * v
				maskSum += v
			}
			f.Set(r, t, cell)
			outside := len(frame) - s.NPix
			if outside > 0 {
				fneu.Set(r, t, (frameSum-maskSum)/float64(outside))
			}
		}
	}
	return f, fneu, nil
}

// Preprocess subtracts a baseline from each trace before deconvolution.
// The maximin method smooths each trace with a gaussian of width
// sigBaseline, then removes a rolling-min/rolling-max envelope over a
// window of winBaseline seconds; constant subtracts the per-trace
// minimum of the smoothed trace; constant_prctile subtracts the given
// percentile.
func Preprocess(dF *mat.Dense, baseline string, winBaseline, sigBaseline, fs, prctile float64) *mat.Dense {
	nROI, nFrames := dF.Dims()
	out := mat.NewDense(nROI, nFrames, nil)
	win := int(winBaseline * fs)
	if win < 1 {
		win = 1
	}
	for r := 0; r < nROI; r++ {
		trace := mat.Row(nil, r, dF)
		var base []float64
		switch baseline {
		case "constant":
			sm := gaussianSmooth(trace, sigBaseline)
			base = constantBaseline(sm, minOf(sm))
		case "constant_prctile":
			base = constantBaseline(trace, percentile(trace, prctile))
		default: // maximin
			sm := gaussianSmooth(trace, sigBaseline)
			base = rollingMax(rollingMin(sm, win), win)
		}
		for t := range trace {
			out.Set(r, t, trace[t]-base[t])
		}
	}
	return out
}

// OASIS-style deconvolution is external; Exponential is the reference
// Deconvolver. It walks each trace in batches and emits the positive
// part of the innovation against an exponential decay with time
// constant tau.
type Exponential struct{}

// Deconvolve implements Deconvolver.
func (Exponential) Deconvolve(dF *mat.Dense, batchSize int, tau, fs float64) (*mat.Dense, error) {
	if tau <= 0 || fs <= 0 {
		return nil, errors.Errorf("extraction: invalid deconvolution params tau=%g fs=%g", tau, fs)
	}
	if batchSize < 1 {
		batchSize = 1
	}
	decay := math.Exp(-1.0 / (tau * fs))
	nROI, nFrames := dF.Dims()
	spks := mat.NewDense(nROI, nFrames, nil)
	for r := 0; r < nROI; r++ {
		trace := mat.Row(nil, r, dF)
		prev := 0.0
		for start := 0; start < nFrames; start += batchSize {
			end := start + batchSize
			if end > nFrames {
				end = nFrames
			}
			for t := start; t < end; t++ {
				s := trace[t] - decay*prev
				if s < 0 {
					s = 0
				}
				spks.Set(r, t, s)
				prev = trace[t]
			}
		}
	}
	return spks, nil
}

func gaussianSmooth(trace []float64, sigma float64) []float64 {
	if sigma <= 0 {
		out := make([]float64, len(trace))
		copy(out, trace)
		return out
	}
	radius := int(3 * sigma)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	out := make([]float64, len(trace))
	for t := range trace {
		var v, w float64
		for i, k := range kernel {
			j := t + i - radius
			if j < 0 || j >= len(trace) {
				continue
			}
			v += k * trace[j]
			w += k
		}
		out[t] = v / w
	}
	return out
}

func rollingMin(trace []float64, win int) []float64 {
	return rollingExtremum(trace, win, func(a, b float64) bool { return a < b })
}

func rollingMax(trace []float64, win int) []float64 {
	return rollingExtremum(trace, win, func(a, b float64) bool { return a > b })
}

func rollingExtremum(trace []float64, win int, better func(a, b float64) bool) []float64 {
	out := make([]float64, len(trace))
	half := win / 2
	for t := range trace {
		lo, hi := t-half, t+half
		if lo < 0 {
			lo = 0
		}
		if hi >= len(trace) {
			hi = len(trace) - 1
		}
		best := trace[lo]
		for j := lo + 1; j <= hi; j++ {
			if better(trace[j], best) {
				best = trace[j]
			}
		}
		out[t] = best
	}
	return out
}

func constantBaseline(trace []float64, v float64) []float64 {
	out := make([]float64, len(trace))
	for t := range out {
		out[t] = v
	}
	return out
}

func minOf(trace []float64) float64 {
	m := trace[0]
	for _, v := range trace[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func percentile(trace []float64, p float64) float64 {
	s := make([]float64, len(trace))
	copy(s, trace)
	sort.Float64s(s)
	idx := int(p / 100 * float64(len(s)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}
