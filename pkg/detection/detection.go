// Package detection defines the ROI-detection collaborator interface
// and a plain threshold-based reference implementation. The detection
// algorithm proper is external; the pipeline only depends on Detector.
package detection

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/roi"
)

// Detector finds ROIs in a registered movie. An empty result set is a
// valid outcome, not an error.
type Detector interface {
	Detect(reg *binary.File, o *ops.Ops, classfile string) (roi.Set, error)
}

// Threshold is the reference Detector: pixels brighter than
// mean + K sigma in the mean image are grouped into 4-connected
// components, each component becoming one ROI.
type Threshold struct {
	// K is the sigma multiplier; zero means 2.
	K float64

	// MinPix drops components smaller than this many pixels.
	MinPix int
}

func (d *Threshold) k() float64 {
	if d.K > 0 {
		return d.K
	}
	return 2
}

// Detect implements Detector.
func (d *Threshold) Detect(reg *binary.File, o *ops.Ops, classfile string) (roi.Set, error) {
	mean := o.MeanImg
	if mean == nil {
		inds := binary.SpacedIndices(reg.NFrames(), reg.NFrames())
		var err error
		mean, err = reg.FrameMean(inds)
		if err != nil {
			return nil, errors.Wrap(err, "detection: computing mean image")
		}
		o.MeanImg = mean
	}
	ly := len(mean)
	lx := len(mean[0])

	flat := make([]float64, 0, ly*lx)
	for _, row := range mean {
		flat = append(flat, row...)
	}
	mu := stat.Mean(flat, nil)
	sd := stat.StdDev(flat, nil)
	thr := mu + d.k()*sd

	seen := make([]bool, ly*lx)
	var set roi.Set
	for y := 0; y < ly; y++ {
		for x := 0; x < lx; x++ {
			p := y*lx + x
			if seen[p] || mean[y][x] <= thr {
				continue
			}
			ypix, xpix := floodFill(mean, seen, y, x, thr)
			if len(ypix) < d.MinPix {
				continue
			}
			set = append(set, buildStat(mean, ypix, xpix, o))
		}
	}
	return set, nil
}

// floodFill collects the 4-connected component above thr that contains
// (y0, x0), marking it in seen.
func floodFill(img [][]float64, seen []bool, y0, x0 int, thr float64) (ypix, xpix []int) {
	ly, lx := len(img), len(img[0])
	stack := [][2]int{{y0, x0}}
	seen[y0*lx+x0] = true
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		y, x := c[0], c[1]
		ypix = append(ypix, y)
		xpix = append(xpix, x)
		for _, nb := range [][2]int{{y - 1, x}, {y + 1, x}, {y, x - 1}, {y, x + 1}} {
			ny, nx := nb[0], nb[1]
			if ny < 0 || ny >= ly || nx < 0 || nx >= lx {
				continue
			}
			p := ny*lx + nx
			if seen[p] || img[ny][nx] <= thr {
				continue
			}
			seen[p] = true
			stack = append(stack, nb)
		}
	}
	return ypix, xpix
}

func buildStat(img [][]float64, ypix, xpix []int, o *ops.Ops) roi.Stat {
	n := len(ypix)
	lam := make([]float64, n)
	var my, mx, sum float64
	for i := range ypix {
		v := img[ypix[i]][xpix[i]]
		lam[i] = v
		sum += v
		my += float64(ypix[i])
		mx += float64(xpix[i])
	}
	if sum > 0 {
		for i := range lam {
			lam[i] /= sum
		}
	}
	my /= float64(n)
	mx /= float64(n)

	var r2 float64
	for i := range ypix {
		dy := float64(ypix[i]) - my
		dx := float64(xpix[i]) - mx
		r2 += dy*dy + dx*dx
	}
	radius := 0.0
	if n > 0 {
		radius = r2 / float64(n)
	}
	return roi.Stat{
		YPix:    ypix,
		XPix:    xpix,
		Lam:     lam,
		Med:     [2]float64{my, mx},
		NPix:    n,
		Radius:  radius,
		Aspect:  o.Aspect,
		Compact: float64(n) / (1 + r2),
	}
}
