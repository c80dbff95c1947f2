// Package registration defines the interface the pipeline uses to talk
// to the motion-correction algorithm, together with a plain reference
// implementation. The alignment algorithm itself is a collaborator: any
// implementation of Registerer can be plugged into the pipeline.
package registration

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
)

// Image is a Ly x Lx float64 image.
type Image = [][]float64

// Outputs carries what a registration pass produces: the reference
// image it aligned to, per-frame shift estimates and their correlation
// with the reference, mean images, and the valid registered sub-window.
type Outputs struct {
	RefImg       Image
	YOff         []float64
	XOff         []float64
	CorrXY       []float64
	MeanImg      Image
	MeanImgChan2 Image
	YRange       []int
	XRange       []int
}

// Registerer is the motion-correction collaborator.
type Registerer interface {
	// Register aligns the registered buffers in bufs (in place),
	// optionally against a forced reference image, and returns the
	// pass outputs. When alignByChan2 is set the secondary channel
	// drives the alignment.
	Register(bufs *binary.BufferSet, refImg Image, alignByChan2 bool, o *ops.Ops) (*Outputs, error)

	// Metrics computes registration-quality metrics over a sample of
	// registered frames (already restricted to the valid sub-window)
	// and records them on the configuration record.
	Metrics(mov []Image, o *ops.Ops) error
}

// SaveOutputsToOps records a registration pass on the configuration
// record so later stages and resumed runs can see it.
func SaveOutputsToOps(out *Outputs, o *ops.Ops) {
	o.RefImg = out.RefImg
	o.YOff = out.YOff
	o.XOff = out.XOff
	o.CorrXY = out.CorrXY
	o.MeanImg = out.MeanImg
	if out.MeanImgChan2 != nil {
		o.MeanImgChan2 = out.MeanImgChan2
	}
	o.YRange = out.YRange
	o.XRange = out.XRange
}

// ComputeEnhancedMeanImage returns a contrast-enhanced mean image:
// local background (box mean) removed, then rescaled to unit spread.
func ComputeEnhancedMeanImage(mean Image, o *ops.Ops) Image {
	ly := len(mean)
	if ly == 0 {
		return nil
	}
	lx := len(mean[0])

	flat := make([]float64, 0, ly*lx)
	for _, row := range mean {
		flat = append(flat, row...)
	}
	sd := stat.StdDev(flat, nil)
	if sd == 0 {
		sd = 1
	}

	// background window scales with the expected cell diameter
	win := 3
	if len(o.Diameter) > 0 && o.Diameter[0] > 0 {
		win = int(o.Diameter[0])
	}

	out := make(Image, ly)
	for y := 0; y < ly; y++ {
		out[y] = make([]float64, lx)
		for x := 0; x < lx; x++ {
			bg := boxMean(mean, y, x, win)
			out[y][x] = (mean[y][x] - bg) / sd
		}
	}
	return out
}

func boxMean(img Image, cy, cx, win int) float64 {
	ly, lx := len(img), len(img[0])
	var sum float64
	var n int
	for y := maxInt(0, cy-win); y <= minInt(ly-1, cy+win); y++ {
		for x := maxInt(0, cx-win); x <= minInt(lx-1, cx+win); x++ {
			sum += img[y][x]
			n++
		}
	}
	return sum / float64(n)
}

// Rigid is the reference Registerer. It estimates no sub-pixel motion
// (offsets are zero), but produces the full set of registration
// outputs: a reference image from evenly spaced frames, per-frame
// correlation-to-reference, mean images for both channels and the
// valid sub-window. When a retained raw buffer exists, the registered
// buffer is rewritten from it.
type Rigid struct {
	// NRefFrames caps how many frames are averaged into the reference
	// image when none is forced. Zero means 1000.
	NRefFrames int
}

func (r *Rigid) refFrameCount() int {
	if r.NRefFrames > 0 {
		return r.NRefFrames
	}
	return 1000
}

// Register implements Registerer.
func (r *Rigid) Register(bufs *binary.BufferSet, refImg Image, alignByChan2 bool, o *ops.Ops) (*Outputs, error) {
	src := bufs.Reg
	if alignByChan2 && bufs.RegChan2 != nil {
		src = bufs.RegChan2
	}
	nFrames := bufs.Reg.NFrames()
	ly, lx := bufs.Reg.Shape()

	if refImg == nil {
		inds := binary.SpacedIndices(minInt(nFrames, r.refFrameCount()), nFrames)
		var err error
		refImg, err = src.FrameMean(inds)
		if err != nil {
			return nil, errors.Wrap(err, "registration: building reference image")
		}
	}
	refFlat := flatten(refImg)

	// rewrite the registered buffer from the raw copy when one exists
	if bufs.Raw != nil {
		if err := copyFrames(bufs.Raw, bufs.Reg); err != nil {
			return nil, errors.Wrap(err, "registration: rewriting registered buffer")
		}
	}
	if bufs.RawChan2 != nil && bufs.RegChan2 != nil {
		if err := copyFrames(bufs.RawChan2, bufs.RegChan2); err != nil {
			return nil, errors.Wrap(err, "registration: rewriting chan2 buffer")
		}
	}

	out := &Outputs{
		RefImg: refImg,
		YOff:   make([]float64, nFrames),
		XOff:   make([]float64, nFrames),
		CorrXY: make([]float64, nFrames),
		YRange: []int{0, ly},
		XRange: []int{0, lx},
	}

	acc := make([]float64, ly*lx)
	frameF := make([]float64, ly*lx)
	for i := 0; i < nFrames; i++ {
		frame, err := bufs.Reg.ReadFrame(i)
		if err != nil {
			return nil, err
		}
		for p, v := range frame {
			frameF[p] = float64(v)
			acc[p] += float64(v)
		}
		out.CorrXY[i] = stat.Correlation(frameF, refFlat, nil)
		if math.IsNaN(out.CorrXY[i]) {
			out.CorrXY[i] = 0
		}
	}
	out.MeanImg = unflatten(acc, ly, lx, float64(nFrames))

	if bufs.RegChan2 != nil {
		inds := binary.SpacedIndices(nFrames, nFrames)
		mean2, err := bufs.RegChan2.FrameMean(inds)
		if err != nil {
			return nil, errors.Wrap(err, "registration: chan2 mean image")
		}
		out.MeanImgChan2 = mean2
	}
	return out, nil
}

// Metrics implements Registerer: the mean correlation of each sampled
// frame with the sample mean, a cheap proxy for residual motion.
func (r *Rigid) Metrics(mov []Image, o *ops.Ops) error {
	if len(mov) == 0 {
		return errors.New("registration: metrics need at least one frame")
	}
	ly, lx := len(mov[0]), len(mov[0][0])
	acc := make([]float64, ly*lx)
	flats := make([][]float64, len(mov))
	for k, img := range mov {
		flats[k] = flatten(img)
		for p, v := range flats[k] {
			acc[p] += v
		}
	}
	for p := range acc {
		acc[p] /= float64(len(mov))
	}
	metrics := make([]float64, len(mov))
	for k, f := range flats {
		c := stat.Correlation(f, acc, nil)
		if math.IsNaN(c) {
			c = 0
		}
		metrics[k] = c
	}
	o.RegMetrics = metrics
	return nil
}

func copyFrames(from, to *binary.File) error {
	for i := 0; i < from.NFrames(); i++ {
		frame, err := from.ReadFrame(i)
		if err != nil {
			return err
		}
		if err := to.WriteFrame(i, frame); err != nil {
			return err
		}
	}
	return nil
}

func flatten(img Image) []float64 {
	out := make([]float64, 0, len(img)*len(img[0]))
	for _, row := range img {
		out = append(out, row...)
	}
	return out
}

func unflatten(flat []float64, ly, lx int, div float64) Image {
	img := make(Image, ly)
	for y := 0; y < ly; y++ {
		img[y] = make([]float64, lx)
		for x := 0; x < lx; x++ {
			img[y][x] = flat[y*lx+x] / div
		}
	}
	return img
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
