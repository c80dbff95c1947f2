// Package pipeline runs the staged processing sequence for one plane:
// classifier selection, registration (with optional second pass and
// quality metrics), ROI detection, signal extraction, classification,
// spike deconvolution and persistence. Every stage reads and mutates
// the shared configuration record and persists it afterwards, so a
// resumed run can pick up exactly where the previous one stopped.
package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/classification"
	"calciumpipe/pkg/detection"
	"calciumpipe/pkg/extraction"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/registration"
	"calciumpipe/pkg/roi"
)

// Per-plane result artifact names.
const (
	FFileName         = "F.npy"
	FneuFileName      = "Fneu.npy"
	FChan2FileName    = "F_chan2.npy"
	FneuChan2FileName = "Fneu_chan2.npy"
	SpksFileName      = "spks.npy"
	IscellFileName    = "iscell.npy"
	RedcellFileName   = "redcell.npy"
	CompatFileName    = "Fall.npy"
)

// Timing keys accumulated into the configuration record.
const (
	timingRegistration = "registration"
	timingTwoStep      = "two_step_registration"
	timingRegMetrics   = "registration_metrics"
	timingDetection    = "detection"
	timingExtraction   = "extraction"
	timingClassify     = "classification"
	timingDeconvolve   = "deconvolution"
	timingTotal        = "total_plane_runtime"
)

// Pipeline holds the algorithm collaborators the stage sequence
// delegates to. Zero-value fields are filled with the reference
// implementations by New.
type Pipeline struct {
	Registerer  registration.Registerer
	Detector    detection.Detector
	Extractor   extraction.Extractor
	Classifier  classification.Classifier
	Deconvolver extraction.Deconvolver

	Log *slog.Logger
}

// New returns a pipeline wired to the reference collaborators.
func New() *Pipeline {
	return &Pipeline{
		Registerer:  &registration.Rigid{},
		Detector:    &detection.Threshold{},
		Extractor:   extraction.Masked{},
		Classifier:  &classification.Logistic{},
		Deconvolver: extraction.Exponential{},
		Log:         slog.Default(),
	}
}

func (p *Pipeline) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Run executes the stage sequence against one plane's buffers and
// record. stat, when non-nil, is a caller-supplied ROI set that skips
// detection entirely. The record, including its timing map, is
// persisted after every stage and once more at the end.
func (p *Pipeline) Run(bufs *binary.BufferSet, runRegistration bool, o *ops.Ops, stat roi.Set) (*ops.Ops, error) {
	log := p.log()
	timing := map[string]float64{}
	t0 := time.Now()

	classfile := p.selectClassfile(o)

	if runRegistration {
		if err := p.runRegistration(bufs, o, timing); err != nil {
			return o, err
		}
	}

	if o.RoiDetect > 0 {
		stat, timing, err := p.runDetection(bufs, o, stat, timing, classfile)
		if err != nil {
			return o, err
		}
		if len(stat) == 0 {
			log.Warn("no ROIs found, saving empty ROI set and ops only", "stage", "detection")
			if o.SavePath != "" {
				if err := stat.Save(filepath.Join(o.SavePath, roi.StatFileName)); err != nil {
					return o, err
				}
			}
		} else {
			if err := p.runDownstream(bufs, o, stat, timing, classfile); err != nil {
				return o, err
			}
		}
	} else {
		log.Warn("skipping ROI detection (roidetect=0)", "stage", "detection")
	}

	o.Timing = timing
	o.Timing[timingTotal] = time.Since(t0).Seconds()
	if err := o.SavePlane(); err != nil {
		return o, err
	}
	return o, nil
}

// selectClassfile picks the classifier file in priority order: the
// explicitly configured path, the built-in classifier when enabled or
// when no user classifier exists, else the user's classifier.
func (p *Pipeline) selectClassfile(o *ops.Ops) string {
	log := p.log()
	user := classification.UserClassfile()
	switch {
	case o.ClassifierPath != "":
		log.Info("applying configured classifier", "stage", "classification", "path", o.ClassifierPath)
		return o.ClassifierPath
	case o.UseBuiltinClassifier || !fileExists(user):
		builtin := classification.BuiltinClassfile()
		log.Info("applying builtin classifier", "stage", "classification", "path", builtin)
		return builtin
	default:
		log.Info("applying user classifier", "stage", "classification", "path", user)
		return user
	}
}

func (p *Pipeline) runRegistration(bufs *binary.BufferSet, o *ops.Ops, timing map[string]float64) error {
	log := p.log()
	raw := bufs.Raw != nil
	// frames already shifted by bidiphase must not be shifted again
	if !raw && o.DoBidiPhase && o.BidiPhase != 0 {
		o.BidiCorrected = true
	}

	t1 := time.Now()
	log.Info("starting", "stage", "registration")
	var refImg registration.Image
	if o.ForceRefImg && len(o.RefImg) > 0 {
		refImg = o.RefImg
	}
	alignByChan2 := o.FunctionalChan != o.AlignByChan

	out, err := p.Registerer.Register(bufs, refImg, alignByChan2, o)
	if err != nil {
		return errors.Wrap(err, "pipeline: registration")
	}
	registration.SaveOutputsToOps(out, o)
	o.MeanImgE = registration.ComputeEnhancedMeanImage(o.MeanImg, o)
	if err := o.SavePlane(); err != nil {
		return err
	}
	timing[timingRegistration] = time.Since(t1).Seconds()
	log.Info("finished", "stage", "registration", "sec", timing[timingRegistration])

	nFrames := bufs.Reg.NFrames()
	ly, lx := bufs.Reg.Shape()

	if o.TwoStepRegistration && o.KeepMovieRaw {
		log.Info("starting second pass, recomputing reference image", "stage", "registration")
		nsamps := nFrames
		if nsamps > 1000 {
			nsamps = 1000
		}
		inds := binary.SpacedIndicesExclusive(nsamps, nFrames)
		src := bufs.Reg
		if alignByChan2 && bufs.RegChan2 != nil {
			src = bufs.RegChan2
		}
		refImg, err = src.FrameMean(inds)
		if err != nil {
			return errors.Wrap(err, "pipeline: second-pass reference image")
		}
		// the second pass realigns the registered buffers only; the raw
		// copies are left untouched
		secondPass := &binary.BufferSet{Reg: bufs.Reg, RegChan2: bufs.RegChan2}
		out, err = p.Registerer.Register(secondPass, refImg, alignByChan2, o)
		if err != nil {
			return errors.Wrap(err, "pipeline: second-pass registration")
		}
		registration.SaveOutputsToOps(out, o)
		if err := o.SavePlane(); err != nil {
			return err
		}
		timing[timingTwoStep] = time.Since(t1).Seconds()
		log.Info("finished second pass", "stage", "registration", "sec", timing[timingTwoStep])
	}

	if o.DoRegMetrics && nFrames >= 1500 {
		t2 := time.Now()
		log.Info("starting", "stage", "registration_metrics")
		nsamp := metricsSampleCount(nFrames, ly, lx)
		mov, err := p.sampleValidWindow(bufs.Reg, nsamp, o)
		if err != nil {
			return errors.Wrap(err, "pipeline: sampling frames for metrics")
		}
		if err := p.Registerer.Metrics(mov, o); err != nil {
			return errors.Wrap(err, "pipeline: registration metrics")
		}
		timing[timingRegMetrics] = time.Since(t2).Seconds()
		log.Info("finished", "stage", "registration_metrics", "sec", timing[timingRegMetrics])
		if err := o.SavePlane(); err != nil {
			return err
		}
	}
	return nil
}

// metricsSampleCount picks how many evenly spaced frames feed the
// registration-quality metrics: 5000 for long movies with both spatial
// dimensions at most 700, else 2000, capped at the movie length.
func metricsSampleCount(nFrames, ly, lx int) int {
	nsamp := 2000
	if nFrames >= 5000 && ly <= 700 && lx <= 700 {
		nsamp = 5000
	}
	if nsamp > nFrames {
		nsamp = nFrames
	}
	return nsamp
}

// sampleValidWindow reads nsamp evenly spaced frames restricted to the
// valid registered sub-window (YRange x XRange).
func (p *Pipeline) sampleValidWindow(reg *binary.File, nsamp int, o *ops.Ops) ([]registration.Image, error) {
	ly, lx := reg.Shape()
	y0, y1 := 0, ly
	if len(o.YRange) == 2 {
		y0, y1 = o.YRange[0], o.YRange[1]
	}
	x0, x1 := 0, lx
	if len(o.XRange) == 2 {
		x0, x1 = o.XRange[0], o.XRange[1]
	}
	inds := binary.SpacedIndices(nsamp, reg.NFrames())
	mov := make([]registration.Image, len(inds))
	for k, i := range inds {
		frame, err := reg.ReadFrame(i)
		if err != nil {
			return nil, err
		}
		img := make(registration.Image, y1-y0)
		for y := y0; y < y1; y++ {
			row := make([]float64, x1-x0)
			for x := x0; x < x1; x++ {
				row[x-x0] = float64(frame[y*lx+x])
			}
			img[y-y0] = row
		}
		mov[k] = img
	}
	return mov, nil
}

// runDetection resolves the ROI set: a caller-supplied set wins, then
// the cached stat file unless recomputation is forced, then the
// detection collaborator. The detection timing entry is only recorded
// when the algorithm actually ran.
func (p *Pipeline) runDetection(bufs *binary.BufferSet, o *ops.Ops, stat roi.Set, timing map[string]float64, classfile string) (roi.Set, map[string]float64, error) {
	log := p.log()
	if stat != nil {
		log.Info("using caller-supplied ROI set", "stage", "detection", "rois", len(stat))
		return stat, timing, nil
	}
	statPath := filepath.Join(o.SavePath, roi.StatFileName)
	if fileExists(statPath) && o.RoiDetect <= 1 {
		cached, err := roi.Load(statPath)
		if err != nil {
			return nil, timing, errors.Wrap(err, "pipeline: loading cached ROI set")
		}
		log.Info("loaded cached ROI set", "stage", "detection", "path", statPath, "rois", len(cached))
		return cached, timing, nil
	}

	t1 := time.Now()
	log.Info("starting", "stage", "detection")
	detected, err := p.Detector.Detect(bufs.Reg, o, classfile)
	if err != nil {
		return nil, timing, errors.Wrap(err, "pipeline: detection")
	}
	if err := o.SavePlane(); err != nil {
		return nil, timing, err
	}
	timing[timingDetection] = time.Since(t1).Seconds()
	log.Info("finished", "stage", "detection", "sec", timing[timingDetection], "rois", len(detected))
	return detected, timing, nil
}

// runDownstream runs extraction, classification, deconvolution and
// persistence for a non-empty ROI set.
func (p *Pipeline) runDownstream(bufs *binary.BufferSet, o *ops.Ops, stat roi.Set, timing map[string]float64, classfile string) error {
	log := p.log()

	t1 := time.Now()
	log.Info("starting", "stage", "extraction")
	var regChan2 *binary.File
	if o.NChannels > 1 {
		regChan2 = bufs.RegChan2
	}
	stat, f, fneu, f2, fneu2, err := p.Extractor.Extract(stat, bufs.Reg, regChan2, o)
	if err != nil {
		return errors.Wrap(err, "pipeline: extraction")
	}
	if err := o.SavePlane(); err != nil {
		return err
	}
	timing[timingExtraction] = time.Since(t1).Seconds()
	log.Info("finished", "stage", "extraction", "sec", timing[timingExtraction])

	t1 = time.Now()
	log.Info("starting", "stage", "classification")
	var iscell *mat.Dense
	if len(stat) > 0 {
		iscell, err = p.Classifier.Classify(stat, classfile)
		if err != nil {
			return errors.Wrap(err, "pipeline: classification")
		}
	} else {
		iscell = &mat.Dense{}
	}
	timing[timingClassify] = time.Since(t1).Seconds()
	log.Info("finished", "stage", "classification", "sec", timing[timingClassify])

	var spks *mat.Dense
	if o.SpikeDetect {
		t1 = time.Now()
		log.Info("starting", "stage", "deconvolution")
		nROI, nFrames := f.Dims()
		dF := mat.NewDense(nROI, nFrames, nil)
		for r := 0; r < nROI; r++ {
			for t := 0; t < nFrames; t++ {
				dF.Set(r, t, f.At(r, t)-o.NeuCoeff*fneu.At(r, t))
			}
		}
		dF = extraction.Preprocess(dF, o.Baseline, o.WinBaseline, o.SigBaseline, o.Fs, o.PrctileBaseline)
		spks, err = p.Deconvolver.Deconvolve(dF, o.BatchSize, o.Tau, o.Fs)
		if err != nil {
			return errors.Wrap(err, "pipeline: deconvolution")
		}
		timing[timingDeconvolve] = time.Since(t1).Seconds()
		log.Info("finished", "stage", "deconvolution", "sec", timing[timingDeconvolve])
	} else {
		log.Warn("skipping spike detection (spikedetect=false)", "stage", "deconvolution")
		nROI, nFrames := f.Dims()
		spks = mat.NewDense(nROI, nFrames, nil)
	}

	if o.SavePath != "" {
		if err := persistResults(o, stat, f, fneu, f2, fneu2, iscell, spks); err != nil {
			return err
		}
		if o.SaveMat {
			if err := exportCompat(o, stat, f, fneu, f2, fneu2, iscell, spks); err != nil {
				return errors.Wrap(err, "pipeline: compatibility export")
			}
		}
	}
	return nil
}

func persistResults(o *ops.Ops, stat roi.Set, f, fneu, f2, fneu2, iscell, spks *mat.Dense) error {
	dir := o.SavePath
	if err := stat.Save(filepath.Join(dir, roi.StatFileName)); err != nil {
		return err
	}
	tables := map[string]*mat.Dense{
		FFileName:      f,
		FneuFileName:   fneu,
		IscellFileName: iscell,
		SpksFileName:   spks,
	}
	// second channel traces only exist for two-channel recordings
	if len(o.MeanImgChan2) > 0 && f2 != nil {
		tables[FChan2FileName] = f2
		tables[FneuChan2FileName] = fneu2
	}
	for name, m := range tables {
		if err := roi.SaveTable(filepath.Join(dir, name), m); err != nil {
			return err
		}
	}
	return nil
}

// exportCompat writes the single-file bundle combining every per-plane
// result, including the separately computed red-channel labels when the
// recording has two channels.
func exportCompat(o *ops.Ops, stat roi.Set, f, fneu, f2, fneu2, iscell, spks *mat.Dense) error {
	bundle := map[string]interface{}{
		"stat":   []roi.Stat(stat),
		"F":      denseToRows(f),
		"Fneu":   denseToRows(fneu),
		"iscell": denseToRows(iscell),
		"spks":   denseToRows(spks),
	}
	if o.NChannels == 2 {
		bundle["F_chan2"] = denseToRows(f2)
		bundle["Fneu_chan2"] = denseToRows(fneu2)
		redPath := filepath.Join(o.SavePath, RedcellFileName)
		if fileExists(redPath) {
			red, err := roi.LoadTable(redPath)
			if err != nil {
				return err
			}
			bundle["redcell"] = denseToRows(red)
		}
	}
	data, err := msgpack.Marshal(bundle)
	if err != nil {
		return errors.Wrap(err, "encoding bundle")
	}
	return os.WriteFile(filepath.Join(o.SavePath, CompatFileName), data, 0644)
}

func denseToRows(m *mat.Dense) [][]float64 {
	if m == nil {
		return nil
	}
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
