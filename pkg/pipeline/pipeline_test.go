package pipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/registration"
	"calciumpipe/pkg/roi"
)

// ---- fakes ----

type fakeRegisterer struct {
	registerCalls int
	metricsCalls  int
	sampleSize    int
}

func (f *fakeRegisterer) Register(bufs *binary.BufferSet, refImg registration.Image, alignByChan2 bool, o *ops.Ops) (*registration.Outputs, error) {
	f.registerCalls++
	n := bufs.Reg.NFrames()
	ly, lx := bufs.Reg.Shape()
	img := make(registration.Image, ly)
	for y := range img {
		img[y] = make([]float64, lx)
	}
	return &registration.Outputs{
		RefImg:  img,
		YOff:    make([]float64, n),
		XOff:    make([]float64, n),
		CorrXY:  make([]float64, n),
		MeanImg: img,
		YRange:  []int{0, ly},
		XRange:  []int{0, lx},
	}, nil
}

func (f *fakeRegisterer) Metrics(mov []registration.Image, o *ops.Ops) error {
	f.metricsCalls++
	f.sampleSize = len(mov)
	return nil
}

type fakeDetector struct {
	calls    int
	ret      roi.Set
	onDetect func()
}

func (f *fakeDetector) Detect(reg *binary.File, o *ops.Ops, classfile string) (roi.Set, error) {
	f.calls++
	if f.onDetect != nil {
		f.onDetect()
	}
	return f.ret, nil
}

type fakeExtractor struct{ calls int }

func (f *fakeExtractor) Extract(stat roi.Set, reg, regChan2 *binary.File, o *ops.Ops) (roi.Set, *mat.Dense, *mat.Dense, *mat.Dense, *mat.Dense, error) {
	f.calls++
	n := reg.NFrames()
	fl := mat.NewDense(len(stat), n, nil)
	for r := 0; r < len(stat); r++ {
		for t := 0; t < n; t++ {
			fl.Set(r, t, float64(t+r))
		}
	}
	fneu := mat.NewDense(len(stat), n, nil)
	return stat, fl, fneu, nil, nil, nil
}

type fakeClassifier struct{ calls int }

func (f *fakeClassifier) Classify(stat roi.Set, classfile string) (*mat.Dense, error) {
	f.calls++
	m := mat.NewDense(len(stat), 2, nil)
	for r := range stat {
		m.Set(r, 0, 1)
		m.Set(r, 1, 0.9)
	}
	return m, nil
}

type fakeDeconvolver struct{ calls int }

func (f *fakeDeconvolver) Deconvolve(dF *mat.Dense, batchSize int, tau, fs float64) (*mat.Dense, error) {
	f.calls++
	r, c := dF.Dims()
	return mat.NewDense(r, c, nil), nil
}

type fixture struct {
	pipe   *Pipeline
	reg    *fakeRegisterer
	det    *fakeDetector
	ext    *fakeExtractor
	cls    *fakeClassifier
	dec    *fakeDeconvolver
	bufs   *binary.BufferSet
	record *ops.Ops
}

func newFixture(t *testing.T, nFrames, ly, lx int) *fixture {
	t.Helper()
	dir := t.TempDir()
	bufs, err := binary.OpenBuffers(binary.OpenPlan{
		Ly: ly, Lx: lx, NFrames: nFrames,
		RegPath: filepath.Join(dir, "data.bin"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { bufs.Close() })

	o := ops.Default()
	o.SavePath = dir
	o.Ly, o.Lx, o.NFrames = ly, lx, nFrames

	f := &fixture{
		reg:    &fakeRegisterer{},
		det:    &fakeDetector{},
		ext:    &fakeExtractor{},
		cls:    &fakeClassifier{},
		dec:    &fakeDeconvolver{},
		bufs:   bufs,
		record: o,
	}
	f.pipe = &Pipeline{
		Registerer:  f.reg,
		Detector:    f.det,
		Extractor:   f.ext,
		Classifier:  f.cls,
		Deconvolver: f.dec,
		Log:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	return f
}

func oneROI() roi.Set {
	return roi.Set{{YPix: []int{1}, XPix: []int{1}, Lam: []float64{1}, NPix: 1}}
}

// ---- registration ----

func TestTwoStepRegistrationMatrix(t *testing.T) {
	tcs := map[string]struct {
		twoStep, keepRaw bool
		wantPasses       int
	}{
		"neither":      {wantPasses: 1},
		"two step":     {twoStep: true, wantPasses: 1},
		"keep raw":     {keepRaw: true, wantPasses: 1},
		"both enabled": {twoStep: true, keepRaw: true, wantPasses: 2},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 60, 8, 8)
			f.record.TwoStepRegistration = tc.twoStep
			f.record.KeepMovieRaw = tc.keepRaw
			f.record.RoiDetect = 0

			_, err := f.pipe.Run(f.bufs, true, f.record, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantPasses, f.reg.registerCalls)
			if tc.wantPasses == 2 {
				assert.Contains(t, f.record.Timing, "two_step_registration")
			} else {
				assert.NotContains(t, f.record.Timing, "two_step_registration")
			}
		})
	}
}

func TestRegistrationMetricsGate(t *testing.T) {
	t.Run("below 1500 frames", func(t *testing.T) {
		f := newFixture(t, 1499, 4, 4)
		f.record.RoiDetect = 0
		_, err := f.pipe.Run(f.bufs, true, f.record, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, f.reg.metricsCalls)
		assert.NotContains(t, f.record.Timing, "registration_metrics")
	})

	t.Run("at 1500 frames, capped sample", func(t *testing.T) {
		f := newFixture(t, 1500, 4, 4)
		f.record.RoiDetect = 0
		_, err := f.pipe.Run(f.bufs, true, f.record, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, f.reg.metricsCalls)
		assert.Equal(t, 1500, f.reg.sampleSize)
		assert.Contains(t, f.record.Timing, "registration_metrics")
	})

	t.Run("metrics disabled", func(t *testing.T) {
		f := newFixture(t, 1500, 4, 4)
		f.record.RoiDetect = 0
		f.record.DoRegMetrics = false
		_, err := f.pipe.Run(f.bufs, true, f.record, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, f.reg.metricsCalls)
	})
}

func TestMetricsSampleCount(t *testing.T) {
	tcs := map[string]struct {
		nFrames, ly, lx int
		want            int
	}{
		"short movie":          {nFrames: 2000, ly: 64, lx: 64, want: 2000},
		"long small movie":     {nFrames: 5000, ly: 64, lx: 64, want: 5000},
		"long wide movie":      {nFrames: 5000, ly: 701, lx: 64, want: 2000},
		"long tall movie":      {nFrames: 5000, ly: 64, lx: 701, want: 2000},
		"boundary dims":        {nFrames: 6000, ly: 700, lx: 700, want: 5000},
		"capped at frames":     {nFrames: 1500, ly: 64, lx: 64, want: 1500},
		"just below long":      {nFrames: 4999, ly: 64, lx: 64, want: 2000},
		"cap under 2000 limit": {nFrames: 1800, ly: 701, lx: 701, want: 1800},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, metricsSampleCount(tc.nFrames, tc.ly, tc.lx))
		})
	}
}

// ---- detection ----

func TestDetectionCacheUsed(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	statPath := filepath.Join(f.record.SavePath, roi.StatFileName)
	require.NoError(t, oneROI().Save(statPath))
	cachedBytes, err := os.ReadFile(statPath)
	require.NoError(t, err)

	_, err = f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, f.det.calls)
	assert.NotContains(t, f.record.Timing, "detection")
	assert.Equal(t, 1, f.ext.calls)

	// the persisted ROI set is byte-identical to the cache it came from
	after, err := os.ReadFile(statPath)
	require.NoError(t, err)
	assert.Equal(t, cachedBytes, after)
}

func TestDetectionForcedRecompute(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	require.NoError(t, oneROI().Save(filepath.Join(f.record.SavePath, roi.StatFileName)))
	f.record.RoiDetect = 2
	f.det.ret = oneROI()

	_, err := f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.det.calls)
	assert.Contains(t, f.record.Timing, "detection")
}

func TestCallerSuppliedStatSkipsDetection(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	_, err := f.pipe.Run(f.bufs, false, f.record, oneROI())
	require.NoError(t, err)
	assert.Equal(t, 0, f.det.calls)
	assert.NotContains(t, f.record.Timing, "detection")
	assert.Equal(t, 1, f.ext.calls)
}

func TestEmptyDetectionShortCircuits(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	f.det.ret = roi.Set{}

	_, err := f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.det.calls)
	assert.Equal(t, 0, f.ext.calls)
	assert.Equal(t, 0, f.cls.calls)
	assert.Equal(t, 0, f.dec.calls)

	// the empty set is the only detection-stage output
	stat, err := roi.Load(filepath.Join(f.record.SavePath, roi.StatFileName))
	require.NoError(t, err)
	assert.Len(t, stat, 0)
	assert.NoFileExists(t, filepath.Join(f.record.SavePath, FFileName))
	assert.NoFileExists(t, filepath.Join(f.record.SavePath, IscellFileName))
}

// ---- downstream stages ----

func TestRoiDetectOffOnlyTotalTiming(t *testing.T) {
	f := newFixture(t, 60, 64, 64)
	f.record.RoiDetect = 0

	_, err := f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, f.det.calls)
	assert.NoFileExists(t, filepath.Join(f.record.SavePath, IscellFileName))
	require.Len(t, f.record.Timing, 1)
	assert.Contains(t, f.record.Timing, "total_plane_runtime")

	// the timing map is persisted with the record
	saved, err := ops.Load(f.record.PlaneOpsPath())
	require.NoError(t, err)
	assert.Contains(t, saved.Timing, "total_plane_runtime")
}

func TestFullPlanePersistsArtifacts(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	f.det.ret = oneROI()

	_, err := f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)

	for _, name := range []string{roi.StatFileName, FFileName, FneuFileName, IscellFileName, SpksFileName} {
		assert.FileExists(t, filepath.Join(f.record.SavePath, name), name)
	}
	for _, key := range []string{"detection", "extraction", "classification", "deconvolution", "total_plane_runtime"} {
		assert.Contains(t, f.record.Timing, key)
	}
}

func TestSpikeDetectOffWritesZeroSpikes(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	f.det.ret = oneROI()
	f.record.SpikeDetect = false

	_, err := f.pipe.Run(f.bufs, false, f.record, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, f.dec.calls)
	assert.NotContains(t, f.record.Timing, "deconvolution")

	spks, err := roi.LoadTable(filepath.Join(f.record.SavePath, SpksFileName))
	require.NoError(t, err)
	r, c := spks.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 60, c)
	for tt := 0; tt < c; tt++ {
		assert.Zero(t, spks.At(0, tt))
	}
}

func TestClassifierSelection(t *testing.T) {
	f := newFixture(t, 60, 8, 8)
	f.record.ClassifierPath = "/models/my_classifier"
	assert.Equal(t, "/models/my_classifier", f.pipe.selectClassfile(f.record))

	f.record.ClassifierPath = ""
	f.record.UseBuiltinClassifier = true
	got := f.pipe.selectClassfile(f.record)
	assert.NotEmpty(t, got)
	assert.NotEqual(t, "/models/my_classifier", got)
}
