package run

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/convert"
	"calciumpipe/pkg/dispatch"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/pipeline"
	"calciumpipe/pkg/plane"
	"calciumpipe/pkg/roi"
)

// countingDetector records how often detection actually ran.
type countingDetector struct {
	calls int
	ret   roi.Set
}

func (d *countingDetector) Detect(reg *binary.File, o *ops.Ops, classfile string) (roi.Set, error) {
	d.calls++
	return d.ret, nil
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newOrchestrator(det *countingDetector) *Orchestrator {
	r := New()
	r.Log = quietLog()
	r.Pipeline.Log = r.Log
	if det != nil {
		r.Pipeline.Detector = det
	}
	return r
}

func testROI() roi.Set {
	return roi.Set{{
		YPix:    []int{2, 2, 3},
		XPix:    []int{2, 3, 2},
		Lam:     []float64{0.5, 0.3, 0.2},
		NPix:    3,
		Compact: 1,
	}}
}

func writeTiffFrames(t *testing.T, dir string, n, ly, lx int) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, lx, ly))
	for y := 0; y < ly; y++ {
		for x := 0; x < lx; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(200 + 10*y + x)})
		}
	}
	for k := 0; k < n; k++ {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame%04d.tif", k)))
		require.NoError(t, err)
		require.NoError(t, tiff.Encode(f, img, nil))
		require.NoError(t, f.Close())
	}
}

func TestDeriveSaveRoot(t *testing.T) {
	t.Run("explicit save path wins", func(t *testing.T) {
		o := ops.Default()
		o.SavePath0 = "/results"
		o.DataPath = []string{"/data"}
		require.NoError(t, deriveSaveRoot(o))
		assert.Equal(t, "/results", o.SavePath0)
	})

	t.Run("h5 folder", func(t *testing.T) {
		o := ops.Default()
		o.H5Py = "/session/movie.h5"
		require.NoError(t, deriveSaveRoot(o))
		assert.Equal(t, "/session", o.SavePath0)
	})

	t.Run("nwb folder", func(t *testing.T) {
		o := ops.Default()
		o.NWBFile = "/session/rec.nwb"
		require.NoError(t, deriveSaveRoot(o))
		assert.Equal(t, "/session", o.SavePath0)
	})

	t.Run("first data path", func(t *testing.T) {
		o := ops.Default()
		o.DataPath = []string{"/data/a", "/data/b"}
		require.NoError(t, deriveSaveRoot(o))
		assert.Equal(t, "/data/a", o.SavePath0)
	})

	t.Run("nothing configured", func(t *testing.T) {
		o := ops.Default()
		err := deriveSaveRoot(o)
		assert.ErrorIs(t, err, ErrNoDataPath)
	})
}

func TestProbeStateLadder(t *testing.T) {
	dir := t.TempDir()
	touch := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{1}, 0644))
	}

	assert.Equal(t, StateNotConverted, ProbeState(dir))
	touch(plane.RegBinName)
	assert.Equal(t, StateConverted, ProbeState(dir))
	touch(ops.OpsFileName)
	assert.Equal(t, StateRegistered, ProbeState(dir))
	touch(roi.StatFileName)
	assert.Equal(t, StateDetected, ProbeState(dir))
	touch(pipeline.FFileName)
	assert.Equal(t, StateDetected, ProbeState(dir), "both trace tables are required")
	touch(pipeline.FneuFileName)
	assert.Equal(t, StateExtracted, ProbeState(dir))
	touch(pipeline.IscellFileName)
	assert.Equal(t, StateClassified, ProbeState(dir))
	touch(pipeline.SpksFileName)
	assert.Equal(t, StateDeconvolved, ProbeState(dir))
}

func TestProbeStateRawOnlyCountsAsConverted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, plane.RawBinName), []byte{1}, 0644))
	assert.Equal(t, StateConverted, ProbeState(dir))
}

func TestListPlaneFoldersNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"plane10", "plane2", "plane0", "combined", "notes"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	}
	folders, err := ListPlaneFolders(dir)
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, filepath.Join(dir, "plane0"), folders[0])
	assert.Equal(t, filepath.Join(dir, "plane2"), folders[1])
	assert.Equal(t, filepath.Join(dir, "plane10"), folders[2])
}

func TestInvalidatePlanes(t *testing.T) {
	mkPlane := func(t *testing.T, root string, i int) string {
		folder := filepath.Join(root, fmt.Sprintf("plane%d", i))
		require.NoError(t, os.MkdirAll(folder, 0755))
		for _, name := range []string{
			plane.RegBinName, ops.OpsFileName, roi.StatFileName,
			pipeline.FFileName, pipeline.FneuFileName,
			pipeline.IscellFileName, pipeline.SpksFileName,
		} {
			require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte{1}, 0644))
		}
		return folder
	}

	t.Run("keeps cached ROI set", func(t *testing.T) {
		root := t.TempDir()
		var folders []string
		for i := 0; i < 3; i++ {
			folders = append(folders, mkPlane(t, root, i))
		}
		invalidatePlanes(folders, true, quietLog())
		for _, folder := range folders {
			assert.NoFileExists(t, filepath.Join(folder, pipeline.SpksFileName))
			assert.NoFileExists(t, filepath.Join(folder, pipeline.IscellFileName))
			assert.NoFileExists(t, filepath.Join(folder, pipeline.FFileName))
			assert.NoFileExists(t, filepath.Join(folder, pipeline.FneuFileName))
			assert.FileExists(t, filepath.Join(folder, roi.StatFileName))
			assert.FileExists(t, filepath.Join(folder, plane.RegBinName))
			assert.FileExists(t, filepath.Join(folder, ops.OpsFileName))
		}
	})

	t.Run("drops ROI set when not preserved", func(t *testing.T) {
		root := t.TempDir()
		folder := mkPlane(t, root, 0)
		invalidatePlanes([]string{folder}, false, quietLog())
		assert.NoFileExists(t, filepath.Join(folder, roi.StatFileName))
	})
}

func TestRunConvertsAndProcesses(t *testing.T) {
	dataDir := t.TempDir()
	saveRoot := t.TempDir()
	writeTiffFrames(t, dataDir, 60, 8, 8)

	o := ops.Default()
	o.DataPath = []string{dataDir}
	o.SavePath0 = saveRoot

	det := &countingDetector{ret: testROI()}
	last, err := newOrchestrator(det).Run(o, nil)
	require.NoError(t, err)
	require.NotNil(t, last)

	assert.Equal(t, 1, det.calls)
	planeDir := filepath.Join(saveRoot, DefaultSaveFolder, "plane0")
	for _, name := range []string{
		plane.RegBinName, ops.OpsFileName, roi.StatFileName,
		pipeline.FFileName, pipeline.FneuFileName,
		pipeline.IscellFileName, pipeline.SpksFileName,
	} {
		assert.FileExists(t, filepath.Join(planeDir, name), name)
	}
	assert.Equal(t, StateDeconvolved, ProbeState(planeDir))
	assert.Contains(t, last.Timing, "registration")
	assert.Contains(t, last.Timing, "total_plane_runtime")
}

func TestRunResumesWithoutReconvertingOrRedetecting(t *testing.T) {
	dataDir := t.TempDir()
	saveRoot := t.TempDir()
	writeTiffFrames(t, dataDir, 60, 8, 8)

	o := ops.Default()
	o.DataPath = []string{dataDir}
	o.SavePath0 = saveRoot

	det := &countingDetector{ret: testROI()}
	_, err := newOrchestrator(det).Run(o, nil)
	require.NoError(t, err)

	planeDir := filepath.Join(saveRoot, DefaultSaveFolder, "plane0")
	statBefore, err := os.ReadFile(filepath.Join(planeDir, roi.StatFileName))
	require.NoError(t, err)

	// the raw source is gone; the second run must resume from binaries
	require.NoError(t, os.RemoveAll(dataDir))

	o2 := ops.Default()
	o2.DataPath = []string{dataDir}
	o2.SavePath0 = saveRoot

	det2 := &countingDetector{ret: testROI()}
	last, err := newOrchestrator(det2).Run(o2, nil)
	require.NoError(t, err)
	require.NotNil(t, last)

	// registration and detection both resumed from persisted state
	assert.Equal(t, 0, det2.calls)
	assert.NotContains(t, last.Timing, "registration")
	assert.NotContains(t, last.Timing, "detection")

	statAfter, err := os.ReadFile(filepath.Join(planeDir, roi.StatFileName))
	require.NoError(t, err)
	assert.Equal(t, statBefore, statAfter)

	// downstream artifacts were invalidated and regenerated
	assert.Equal(t, StateDeconvolved, ProbeState(planeDir))
}

func TestRunBinaryInputRecomputesFrameCount(t *testing.T) {
	saveRoot := t.TempDir()
	planeDir := filepath.Join(saveRoot, DefaultSaveFolder, "plane0")
	require.NoError(t, os.MkdirAll(planeDir, 0755))

	// 70 frames of 4x4 int16, written by a previous run
	require.NoError(t, os.WriteFile(
		filepath.Join(planeDir, plane.RegBinName),
		make([]byte, 70*4*4*binary.BytesPerSample), 0644))

	o := ops.Default()
	o.SavePath0 = saveRoot
	o.InputFormat = "binary"
	o.Lys = []int{4}
	o.Lxs = []int{4}
	o.RoiDetect = 0

	_, err := newOrchestrator(nil).Run(o, nil)
	require.NoError(t, err)

	saved, err := ops.Load(filepath.Join(planeDir, ops.OpsFileName))
	require.NoError(t, err)
	assert.Equal(t, 70, saved.NFrames)
	assert.Equal(t, 4, saved.Ly)
	assert.Equal(t, 4, saved.Lx)
}

func TestRunSkipsFlybackPlane(t *testing.T) {
	dataDir := t.TempDir()
	saveRoot := t.TempDir()
	// two interleaved planes, 60 frames each
	writeTiffFrames(t, dataDir, 120, 8, 8)

	o := ops.Default()
	o.DataPath = []string{dataDir}
	o.SavePath0 = saveRoot
	o.NPlanes = 2
	o.IgnoreFlyback = []int{1}

	det := &countingDetector{ret: testROI()}
	r := newOrchestrator(det)
	combineCalled := false
	r.Combine = func(saveFolder string, save bool) error {
		combineCalled = true
		return nil
	}

	_, err := r.Run(o, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, det.calls)
	assert.FileExists(t, filepath.Join(saveRoot, DefaultSaveFolder, "plane0", pipeline.SpksFileName))
	assert.NoFileExists(t, filepath.Join(saveRoot, DefaultSaveFolder, "plane1", pipeline.SpksFileName))
	assert.True(t, combineCalled)
}

func TestRunMissingFormatDependency(t *testing.T) {
	saveRoot := t.TempDir()
	o := ops.Default()
	o.DataPath = []string{saveRoot}
	o.SavePath0 = saveRoot
	o.ND2 = true

	_, err := newOrchestrator(nil).Run(o, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, convert.ErrMissingDependency)
	assert.Contains(t, err.Error(), "nd2 reader")
}

func TestRunRemoteDispatch(t *testing.T) {
	saveRoot := t.TempDir()
	saveFolder := filepath.Join(saveRoot, DefaultSaveFolder)
	for i := 0; i < 2; i++ {
		folder := filepath.Join(saveFolder, fmt.Sprintf("plane%d", i))
		require.NoError(t, os.MkdirAll(folder, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(folder, plane.RegBinName), []byte{1}, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(folder, ops.OpsFileName), []byte{1}, 0644))
	}

	o := ops.Default()
	o.SavePath0 = saveRoot
	o.MultiplaneParallel = true
	o.DeleteExistingDetectionFiles = false

	r := newOrchestrator(nil)
	var jobs []dispatch.Job
	r.RemoteSubmit = func(j dispatch.Job) error {
		jobs = append(jobs, j)
		return nil
	}

	last, err := r.Run(o, &dispatch.ServerParams{Host: "cluster01", NCores: 8})
	require.NoError(t, err)
	assert.Nil(t, last)
	require.Len(t, jobs, 2)
	assert.Equal(t, "cluster01", jobs[0].Host)
	assert.NotEqual(t, jobs[0].ID, jobs[1].ID)
	assert.Contains(t, jobs[0].OpsPath, "plane0")
	assert.Contains(t, jobs[1].OpsPath, "plane1")
}

func TestRunServerFncOverridesRemote(t *testing.T) {
	saveRoot := t.TempDir()
	folder := filepath.Join(saveRoot, DefaultSaveFolder, "plane0")
	require.NoError(t, os.MkdirAll(folder, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(folder, plane.RegBinName), []byte{1}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(folder, ops.OpsFileName), []byte{1}, 0644))

	o := ops.Default()
	o.SavePath0 = saveRoot
	o.MultiplaneParallel = true
	o.DeleteExistingDetectionFiles = false

	called := ""
	server := &dispatch.ServerParams{
		Fnc: func(saveFolder string, s *dispatch.ServerParams) error {
			called = saveFolder
			return nil
		},
	}
	r := newOrchestrator(nil)
	r.RemoteSubmit = func(dispatch.Job) error {
		t.Fatal("remote submitter must not run when Fnc is set")
		return nil
	}

	_, err := r.Run(o, server)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(saveRoot, DefaultSaveFolder), called)
}
