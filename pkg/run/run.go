// Package run is the top-level driver: it merges configuration layers,
// discovers or creates plane folders, decides between resuming from
// existing binaries and converting the raw source, invalidates stale
// downstream artifacts, dispatches planes sequentially or to remote
// workers, and triggers cross-plane combination.
package run

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"calciumpipe/internal/natsort"
	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/combine"
	"calciumpipe/pkg/convert"
	"calciumpipe/pkg/dispatch"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/pipeline"
	"calciumpipe/pkg/plane"
	"calciumpipe/pkg/roi"
)

// DefaultSaveFolder is the save-root subfolder when none is configured.
const DefaultSaveFolder = "calciumpipe"

// PlaneFolderPrefix is the fixed prefix of plane folder names.
const PlaneFolderPrefix = "plane"

// ErrNoDataPath is returned when no save root can be derived from the
// configuration.
var ErrNoDataPath = errors.New("run: no data path, h5 file or nwb file configured")

// Orchestrator drives a full run. Collaborator hooks default to the
// in-repo implementations; tests replace them.
type Orchestrator struct {
	Pipeline     *pipeline.Pipeline
	Combine      func(saveFolder string, save bool) error
	ExportCompat func(saveFolder string) error
	RemoteSubmit func(dispatch.Job) error
	Log          *slog.Logger
}

// New returns an orchestrator wired to the reference pipeline and the
// in-repo combination/export collaborators.
func New() *Orchestrator {
	return &Orchestrator{
		Pipeline:     pipeline.New(),
		Combine:      combine.Combine,
		ExportCompat: combine.ExportCompat,
		Log:          slog.Default(),
	}
}

func (r *Orchestrator) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// Run executes the whole pipeline for every plane of one acquisition.
// o is the already-merged configuration (defaults <- overrides <-
// selection); server carries the optional remote-execution parameters.
// When dispatching to remote workers Run returns a nil record.
func (r *Orchestrator) Run(o *ops.Ops, server *dispatch.ServerParams) (*ops.Ops, error) {
	log := r.log()
	t0 := time.Now()

	o.DeriveAspect()
	if err := deriveSaveRoot(o); err != nil {
		return nil, err
	}
	if o.SaveFolder == "" {
		o.SaveFolder = DefaultSaveFolder
	}
	saveFolder := filepath.Join(o.SavePath0, o.SaveFolder)
	if err := os.MkdirAll(saveFolder, 0755); err != nil {
		return nil, errors.Wrapf(err, "run: creating save folder %s", saveFolder)
	}

	planeFolders, err := ListPlaneFolders(saveFolder)
	if err != nil {
		return nil, err
	}

	var opsPaths []string
	filesFound := false
	switch {
	case len(planeFolders) > 0 && o.InputFormat == string(convert.FormatBinary):
		// previous binaries are the ground truth: shapes come from the
		// caller's per-plane lists, frame counts from the file sizes
		opsPaths, err = r.rewriteBinaryPlanes(o, planeFolders)
		if err != nil {
			return nil, err
		}
		filesFound = true
	case len(planeFolders) > 0:
		filesFound = true
		for _, folder := range planeFolders {
			if ProbeState(folder) < StateRegistered {
				filesFound = false
				break
			}
		}
		opsPaths = opsPathsFor(planeFolders)
	}

	if filesFound && o.DeleteExistingDetectionFiles {
		log.Info("found binaries and ops, removing previous detection and extraction files",
			"planes", len(planeFolders))
		invalidatePlanes(planeFolders, o.KeepPreviousStatFile, log)
	} else if !filesFound {
		format := convert.Select(o)
		conv, err := convert.Get(format)
		if err != nil {
			return nil, err
		}
		converted, err := conv.ToBinary(o)
		if err != nil {
			return nil, err
		}
		planeFolders, err = ListPlaneFolders(saveFolder)
		if err != nil {
			return nil, err
		}
		opsPaths = opsPathsFor(planeFolders)
		if len(converted) > 0 {
			log.Info("converted source to binary",
				"sec", time.Since(t0).Seconds(),
				"frames_per_binary", converted[0].NFrames,
				"planes", len(planeFolders))
		}
	}

	if o.MultiplaneParallel {
		if server != nil && server.Fnc != nil {
			return nil, server.Fnc(saveFolder, server)
		}
		params := dispatch.ServerParams{}
		if server != nil {
			params = *server
		}
		remote := &dispatch.Remote{Params: params, Submit: r.RemoteSubmit, Log: log}
		return nil, remote.Dispatch(saveFolder, opsPaths)
	}

	var lastOp *ops.Ops
	seq := &dispatch.Sequential{
		Ignore: o.IgnoreFlyback,
		Log:    log,
		Run: func(i int, opsPath string) error {
			op, err := ops.Load(opsPath)
			if err != nil {
				return err
			}
			// a resumed plane picks up new top-level settings without
			// losing its identity paths
			op.OverlayFrom(o)
			log.Info("starting processing plane", "plane", i)
			op, err = plane.Run(r.Pipeline, op, opsPath, nil)
			if err != nil {
				return err
			}
			log.Info("plane processed", "plane", i, "sec", op.Timing["total_plane_runtime"])
			lastOp = op
			return nil
		},
	}
	if err := seq.Dispatch(saveFolder, opsPaths); err != nil {
		return nil, err
	}

	if len(opsPaths) > 1 && o.Combined && o.RoiDetect > 0 {
		log.Info("creating combined view")
		if err := r.Combine(saveFolder, true); err != nil {
			return lastOp, err
		}
	}
	if o.ExportCompatRun {
		log.Info("writing compatibility export")
		if err := r.ExportCompat(saveFolder); err != nil {
			return lastOp, err
		}
	}
	log.Info("total runtime", "sec", time.Since(t0).Seconds())
	return lastOp, nil
}

// deriveSaveRoot picks the save root in priority order: explicit save
// path, the h5 input's folder, the nwb input's folder, the first raw
// data path.
func deriveSaveRoot(o *ops.Ops) error {
	if o.SavePath0 != "" {
		return nil
	}
	switch {
	case o.H5Py != "":
		o.SavePath0 = filepath.Dir(o.H5Py)
	case o.NWBFile != "":
		o.SavePath0 = filepath.Dir(o.NWBFile)
	case len(o.DataPath) > 0:
		o.SavePath0 = o.DataPath[0]
	default:
		return ErrNoDataPath
	}
	return nil
}

// rewriteBinaryPlanes refreshes each plane's record for pre-existing
// binaries: shape from the caller-provided per-plane lists, frame
// count recomputed from the on-disk file size.
func (r *Orchestrator) rewriteBinaryPlanes(o *ops.Ops, planeFolders []string) ([]string, error) {
	opsPaths := make([]string, len(planeFolders))
	for i, folder := range planeFolders {
		po := *o
		po.Ly, po.Lx = o.Ly, o.Lx
		if i < len(o.Lys) {
			po.Ly = o.Lys[i]
		}
		if i < len(o.Lxs) {
			po.Lx = o.Lxs[i]
		}
		po.BinFile = filepath.Join(folder, plane.RegBinName)
		po.RegFile = po.BinFile
		nf, err := binary.FrameCountFromSize(po.BinFile, po.Ly, po.Lx)
		if err != nil {
			return nil, errors.Wrapf(err, "run: plane %d", i)
		}
		po.NFrames = nf
		po.SavePath = folder
		po.OpsPath = filepath.Join(folder, ops.OpsFileName)
		if err := po.Save(po.OpsPath); err != nil {
			return nil, err
		}
		opsPaths[i] = po.OpsPath
	}
	return opsPaths, nil
}

// invalidatePlanes removes the downstream artifacts of detection,
// extraction, classification and deconvolution so a re-run never
// leaves stale results inconsistent with recomputed upstream ones. The
// cached ROI set is additionally removed unless explicitly preserved.
func invalidatePlanes(planeFolders []string, keepStat bool, log *slog.Logger) {
	for _, folder := range planeFolders {
		removeIfPresent(filepath.Join(folder, pipeline.SpksFileName), log)
		removeIfPresent(filepath.Join(folder, pipeline.IscellFileName), log)
		entries, err := os.ReadDir(folder)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() && strings.HasPrefix(e.Name(), "F") && strings.HasSuffix(e.Name(), ".npy") {
					removeIfPresent(filepath.Join(folder, e.Name()), log)
				}
			}
		}
		if !keepStat {
			removeIfPresent(filepath.Join(folder, roi.StatFileName), log)
		}
	}
}

func removeIfPresent(path string, log *slog.Logger) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warn("removing stale artifact", "path", path, "error", err)
	}
}

// ListPlaneFolders returns the naturally ordered plane subfolders of
// saveFolder.
func ListPlaneFolders(saveFolder string) ([]string, error) {
	entries, err := os.ReadDir(saveFolder)
	if err != nil {
		return nil, errors.Wrapf(err, "run: listing %s", saveFolder)
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), PlaneFolderPrefix) {
			folders = append(folders, filepath.Join(saveFolder, e.Name()))
		}
	}
	natsort.Sort(folders)
	return folders, nil
}

func opsPathsFor(planeFolders []string) []string {
	paths := make([]string, len(planeFolders))
	for i, f := range planeFolders {
		paths[i] = filepath.Join(f, ops.OpsFileName)
	}
	return paths
}
