// Package plane drives the processing of one imaging plane: it
// resolves the plane's binary buffer paths, decides whether
// registration must run or can be resumed, opens the frame buffers as
// a single scoped acquisition around the stage pipeline, and disposes
// of the binaries afterwards.
package plane

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/pipeline"
	"calciumpipe/pkg/roi"
)

// Binary buffer file names inside a plane folder.
const (
	RegBinName      = "data.bin"
	RawBinName      = "data_raw.bin"
	RegChan2BinName = "data_chan2.bin"
	RawChan2BinName = "data_chan2_raw.bin"
)

// ErrTooFewFrames is the fatal validation error for movies shorter
// than the minimum the pipeline can process.
var ErrTooFewFrames = errors.New("the total number of frames should be at least 50")

// MinFrames is the hard lower bound on movie length; WarnFrames is the
// length below which behavior is unreliable but processing continues.
const (
	MinFrames  = 50
	WarnFrames = 200
)

// Run processes one plane with the given pipeline and returns the
// updated, persisted configuration record. opsPath, when non-empty, is
// the path of a previously persisted record and rebinds the plane's
// save path and buffer paths (used when files were relocated). stat,
// when non-nil, skips detection.
func Run(p *pipeline.Pipeline, o *ops.Ops, opsPath string, stat roi.Set) (*ops.Ops, error) {
	log := logger(p)
	o.Stamp(time.Now())

	if opsPath != "" {
		rebindPaths(o, opsPath)
	}

	if o.NFrames < MinFrames {
		return nil, errors.Wrapf(ErrTooFewFrames, "plane has %d frames", o.NFrames)
	}
	if o.NFrames < WarnFrames {
		log.Warn("number of frames is below 200, unpredictable behaviors may occur",
			"nframes", o.NFrames)
	}

	runRegistration := decideRegistration(o, log)

	raw := o.KeepMovieRaw && o.RawFile != "" && fileExists(o.RawFile)
	plan := binary.OpenPlan{
		Ly:      o.Ly,
		Lx:      o.Lx,
		NFrames: o.NFrames,
		RegPath: o.RegFile,
	}
	if raw {
		plan.RawPath = o.RawFile
	}
	if o.NChannels > 1 {
		plan.RegChan2Path = o.RegFileChan2
		if raw && o.RawFileChan2 != "" {
			plan.RawChan2Path = o.RawFileChan2
		}
	}

	// the buffers are released on every exit path, including errors
	// propagated out of the stage pipeline, before any disposition of
	// the files below
	o, err := func() (*ops.Ops, error) {
		bufs, err := binary.OpenBuffers(plan)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := bufs.Close(); cerr != nil {
				log.Warn("releasing frame buffers", "error", cerr)
			}
		}()
		return p.Run(bufs, runRegistration, o, stat)
	}()
	if err != nil {
		return nil, err
	}

	// binary disposition is best-effort convenience, never allowed to
	// mask a pipeline result
	switch {
	case o.MoveBin && o.SavePath != o.FastDisk && o.FastDisk != "":
		moveBinaries(o, log)
	case o.DeleteBin:
		deleteBinaries(o, log)
	}
	return o, nil
}

// decideRegistration resolves whether registration must run: forced
// when do_registration exceeds 1, required when no prior shift
// estimates or reference image exist, skipped otherwise.
func decideRegistration(o *ops.Ops, log *slog.Logger) bool {
	if o.DoRegistration <= 0 {
		log.Info("not running registration (do_registration=0)", "binary", o.RegFile)
		return false
	}
	if len(o.RefImg) == 0 || len(o.YOff) == 0 || o.DoRegistration > 1 {
		log.Info("not registered yet or registration forced (do_registration>1)")
		if len(o.YOff) == 0 && len(o.XOff) == 0 && len(o.CorrXY) == 0 {
			log.Warn("no previous offsets to delete")
		}
		o.YOff, o.XOff, o.CorrXY = nil, nil, nil
		return true
	}
	log.Info("plane already registered, skipping registration", "binary", o.RegFile)
	return false
}

// rebindPaths points the record at the folder its ops file now lives
// in, and at the binaries next to it when they were moved there.
func rebindPaths(o *ops.Ops, opsPath string) {
	o.SavePath = filepath.Dir(opsPath)
	o.OpsPath = opsPath
	if o.FastDisk == "" || o.SavePath != o.FastDisk {
		moved := filepath.Join(o.SavePath, RegBinName)
		if fileExists(moved) {
			o.RegFile = moved
			if o.RegFileChan2 != "" {
				o.RegFileChan2 = filepath.Join(o.SavePath, RegChan2BinName)
			}
			if o.RawFile != "" {
				o.RawFile = filepath.Join(o.SavePath, RawBinName)
			}
			if o.RawFileChan2 != "" {
				o.RawFileChan2 = filepath.Join(o.SavePath, RawChan2BinName)
			}
		}
	}
}

func moveBinaries(o *ops.Ops, log *slog.Logger) {
	log.Info("moving binary files to save path", "save_path", o.SavePath)
	move := func(from, toName string) {
		if from == "" {
			return
		}
		if err := os.Rename(from, filepath.Join(o.SavePath, toName)); err != nil {
			log.Warn("moving binary", "from", from, "error", err)
		}
	}
	move(o.RegFile, RegBinName)
	if o.NChannels > 1 {
		move(o.RegFileChan2, RegChan2BinName)
	}
	if o.RawFile != "" {
		move(o.RawFile, RawBinName)
		if o.NChannels > 1 {
			move(o.RawFileChan2, RawChan2BinName)
		}
	}
}

func deleteBinaries(o *ops.Ops, log *slog.Logger) {
	log.Info("deleting binary files")
	remove := func(path string) {
		if path == "" {
			return
		}
		if err := os.Remove(path); err != nil {
			log.Warn("deleting binary", "path", path, "error", err)
		}
	}
	remove(o.RegFile)
	if o.NChannels > 1 {
		remove(o.RegFileChan2)
	}
	if o.RawFile != "" {
		remove(o.RawFile)
		if o.NChannels > 1 {
			remove(o.RawFileChan2)
		}
	}
}

func logger(p *pipeline.Pipeline) *slog.Logger {
	if p != nil && p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
