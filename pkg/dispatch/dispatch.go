// Package dispatch abstracts how per-plane jobs are driven to
// completion. The run orchestrator depends on the Dispatcher
// capability only; a local sequential implementation, a bounded local
// parallel one and a fire-and-forget remote submitter all satisfy it.
package dispatch

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// PlaneRunner processes the plane whose persisted configuration record
// lives at opsPath. idx is the plane ordinal in folder order.
type PlaneRunner func(idx int, opsPath string) error

// Dispatcher drives the per-plane jobs of one run.
type Dispatcher interface {
	Dispatch(saveFolder string, opsPaths []string) error
}

// Sequential runs planes one at a time in folder order, aborting on
// the first error. Planes listed in Ignore (flyback planes) are
// skipped.
type Sequential struct {
	Run    PlaneRunner
	Ignore []int
	Log    *slog.Logger
}

// Dispatch implements Dispatcher.
func (s *Sequential) Dispatch(saveFolder string, opsPaths []string) error {
	for i, opsPath := range opsPaths {
		if containsInt(s.Ignore, i) {
			s.logger().Info("skipping flyback plane", "plane", i)
			continue
		}
		if err := s.Run(i, opsPath); err != nil {
			return errors.Wrapf(err, "dispatch: plane %d", i)
		}
	}
	return nil
}

func (s *Sequential) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Parallel fans planes out to NWorkers local goroutines. Plane results
// are independent, so no cross-plane ordering is guaranteed.
type Parallel struct {
	Run      PlaneRunner
	Ignore   []int
	NWorkers int
}

// Dispatch implements Dispatcher.
func (p *Parallel) Dispatch(saveFolder string, opsPaths []string) error {
	var g errgroup.Group
	if p.NWorkers > 0 {
		g.SetLimit(p.NWorkers)
	}
	for i, opsPath := range opsPaths {
		if containsInt(p.Ignore, i) {
			continue
		}
		i, opsPath := i, opsPath
		g.Go(func() error {
			return errors.Wrapf(p.Run(i, opsPath), "dispatch: plane %d", i)
		})
	}
	return g.Wait()
}

// ServerParams identifies the remote job-submission collaborator. Fnc,
// when set, is a caller-supplied dispatch function honored instead of
// the remote submitter.
type ServerParams struct {
	Host       string
	Username   string
	Password   string
	ServerRoot string
	LocalRoot  string
	NCores     int

	Fnc func(saveFolder string, s *ServerParams) error
}

// Job is one remote plane job.
type Job struct {
	ID         string
	SaveFolder string
	OpsPath    string
	Host       string
	ServerRoot string
	LocalRoot  string
	NCores     int
}

// Remote submits one job per plane to the remote collaborator and
// returns without waiting for per-plane results; worker isolation is
// the collaborator's responsibility.
type Remote struct {
	Params ServerParams
	Submit func(Job) error
	Log    *slog.Logger
}

// Dispatch implements Dispatcher.
func (r *Remote) Dispatch(saveFolder string, opsPaths []string) error {
	if r.Submit == nil {
		return errors.New("dispatch: remote submitter not configured")
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	for _, opsPath := range opsPaths {
		job := Job{
			ID:         uuid.NewString(),
			SaveFolder: saveFolder,
			OpsPath:    opsPath,
			Host:       r.Params.Host,
			ServerRoot: r.Params.ServerRoot,
			LocalRoot:  r.Params.LocalRoot,
			NCores:     r.Params.NCores,
		}
		if err := r.Submit(job); err != nil {
			return errors.Wrapf(err, "dispatch: submitting job %s", job.ID)
		}
		log.Info("submitted plane job", "job", job.ID, "ops_path", opsPath, "host", r.Params.Host)
	}
	return nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
