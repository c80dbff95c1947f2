package run

import (
	"os"
	"path/filepath"

	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/pipeline"
	"calciumpipe/pkg/plane"
	"calciumpipe/pkg/roi"
)

// PlaneState is how far a plane folder has progressed, computed once
// from file-presence probes. It drives the resume decision instead of
// scattered existence checks.
type PlaneState int

const (
	// StateNotConverted means no binary buffer exists yet.
	StateNotConverted PlaneState = iota

	// StateConverted means a raw or registered buffer file exists.
	StateConverted

	// StateRegistered means the buffer exists and a configuration
	// record has been persisted alongside it (the record itself says
	// whether shifts were estimated).
	StateRegistered

	// StateDetected adds a cached ROI set.
	StateDetected

	// StateExtracted adds both fluorescence trace tables.
	StateExtracted

	// StateClassified adds the acceptance-score table.
	StateClassified

	// StateDeconvolved adds the spike estimates; with everything above
	// present the plane is fully persisted.
	StateDeconvolved
)

// ProbeState inspects a plane folder and returns the highest state the
// artifact ladder supports.
func ProbeState(folder string) PlaneState {
	has := func(name string) bool {
		fi, err := os.Stat(filepath.Join(folder, name))
		return err == nil && !fi.IsDir()
	}
	if !has(plane.RegBinName) && !has(plane.RawBinName) {
		return StateNotConverted
	}
	if !has(ops.OpsFileName) {
		return StateConverted
	}
	if !has(roi.StatFileName) {
		return StateRegistered
	}
	if !has(pipeline.FFileName) || !has(pipeline.FneuFileName) {
		return StateDetected
	}
	if !has(pipeline.IscellFileName) {
		return StateExtracted
	}
	if !has(pipeline.SpksFileName) {
		return StateClassified
	}
	return StateDeconvolved
}
