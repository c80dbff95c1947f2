// Package ops defines the per-plane configuration/state record that is
// threaded through every pipeline stage. The record is simultaneously
// input configuration, accumulated intermediate results and the unit of
// persistence between stages and between process invocations: a key
// written by one stage is readable by every later stage and by a
// resumed run, and the persisted record is the single source of truth
// for whether a stage has already run.
package ops

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// OpsFileName is the record artifact written into every plane folder.
// The name is kept for layout compatibility with the original tooling;
// the content is a msgpack-encoded record.
const OpsFileName = "ops.npy"

// Ops is one plane's configuration/state record.
type Ops struct {
	// ---- path identity (never overlaid onto a resumed plane) ----
	DataPath   []string `yaml:"data_path" msgpack:"data_path"`
	SavePath0  string   `yaml:"save_path0" msgpack:"save_path0"`
	SaveFolder string   `yaml:"save_folder" msgpack:"save_folder"`
	FastDisk   string   `yaml:"fast_disk" msgpack:"fast_disk"`
	Subfolders []string `yaml:"subfolders" msgpack:"subfolders"`

	// per-plane paths resolved during conversion / resume
	SavePath     string `yaml:"save_path" msgpack:"save_path"`
	OpsPath      string `yaml:"ops_path" msgpack:"ops_path"`
	RegFile      string `yaml:"reg_file" msgpack:"reg_file"`
	RawFile      string `yaml:"raw_file" msgpack:"raw_file"`
	RegFileChan2 string `yaml:"reg_file_chan2" msgpack:"reg_file_chan2"`
	RawFileChan2 string `yaml:"raw_file_chan2" msgpack:"raw_file_chan2"`
	BinFile      string `yaml:"bin_file" msgpack:"bin_file"`

	// ---- acquisition shape ----
	NPlanes   int   `yaml:"nplanes" msgpack:"nplanes"`
	NChannels int   `yaml:"nchannels" msgpack:"nchannels"`
	NFrames   int   `yaml:"nframes" msgpack:"nframes"`
	Ly        int   `yaml:"Ly" msgpack:"Ly"`
	Lx        int   `yaml:"Lx" msgpack:"Lx"`
	Lys       []int `yaml:"Lys" msgpack:"Lys"`
	Lxs       []int `yaml:"Lxs" msgpack:"Lxs"`

	Fs       float64   `yaml:"fs" msgpack:"fs"`
	Tau      float64   `yaml:"tau" msgpack:"tau"`
	Aspect   float64   `yaml:"aspect" msgpack:"aspect"`
	Diameter []float64 `yaml:"diameter" msgpack:"diameter"`

	// ---- registration ----
	DoRegistration      int  `yaml:"do_registration" msgpack:"do_registration"`
	TwoStepRegistration bool `yaml:"two_step_registration" msgpack:"two_step_registration"`
	KeepMovieRaw        bool `yaml:"keep_movie_raw" msgpack:"keep_movie_raw"`
	DoRegMetrics        bool `yaml:"do_regmetrics" msgpack:"do_regmetrics"`
	ForceRefImg         bool `yaml:"force_refImg" msgpack:"force_refImg"`
	AlignByChan         int  `yaml:"align_by_chan" msgpack:"align_by_chan"`
	FunctionalChan      int  `yaml:"functional_chan" msgpack:"functional_chan"`

	DoBidiPhase   bool `yaml:"do_bidiphase" msgpack:"do_bidiphase"`
	BidiPhase     int  `yaml:"bidiphase" msgpack:"bidiphase"`
	BidiCorrected bool `yaml:"bidi_corrected" msgpack:"bidi_corrected"`

	// registration results, written by the registration stage
	RefImg       [][]float64 `yaml:"-" msgpack:"refImg"`
	YOff         []float64   `yaml:"-" msgpack:"yoff"`
	XOff         []float64   `yaml:"-" msgpack:"xoff"`
	CorrXY       []float64   `yaml:"-" msgpack:"corrXY"`
	MeanImg      [][]float64 `yaml:"-" msgpack:"meanImg"`
	MeanImgE     [][]float64 `yaml:"-" msgpack:"meanImgE"`
	MeanImgChan2 [][]float64 `yaml:"-" msgpack:"meanImg_chan2"`
	YRange       []int       `yaml:"-" msgpack:"yrange"`
	XRange       []int       `yaml:"-" msgpack:"xrange"`
	RegMetrics   []float64   `yaml:"-" msgpack:"regPC"`

	// ---- detection / classification ----
	RoiDetect            int    `yaml:"roidetect" msgpack:"roidetect"`
	ClassifierPath       string `yaml:"classifier_path" msgpack:"classifier_path"`
	UseBuiltinClassifier bool   `yaml:"use_builtin_classifier" msgpack:"use_builtin_classifier"`

	// ---- extraction / deconvolution ----
	NeuCoeff        float64 `yaml:"neucoeff" msgpack:"neucoeff"`
	Baseline        string  `yaml:"baseline" msgpack:"baseline"`
	WinBaseline     float64 `yaml:"win_baseline" msgpack:"win_baseline"`
	SigBaseline     float64 `yaml:"sig_baseline" msgpack:"sig_baseline"`
	PrctileBaseline float64 `yaml:"prctile_baseline" msgpack:"prctile_baseline"`
	BatchSize       int     `yaml:"batch_size" msgpack:"batch_size"`
	SpikeDetect     bool    `yaml:"spikedetect" msgpack:"spikedetect"`

	// ---- run options ----
	InputFormat                  string `yaml:"input_format" msgpack:"input_format"`
	Mesoscan                     bool   `yaml:"mesoscan" msgpack:"mesoscan"`
	ND2                          bool   `yaml:"nd2" msgpack:"nd2"`
	DCImg                        bool   `yaml:"dcimg" msgpack:"dcimg"`
	H5Py                         string `yaml:"h5py" msgpack:"h5py"`
	H5PyKey                      string `yaml:"h5py_key" msgpack:"h5py_key"`
	NWBFile                      string `yaml:"nwb_file" msgpack:"nwb_file"`
	IgnoreFlyback                []int  `yaml:"ignore_flyback" msgpack:"ignore_flyback"`
	MultiplaneParallel           bool   `yaml:"multiplane_parallel" msgpack:"multiplane_parallel"`
	Combined                     bool   `yaml:"combined" msgpack:"combined"`
	SaveMat                      bool   `yaml:"save_mat" msgpack:"save_mat"`
	ExportCompatRun              bool   `yaml:"export_compat" msgpack:"export_compat"`
	MoveBin                      bool   `yaml:"move_bin" msgpack:"move_bin"`
	DeleteBin                    bool   `yaml:"delete_bin" msgpack:"delete_bin"`
	DeleteExistingDetectionFiles bool   `yaml:"delete_existing_detection_files" msgpack:"delete_existing_detection_files"`
	KeepPreviousStatFile         bool   `yaml:"keep_previous_stat_file" msgpack:"keep_previous_stat_file"`

	// ---- bookkeeping ----
	DateProc string             `yaml:"-" msgpack:"date_proc"`
	Timing   map[string]float64 `yaml:"-" msgpack:"timing"`
}

// Default returns the built-in defaults, the lowest-precedence layer of
// the defaults <- overrides <- selection merge.
func Default() *Ops {
	return &Ops{
		NPlanes:        1,
		NChannels:      1,
		Fs:             10.0,
		Tau:            1.0,
		Aspect:         1.0,
		DoRegistration: 1,
		DoRegMetrics:   true,
		AlignByChan:    1,
		FunctionalChan: 1,
		RoiDetect:      1,

		NeuCoeff:        0.7,
		Baseline:        "maximin",
		WinBaseline:     60.0,
		SigBaseline:     10.0,
		PrctileBaseline: 8.0,
		BatchSize:       500,
		SpikeDetect:     true,

		Combined:                     true,
		DeleteExistingDetectionFiles: true,
		KeepPreviousStatFile:         true,
	}
}

// ApplyYAML unmarshals a YAML overrides document onto o. Absent keys
// leave the current values untouched, which is what makes the
// defaults <- overrides <- selection layering work.
func (o *Ops) ApplyYAML(data []byte) error {
	return errors.Wrap(yaml.Unmarshal(data, o), "ops: applying yaml overrides")
}

// LoadYAMLFile applies the overrides file at path onto o. A missing
// file is not an error; defaults simply stand.
func (o *Ops) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "ops: reading overrides %s", path)
	}
	return o.ApplyYAML(data)
}

// PlaneOpsPath returns the path the record persists to: the explicit
// OpsPath when set, else ops.npy inside the plane's save path.
func (o *Ops) PlaneOpsPath() string {
	if o.OpsPath != "" {
		return o.OpsPath
	}
	return filepath.Join(o.SavePath, OpsFileName)
}

// Save persists the record wholesale to path. The record is rewritten
// in full after every stage, so a crash between stages leaves the
// previous stage's completed output intact for resume.
func (o *Ops) Save(path string) error {
	data, err := msgpack.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "ops: encoding record")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "ops: creating folder for %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "ops: writing %s", path)
}

// SavePlane persists the record to its own plane folder.
func (o *Ops) SavePlane() error {
	return o.Save(o.PlaneOpsPath())
}

// Load reads a persisted record from path.
func Load(path string) (*Ops, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "ops: reading %s", path)
	}
	o := &Ops{}
	if err := msgpack.Unmarshal(data, o); err != nil {
		return nil, errors.Wrapf(err, "ops: decoding %s", path)
	}
	return o, nil
}

// Stamp records the processing time of the current run.
func (o *Ops) Stamp(t time.Time) {
	o.DateProc = t.Format(time.RFC3339)
}

// DeriveAspect fills Aspect from a two-element Diameter when no
// explicit aspect ratio was given.
func (o *Ops) DeriveAspect() {
	if len(o.Diameter) > 1 && o.Aspect == 1.0 && o.Diameter[1] != 0 {
		o.Aspect = o.Diameter[0] / o.Diameter[1]
	}
}

// OverlayFrom copies every top-level setting from top onto o, except
// the path-identity keys (data path, save roots, fast disk, save
// folder, subfolder list), so a resumed plane picks up new settings
// without losing the paths that identify it. Results accumulated by
// earlier stages (shifts, mean images, timing) are never overlaid.
func (o *Ops) OverlayFrom(top *Ops) {
	o.NPlanes = top.NPlanes
	o.NChannels = top.NChannels
	o.Fs = top.Fs
	o.Tau = top.Tau
	o.Aspect = top.Aspect
	o.Diameter = top.Diameter

	o.DoRegistration = top.DoRegistration
	o.TwoStepRegistration = top.TwoStepRegistration
	o.KeepMovieRaw = top.KeepMovieRaw
	o.DoRegMetrics = top.DoRegMetrics
	o.ForceRefImg = top.ForceRefImg
	o.AlignByChan = top.AlignByChan
	o.FunctionalChan = top.FunctionalChan
	o.DoBidiPhase = top.DoBidiPhase
	o.BidiPhase = top.BidiPhase

	o.RoiDetect = top.RoiDetect
	o.ClassifierPath = top.ClassifierPath
	o.UseBuiltinClassifier = top.UseBuiltinClassifier

	o.NeuCoeff = top.NeuCoeff
	o.Baseline = top.Baseline
	o.WinBaseline = top.WinBaseline
	o.SigBaseline = top.SigBaseline
	o.PrctileBaseline = top.PrctileBaseline
	o.BatchSize = top.BatchSize
	o.SpikeDetect = top.SpikeDetect

	o.IgnoreFlyback = top.IgnoreFlyback
	o.MultiplaneParallel = top.MultiplaneParallel
	o.Combined = top.Combined
	o.SaveMat = top.SaveMat
	o.ExportCompatRun = top.ExportCompatRun
	o.MoveBin = top.MoveBin
	o.DeleteBin = top.DeleteBin
	o.DeleteExistingDetectionFiles = top.DeleteExistingDetectionFiles
	o.KeepPreviousStatFile = top.KeepPreviousStatFile
}
