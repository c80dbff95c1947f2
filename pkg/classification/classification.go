// Package classification defines the ROI-classifier collaborator and
// the classifier-file conventions: a built-in classifier shipped with
// the tool and an optional user classifier under the user config dir.
package classification

import (
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"calciumpipe/pkg/roi"
)

// Classifier scores each ROI for acceptance. The returned table has
// one row per ROI and two columns: accepted label (0/1) and
// probability.
type Classifier interface {
	Classify(stat roi.Set, classfile string) (*mat.Dense, error)
}

// BuiltinClassfile returns the path of the classifier shipped with the
// tool.
func BuiltinClassfile() string {
	exe, err := os.Executable()
	if err != nil {
		return "classifier.default"
	}
	return filepath.Join(filepath.Dir(exe), "classifier.default")
}

// UserClassfile returns the path of the user's own classifier under
// the OS config dir. The file may or may not exist.
func UserClassfile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "calciumpipe", "classifiers", "classifier_user.default")
}

// Logistic is the reference Classifier: a fixed logistic score over
// compactness and mask size. A real classifier file, when present, is
// only logged by the pipeline; this implementation does not read it.
type Logistic struct {
	// Threshold is the acceptance probability cutoff; zero means 0.5.
	Threshold float64
}

func (c *Logistic) threshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return 0.5
}

// Classify implements Classifier. An empty ROI set yields an empty
// table.
func (c *Logistic) Classify(stat roi.Set, classfile string) (*mat.Dense, error) {
	if len(stat) == 0 {
		return &mat.Dense{}, nil
	}
	iscell := mat.NewDense(len(stat), 2, nil)
	for r, s := range stat {
		// compact masks of plausible size score high
		z := 2.0*s.Compact + 0.05*float64(s.NPix) - 1.0
		p := 1.0 / (1.0 + math.Exp(-z))
		label := 0.0
		if p >= c.threshold() {
			label = 1.0
		}
		iscell.Set(r, 0, label)
		iscell.Set(r, 1, p)
	}
	return iscell, nil
}
