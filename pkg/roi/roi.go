// Package roi holds the per-ROI descriptor records produced by
// detection and consumed by extraction and classification, plus the
// NPY persistence of the derived (ROI x frame) signal tables.
package roi

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

// StatFileName is the cached ROI-set artifact inside a plane folder.
// Downstream stages check it before deciding whether detection must
// re-run.
const StatFileName = "stat.npy"

// Stat describes one detected ROI: its pixel mask and summary
// statistics.
type Stat struct {
	YPix []int     `msgpack:"ypix"`
	XPix []int     `msgpack:"xpix"`
	Lam  []float64 `msgpack:"lam"`

	Med       [2]float64 `msgpack:"med"`
	NPix      int        `msgpack:"npix"`
	Radius    float64    `msgpack:"radius"`
	Aspect    float64    `msgpack:"aspect_ratio"`
	Compact   float64    `msgpack:"compact"`
	Footprint float64    `msgpack:"footprint"`
	Skew      float64    `msgpack:"skew"`
	Std       float64    `msgpack:"std"`
}

// Set is an ordered ROI set for one plane.
type Set []Stat

// Save persists the set to path. The stat artifact keeps its historical
// name but carries a msgpack payload, matching the ops record.
func (s Set) Save(path string) error {
	data, err := msgpack.Marshal([]Stat(s))
	if err != nil {
		return errors.Wrap(err, "roi: encoding stat")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "roi: creating folder for %s", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "roi: writing %s", path)
}

// Load reads a persisted ROI set from path.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "roi: reading %s", path)
	}
	var s []Stat
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "roi: decoding %s", path)
	}
	return Set(s), nil
}

// SaveTable writes a (ROI x frame) table as a genuine NPY file so it
// loads in numpy unchanged.
func SaveTable(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "roi: creating %s", path)
	}
	defer f.Close()
	return errors.Wrapf(npyio.Write(f, m), "roi: writing table %s", path)
}

// LoadTable reads a NPY table written by SaveTable.
func LoadTable(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "roi: opening %s", path)
	}
	defer f.Close()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, errors.Wrapf(err, "roi: reading table %s", path)
	}
	return &m, nil
}
