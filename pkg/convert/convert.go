// Package convert materializes binary frame buffers and plane folders
// from raw acquisition formats. Adapters register against a format tag;
// availability of each adapter's optional dependency is checked before
// any file is touched, so an unsupported format fails with a clear
// dependency error instead of a mid-conversion one.
package convert

import (
	"path/filepath"

	"github.com/pkg/errors"

	"calciumpipe/pkg/ops"
)

// Format tags the supported acquisition formats.
type Format string

const (
	FormatTiff     Format = "tif"
	FormatBinary   Format = "binary"
	FormatH5       Format = "h5"
	FormatNWB      Format = "nwb"
	FormatMesoscan Format = "mesoscan"
	FormatND2      Format = "nd2"
	FormatDCImg    Format = "dcimg"
	FormatMovie    Format = "movie"
)

// ErrMissingDependency is wrapped by adapters whose optional component
// is not built in.
var ErrMissingDependency = errors.New("optional format component not available")

// Converter turns one acquisition into per-plane binary buffers,
// returning one configuration record per plane folder it created.
type Converter interface {
	// Available reports whether the adapter's dependency is present;
	// the returned error names the missing component.
	Available() error

	// ToBinary materializes the binary buffers and plane folders.
	ToBinary(o *ops.Ops) ([]*ops.Ops, error)
}

var registry = map[Format]Converter{}

// Register installs a converter for a format tag, replacing any
// previous one. Called from init and from tests.
func Register(f Format, c Converter) {
	registry[f] = c
}

// Get returns the converter for f after checking its availability.
func Get(f Format) (Converter, error) {
	c, ok := registry[f]
	if !ok {
		return nil, errors.Errorf("convert: unsupported input format %q", f)
	}
	if err := c.Available(); err != nil {
		return nil, err
	}
	return c, nil
}

// Select resolves the input format from the configuration flags in
// fixed priority order and normalizes the record's path fields for the
// chosen source.
func Select(o *ops.Ops) Format {
	switch {
	case o.H5Py != "":
		o.InputFormat = string(FormatH5)
		// the h5 file's folder becomes the data path
		o.DataPath = []string{filepath.Dir(o.H5Py)}
	case o.NWBFile != "":
		o.InputFormat = string(FormatNWB)
	case o.Mesoscan:
		o.InputFormat = string(FormatMesoscan)
	case o.ND2:
		o.InputFormat = string(FormatND2)
	case o.DCImg:
		o.InputFormat = string(FormatDCImg)
	case o.InputFormat != "":
		// explicit format stands
	default:
		o.InputFormat = string(FormatTiff)
	}
	return Format(o.InputFormat)
}

// unavailable is the adapter registered for formats whose reader is an
// optional component this build does not carry.
type unavailable struct {
	component string
}

func (u unavailable) Available() error {
	return errors.Wrapf(ErrMissingDependency, "%s", u.component)
}

func (u unavailable) ToBinary(o *ops.Ops) ([]*ops.Ops, error) {
	return nil, u.Available()
}

func init() {
	Register(FormatH5, unavailable{component: "hdf5 reader"})
	Register(FormatNWB, unavailable{component: "nwb reader"})
	Register(FormatMesoscan, unavailable{component: "mesoscan reader"})
	Register(FormatND2, unavailable{component: "nd2 reader"})
	Register(FormatDCImg, unavailable{component: "dcimg reader"})
	Register(FormatMovie, unavailable{component: "movie decoder"})
	Register(FormatTiff, &TiffConverter{})
}
