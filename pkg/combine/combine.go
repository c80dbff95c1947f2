// Package combine builds the cross-plane combined view and the
// run-level compatibility export.
package combine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"calciumpipe/internal/natsort"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/pipeline"
	"calciumpipe/pkg/roi"
)

// CombinedFolderName is the folder the merged view is written into.
const CombinedFolderName = "combined"

// Combine merges the per-plane ROI sets and signal tables under
// saveFolder into a single combined view. Tables are truncated to the
// shortest plane so rows stay frame-aligned. When save is false the
// merge is computed but not written.
func Combine(saveFolder string, save bool) error {
	planes, err := planeFolders(saveFolder)
	if err != nil {
		return err
	}
	if len(planes) < 2 {
		return errors.Errorf("combine: need at least two planes, found %d", len(planes))
	}

	var allStat roi.Set
	var tables = map[string][]*mat.Dense{}
	minFrames := -1
	for _, folder := range planes {
		stat, err := roi.Load(filepath.Join(folder, roi.StatFileName))
		if err != nil {
			return errors.Wrapf(err, "combine: plane %s", folder)
		}
		allStat = append(allStat, stat...)
		for _, name := range []string{pipeline.FFileName, pipeline.FneuFileName, pipeline.SpksFileName, pipeline.IscellFileName} {
			m, err := roi.LoadTable(filepath.Join(folder, name))
			if err != nil {
				return errors.Wrapf(err, "combine: plane %s", folder)
			}
			tables[name] = append(tables[name], m)
		}
		_, cols := tables[pipeline.FFileName][len(tables[pipeline.FFileName])-1].Dims()
		if minFrames < 0 || cols < minFrames {
			minFrames = cols
		}
	}
	if !save {
		return nil
	}

	outDir := filepath.Join(saveFolder, CombinedFolderName)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrapf(err, "combine: creating %s", outDir)
	}
	if err := allStat.Save(filepath.Join(outDir, roi.StatFileName)); err != nil {
		return err
	}
	for name, parts := range tables {
		width := minFrames
		if name == pipeline.IscellFileName {
			width = 2 // label tables are (ROI x 2), not frame-shaped
		}
		merged := stackRows(parts, width)
		if err := roi.SaveTable(filepath.Join(outDir, name), merged); err != nil {
			return err
		}
	}
	return nil
}

// ExportCompat writes a run-level bundle combining every plane's
// record and results into one file under saveFolder.
func ExportCompat(saveFolder string) error {
	planes, err := planeFolders(saveFolder)
	if err != nil {
		return err
	}
	bundle := map[string]interface{}{}
	for _, folder := range planes {
		o, err := ops.Load(filepath.Join(folder, ops.OpsFileName))
		if err != nil {
			return errors.Wrapf(err, "combine: export %s", folder)
		}
		bundle[filepath.Base(folder)] = o
	}
	data, err := msgpack.Marshal(bundle)
	if err != nil {
		return errors.Wrap(err, "combine: encoding export bundle")
	}
	out := filepath.Join(saveFolder, pipeline.CompatFileName)
	return errors.Wrapf(os.WriteFile(out, data, 0644), "combine: writing %s", out)
}

func stackRows(parts []*mat.Dense, width int) *mat.Dense {
	total := 0
	for _, m := range parts {
		r, _ := m.Dims()
		total += r
	}
	out := mat.NewDense(total, width, nil)
	row := 0
	for _, m := range parts {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < width && j < c; j++ {
				out.Set(row, j, m.At(i, j))
			}
			row++
		}
	}
	return out
}

func planeFolders(saveFolder string) ([]string, error) {
	entries, err := os.ReadDir(saveFolder)
	if err != nil {
		return nil, errors.Wrapf(err, "combine: listing %s", saveFolder)
	}
	var planes []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "plane") {
			planes = append(planes, filepath.Join(saveFolder, e.Name()))
		}
	}
	natsort.Sort(planes)
	return planes, nil
}
