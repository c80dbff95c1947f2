package convert

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/tiff"

	"calciumpipe/internal/natsort"
	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
	"calciumpipe/pkg/plane"
)

// TiffConverter reads a directory of single-frame TIFF files (the
// generic sequential-image format) and deinterleaves them across
// planes and channels into per-plane binary buffers.
type TiffConverter struct{}

// Available implements Converter; the TIFF decoder is always built in.
func (*TiffConverter) Available() error { return nil }

// ToBinary implements Converter. Frames are assumed interleaved in
// acquisition order: plane-major within a volume, channel-major within
// a plane (the usual scanner layout).
func (c *TiffConverter) ToBinary(o *ops.Ops) ([]*ops.Ops, error) {
	files, err := c.listFrames(o)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("convert: no tiff frames found in data path")
	}

	nPlanes := o.NPlanes
	if nPlanes < 1 {
		nPlanes = 1
	}
	nChannels := o.NChannels
	if nChannels < 1 {
		nChannels = 1
	}
	stride := nPlanes * nChannels
	framesPerPlane := len(files) / stride
	if framesPerPlane == 0 {
		return nil, errors.Errorf("convert: %d tiff frames cannot fill %d planes x %d channels",
			len(files), nPlanes, nChannels)
	}

	// probe shape from the first frame
	first, err := decodeTiff(files[0])
	if err != nil {
		return nil, err
	}
	ly := first.Bounds().Dy()
	lx := first.Bounds().Dx()

	saveFolder := filepath.Join(o.SavePath0, o.SaveFolder)
	planeOps := make([]*ops.Ops, nPlanes)
	regs := make([]*binary.File, nPlanes)
	regs2 := make([]*binary.File, nPlanes)
	rawsKept := o.KeepMovieRaw
	raws := make([]*binary.File, nPlanes)
	raws2 := make([]*binary.File, nPlanes)
	defer func() {
		for _, set := range [][]*binary.File{regs, regs2, raws, raws2} {
			for _, b := range set {
				if b != nil {
					b.Close()
				}
			}
		}
	}()

	for p := 0; p < nPlanes; p++ {
		po := *o
		po.Ly, po.Lx = ly, lx
		po.NFrames = framesPerPlane
		po.SavePath = filepath.Join(saveFolder, planeFolderName(p))
		if err := os.MkdirAll(po.SavePath, 0755); err != nil {
			return nil, errors.Wrapf(err, "convert: creating plane folder %s", po.SavePath)
		}
		binDir := po.SavePath
		if po.FastDisk != "" {
			binDir = filepath.Join(po.FastDisk, o.SaveFolder, planeFolderName(p))
			if err := os.MkdirAll(binDir, 0755); err != nil {
				return nil, errors.Wrapf(err, "convert: creating scratch folder %s", binDir)
			}
		}
		po.RegFile = filepath.Join(binDir, plane.RegBinName)
		regs[p], err = binary.Open(po.RegFile, ly, lx, framesPerPlane, binary.ReadWrite)
		if err != nil {
			return nil, err
		}
		if rawsKept {
			po.RawFile = filepath.Join(binDir, plane.RawBinName)
			raws[p], err = binary.Open(po.RawFile, ly, lx, framesPerPlane, binary.ReadWrite)
			if err != nil {
				return nil, err
			}
		}
		if nChannels > 1 {
			po.RegFileChan2 = filepath.Join(binDir, plane.RegChan2BinName)
			regs2[p], err = binary.Open(po.RegFileChan2, ly, lx, framesPerPlane, binary.ReadWrite)
			if err != nil {
				return nil, err
			}
			if rawsKept {
				po.RawFileChan2 = filepath.Join(binDir, plane.RawChan2BinName)
				raws2[p], err = binary.Open(po.RawFileChan2, ly, lx, framesPerPlane, binary.ReadWrite)
				if err != nil {
					return nil, err
				}
			}
		}
		planeOps[p] = &po
	}

	for k := 0; k < framesPerPlane*stride; k++ {
		p := (k / nChannels) % nPlanes
		ch := k % nChannels
		t := k / stride
		img, err := decodeTiff(files[k])
		if err != nil {
			return nil, err
		}
		frame := imageToFrame(img, ly, lx)
		reg, raw := regs[p], raws[p]
		if ch != 0 {
			reg, raw = regs2[p], raws2[p]
		}
		if err := reg.WriteFrame(t, frame); err != nil {
			return nil, err
		}
		if raw != nil {
			if err := raw.WriteFrame(t, frame); err != nil {
				return nil, err
			}
		}
	}

	for _, po := range planeOps {
		po.OpsPath = filepath.Join(po.SavePath, ops.OpsFileName)
		if err := po.Save(po.OpsPath); err != nil {
			return nil, err
		}
	}
	return planeOps, nil
}

func (c *TiffConverter) listFrames(o *ops.Ops) ([]string, error) {
	var dirs []string
	for _, d := range o.DataPath {
		if len(o.Subfolders) == 0 {
			dirs = append(dirs, d)
			continue
		}
		for _, sub := range o.Subfolders {
			dirs = append(dirs, filepath.Join(d, sub))
		}
	}
	var files []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "convert: listing %s", dir)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := strings.ToLower(e.Name())
			if strings.HasSuffix(name, ".tif") || strings.HasSuffix(name, ".tiff") {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return natsort.Less(files[i], files[j]) })
	return files, nil
}

func decodeTiff(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "convert: opening %s", path)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	return img, errors.Wrapf(err, "convert: decoding %s", path)
}

func imageToFrame(img image.Image, ly, lx int) []int16 {
	frame := make([]int16, ly*lx)
	b := img.Bounds()
	for y := 0; y < ly && y < b.Dy(); y++ {
		for x := 0; x < lx && x < b.Dx(); x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// 16-bit grayscale mapped into the int16 sample range
			frame[y*lx+x] = int16(r >> 1)
		}
	}
	return frame
}

// planeFolderName builds the fixed-prefix plane folder name.
func planeFolderName(i int) string {
	return "plane" + strconv.Itoa(i)
}
