// Package binary implements the file-backed frame buffer that every
// movie-shaped pipeline stage reads from and writes to. A buffer is an
// ordered sequence of n_frames frames of Ly x Lx int16 samples stored
// contiguously on disk and addressed by frame index, so stages can work
// on slices of a movie far too large to hold in memory.
package binary

import (
	encbin "encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// BytesPerSample is the fixed on-disk sample width. Frame counts are
// recovered from file sizes as size / (BytesPerSample * Ly * Lx).
const BytesPerSample = 2

// ErrSizeMismatch is returned when an existing buffer file does not
// match the configured Ly x Lx x nFrames geometry. This is a fatal
// configuration error, not something to retry.
var ErrSizeMismatch = errors.New("binary buffer size does not match configured shape")

// Mode selects how a buffer file is opened.
type Mode int

const (
	// ReadOnly opens an existing buffer for reading; the file must
	// exist and match the expected size exactly.
	ReadOnly Mode = iota

	// ReadWrite opens a buffer for in-place rewriting during
	// registration. A missing file is created and extended to the
	// expected size; an existing file must match it.
	ReadWrite
)

// File is a handle onto one on-disk frame buffer.
type File struct {
	f       *os.File
	ly, lx  int
	nFrames int
	mode    Mode
	closed  bool
}

// Open opens (or, in ReadWrite mode, creates) the buffer at path with
// the given frame geometry.
func Open(path string, ly, lx, nFrames int, mode Mode) (*File, error) {
	if ly <= 0 || lx <= 0 || nFrames <= 0 {
		return nil, errors.Errorf("binary: invalid buffer shape %dx%dx%d", nFrames, ly, lx)
	}
	want := int64(nFrames) * int64(ly) * int64(lx) * BytesPerSample

	flags := os.O_RDONLY
	if mode == ReadWrite {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "binary: opening buffer %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "binary: stat %s", path)
	}
	switch {
	case fi.Size() == want:
		// existing buffer matches the configured geometry
	case fi.Size() == 0 && mode == ReadWrite:
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "binary: extending buffer %s to %d bytes", path, want)
		}
	default:
		f.Close()
		return nil, errors.Wrapf(ErrSizeMismatch, "%s is %d bytes, want %d (%d frames of %dx%d)",
			path, fi.Size(), want, nFrames, ly, lx)
	}

	return &File{f: f, ly: ly, lx: lx, nFrames: nFrames, mode: mode}, nil
}

// Shape returns (Ly, Lx).
func (b *File) Shape() (int, int) { return b.ly, b.lx }

// NFrames returns the number of frames in the buffer.
func (b *File) NFrames() int { return b.nFrames }

// Path returns the underlying file path.
func (b *File) Path() string { return b.f.Name() }

func (b *File) frameBytes() int64 { return int64(b.ly) * int64(b.lx) * BytesPerSample }

// ReadFrame reads frame i into a freshly allocated sample slice.
func (b *File) ReadFrame(i int) ([]int16, error) {
	if b.closed {
		return nil, errors.New("binary: read from closed buffer")
	}
	if i < 0 || i >= b.nFrames {
		return nil, errors.Errorf("binary: frame index %d out of range [0,%d)", i, b.nFrames)
	}
	raw := make([]byte, b.frameBytes())
	if _, err := b.f.ReadAt(raw, int64(i)*b.frameBytes()); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "binary: reading frame %d from %s", i, b.Path())
	}
	frame := make([]int16, b.ly*b.lx)
	for p := range frame {
		frame[p] = int16(encbin.LittleEndian.Uint16(raw[2*p:]))
	}
	return frame, nil
}

// ReadFrames reads the frames at the given indices, in order.
func (b *File) ReadFrames(indices []int) ([][]int16, error) {
	out := make([][]int16, len(indices))
	for k, i := range indices {
		frame, err := b.ReadFrame(i)
		if err != nil {
			return nil, err
		}
		out[k] = frame
	}
	return out, nil
}

// WriteFrame overwrites frame i. The buffer must have been opened
// ReadWrite.
func (b *File) WriteFrame(i int, frame []int16) error {
	if b.closed {
		return errors.New("binary: write to closed buffer")
	}
	if b.mode != ReadWrite {
		return errors.Errorf("binary: buffer %s is read-only", b.Path())
	}
	if i < 0 || i >= b.nFrames {
		return errors.Errorf("binary: frame index %d out of range [0,%d)", i, b.nFrames)
	}
	if len(frame) != b.ly*b.lx {
		return errors.Errorf("binary: frame has %d samples, want %d", len(frame), b.ly*b.lx)
	}
	raw := make([]byte, b.frameBytes())
	for p, v := range frame {
		encbin.LittleEndian.PutUint16(raw[2*p:], uint16(v))
	}
	if _, err := b.f.WriteAt(raw, int64(i)*b.frameBytes()); err != nil {
		return errors.Wrapf(err, "binary: writing frame %d to %s", i, b.Path())
	}
	return nil
}

// FrameMean reads the frames at indices and returns their per-pixel
// mean as a Ly x Lx float64 image.
func (b *File) FrameMean(indices []int) ([][]float64, error) {
	if len(indices) == 0 {
		return nil, errors.New("binary: FrameMean needs at least one frame")
	}
	acc := make([]float64, b.ly*b.lx)
	for _, i := range indices {
		frame, err := b.ReadFrame(i)
		if err != nil {
			return nil, err
		}
		for p, v := range frame {
			acc[p] += float64(v)
		}
	}
	n := float64(len(indices))
	img := make([][]float64, b.ly)
	for y := 0; y < b.ly; y++ {
		row := make([]float64, b.lx)
		for x := 0; x < b.lx; x++ {
			row[x] = acc[y*b.lx+x] / n
		}
		img[y] = row
	}
	return img, nil
}

// Close releases the underlying file handle. Closing twice is an error
// on the caller's side but is tolerated as a no-op.
func (b *File) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Wrapf(b.f.Close(), "binary: closing %s", b.Path())
}

// FrameCountFromSize derives the frame count of an on-disk buffer from
// its byte size. Existing binaries, not the configuration, are the
// ground truth for how many frames a previous run actually wrote.
func FrameCountFromSize(path string, ly, lx int) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "binary: stat %s", path)
	}
	per := int64(ly) * int64(lx) * BytesPerSample
	if per <= 0 {
		return 0, errors.Errorf("binary: invalid frame shape %dx%d", ly, lx)
	}
	return int(fi.Size() / per), nil
}

// SpacedIndices returns n evenly spaced frame indices over [0, total-1],
// endpoints included (the numpy linspace(0, total-1, n) convention used
// when sampling a movie for metrics).
func SpacedIndices(n, total int) []int {
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	if n == 1 {
		return out
	}
	step := float64(total-1) / float64(n-1)
	for k := range out {
		out[k] = int(float64(k) * step)
	}
	return out
}

// SpacedIndicesExclusive returns n evenly spaced frame indices drawn
// from linspace(0, total, n+1) with the final endpoint dropped, the
// convention used when recomputing a reference image for the second
// registration pass.
func SpacedIndicesExclusive(n, total int) []int {
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	step := float64(total) / float64(n+1-1)
	for k := range out {
		out[k] = int(float64(k) * step)
	}
	return out
}
