package detection

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calciumpipe/pkg/binary"
	"calciumpipe/pkg/ops"
)

// brightBlobMean builds a mean image with two separated bright blobs on
// a flat background.
func brightBlobMean(ly, lx int) [][]float64 {
	img := make([][]float64, ly)
	for y := range img {
		img[y] = make([]float64, lx)
		for x := range img[y] {
			img[y][x] = 10
		}
	}
	for _, p := range [][2]int{{2, 2}, {2, 3}, {3, 2}} {
		img[p[0]][p[1]] = 1000
	}
	for _, p := range [][2]int{{8, 8}, {8, 9}} {
		img[p[0]][p[1]] = 1000
	}
	return img
}

func TestThresholdDetectFindsComponents(t *testing.T) {
	o := ops.Default()
	o.MeanImg = brightBlobMean(12, 12)

	set, err := (&Threshold{}).Detect(nil, o, "")
	require.NoError(t, err)
	require.Len(t, set, 2)

	assert.Equal(t, 3, set[0].NPix)
	assert.Equal(t, 2, set[1].NPix)
	// lam weights are normalized per ROI
	var sum float64
	for _, l := range set[0].Lam {
		sum += l
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.InDelta(t, 7.0/3.0, set[0].Med[0], 1e-9)
}

func TestThresholdMinPix(t *testing.T) {
	o := ops.Default()
	o.MeanImg = brightBlobMean(12, 12)

	set, err := (&Threshold{MinPix: 3}).Detect(nil, o, "")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, 3, set[0].NPix)
}

func TestThresholdUniformImageFindsNothing(t *testing.T) {
	o := ops.Default()
	img := make([][]float64, 6)
	for y := range img {
		img[y] = make([]float64, 6)
		for x := range img[y] {
			img[y][x] = 5
		}
	}
	o.MeanImg = img

	set, err := (&Threshold{}).Detect(nil, o, "")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestThresholdComputesMeanFromBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	buf, err := binary.Open(path, 6, 6, 4, binary.ReadWrite)
	require.NoError(t, err)
	defer buf.Close()
	frame := make([]int16, 36)
	frame[2*6+2] = 500
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.WriteFrame(i, frame))
	}

	o := ops.Default()
	set, err := (&Threshold{}).Detect(buf, o, "")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, []int{2}, set[0].YPix)
	assert.Equal(t, []int{2}, set[0].XPix)
	assert.NotNil(t, o.MeanImg, "computed mean image is recorded for later stages")
}
