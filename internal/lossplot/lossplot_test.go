package lossplot

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func TestCurveWritesPNG(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, Curve(fs, "loss.png", "train", []float64{3, 2.5, 1.75}))

	data, err := afero.ReadFile(fs, "loss.png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngHeader))
}

func TestCurveRejectsEmptyHistory(t *testing.T) {
	assert.Error(t, Curve(afero.NewMemMapFs(), "loss.png", "train", nil))
}

func TestCorrespondencesWritesPNG(t *testing.T) {
	fs := afero.NewMemMapFs()
	from := []Point{{X: 1, Y: 1}, {X: 5, Y: 9}}
	to := []Point{{X: 2, Y: 1}, {X: 6, Y: 8}}
	require.NoError(t, Correspondences(fs, "vis/pairs.png", "epoch 1", from, to))

	ok, err := afero.Exists(fs, "vis/pairs.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorrespondencesLengthMismatch(t *testing.T) {
	err := Correspondences(afero.NewMemMapFs(), "x.png", "", []Point{{}}, nil)
	assert.Error(t, err)
}

func TestCurveSurfacesWriteFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	assert.Error(t, Curve(fs, "loss.png", "train", []float64{1}))
}
