package model

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func constantImage(c, h, w int, v float64) Tensor {
	img := NewTensor(c, h, w)
	for i := range img.Data {
		img.Data[i] = v
	}
	return img
}

func TestPatchZeroPadsBorders(t *testing.T) {
	n := NewDescriptorNet(1, 2, 1)
	img := constantImage(1, 4, 4, 1)

	corner := n.Patch(img, 0, 0)
	center := n.Patch(img, 1, 1)

	assert.Equal(t, 4.0, mat.Sum(corner))
	assert.Equal(t, 9.0, mat.Sum(center))
}

func TestDescribeIsAffineInPatch(t *testing.T) {
	n := NewDescriptorNet(1, 2, 1)
	for i := range n.weights.Value {
		n.weights.Value[i] = 0
	}
	// first descriptor component sums the patch, second reads its center
	for i := 0; i < n.PatchSize(); i++ {
		n.weights.Value[i] = 1
	}
	n.weights.Value[n.PatchSize()+4] = 2
	n.bias.Value[1] = 0.5

	img := constantImage(1, 3, 3, 1)
	desc, patch := n.Describe(img, 1, 1)

	require.Equal(t, n.PatchSize(), patch.Len())
	assert.InDelta(t, 9.0, desc.AtVec(0), 1e-12)
	assert.InDelta(t, 2.5, desc.AtVec(1), 1e-12)
}

func TestBackwardAccumulatesOuterProduct(t *testing.T) {
	n := NewDescriptorNet(1, 2, 1)
	img := constantImage(1, 3, 3, 2)
	_, patch := n.Describe(img, 1, 1)
	grad := mat.NewVecDense(2, []float64{1, -1})

	n.Backward(patch, grad)
	n.Backward(patch, grad)

	for j := 0; j < n.PatchSize(); j++ {
		assert.InDelta(t, 4.0, n.weights.Grad[j], 1e-12)
		assert.InDelta(t, -4.0, n.weights.Grad[n.PatchSize()+j], 1e-12)
	}
	assert.Equal(t, []float64{2, -2}, n.bias.Grad)

	for _, p := range n.Params() {
		p.ZeroGrad()
	}
	assert.Equal(t, []float64{0, 0}, n.bias.Grad)
}

func TestForwardShape(t *testing.T) {
	n := NewDescriptorNet(3, 8, 7)
	out := n.Forward(constantImage(3, 5, 6, 0.25))
	assert.Equal(t, 8, out.C)
	assert.Equal(t, 5, out.H)
	assert.Equal(t, 6, out.W)
}

func TestSnapshotSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	n := NewDescriptorNet(3, 4, 11)

	require.NoError(t, Save(fs, "models/init.model", n.State()))
	loaded, err := Load(fs, "models/init.model")
	require.NoError(t, err)
	assert.Equal(t, n.State(), loaded.State())
}

func TestReadSnapshotRejectsForeignData(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("PK\x03\x04garbage")))
	assert.Error(t, err)
}

func TestLoadStateShapeMismatch(t *testing.T) {
	a := NewDescriptorNet(3, 4, 1)
	b := NewDescriptorNet(3, 8, 1)
	assert.Error(t, a.LoadState(b.State()))

	s := a.State()
	delete(s.Params, biasName)
	assert.Error(t, a.LoadState(s))
}
