package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultKernel is the side of the square patch each descriptor sees.
	DefaultKernel = 3

	weightsName = "dense.weight"
	biasName    = "dense.bias"
)

// DescriptorNet computes a dense descriptor for every pixel as an affine
// projection of the zero padded Kernel x Kernel patch around it.
type DescriptorNet struct {
	channels int
	dim      int
	kernel   int

	weights *Param
	bias    *Param

	w  *mat.Dense
	gw *mat.Dense
	b  *mat.VecDense
	gb *mat.VecDense
}

// NewDescriptorNet constructs the network with random initialization.
func NewDescriptorNet(channels, dim int, seed int64) *DescriptorNet {
	if channels <= 0 {
		channels = 3
	}
	if dim <= 0 {
		dim = 16
	}
	n := newDescriptorNet(channels, dim, DefaultKernel)
	rng := rand.New(rand.NewSource(seed))
	scale := math.Sqrt(1 / float64(n.PatchSize()))
	for i := range n.weights.Value {
		n.weights.Value[i] = (rng.Float64()*2 - 1) * scale
	}
	return n
}

func newDescriptorNet(channels, dim, kernel int) *DescriptorNet {
	patch := channels * kernel * kernel
	weights := &Param{
		Name:      weightsName,
		Value:     make([]float64, dim*patch),
		Grad:      make([]float64, dim*patch),
		Trainable: true,
	}
	bias := &Param{
		Name:      biasName,
		Value:     make([]float64, dim),
		Grad:      make([]float64, dim),
		Trainable: true,
	}
	return &DescriptorNet{
		channels: channels,
		dim:      dim,
		kernel:   kernel,
		weights:  weights,
		bias:     bias,
		w:        mat.NewDense(dim, patch, weights.Value),
		gw:       mat.NewDense(dim, patch, weights.Grad),
		b:        mat.NewVecDense(dim, bias.Value),
		gb:       mat.NewVecDense(dim, bias.Grad),
	}
}

// FromSnapshot rebuilds a network from serialized parameters.
func FromSnapshot(s Snapshot) (*DescriptorNet, error) {
	if s.Channels <= 0 || s.Dim <= 0 || s.Kernel <= 0 || s.Kernel%2 == 0 {
		return nil, errors.Errorf("invalid descriptor shape channels=%d dim=%d kernel=%d", s.Channels, s.Dim, s.Kernel)
	}
	n := newDescriptorNet(s.Channels, s.Dim, s.Kernel)
	if err := n.LoadState(s); err != nil {
		return nil, err
	}
	return n, nil
}

// Channels is the number of input channels the network expects.
func (n *DescriptorNet) Channels() int { return n.channels }

// Dim is the descriptor length.
func (n *DescriptorNet) Dim() int { return n.dim }

// PatchSize is the length of the flattened input patch.
func (n *DescriptorNet) PatchSize() int { return n.channels * n.kernel * n.kernel }

// Params returns the network parameters. The slices alias the live weights.
func (n *DescriptorNet) Params() []*Param {
	return []*Param{n.weights, n.bias}
}

// Patch flattens the neighbourhood of (y, x) in channel-major order.
// Pixels outside the image read as zero.
func (n *DescriptorNet) Patch(img Tensor, y, x int) *mat.VecDense {
	half := n.kernel / 2
	data := make([]float64, n.PatchSize())
	i := 0
	for c := 0; c < n.channels; c++ {
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				if c < img.C && img.Inside(y+dy, x+dx) {
					data[i] = img.At(c, y+dy, x+dx)
				}
				i++
			}
		}
	}
	return mat.NewVecDense(len(data), data)
}

// Describe returns the descriptor at (y, x) and the patch it was computed
// from, which Backward needs.
func (n *DescriptorNet) Describe(img Tensor, y, x int) (*mat.VecDense, *mat.VecDense) {
	patch := n.Patch(img, y, x)
	desc := mat.NewVecDense(n.dim, nil)
	desc.MulVec(n.w, patch)
	desc.AddVec(desc, n.b)
	return desc, patch
}

// Backward accumulates the gradient of a descriptor computed from patch.
func (n *DescriptorNet) Backward(patch, grad *mat.VecDense) {
	n.gw.RankOne(n.gw, 1, grad, patch)
	n.gb.AddVec(n.gb, grad)
}

// Forward computes the dense descriptor map of img.
func (n *DescriptorNet) Forward(img Tensor) Tensor {
	out := NewTensor(n.dim, img.H, img.W)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			desc, _ := n.Describe(img, y, x)
			for d := 0; d < n.dim; d++ {
				out.Set(d, y, x, desc.AtVec(d))
			}
		}
	}
	return out
}

// State copies the parameters into a Snapshot.
func (n *DescriptorNet) State() Snapshot {
	params := make(map[string][]float64, 2)
	for _, p := range n.Params() {
		params[p.Name] = append([]float64(nil), p.Value...)
	}
	return Snapshot{
		Channels: n.channels,
		Dim:      n.dim,
		Kernel:   n.kernel,
		Params:   params,
	}
}

// LoadState overwrites the parameters with the values in s.
func (n *DescriptorNet) LoadState(s Snapshot) error {
	if s.Channels != n.channels || s.Dim != n.dim || s.Kernel != n.kernel {
		return errors.Errorf("snapshot shape %dx%dx%d does not match network %dx%dx%d",
			s.Channels, s.Dim, s.Kernel, n.channels, n.dim, n.kernel)
	}
	for _, p := range n.Params() {
		v, ok := s.Params[p.Name]
		if !ok {
			return errors.Errorf("snapshot missing parameter %s", p.Name)
		}
		if len(v) != len(p.Value) {
			return errors.Errorf("parameter %s: got %d values, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}
