package model

// Tensor is a dense CHW image or feature map.
type Tensor struct {
	C, H, W int
	Data    []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(c, h, w int) Tensor {
	return Tensor{C: c, H: h, W: w, Data: make([]float64, c*h*w)}
}

// At returns the value at channel c, row y, column x.
func (t Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at channel c, row y, column x.
func (t Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Inside reports whether (y, x) addresses a pixel of t.
func (t Tensor) Inside(y, x int) bool {
	return y >= 0 && y < t.H && x >= 0 && x < t.W
}

// Pair is one training example: an image, its warped partner and the
// homography mapping pixel coordinates of Image1 onto Image2.
type Pair struct {
	Key        string
	Image1     Tensor
	Image2     Tensor
	Homography [9]float64
}

// Batch represents a minibatch of image pairs.
type Batch struct {
	Pairs []Pair
}

// BatchContext carries the run-context scalars attached to a batch before
// it reaches the loss function.
type BatchContext struct {
	Train         bool
	Epoch         int
	Index         int
	BatchSize     int
	Preprocessing string
	LogInterval   int
}

// AnnotatedBatch is a Batch together with its BatchContext.
type AnnotatedBatch struct {
	Batch
	Context BatchContext
}

// RunContext is the immutable device and seed selection for a run.
type RunContext struct {
	Device string
	Seed   int64
}

// Param is a named parameter with its accumulated gradient. Value and Grad
// always have the same length.
type Param struct {
	Name      string
	Value     []float64
	Grad      []float64
	Trainable bool
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}
