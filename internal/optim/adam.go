// Package optim implements the optimizers used to update model parameters.
package optim

import (
	"math"

	"github.com/pkg/errors"

	"d2train/internal/model"
)

// State is the serializable optimizer state.
type State struct {
	Name         string
	Step         int
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	First        map[string][]float64
	Second       map[string][]float64
}

// Adam combines momentum with per-coordinate RMS scaling and bias
// correction:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	p -= lr * (m / (1-b1^t)) / (sqrt(v / (1-b2^t)) + eps)
type Adam struct {
	lr      float64
	beta1   float64
	beta2   float64
	epsilon float64

	params []*model.Param
	m      [][]float64
	v      [][]float64
	t      int
}

// NewAdam creates an Adam optimizer over the trainable params with the
// usual defaults for the moment decay rates.
func NewAdam(params []*model.Param, lr float64) *Adam {
	a := &Adam{
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
	}
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		a.params = append(a.params, p)
		a.m = append(a.m, make([]float64, len(p.Value)))
		a.v = append(a.v, make([]float64, len(p.Value)))
	}
	return a
}

// ZeroGrad clears the gradients of every tracked parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one update using the accumulated gradients.
func (a *Adam) Step() error {
	a.t++
	bias1 := 1 - math.Pow(a.beta1, float64(a.t))
	bias2 := 1 - math.Pow(a.beta2, float64(a.t))

	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return errors.Errorf("adam: non-finite gradient in %s[%d]", p.Name, j)
			}
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			p.Value[j] -= a.lr * (m[j] / bias1) / (math.Sqrt(v[j]/bias2) + a.epsilon)
		}
	}
	return nil
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// State copies the optimizer state.
func (a *Adam) State() State {
	s := State{
		Name:         "adam",
		Step:         a.t,
		LearningRate: a.lr,
		Beta1:        a.beta1,
		Beta2:        a.beta2,
		Epsilon:      a.epsilon,
		First:        make(map[string][]float64, len(a.params)),
		Second:       make(map[string][]float64, len(a.params)),
	}
	for i, p := range a.params {
		s.First[p.Name] = append([]float64(nil), a.m[i]...)
		s.Second[p.Name] = append([]float64(nil), a.v[i]...)
	}
	return s
}

// LoadState restores a state produced by State for the same parameters.
func (a *Adam) LoadState(s State) error {
	if s.Name != "adam" {
		return errors.Errorf("adam: cannot load %q optimizer state", s.Name)
	}
	for i, p := range a.params {
		m, okM := s.First[p.Name]
		v, okV := s.Second[p.Name]
		if !okM || !okV {
			return errors.Errorf("adam: state missing moments for %s", p.Name)
		}
		if len(m) != len(a.m[i]) || len(v) != len(a.v[i]) {
			return errors.Errorf("adam: moments for %s have wrong length", p.Name)
		}
	}
	for i, p := range a.params {
		copy(a.m[i], s.First[p.Name])
		copy(a.v[i], s.Second[p.Name])
	}
	a.t = s.Step
	a.lr = s.LearningRate
	a.beta1, a.beta2, a.epsilon = s.Beta1, s.Beta2, s.Epsilon
	return nil
}
