package loss

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"d2train/internal/lossplot"
	"d2train/internal/model"
)

const (
	defaultStride = 8
	defaultMargin = 1.0
)

// Model is the part of the descriptor network the loss needs.
type Model interface {
	Channels() int
	Dim() int
	Describe(img model.Tensor, y, x int) (desc, patch *mat.VecDense)
	Backward(patch, grad *mat.VecDense)
}

// Match is a pixel of the first image and its position in the second.
type Match struct {
	Y1, X1 int
	Y2, X2 int
}

// Correspondence is a triplet hinge loss over homography-induced matches.
// Each match is pulled towards its true position in the second image and
// pushed away from the position of the next match.
type Correspondence struct {
	Stride int
	Margin float64
}

// Matches samples a grid with the given stride over the first image and
// keeps the points whose projection lands inside the second image.
func Matches(pair model.Pair, stride int) []Match {
	if stride <= 0 {
		stride = defaultStride
	}
	h := pair.Homography
	var out []Match
	for y := stride / 2; y < pair.Image1.H; y += stride {
		for x := stride / 2; x < pair.Image1.W; x += stride {
			fx, fy := float64(x), float64(y)
			w := h[6]*fx + h[7]*fy + h[8]
			if math.Abs(w) < 1e-12 {
				continue
			}
			x2 := int(math.Round((h[0]*fx + h[1]*fy + h[2]) / w))
			y2 := int(math.Round((h[3]*fx + h[4]*fy + h[5]) / w))
			if !pair.Image2.Inside(y2, x2) {
				continue
			}
			out = append(out, Match{Y1: y, X1: x, Y2: y2, X2: x2})
		}
	}
	return out
}

type pairGrads struct {
	patches []*mat.VecDense
	grads   []*mat.VecDense
}

// Compute evaluates the loss on batch. Pairs with fewer than two matches
// are ignored; a batch where every pair is ignored yields NoGradient.
func (l Correspondence) Compute(m Model, batch model.AnnotatedBatch, rc model.RunContext, plot PlotOptions) (Result, error) {
	stride := l.Stride
	if stride <= 0 {
		stride = defaultStride
	}
	margin := l.Margin
	if margin <= 0 {
		margin = defaultMargin
	}
	train := batch.Context.Train

	var (
		total   float64
		used    int
		tracked []pairGrads
		plotted bool
	)
	for _, pair := range batch.Pairs {
		if pair.Image1.C != m.Channels() || pair.Image2.C != m.Channels() {
			return Result{}, errors.Errorf("pair %s: images have %d/%d channels, model expects %d",
				pair.Key, pair.Image1.C, pair.Image2.C, m.Channels())
		}
		matches := Matches(pair, stride)
		n := len(matches)
		if n < 2 {
			continue
		}

		anchors := make([]*mat.VecDense, n)
		positives := make([]*mat.VecDense, n)
		anchorPatches := make([]*mat.VecDense, n)
		positivePatches := make([]*mat.VecDense, n)
		for i, mt := range matches {
			anchors[i], anchorPatches[i] = m.Describe(pair.Image1, mt.Y1, mt.X1)
			positives[i], positivePatches[i] = m.Describe(pair.Image2, mt.Y2, mt.X2)
		}

		var anchorGrads, positiveGrads []*mat.VecDense
		if train {
			anchorGrads = make([]*mat.VecDense, n)
			positiveGrads = make([]*mat.VecDense, n)
			for i := range matches {
				anchorGrads[i] = mat.NewVecDense(m.Dim(), nil)
				positiveGrads[i] = mat.NewVecDense(m.Dim(), nil)
			}
		}

		var pairLoss float64
		posDiff := mat.NewVecDense(m.Dim(), nil)
		negDiff := mat.NewVecDense(m.Dim(), nil)
		for i := range matches {
			j := (i + 1) % n
			posDiff.SubVec(anchors[i], positives[i])
			negDiff.SubVec(anchors[i], positives[j])
			hinge := margin + mat.Dot(posDiff, posDiff) - mat.Dot(negDiff, negDiff)
			if hinge <= 0 {
				continue
			}
			pairLoss += hinge
			if !train {
				continue
			}
			// d/da = 2(p_j - p_i), d/dp_i = -2(a - p_i), d/dp_j = 2(a - p_j)
			scale := 2 / float64(n)
			anchorGrads[i].AddScaledVec(anchorGrads[i], scale, posDiff)
			anchorGrads[i].AddScaledVec(anchorGrads[i], -scale, negDiff)
			positiveGrads[i].AddScaledVec(positiveGrads[i], -scale, posDiff)
			positiveGrads[j].AddScaledVec(positiveGrads[j], scale, negDiff)
		}
		total += pairLoss / float64(n)
		used++

		if train {
			tracked = append(tracked, pairGrads{
				patches: append(anchorPatches, positivePatches...),
				grads:   append(anchorGrads, positiveGrads...),
			})
		}

		if !plotted && shouldPlot(plot, batch.Context) {
			if err := plotMatches(plot, batch.Context, pair.Key, matches); err != nil {
				return Result{}, err
			}
			plotted = true
		}
	}

	if used == 0 {
		return Skipped(fmt.Sprintf("no pair among %d has two valid correspondences", len(batch.Pairs))), nil
	}

	value := total / float64(used)
	if !train {
		return Computed(value, nil), nil
	}
	backward := func() error {
		inv := 1 / float64(used)
		for _, pg := range tracked {
			for k, g := range pg.grads {
				g.ScaleVec(inv, g)
				m.Backward(pg.patches[k], g)
			}
		}
		tracked = nil
		return nil
	}
	return Computed(value, backward), nil
}

func shouldPlot(plot PlotOptions, ctx model.BatchContext) bool {
	if !plot.Enabled || plot.Fs == nil || !ctx.Train {
		return false
	}
	return ctx.LogInterval > 0 && ctx.Index%ctx.LogInterval == 0
}

func plotMatches(plot PlotOptions, ctx model.BatchContext, key string, matches []Match) error {
	from := make([]lossplot.Point, len(matches))
	to := make([]lossplot.Point, len(matches))
	for i, mt := range matches {
		from[i] = lossplot.Point{X: float64(mt.X1), Y: float64(mt.Y1)}
		to[i] = lossplot.Point{X: float64(mt.X2), Y: float64(mt.Y2)}
	}
	name := fmt.Sprintf("epoch%02d_batch%06d.png", ctx.Epoch, ctx.Index)
	title := fmt.Sprintf("%s (epoch %d, batch %d)", key, ctx.Epoch, ctx.Index)
	if err := lossplot.Correspondences(plot.Fs, filepath.Join(plot.Dir, name), title, from, to); err != nil {
		return errors.Wrapf(err, "plot correspondences")
	}
	return nil
}
