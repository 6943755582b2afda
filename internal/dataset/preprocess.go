package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders used by shards
	_ "image/png"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"d2train/internal/config"
	"d2train/internal/model"
)

var (
	caffeMean = [3]float64{103.939, 116.779, 123.68} // BGR
	torchMean = [3]float64{0.485, 0.456, 0.406}      // RGB
	torchStd  = [3]float64{0.229, 0.224, 0.225}
)

// Preprocess converts img into a normalized 3-channel tensor. The caffe
// mode yields BGR values in [0, 255] minus the channel mean; the torch
// mode yields RGB values in [0, 1] standardized with the ImageNet
// statistics.
func Preprocess(img image.Image, mode string) (model.Tensor, error) {
	if mode != config.PreprocessCaffe && mode != config.PreprocessTorch {
		return model.Tensor{}, errors.Errorf("unknown preprocessing %q", mode)
	}
	b := img.Bounds()
	t := model.NewTensor(3, b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rgb := [3]float64{float64(r >> 8), float64(g >> 8), float64(bl >> 8)}
			for c := 0; c < 3; c++ {
				if mode == config.PreprocessCaffe {
					t.Set(c, y, x, rgb[2-c]-caffeMean[c])
				} else {
					t.Set(c, y, x, (rgb[c]/255-torchMean[c])/torchStd[c])
				}
			}
		}
	}
	return t, nil
}

// Warp resamples src so that pixel p of src lands on h*p in the result.
// Pixels mapping outside src are zero.
func Warp(src model.Tensor, h [9]float64) (model.Tensor, error) {
	inv, err := InvertHomography(h)
	if err != nil {
		return model.Tensor{}, err
	}
	out := model.NewTensor(src.C, src.H, src.W)
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			fx, fy := float64(x), float64(y)
			w := inv[6]*fx + inv[7]*fy + inv[8]
			if math.Abs(w) < 1e-12 {
				continue
			}
			sx := int(math.Round((inv[0]*fx + inv[1]*fy + inv[2]) / w))
			sy := int(math.Round((inv[3]*fx + inv[4]*fy + inv[5]) / w))
			if !src.Inside(sy, sx) {
				continue
			}
			for c := 0; c < src.C; c++ {
				out.Set(c, y, x, src.At(c, sy, sx))
			}
		}
	}
	return out, nil
}

// singularDet is the smallest determinant magnitude InvertHomography
// accepts.
const singularDet = 1e-12

// InvertHomography returns the inverse of the row-major 3x3 matrix h as
// its adjugate over its determinant.
func InvertHomography(h [9]float64) ([9]float64, error) {
	det := mat.Det(mat.NewDense(3, 3, append([]float64(nil), h[:]...)))
	if math.Abs(det) < singularDet || math.IsNaN(det) {
		return [9]float64{}, errors.Errorf("homography is singular (det %g)", det)
	}
	adj := [9]float64{
		h[4]*h[8] - h[5]*h[7], h[2]*h[7] - h[1]*h[8], h[1]*h[5] - h[2]*h[4],
		h[5]*h[6] - h[3]*h[8], h[0]*h[8] - h[2]*h[6], h[2]*h[3] - h[0]*h[5],
		h[3]*h[7] - h[4]*h[6], h[1]*h[6] - h[0]*h[7], h[0]*h[4] - h[1]*h[3],
	}
	for i := range adj {
		adj[i] /= det
	}
	return adj, nil
}

// RotationHomography rotates by angle radians about (cx, cy).
func RotationHomography(angle, cx, cy float64) [9]float64 {
	cos, sin := math.Cos(angle), math.Sin(angle)
	return [9]float64{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
		0, 0, 1,
	}
}

// DecodePair turns a raw sample into a training pair.
func DecodePair(s Sample, mode string) (model.Pair, error) {
	img, _, err := image.Decode(bytes.NewReader(s.Image))
	if err != nil {
		return model.Pair{}, errors.Wrapf(err, "decode image %s", s.Key)
	}
	if img.Bounds().Empty() {
		return model.Pair{}, errors.Errorf("image %s is empty", s.Key)
	}
	first, err := Preprocess(img, mode)
	if err != nil {
		return model.Pair{}, err
	}
	second, err := Warp(first, s.Homography)
	if err != nil {
		return model.Pair{}, errors.Wrapf(err, "warp %s", s.Key)
	}
	return model.Pair{
		Key:        s.Key,
		Image1:     first,
		Image2:     second,
		Homography: s.Homography,
	}, nil
}
