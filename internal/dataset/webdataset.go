package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is a raw record from a shard: an encoded image and the
// homography mapping it onto its in-plane-rotated partner.
type Sample struct {
	Key        string
	Image      []byte
	Homography [9]float64
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const (
	defaultPendingCap = 1024
	homographyExt     = ".hom"
)

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func splitName(name string) (key, ext string) {
	base := filepath.Base(name)
	ext = strings.ToLower(filepath.Ext(base))
	return strings.TrimSuffix(base, filepath.Ext(base)), ext
}

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrapf(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				errCh <- errors.Wrapf(err, "read tar %s", path)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, ext := splitName(hdr.Name)

			switch {
			case isImageExt(ext):
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", hdr.Name)
					return
				}
				part := pending[key]
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.image = data
			case ext == homographyExt:
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read homography %s", hdr.Name)
					return
				}
				h, err := ParseHomography(string(payload))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse homography %s", hdr.Name)
					return
				}
				part := pending[key]
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.homography = &h
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part := pending[key]; part != nil && part.ready() {
				sample := Sample{Key: key, Image: part.image, Homography: *part.homography}
				delete(pending, key)

				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("shard %s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image      []byte
	homography *[9]float64
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.homography != nil
}

// CountPairs returns the number of complete samples in the shard at path
// without decoding any payload.
func CountPairs(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open shard")
	}
	defer f.Close()

	images := make(map[string]bool)
	homs := make(map[string]bool)
	tr := tar.NewReader(bufio.NewReader(f))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "read tar %s", path)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		key, ext := splitName(hdr.Name)
		switch {
		case isImageExt(ext):
			images[key] = true
		case ext == homographyExt:
			homs[key] = true
		}
	}
	n := 0
	for key := range images {
		if homs[key] {
			n++
		}
	}
	return n, nil
}

// ParseHomography reads nine whitespace separated numbers in row-major
// order.
func ParseHomography(s string) ([9]float64, error) {
	var h [9]float64
	fields := strings.Fields(s)
	if len(fields) != len(h) {
		return h, errors.Errorf("expected 9 values, got %d", len(fields))
	}
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return h, errors.Wrapf(err, "value %d", i)
		}
		h[i] = v
	}
	return h, nil
}

// FormatHomography is the inverse of ParseHomography.
func FormatHomography(h [9]float64) string {
	var sb strings.Builder
	for i, v := range h {
		if i > 0 {
			if i%3 == 0 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	sb.WriteByte('\n')
	return sb.String()
}
