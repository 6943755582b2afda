package dataset

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ShardWriter writes samples into numbered shards of at most perShard
// samples each.
type ShardWriter struct {
	dir      string
	perShard int

	next   int
	count  int
	f      *os.File
	tw     *tar.Writer
	shards []string
}

// NewShardWriter creates dir if needed and returns a writer into it.
func NewShardWriter(dir string, perShard int) (*ShardWriter, error) {
	if perShard <= 0 {
		return nil, errors.Errorf("samples per shard must be > 0 (got %d)", perShard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create shard directory")
	}
	return &ShardWriter{dir: dir, perShard: perShard}, nil
}

// Write appends one sample. ext is the image extension including the dot.
func (w *ShardWriter) Write(key, ext string, image []byte, h [9]float64) error {
	if !isImageExt(ext) {
		return errors.Errorf("unsupported image extension %q", ext)
	}
	if w.tw == nil || w.count == w.perShard {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := addEntry(w.tw, key+ext, image); err != nil {
		return err
	}
	if err := addEntry(w.tw, key+homographyExt, []byte(FormatHomography(h))); err != nil {
		return err
	}
	w.count++
	return nil
}

// Shards lists the shard files written so far.
func (w *ShardWriter) Shards() []string {
	return append([]string(nil), w.shards...)
}

// Close finishes the current shard.
func (w *ShardWriter) Close() error {
	return w.finish()
}

func (w *ShardWriter) rotate() error {
	if err := w.finish(); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("shard-%06d.tar", w.next))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create shard")
	}
	w.next++
	w.count = 0
	w.f = f
	w.tw = tar.NewWriter(f)
	w.shards = append(w.shards, path)
	return nil
}

func (w *ShardWriter) finish() error {
	if w.tw == nil {
		return nil
	}
	tw, f := w.tw, w.f
	w.tw, w.f = nil, nil
	if err := tw.Close(); err != nil {
		f.Close()
		return errors.Wrapf(err, "finish shard %s", f.Name())
	}
	return errors.Wrapf(f.Close(), "close shard")
}

func addEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write header %s", name)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	return nil
}
