package model

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var snapshotMagic = []byte("D2NT")

// Snapshot is the serialized form of a DescriptorNet.
type Snapshot struct {
	Channels int
	Dim      int
	Kernel   int
	Params   map[string][]float64
}

// WriteTo encodes the snapshot as a magic header followed by a snappy
// framed gob stream.
func (s Snapshot) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	sw := snappy.NewBufferedWriter(&buf)
	if err := gob.NewEncoder(sw).Encode(s); err != nil {
		return 0, errors.Wrapf(err, "encode snapshot")
	}
	if err := sw.Close(); err != nil {
		return 0, errors.Wrapf(err, "compress snapshot")
	}
	return buf.WriteTo(w)
}

// ReadSnapshot decodes a snapshot written by WriteTo.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Snapshot{}, errors.Wrapf(err, "read snapshot header")
	}
	if !bytes.Equal(magic, snapshotMagic) {
		return Snapshot{}, errors.Errorf("not a model snapshot (header %q)", magic)
	}
	var s Snapshot
	if err := gob.NewDecoder(snappy.NewReader(r)).Decode(&s); err != nil {
		return Snapshot{}, errors.Wrapf(err, "decode snapshot")
	}
	return s, nil
}

// Save writes s to path on fs.
func Save(fs afero.Fs, path string, s Snapshot) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create model file %s", path)
	}
	if _, err := s.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write model file %s", path)
	}
	return errors.Wrapf(f.Close(), "close model file %s", path)
}

// Load reads a DescriptorNet from path on fs.
func Load(fs afero.Fs, path string) (*DescriptorNet, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open model file %s", path)
	}
	defer f.Close()

	s, err := ReadSnapshot(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read model file %s", path)
	}
	return FromSnapshot(s)
}
