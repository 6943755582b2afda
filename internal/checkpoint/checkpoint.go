// Package checkpoint persists per-epoch training snapshots.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"d2train/internal/config"
	"d2train/internal/model"
	"d2train/internal/optim"
)

const formatVersion = 1

var (
	magic = []byte("D2CK")

	// ErrCorrupt is returned for files that are not complete checkpoints.
	ErrCorrupt = errors.New("checkpoint: corrupt or partial file")

	nameRegexp = regexp.MustCompile(`^([0-9]{2,})\.ckpt$`)
)

// Record is one entry of the loss history.
type Record struct {
	Epoch    int
	Mode     string
	MeanLoss float64
	// Empty marks an epoch in which every batch was skipped; MeanLoss is
	// meaningless then.
	Empty   bool
	Batches int
	Skipped int
}

// Checkpoint is the full run state after an epoch.
type Checkpoint struct {
	Config    config.Config
	Epoch     int
	Model     model.Snapshot
	Optimizer optim.State
	// History holds one training record per epoch; Validation holds the
	// evaluation records when a validation set is configured.
	History    []Record
	Validation []Record
}

// Store writes checkpoints under a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "stat checkpoint directory %s", dir)
	}
	if exists {
		return &Store{fs: fs, dir: dir}, nil
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint directory %s", dir)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// Path is the file holding the checkpoint for epoch.
func (s *Store) Path(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%02d.ckpt", epoch))
}

// Save writes c atomically: the payload goes to a temporary file that is
// renamed into place only once fully written. It returns the number of
// bytes written.
func (s *Store) Save(c Checkpoint) (int64, error) {
	var buf bytes.Buffer
	if err := encode(&buf, c); err != nil {
		return 0, errors.Wrapf(err, "encode checkpoint for epoch %d", c.Epoch)
	}
	size := int64(buf.Len())

	tmp, err := afero.TempFile(s.fs, s.dir, fmt.Sprintf(".%02d.ckpt.tmp", c.Epoch))
	if err != nil {
		return 0, errors.Wrapf(err, "create temporary checkpoint for epoch %d", c.Epoch)
	}
	tmpName := tmp.Name()
	if _, err := buf.WriteTo(tmp); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return 0, errors.Wrapf(err, "write checkpoint for epoch %d", c.Epoch)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return 0, errors.Wrapf(err, "close checkpoint for epoch %d", c.Epoch)
	}
	if err := s.fs.Rename(tmpName, s.Path(c.Epoch)); err != nil {
		s.fs.Remove(tmpName)
		return 0, errors.Wrapf(err, "commit checkpoint for epoch %d", c.Epoch)
	}
	return size, nil
}

// Load reads the checkpoint for epoch.
func (s *Store) Load(epoch int) (Checkpoint, error) {
	f, err := s.fs.Open(s.Path(epoch))
	if err != nil {
		return Checkpoint{}, errors.Wrapf(err, "open checkpoint for epoch %d", epoch)
	}
	defer f.Close()
	return decode(f)
}

// Epochs lists the epochs with a committed checkpoint, in ascending order.
// Temporary files left by an interrupted Save are ignored.
func (s *Store) Epochs() ([]int, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list checkpoints in %s", s.dir)
	}
	var epochs []int
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		m := nameRegexp.FindStringSubmatch(info.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

func encode(w io.Writer, c Checkpoint) error {
	if _, err := w.Write(append(append([]byte(nil), magic...), formatVersion)); err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	if err := gob.NewEncoder(sw).Encode(c); err != nil {
		return err
	}
	return sw.Close()
}

func decode(r io.Reader) (Checkpoint, error) {
	header := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return Checkpoint{}, errors.Wrapf(ErrCorrupt, "header: %v", err)
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		return Checkpoint{}, errors.Wrapf(ErrCorrupt, "bad magic %q", header[:len(magic)])
	}
	if v := header[len(magic)]; v != formatVersion {
		return Checkpoint{}, errors.Errorf("checkpoint: unsupported format version %d", v)
	}
	var c Checkpoint
	if err := gob.NewDecoder(snappy.NewReader(r)).Decode(&c); err != nil {
		return Checkpoint{}, errors.Wrapf(ErrCorrupt, "payload: %v", err)
	}
	return c, nil
}
