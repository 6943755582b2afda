package config

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v2"
)

// Preprocessing modes understood by the data loader.
const (
	PreprocessCaffe = "caffe"
	PreprocessTorch = "torch"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DatasetPath         string  `yaml:"dataset_path"`
	ValidationPath      string  `yaml:"validation_path"`
	Preprocessing       string  `yaml:"preprocessing"`
	InitModel           string  `yaml:"init_model"`
	NumEpochs           int     `yaml:"num_epochs"`
	LearningRate        float64 `yaml:"lr"`
	BatchSize           int     `yaml:"batch_size"`
	NumWorkers          int     `yaml:"num_workers"`
	LogInterval         int     `yaml:"log_interval"`
	LogFile             string  `yaml:"log_file"`
	Plot                bool    `yaml:"plot"`
	CheckpointDirectory string  `yaml:"checkpoint_directory"`
	CheckpointPrefix    string  `yaml:"checkpoint_prefix"`
	Seed                int64   `yaml:"seed"`
	Shuffle             bool    `yaml:"shuffle"`
	Stride              int     `yaml:"stride"`
	Margin              float64 `yaml:"margin"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		DatasetPath:         "/scratch/phototourism/",
		Preprocessing:       PreprocessCaffe,
		InitModel:           "models/d2net.model",
		NumEpochs:           10,
		LearningRate:        1e-3,
		BatchSize:           1,
		NumWorkers:          16,
		LogInterval:         250,
		LogFile:             "log.txt",
		CheckpointDirectory: "checkpoints",
		CheckpointPrefix:    "rord",
		Seed:                1,
		Stride:              8,
		Margin:              1,
	}
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	DatasetPath         string
	ValidationPath      string
	Preprocessing       string
	InitModel           string
	NumEpochs           int
	LearningRate        float64
	BatchSize           int
	NumWorkers          int
	LogInterval         int
	LogFile             string
	Plot                bool
	CheckpointDirectory string
	CheckpointPrefix    string
	Seed                int64
	Shuffle             bool
}

// Load reads a YAML config on top of the defaults. Unknown keys are an
// error.
func Load(fs afero.Fs, path string) (*Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DatasetPath != "" {
		c.DatasetPath = o.DatasetPath
	}
	if o.ValidationPath != "" {
		c.ValidationPath = o.ValidationPath
	}
	if o.Preprocessing != "" {
		c.Preprocessing = o.Preprocessing
	}
	if o.InitModel != "" {
		c.InitModel = o.InitModel
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LogInterval > 0 {
		c.LogInterval = o.LogInterval
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
	if o.Plot {
		c.Plot = true
	}
	if o.CheckpointDirectory != "" {
		c.CheckpointDirectory = o.CheckpointDirectory
	}
	if o.CheckpointPrefix != "" {
		c.CheckpointPrefix = o.CheckpointPrefix
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Shuffle {
		c.Shuffle = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DatasetPath == "" {
		return errors.New("dataset_path must be set")
	}
	switch c.Preprocessing {
	case PreprocessCaffe, PreprocessTorch:
	default:
		return errors.Errorf("preprocessing must be %q or %q (got %q)", PreprocessCaffe, PreprocessTorch, c.Preprocessing)
	}
	if c.InitModel == "" {
		return errors.New("init_model must be set")
	}
	if c.NumEpochs <= 0 {
		return errors.Errorf("num_epochs must be > 0 (got %d)", c.NumEpochs)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LogInterval <= 0 {
		return errors.Errorf("log_interval must be > 0 (got %d)", c.LogInterval)
	}
	if c.LogFile == "" {
		return errors.New("log_file must be set")
	}
	if c.CheckpointDirectory == "" || c.CheckpointPrefix == "" {
		return errors.New("checkpoint_directory and checkpoint_prefix must be set")
	}
	if c.Stride <= 0 {
		return errors.Errorf("stride must be > 0 (got %d)", c.Stride)
	}
	if c.Margin <= 0 {
		return errors.Errorf("margin must be > 0 (got %g)", c.Margin)
	}
	return nil
}

// Layout is the set of output locations of a run.
type Layout struct {
	CheckpointDir string
	LogPath       string
	PlotDir       string
}

// Layout derives output locations from the config.
func (c *Config) Layout() Layout {
	dir := filepath.Join(c.CheckpointDirectory, c.CheckpointPrefix)
	l := Layout{
		CheckpointDir: dir,
		LogPath:       filepath.Join(dir, c.LogFile),
	}
	if c.Plot {
		l.PlotDir = filepath.Join(dir, "train_vis")
	}
	return l
}

// Prepare performs the filesystem checks that must pass before training
// starts: the initial model must exist and the output directories must be
// writable. Pre-existing outputs are reported as warnings.
func (c *Config) Prepare(fs afero.Fs) (Layout, []string, error) {
	l := c.Layout()
	var warnings []string

	ok, err := afero.Exists(fs, c.InitModel)
	if err != nil {
		return l, nil, errors.Wrapf(err, "stat init model")
	}
	if !ok {
		return l, nil, errors.Errorf("init model %s does not exist", c.InitModel)
	}

	dirs := []string{l.CheckpointDir}
	if l.PlotDir != "" {
		dirs = append(dirs, l.PlotDir)
	}
	for _, dir := range dirs {
		exists, err := afero.DirExists(fs, dir)
		if err != nil {
			return l, nil, errors.Wrapf(err, "stat %s", dir)
		}
		if exists {
			warnings = append(warnings, fmt.Sprintf("directory %s already exists", dir))
			continue
		}
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return l, nil, errors.Wrapf(err, "create %s", dir)
		}
	}
	if err := probeWritable(fs, l.CheckpointDir); err != nil {
		return l, nil, err
	}

	if ok, _ := afero.Exists(fs, l.LogPath); ok {
		warnings = append(warnings, fmt.Sprintf("log file %s already exists", l.LogPath))
	}
	return l, warnings, nil
}

func probeWritable(fs afero.Fs, dir string) error {
	f, err := afero.TempFile(fs, dir, ".probe")
	if err != nil {
		return errors.Wrapf(err, "checkpoint directory %s is not writable", dir)
	}
	name := f.Name()
	f.Close()
	return errors.Wrapf(fs.Remove(name), "remove probe file in %s", dir)
}
