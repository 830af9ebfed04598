package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/optim"
	"github.com/swdee/go-heatcount/target"
)

// ErrInvalidConfig is returned when a Config cannot drive a training run
var ErrInvalidConfig = errors.New("invalid detector config")

// Config defines the training run configuration of a Detector
type Config struct {
	// Optimizer name, "sgd" or "adam"
	Optimizer string `json:"optimizer"`
	// LearningRate is the initial learning rate
	LearningRate float64 `json:"lr"`
	// Options are the optimizer hyper parameters
	Options optim.Options `json:"options"`
	// BatchSize is the number of images per training batch
	BatchSize int `json:"batchSize"`
	// Interval runs validation every Interval epochs
	Interval int `json:"interval"`
	// Patience is recorded with the run but does not stop training
	Patience int `json:"patience"`
	// NumClasses is the number of object classes, excluding background
	NumClasses int `json:"numClasses"`
	// Cov is the variance of the target Gaussians
	Cov float32 `json:"cov"`
	// MaskRadius extends mask assignment around object centres, in cells
	MaskRadius float32 `json:"maskRadius"`
	// OutputStride is the ratio between image and heatmap resolution
	OutputStride int `json:"outputStride"`
	// CheckpointDir is where checkpoints are written, created when missing
	CheckpointDir string `json:"checkpointDir"`
	// CheckpointName is the descriptive run name used in checkpoint file
	// names, derived from NumClasses and Cov when empty
	CheckpointName string `json:"checkpointName"`
	// Devices are the compute devices, more than one replicates the model
	Devices []heatcount.Device `json:"devices"`
	// LogSize is the tile size of the validation image grids
	LogSize image.Point `json:"logSize"`
	// ValidationSamples caps the images evaluated per validation
	ValidationSamples int `json:"validationSamples"`
	// Seed drives model initialisation and sampling
	Seed int64 `json:"seed"`
	// HalfPrecision stores checkpoint weights as float16
	HalfPrecision bool `json:"halfPrecision"`
}

// DefaultConfig returns the training configuration of the detector for the
// given number of classes
func DefaultConfig(numClasses int) Config {
	return Config{
		Optimizer:         "adam",
		LearningRate:      1e-3,
		Options:           optim.DefaultOptions(),
		BatchSize:         5,
		Interval:          1,
		Patience:          5,
		NumClasses:        numClasses,
		Cov:               1,
		OutputStride:      8,
		CheckpointDir:     "saved_models",
		LogSize:           image.Pt(96, 96),
		ValidationSamples: 40,
		Seed:              1,
	}
}

// LoadConfig reads a JSON config file, fields missing from the file keep
// their DefaultConfig values
func LoadConfig(filename string) (Config, error) {

	b, err := os.ReadFile(filename)

	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig(1)

	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config %s: %w", filename, err)
	}

	return cfg, nil
}

// Name returns the checkpoint name, eg: "detection-classes20-cov1"
func (c Config) Name() string {

	if c.CheckpointName != "" {
		return c.CheckpointName
	}

	return fmt.Sprintf("detection-classes%d-cov%s", c.NumClasses,
		strconv.FormatFloat(float64(c.Cov), 'g', -1, 32))
}

// TargetParams returns the target generation parameters of the run
func (c Config) TargetParams() target.Params {
	return target.Params{
		NumClasses:   c.NumClasses,
		OutputStride: c.OutputStride,
		Cov:          c.Cov,
		MaskRadius:   c.MaskRadius,
	}
}

// Validate checks the configuration values
func (c Config) Validate() error {

	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate %g: %w", c.LearningRate, ErrInvalidConfig)
	}

	if c.Interval < 1 {
		return fmt.Errorf("interval %d: %w", c.Interval, ErrInvalidConfig)
	}

	if c.NumClasses < 1 {
		return fmt.Errorf("num classes %d: %w", c.NumClasses, ErrInvalidConfig)
	}

	if c.Cov <= 0 {
		return fmt.Errorf("cov %g: %w", c.Cov, ErrInvalidConfig)
	}

	if c.OutputStride < 1 {
		return fmt.Errorf("output stride %d: %w", c.OutputStride, ErrInvalidConfig)
	}

	if c.CheckpointDir == "" {
		return fmt.Errorf("empty checkpoint dir: %w", ErrInvalidConfig)
	}

	if c.ValidationSamples < 1 {
		return fmt.Errorf("validation samples %d: %w", c.ValidationSamples, ErrInvalidConfig)
	}

	if c.LogSize.X < 1 || c.LogSize.Y < 1 {
		return fmt.Errorf("log size %v: %w", c.LogSize, ErrInvalidConfig)
	}

	return nil
}
