// Package detector trains a heatmap counting model.  A Detector drives the
// epoch loop, periodic validation and best checkpoint selection for any
// TrainingObjective, and runs inference with the trained model.
package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/data"
	"github.com/swdee/go-heatcount/metrics"
	"github.com/swdee/go-heatcount/optim"
)

// State is the phase of a training run
type State int

const (
	Idle State = iota
	TrainingEpoch
	Validating
	CheckpointDecision
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TrainingEpoch:
		return "training"
	case Validating:
		return "validating"
	case CheckpointDecision:
		return "checkpoint"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// errValidationFull stops the validation loader once enough images are held
var errValidationFull = errors.New("validation samples collected")

// Validation is the result of a no gradient pass over the validation loader
type Validation struct {
	// Score is the objective's validation score
	Score float64
	// Loss is the mean batch loss
	Loss float64
	// CountMAE is the mean absolute count error per image
	CountMAE float64
	// Accuracy is the fraction of correctly classified images
	Accuracy float64
	// Images are the evaluated images [N, 3, H, W]
	Images heatcount.Tensor
	// PredHeatmaps are the sigmoid heatmap predictions [N, C, h, w]
	PredHeatmaps heatcount.Tensor
	// GTHeatmaps are the heatmap targets [N, C, h, w]
	GTHeatmaps heatcount.Tensor
	// PredMasks are the argmax mask predictions N*h*w
	PredMasks []int32
	// GTMasks are the mask targets N*h*w
	GTMasks []int32
	// Counts are the annotated object counts per image
	Counts []int
}

// EpochScore is the validation score of an epoch
type EpochScore struct {
	// Epoch validated
	Epoch int
	// Score at that epoch
	Score float64
}

// Report summarises a training run
type Report struct {
	// TrainLoss is the mean training batch loss per epoch
	TrainLoss []float64
	// Scores are the validation scores in epoch order
	Scores []EpochScore
	// BestEpoch is the epoch of the saved checkpoint, -1 when none was saved
	BestEpoch int
	// BestScore is the validation score of BestEpoch
	BestScore float64
	// Checkpoint is the path of the best checkpoint
	Checkpoint string
	// Steps is the number of optimizer steps taken
	Steps int
}

// Detector owns the model, its compute backend and optimizer for one training
// run and is not safe for concurrent use
type Detector struct {
	// cfg is the run configuration
	cfg Config
	// backend runs the model on the configured devices
	backend heatcount.Backend
	// opt updates the master parameters
	opt optim.Optimizer
	// objective is the loss, schedule and scoring strategy
	objective TrainingObjective
	// train yields the training batches
	train *data.Loader
	// vali yields the validation batches
	vali *data.Loader
	// log for progress output
	log logs.Log
	// state of the run
	state State
	// step is the global training step across Train calls, starting at 1
	step int
	// runStep is the step within the current Train call, it drives the
	// learning rate schedule
	runStep int
	// epoch is the current epoch
	epoch int
	// best is the best validation score seen
	best float64
	// validations counts Test calls, used as the validation sampler epoch
	validations int
}

// New returns a Detector training model.  The optimizer named by the config
// must exist and the checkpoint directory is created when missing.  train and
// vali may be nil for a detector only used for prediction.
func New(model heatcount.Model, train, vali *data.Loader, objective TrainingObjective,
	cfg Config, log logs.Log) (*Detector, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if objective == nil {
		return nil, fmt.Errorf("no training objective given")
	}

	if err := checkCompatible(model, train, vali, objective, cfg); err != nil {
		return nil, err
	}

	opt, err := optim.New(cfg.Optimizer, cfg.LearningRate, cfg.Options)

	if err != nil {
		return nil, err
	}

	backend, err := heatcount.NewBackend(model, cfg.Devices)

	if err != nil {
		return nil, fmt.Errorf("error creating backend: %w", err)
	}

	if err := os.MkdirAll(cfg.CheckpointDir, 0755); err != nil {
		backend.Close()
		return nil, fmt.Errorf("error creating checkpoint dir: %w", err)
	}

	return &Detector{
		cfg:       cfg,
		backend:   backend,
		opt:       opt,
		objective: objective,
		train:     train,
		vali:      vali,
		log:       log,
		state:     Idle,
		step:      1,
		best:      objective.InitialScore(),
	}, nil
}

// covObjective is implemented by objectives trained on Gaussian heatmaps
type covObjective interface {
	Cov() float32
}

// checkCompatible verifies the model, loaders and objective were all set up
// for the classes, output stride and cov of the configuration
func checkCompatible(model heatcount.Model, train, vali *data.Loader,
	objective TrainingObjective, cfg Config) error {

	mc := model.Config()

	if mc.NumClasses != cfg.NumClasses {
		return fmt.Errorf("model has %d classes, config %d: %w",
			mc.NumClasses, cfg.NumClasses, ErrInvalidConfig)
	}

	if mc.OutputStride != cfg.OutputStride {
		return fmt.Errorf("model output stride %d, config %d: %w",
			mc.OutputStride, cfg.OutputStride, ErrInvalidConfig)
	}

	if o, ok := objective.(covObjective); ok && o.Cov() != cfg.Cov {
		return fmt.Errorf("objective cov %g, config %g: %w", o.Cov(), cfg.Cov, ErrInvalidConfig)
	}

	for _, l := range []*data.Loader{train, vali} {
		if l == nil {
			continue
		}

		s := l.Shape()

		if s.NumClasses != cfg.NumClasses {
			return fmt.Errorf("loader has %d heatmap classes, config %d: %w",
				s.NumClasses, cfg.NumClasses, ErrInvalidConfig)
		}

		if s.OutWidth != s.Width/cfg.OutputStride || s.OutHeight != s.Height/cfg.OutputStride {
			return fmt.Errorf("loader grid %dx%d does not match %dx%d at stride %d: %w",
				s.OutWidth, s.OutHeight, s.Width, s.Height, cfg.OutputStride, ErrInvalidConfig)
		}
	}

	return nil
}

// State returns the phase of the training run
func (d *Detector) State() State {
	return d.state
}

// Optimizer returns the optimizer updating the model
func (d *Detector) Optimizer() optim.Optimizer {
	return d.opt
}

// Model returns the model being trained
func (d *Detector) Model() heatcount.Model {
	return d.backend.Model()
}

// Train runs maxEpoch epochs over the training loader.  Every Interval epochs
// the model is validated and saved when the score improves on the best seen.
// Any error aborts the run, cancelling ctx stops it between batches.  A nil
// writer discards the metrics.
func (d *Detector) Train(ctx context.Context, maxEpoch int, writer metrics.Writer) (Report, error) {

	if d.train == nil || d.vali == nil {
		return Report{}, fmt.Errorf("training needs a train and a validation loader")
	}

	if writer == nil {
		writer = metrics.Discard
	}

	report := Report{BestEpoch: -1}
	epochSize := d.train.NumBatches(0)

	// every run anneals from the configured learning rate
	d.opt.SetLearningRate(d.cfg.LearningRate)
	d.runStep = 1
	sched := d.objective.NewScheduler(d.opt, maxEpoch, epochSize)

	d.log.Infof("Training %s for %d epochs of %d batches with %s lr=%g",
		d.cfg.Name(), maxEpoch, epochSize, d.opt.Name(), d.opt.LearningRate())

	defer func() {
		d.state = Done
	}()

	for epoch := 0; epoch < maxEpoch; epoch++ {
		d.epoch = epoch
		d.state = TrainingEpoch

		loss, err := d.trainEpoch(ctx, epoch, writer, sched)

		if err != nil {
			return report, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		report.TrainLoss = append(report.TrainLoss, loss)
		report.Steps = d.runStep - 1

		if epoch%d.cfg.Interval != 0 {
			continue
		}

		d.state = Validating

		v, err := d.Test(ctx)

		if err != nil {
			return report, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		if err := writer.AddScalar(d.objective.ScoreTag(), v.Score, epoch); err != nil {
			return report, err
		}

		if err := d.logImages(writer, v, epoch); err != nil {
			return report, err
		}

		d.log.Infof("Epoch %d train loss %.5f, %s %.5f, count MAE %.3f",
			epoch, loss, d.objective.ScoreTag(), v.Score, v.CountMAE)

		d.state = CheckpointDecision
		report.Scores = append(report.Scores, EpochScore{Epoch: epoch, Score: v.Score})

		if !d.objective.ScoreIsBetter(v.Score, d.best) {
			continue
		}

		d.best = v.Score

		path, err := d.SaveModel(d.cfg.CheckpointDir, "")

		if err != nil {
			return report, err
		}

		report.BestEpoch = epoch
		report.BestScore = v.Score
		report.Checkpoint = path

		d.log.Infof("Saved best model of epoch %d to %s", epoch, path)
	}

	return report, nil
}

// trainEpoch runs one pass over the training loader and returns the mean
// batch loss
func (d *Detector) trainEpoch(ctx context.Context, epoch int, writer metrics.Writer,
	sched optim.Scheduler) (float64, error) {

	params := d.backend.Params()
	var sum float64
	var batches int

	err := d.train.Epoch(ctx, epoch, func(b *heatcount.Batch) error {

		if err := ctx.Err(); err != nil {
			return err
		}

		d.opt.ZeroGrad(params)

		pred, err := d.backend.Forward(b.Images())

		if err != nil {
			return err
		}

		res, grad, err := d.objective.ComputeLoss(pred, b)

		if err != nil {
			return err
		}

		if err := d.backend.Backward(grad); err != nil {
			return err
		}

		d.opt.Step(params)

		if err := writer.AddScalar("loss", res.Loss, d.step); err != nil {
			return err
		}

		if err := writer.AddScalar("lr", d.opt.LearningRate(), d.step); err != nil {
			return err
		}

		d.step++
		d.runStep++
		sched.Step(d.runStep)

		sum += res.Loss
		batches++

		return nil
	})

	if err != nil {
		return 0, err
	}

	if batches == 0 {
		return 0, fmt.Errorf("training loader yielded no batches")
	}

	return sum / float64(batches), nil
}

// Test runs the model without gradients over the validation loader until
// ValidationSamples images are evaluated and returns the scores together with
// the evaluated images, predictions and targets
func (d *Detector) Test(ctx context.Context) (Validation, error) {

	if d.vali == nil {
		return Validation{}, fmt.Errorf("no validation loader")
	}

	limit := d.cfg.ValidationSamples
	var v Validation
	var imgs, predHms, gtHms []heatcount.Tensor
	var lossSum, maeSum float64
	var batches, count, correct, total int

	err := d.vali.Epoch(ctx, d.validations, func(b *heatcount.Batch) error {

		pred, err := d.backend.Forward(b.Images())

		if err != nil {
			return err
		}

		res, _, err := d.objective.ComputeLoss(pred, b)

		if err != nil {
			return err
		}

		n := b.Len()
		lossSum += res.Loss
		maeSum += res.CountMAE * float64(n)
		correct += res.Correct
		total += res.Total
		batches++

		// keep at most limit images for visualisation
		keep := min(n, limit-count)
		p := d.objective.Predict(pred.Slice(0, keep))

		imgs = append(imgs, b.Images().Slice(0, keep).Clone())
		gtHms = append(gtHms, b.Heatmaps().Slice(0, keep).Clone())

		maskSize := b.Shape().OutHeight * b.Shape().OutWidth
		v.GTMasks = append(v.GTMasks, b.Masks()[:keep*maskSize]...)
		v.Counts = append(v.Counts, b.Counts()[:keep]...)

		if !p.Heatmap.Empty() {
			predHms = append(predHms, p.Heatmap)
		}

		v.PredMasks = append(v.PredMasks, p.Mask...)

		if count += n; count >= limit {
			return errValidationFull
		}

		return nil
	})

	d.validations++

	if err != nil && !errors.Is(err, errValidationFull) {
		return Validation{}, err
	}

	if batches == 0 {
		return Validation{}, fmt.Errorf("validation loader yielded no batches")
	}

	if v.Images, err = heatcount.Concat(imgs...); err != nil {
		return Validation{}, err
	}

	if v.GTHeatmaps, err = heatcount.Concat(gtHms...); err != nil {
		return Validation{}, err
	}

	if v.PredHeatmaps, err = heatcount.Concat(predHms...); err != nil {
		return Validation{}, err
	}

	v.Loss = lossSum / float64(batches)
	v.CountMAE = maeSum / float64(count)

	if total > 0 {
		v.Accuracy = float64(correct) / float64(total)
	}

	v.Score = d.objective.ValidationScore(v)

	return v, nil
}

// checkpointPath returns {dir}/best_model_{name}[_{comment}].ckpt
func (d *Detector) checkpointPath(dir, comment string) string {

	name := "best_model_" + d.cfg.Name()

	if comment != "" {
		name += "_" + comment
	}

	return filepath.Join(dir, name+".ckpt")
}

// SaveModel writes the model weights to {dir}/best_model_{name}.ckpt, or
// {dir}/best_model_{name}_{comment}.ckpt when a comment is given, and returns
// the path written
func (d *Detector) SaveModel(dir, comment string) (string, error) {

	path := d.checkpointPath(dir, comment)

	hdr := CheckpointHeader{
		Objective: d.objective.Name(),
		Target:    d.cfg.TargetParams(),
		Epoch:     d.epoch,
		Score:     d.best,
	}

	if d.cfg.HalfPrecision {
		hdr.Encoding = EncodingFloat16
	}

	if err := SaveCheckpoint(path, d.backend.Model(), hdr); err != nil {
		return "", err
	}

	return path, nil
}

// LoadModel replaces the model weights with those of a checkpoint
func (d *Detector) LoadModel(path string) (CheckpointHeader, error) {

	hdr, err := LoadCheckpoint(path, d.backend.Model())

	if err != nil {
		return CheckpointHeader{}, err
	}

	if hdr.Objective != d.objective.Name() {
		d.log.Warnf("Loaded %s checkpoint into a %s detector", hdr.Objective, d.objective.Name())
	}

	return hdr, nil
}

// Predict runs the model on RGB images, scaling pixels to [0,1], and returns
// the objective's prediction: the sigmoid heatmap and argmax mask of a
// counting detector or the raw class logits of a classifier
func (d *Detector) Predict(images []heatcount.Image) (heatcount.Prediction, error) {

	x, err := heatcount.ImagesToTensor(images)

	if err != nil {
		return heatcount.Prediction{}, err
	}

	pred, err := d.backend.Forward(x)

	if err != nil {
		return heatcount.Prediction{}, err
	}

	return d.objective.Predict(pred), nil
}

// Close releases the compute backend
func (d *Detector) Close() error {
	return d.backend.Close()
}
