package detector

import (
	"math"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/loss"
	"github.com/swdee/go-heatcount/optim"
)

// TrainingObjective is the part of training that differs between detector
// variants: the loss, the learning rate schedule, how validation is scored
// and what prediction returns
type TrainingObjective interface {
	// Name of the objective, stored in checkpoints
	Name() string
	// ComputeLoss evaluates the predictions on a batch and returns the
	// gradient with respect to the predictions
	ComputeLoss(pred heatcount.Predictions, b *heatcount.Batch) (loss.Result, heatcount.Predictions, error)
	// ValidationScore reduces a validation pass to the score compared
	// between checkpoints
	ValidationScore(v Validation) float64
	// ScoreTag is the metrics tag the validation score is logged under
	ScoreTag() string
	// InitialScore is the best score before any validation
	InitialScore() float64
	// ScoreIsBetter reports if score improves on best
	ScoreIsBetter(score, best float64) bool
	// NewScheduler returns the learning rate schedule of a run of maxEpoch
	// epochs of epochSize steps each
	NewScheduler(opt optim.Optimizer, maxEpoch, epochSize int) optim.Scheduler
	// Predict turns raw model outputs into the inference result
	Predict(pred heatcount.Predictions) heatcount.Prediction
}

// HeatmapObjective trains the heatmap and mask heads for counting.  The score
// is the mean validation loss where lower is better.
type HeatmapObjective struct {
	// Loss combines the heatmap and mask terms
	Loss *loss.CountLoss
	// cov is the Gaussian variance of the heatmap targets
	cov float32
}

// NewHeatmapObjective returns the counting objective for targets rendered
// with Gaussian variance cov
func NewHeatmapObjective(cov float32) *HeatmapObjective {
	return &HeatmapObjective{
		Loss: loss.NewCountLoss(loss.Scale(cov)),
		cov:  cov,
	}
}

// Cov returns the Gaussian variance the loss is scaled for
func (o *HeatmapObjective) Cov() float32 {
	return o.cov
}

func (o *HeatmapObjective) Name() string {
	return "heatmap"
}

func (o *HeatmapObjective) ComputeLoss(pred heatcount.Predictions, b *heatcount.Batch) (loss.Result, heatcount.Predictions, error) {
	return o.Loss.Compute(pred, b)
}

func (o *HeatmapObjective) ValidationScore(v Validation) float64 {
	return v.Loss
}

func (o *HeatmapObjective) ScoreTag() string {
	return "Test Loss"
}

func (o *HeatmapObjective) InitialScore() float64 {
	return math.Inf(1)
}

// ScoreIsBetter treats an equal loss as an improvement so the latest of
// equally scored epochs is kept
func (o *HeatmapObjective) ScoreIsBetter(score, best float64) bool {
	return best >= score
}

// NewScheduler anneals the learning rate over every step of the run
func (o *HeatmapObjective) NewScheduler(opt optim.Optimizer, maxEpoch, epochSize int) optim.Scheduler {
	return optim.NewCosineAnnealing(opt, maxEpoch*epochSize, 0)
}

// Predict returns the sigmoid heatmap and the argmax mask
func (o *HeatmapObjective) Predict(pred heatcount.Predictions) heatcount.Prediction {
	return heatcount.Prediction{
		Heatmap: heatcount.Sigmoid(pred.Heatmap),
		Mask:    heatcount.ArgmaxMask(pred.Mask),
	}
}

// ClassifierObjective trains the global class head on the dominant class of
// each image.  The score is validation accuracy where higher is better.
type ClassifierObjective struct {
	// Loss is the class cross entropy
	Loss loss.ClassLoss
	// Gamma is the learning rate decay
	Gamma float64
}

// NewClassifierObjective returns the classification objective
func NewClassifierObjective() *ClassifierObjective {
	return &ClassifierObjective{
		Gamma: 0.1,
	}
}

func (o *ClassifierObjective) Name() string {
	return "classifier"
}

func (o *ClassifierObjective) ComputeLoss(pred heatcount.Predictions, b *heatcount.Batch) (loss.Result, heatcount.Predictions, error) {
	return o.Loss.Compute(pred, b)
}

func (o *ClassifierObjective) ValidationScore(v Validation) float64 {
	return v.Accuracy
}

func (o *ClassifierObjective) ScoreTag() string {
	return "Test Accuracy"
}

func (o *ClassifierObjective) InitialScore() float64 {
	return math.Inf(-1)
}

// ScoreIsBetter treats an equal accuracy as an improvement
func (o *ClassifierObjective) ScoreIsBetter(score, best float64) bool {
	return score >= best
}

// NewScheduler decays the learning rate by Gamma after each third of the run
func (o *ClassifierObjective) NewScheduler(opt optim.Optimizer, maxEpoch, epochSize int) optim.Scheduler {
	return optim.NewStepLR(opt, max(maxEpoch*epochSize/3, 1), o.Gamma)
}

// Predict returns the raw class logits
func (o *ClassifierObjective) Predict(pred heatcount.Predictions) heatcount.Prediction {
	return heatcount.Prediction{
		Logits: pred.Logits,
	}
}
