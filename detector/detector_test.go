package detector

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/data"
	"github.com/swdee/go-heatcount/model"
	"github.com/swdee/go-heatcount/optim"
	"github.com/swdee/go-heatcount/target"
)

// testLoaders returns train and validation loaders over n synthetic 32x32
// images holding one object each
func testLoaders(t *testing.T, n int) (*data.Loader, *data.Loader) {

	p := data.SyntheticDefaultParams(n, 1)
	p.Width, p.Height = 32, 32
	p.MinObjects, p.MaxObjects = 1, 1
	p.MinSize, p.MaxSize = 8, 12

	src, err := data.NewSynthetic(p)
	require.NoError(t, err)

	gen, err := target.NewGenerator(target.DefaultParams(1))
	require.NoError(t, err)

	ds := data.NewTransformDataset(src, data.GenerateTargets(gen))

	lp := data.LoaderDefaultParams(2)
	lp.Workers = 2

	train, err := data.NewLoader(ds, data.SequentialSampler{N: n}, lp, logs.NewTestingLog(t))
	require.NoError(t, err)
	t.Cleanup(train.Close)

	lp.DropLast = false

	vali, err := data.NewLoader(ds, data.SequentialSampler{N: n}, lp, logs.NewTestingLog(t))
	require.NoError(t, err)
	t.Cleanup(vali.Close)

	return train, vali
}

func testConfig(t *testing.T) Config {

	cfg := DefaultConfig(1)
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "ckpt")
	cfg.Optimizer = "sgd"
	cfg.LearningRate = 0.01
	cfg.Options.Momentum = 0
	cfg.Options.WeightDecay = 0
	cfg.LogSize = image.Pt(16, 16)

	return cfg
}

func testModel(t *testing.T, seed int64) heatcount.Model {

	mc := model.DefaultConfig(1)
	mc.Hidden = 8

	m, err := model.New(mc, seed)
	require.NoError(t, err)

	return m
}

// recorder is a metrics writer keeping everything in memory
type recorder struct {
	scalars map[string][]float64
	images  map[string]int
}

func newRecorder() *recorder {
	return &recorder{
		scalars: make(map[string][]float64),
		images:  make(map[string]int),
	}
}

func (r *recorder) AddScalar(tag string, value float64, step int) error {
	r.scalars[tag] = append(r.scalars[tag], value)
	return nil
}

func (r *recorder) AddImage(tag string, img image.Image, step int) error {
	r.images[tag]++
	return nil
}

func (r *recorder) Close() error {
	return nil
}

func testImages(t *testing.T) []heatcount.Image {

	img := heatcount.Image{Width: 32, Height: 32, Pix: make([]uint8, 32*32*3)}

	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}

	return []heatcount.Image{img}
}

func TestTrainEndToEnd(t *testing.T) {

	train, vali := testLoaders(t, 2)
	cfg := testConfig(t)

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, Idle, d.State())

	w := newRecorder()
	report, err := d.Train(context.Background(), 3, w)
	require.NoError(t, err)

	require.Equal(t, Done, d.State())
	require.Len(t, report.TrainLoss, 3)
	require.Equal(t, 3, report.Steps)

	for i := 1; i < len(report.TrainLoss); i++ {
		require.LessOrEqual(t, report.TrainLoss[i], report.TrainLoss[i-1]+1e-9,
			"loss increased at epoch %d: %v", i, report.TrainLoss)
	}

	require.Len(t, w.scalars["loss"], 3)
	require.Len(t, w.scalars["lr"], 3)
	require.Equal(t, cfg.LearningRate, w.scalars["lr"][0])
	require.Len(t, w.scalars["Test Loss"], 3)

	for _, tag := range []string{"Pred HM", "GT HM", "Pred Mask", "GT Mask"} {
		require.Equal(t, 3, w.images[tag], tag)
	}

	require.Len(t, report.Scores, 3)
	require.GreaterOrEqual(t, report.BestEpoch, 0)
	require.Equal(t, filepath.Join(cfg.CheckpointDir, "best_model_detection-classes1-cov1.ckpt"),
		report.Checkpoint)

	_, err = os.Stat(report.Checkpoint)
	require.NoError(t, err)

	// a checkpoint loaded into a fresh model reproduces the predictions
	path, err := d.SaveModel(cfg.CheckpointDir, "final")
	require.NoError(t, err)
	require.Equal(t, "best_model_detection-classes1-cov1_final.ckpt", filepath.Base(path))

	want, err := d.Predict(testImages(t))
	require.NoError(t, err)

	loaded, err := New(testModel(t, 99), nil, nil, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer loaded.Close()

	hdr, err := loaded.LoadModel(path)
	require.NoError(t, err)
	require.Equal(t, "heatmap", hdr.Objective)
	require.Equal(t, cfg.TargetParams(), hdr.Target)

	// the target params are readable without a model
	peek, err := ReadCheckpointHeader(path)
	require.NoError(t, err)
	require.Equal(t, float32(1), peek.Target.Cov)
	require.Equal(t, 8, peek.Target.OutputStride)
	require.Equal(t, 2, hdr.Epoch)

	got, err := loaded.Predict(testImages(t))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// scripted replaces the validation score with a fixed sequence
type scripted struct {
	TrainingObjective
	scores []float64
	next   int
}

func (s *scripted) ValidationScore(Validation) float64 {

	v := s.scores[s.next]
	s.next++

	return v
}

func TestCheckpointSelection(t *testing.T) {

	tests := []struct {
		name      string
		objective TrainingObjective
		scores    []float64
		bestEpoch int
	}{
		{
			name:      "lower loss is better and ties update",
			objective: NewHeatmapObjective(1),
			scores:    []float64{3, 1, 2, 1},
			bestEpoch: 3,
		},
		{
			name:      "higher accuracy is better",
			objective: NewClassifierObjective(),
			scores:    []float64{0.2, 0.5, 0.4, 0.1},
			bestEpoch: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {

			train, vali := testLoaders(t, 2)
			cfg := testConfig(t)
			obj := &scripted{TrainingObjective: tc.objective, scores: tc.scores}

			d, err := New(testModel(t, 1), train, vali, obj, cfg, logs.NewTestingLog(t))
			require.NoError(t, err)
			defer d.Close()

			report, err := d.Train(context.Background(), len(tc.scores), nil)
			require.NoError(t, err)

			require.Equal(t, tc.bestEpoch, report.BestEpoch)
			require.Equal(t, tc.scores[tc.bestEpoch], report.BestScore)

			hdr, err := ReadCheckpointHeader(report.Checkpoint)
			require.NoError(t, err)
			require.Equal(t, tc.bestEpoch, hdr.Epoch)
			require.Equal(t, tc.scores[tc.bestEpoch], hdr.Score)
		})
	}
}

func TestValidationInterval(t *testing.T) {

	train, vali := testLoaders(t, 2)
	cfg := testConfig(t)
	cfg.Interval = 2

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	report, err := d.Train(context.Background(), 5, nil)
	require.NoError(t, err)

	require.Len(t, report.Scores, 3)
	require.Equal(t, []int{0, 2, 4}, []int{report.Scores[0].Epoch, report.Scores[1].Epoch,
		report.Scores[2].Epoch})
}

func TestTestCapsSamples(t *testing.T) {

	train, vali := testLoaders(t, 7)
	cfg := testConfig(t)
	cfg.ValidationSamples = 3

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	v, err := d.Test(context.Background())
	require.NoError(t, err)

	require.Equal(t, []int{3, 3, 32, 32}, v.Images.Shape)
	require.Equal(t, []int{3, 1, 4, 4}, v.PredHeatmaps.Shape)
	require.Equal(t, []int{3, 1, 4, 4}, v.GTHeatmaps.Shape)
	require.Len(t, v.PredMasks, 3*16)
	require.Len(t, v.GTMasks, 3*16)
	require.Equal(t, []int{1, 1, 1}, v.Counts)
	require.Greater(t, v.Loss, 0.0)
	require.Equal(t, v.Loss, v.Score)
}

func TestNewUnknownOptimizer(t *testing.T) {

	cfg := testConfig(t)
	cfg.Optimizer = "rmsprop"

	_, err := New(testModel(t, 1), nil, nil, NewHeatmapObjective(1), cfg, logs.NewTestingLog(t))
	require.True(t, errors.Is(err, optim.ErrUnknownOptimizer))

	// fails before touching the filesystem
	_, err = os.Stat(cfg.CheckpointDir)
	require.True(t, os.IsNotExist(err))
}

func TestNewCreatesCheckpointDir(t *testing.T) {

	cfg := testConfig(t)
	cfg.CheckpointDir = filepath.Join(cfg.CheckpointDir, "nested", "dir")

	d, err := New(testModel(t, 1), nil, nil, NewHeatmapObjective(1), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	info, err := os.Stat(cfg.CheckpointDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	_, err = d.Train(context.Background(), 1, nil)
	require.Error(t, err)
}

func TestTrainCancelled(t *testing.T) {

	train, vali := testLoaders(t, 4)
	cfg := testConfig(t)

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = d.Train(ctx, 2, nil)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPredict(t *testing.T) {

	cfg := testConfig(t)

	d, err := New(testModel(t, 1), nil, nil, NewHeatmapObjective(1), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	p, err := d.Predict(testImages(t))
	require.NoError(t, err)

	require.Equal(t, []int{1, 1, 4, 4}, p.Heatmap.Shape)
	require.Len(t, p.Mask, 16)
	require.True(t, p.Logits.Empty())

	for _, v := range p.Heatmap.Data {
		require.True(t, v > 0 && v < 1)
	}

	for _, c := range p.Mask {
		require.True(t, c == 0 || c == 1)
	}

	c, err := New(testModel(t, 1), nil, nil, NewClassifierObjective(), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer c.Close()

	p, err = c.Predict(testImages(t))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, p.Logits.Shape)
	require.True(t, p.Heatmap.Empty())
}

func TestCheckpointRoundTrip(t *testing.T) {

	dir := t.TempDir()
	src := testModel(t, 1)

	file := filepath.Join(dir, "half.ckpt")
	require.NoError(t, SaveCheckpoint(file, src, CheckpointHeader{Encoding: EncodingFloat16, Epoch: 4}))

	dst := testModel(t, 2)
	hdr, err := LoadCheckpoint(file, dst)
	require.NoError(t, err)
	require.Equal(t, 4, hdr.Epoch)
	require.Equal(t, EncodingFloat16, hdr.Encoding)

	for i, p := range dst.Params() {
		require.InDeltaSlice(t, src.Params()[i].Value, p.Value, 2e-3, p.Name)
	}

	// architecture mismatch leaves the model untouched
	mc := model.DefaultConfig(1)
	mc.Hidden = 4
	other, err := model.New(mc, 3)
	require.NoError(t, err)

	before := append([]float64(nil), other.Params()[0].Value...)

	_, err = LoadCheckpoint(file, other)
	require.True(t, errors.Is(err, ErrCheckpointMismatch))
	require.Equal(t, before, other.Params()[0].Value)

	junk := filepath.Join(dir, "junk.ckpt")
	require.NoError(t, os.WriteFile(junk, []byte("not a checkpoint"), 0644))

	_, err = LoadCheckpoint(junk, dst)
	require.True(t, errors.Is(err, ErrBadCheckpoint))
}

func TestConfig(t *testing.T) {

	cfg := DefaultConfig(20)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "detection-classes20-cov1", cfg.Name())

	cfg.Cov = 0.5
	require.Equal(t, "detection-classes20-cov0.5", cfg.Name())

	cfg.CheckpointName = "voc"
	require.Equal(t, "voc", cfg.Name())

	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"optimizer":"sgd","lr":0.01,"numClasses":20}`), 0644))

	loaded, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, "sgd", loaded.Optimizer)
	require.Equal(t, 0.01, loaded.LearningRate)
	require.Equal(t, 20, loaded.NumClasses)
	require.Equal(t, "saved_models", loaded.CheckpointDir)
	require.Equal(t, 40, loaded.ValidationSamples)

	bad := DefaultConfig(1)
	bad.Interval = 0
	require.True(t, errors.Is(bad.Validate(), ErrInvalidConfig))

	bad = DefaultConfig(0)
	require.True(t, errors.Is(bad.Validate(), ErrInvalidConfig))
}

func TestNewIncompatible(t *testing.T) {

	train, vali := testLoaders(t, 2)

	strided := func(stride int) heatcount.Model {
		mc := model.DefaultConfig(1)
		mc.Hidden = 8
		mc.OutputStride = stride
		m, err := model.New(mc, 1)
		require.NoError(t, err)
		return m
	}

	tests := []struct {
		name  string
		model heatcount.Model
		obj   TrainingObjective
		edit  func(*Config)
	}{
		{"cov", testModel(t, 1), NewHeatmapObjective(2), func(*Config) {}},
		{"classes", testModel(t, 1), NewHeatmapObjective(1), func(c *Config) { c.NumClasses = 2 }},
		{"model stride", strided(4), NewHeatmapObjective(1), func(*Config) {}},
		{"loader stride", strided(4), NewHeatmapObjective(1), func(c *Config) { c.OutputStride = 4 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {

			cfg := testConfig(t)
			tc.edit(&cfg)

			_, err := New(tc.model, train, vali, tc.obj, cfg, logs.NewTestingLog(t))
			require.True(t, errors.Is(err, ErrInvalidConfig), "%v", err)
		})
	}
}

func TestTrainTwiceRestartsSchedule(t *testing.T) {

	train, vali := testLoaders(t, 4)
	cfg := testConfig(t)

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	first := newRecorder()
	r1, err := d.Train(context.Background(), 2, first)
	require.NoError(t, err)

	second := newRecorder()
	r2, err := d.Train(context.Background(), 2, second)
	require.NoError(t, err)

	require.Equal(t, r1.Steps, r2.Steps)
	require.Equal(t, first.scalars["lr"], second.scalars["lr"])

	for _, lr := range second.scalars["lr"] {
		require.LessOrEqual(t, lr, cfg.LearningRate)
	}
}

func TestTrainReplicated(t *testing.T) {

	train, vali := testLoaders(t, 4)
	cfg := testConfig(t)
	cfg.Devices = heatcount.Devices(2)

	d, err := New(testModel(t, 1), train, vali, NewHeatmapObjective(cfg.Cov), cfg, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer d.Close()

	report, err := d.Train(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Len(t, report.TrainLoss, 2)
	require.Equal(t, 4, report.Steps)
	require.Len(t, report.Scores, 2)
	require.GreaterOrEqual(t, report.BestEpoch, 0)

	hdr, err := ReadCheckpointHeader(report.Checkpoint)
	require.NoError(t, err)
	require.Equal(t, report.BestEpoch, hdr.Epoch)

	// the checkpoint holds the master weights the replicas trained
	want, err := d.Predict(testImages(t))
	require.NoError(t, err)

	path, err := d.SaveModel(cfg.CheckpointDir, "replicated")
	require.NoError(t, err)

	single := testConfig(t)
	loaded, err := New(testModel(t, 7), nil, nil, NewHeatmapObjective(single.Cov), single, logs.NewTestingLog(t))
	require.NoError(t, err)
	defer loaded.Close()

	_, err = loaded.LoadModel(path)
	require.NoError(t, err)

	got, err := loaded.Predict(testImages(t))
	require.NoError(t, err)
	require.Equal(t, want, got)
}
