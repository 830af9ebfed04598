package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/data"
	"github.com/swdee/go-heatcount/detector"
	"github.com/swdee/go-heatcount/metrics"
	"github.com/swdee/go-heatcount/model"
	"github.com/swdee/go-heatcount/target"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("train", "Train a heatmap object counter on synthetic scenes")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON training config file", Default: ""})
	epochs := parser.Int("e", "epochs", &argparse.Options{Help: "Number of epochs to train", Default: 10})
	samples := parser.Int("n", "samples", &argparse.Options{Help: "Training images drawn per epoch", Default: 200})
	classes := parser.Int("k", "classes", &argparse.Options{Help: "Number of object classes", Default: 3})
	size := parser.Int("s", "size", &argparse.Options{Help: "Input image width and height", Default: 64})
	devices := parser.Int("d", "devices", &argparse.Options{Help: "Number of model replicas", Default: 1})
	resume := parser.String("r", "resume", &argparse.Options{Help: "Checkpoint to resume training from", Default: ""})
	metricsDir := parser.String("m", "metrics", &argparse.Options{Help: "Directory of the metrics database", Default: "runs"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg := detector.DefaultConfig(*classes)

	if *configFile != "" {
		cfg, err = detector.LoadConfig(*configFile)
		check(err)
	}

	cfg.Devices = heatcount.Devices(*devices)

	gen, err := target.NewGenerator(cfg.TargetParams())
	check(err)

	// training and validation scenes are drawn from different seeds
	trainParams := data.SyntheticDefaultParams(1000, cfg.NumClasses)
	trainParams.Seed = cfg.Seed
	valiParams := data.SyntheticDefaultParams(100, cfg.NumClasses)
	valiParams.Seed = cfg.Seed + 1

	trainSrc, err := data.NewSynthetic(trainParams)
	check(err)
	valiSrc, err := data.NewSynthetic(valiParams)
	check(err)

	trainSet := data.NewTransformDataset(trainSrc, data.GenerateTargets(gen), data.Resize(*size, *size))
	valiSet := data.NewTransformDataset(valiSrc, data.GenerateTargets(gen), data.Resize(*size, *size))

	trainLoader, err := data.NewLoader(trainSet, data.RandomSampler{
		N:           trainSet.Len(),
		NumSamples:  *samples,
		Replacement: true,
		Seed:        cfg.Seed,
	}, data.LoaderDefaultParams(cfg.BatchSize), logger)
	check(err)
	defer trainLoader.Close()

	valiLoaderParams := data.LoaderDefaultParams(cfg.BatchSize)
	valiLoaderParams.DropLast = false

	valiLoader, err := data.NewLoader(valiSet, data.RandomSampler{
		N:           valiSet.Len(),
		NumSamples:  cfg.ValidationSamples,
		Replacement: true,
		Seed:        cfg.Seed,
	}, valiLoaderParams, logger)
	check(err)
	defer valiLoader.Close()

	mc := model.DefaultConfig(cfg.NumClasses)
	mc.OutputStride = cfg.OutputStride

	m, err := model.New(mc, cfg.Seed)
	check(err)

	err = heatcount.Query(os.Stdout, m)
	check(err)

	det, err := detector.New(m, trainLoader, valiLoader, detector.NewHeatmapObjective(cfg.Cov), cfg, logger)
	check(err)
	defer det.Close()

	if *resume != "" {
		hdr, err := det.LoadModel(*resume)
		check(err)
		logger.Infof("Resuming from %v, epoch %v score %v", *resume, hdr.Epoch, hdr.Score)
	}

	store, err := metrics.OpenSQLite(logger, *metricsDir, cfg.Name())
	check(err)

	writer := metrics.Multi(store, metrics.NewLogWriter(logger, 50))
	defer writer.Close()

	// interrupting stops training between batches, the best checkpoint is
	// already on disk
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := det.Train(ctx, *epochs, writer)

	if err != nil {
		logger.Errorf("Training stopped: %v", err)
	}

	if report.BestEpoch >= 0 {
		logger.Infof("Best epoch %v with score %.5f saved to %v", report.BestEpoch, report.BestScore, report.Checkpoint)
	}

	logger.Infof("Metrics of run %v stored in %v", store.RunID(), *metricsDir)
}
