package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mrideface/pkg/config"
	"mrideface/pkg/pipeline"
	"mrideface/pkg/registration"
)

func runDeface(cmd *cobra.Command, args []string) {
	cfg := loadConfigOrDie(cmd)

	params, err := defaceParams(cfg, args[0])
	if err != nil {
		log.Fatalf("Invalid defacing setup: %v", err)
	}
	params.OutputPath = outputPath
	params.InPlace = inPlace

	if params.Verbose {
		fmt.Println("================================")
		fmt.Println("ANATOMY-PRESERVING MRI DEFACING")
		fmt.Println("================================")
	}

	ctx, cancel := runContext(cfg)
	defer cancel()

	res, err := pipeline.Run(ctx, params)
	if err != nil {
		log.Fatalf("Defacing failed: %v", err)
	}

	fmt.Printf("\nDefacing completed successfully in %.2f seconds!\n", res.Elapsed.Seconds())
	fmt.Printf("Defaced volume saved to: %s\n", res.OutputPath)
	if res.BackupPath != "" {
		fmt.Printf("Original preserved at: %s\n", res.BackupPath)
	}
	fmt.Printf("\nRegistration summary:\n")
	fmt.Printf("- Model: %s, metric: %s\n", res.Registration.Model, res.Registration.Metric)
	fmt.Printf("- Final loss: %.6f (improvement %.6f over identity)\n",
		res.Registration.FinalLoss, res.Registration.Improvement)
	fmt.Printf("- Voxels replaced: %d (%dx%dx%d coarse blocks)\n",
		res.ReplacedVoxels, res.CoarseDims[0], res.CoarseDims[1], res.CoarseDims[2])
	if res.QCSnapshotPath != "" {
		fmt.Printf("- QC snapshot: %s\n", res.QCSnapshotPath)
	}
	if res.FaceMaskPath != "" {
		fmt.Printf("- Intermediates: %s, %s\n", res.FaceMaskPath, res.VoxelatedPath)
	}
}

// loadConfigOrDie reads the configuration file and folds any explicitly set
// command line flags over it. Flags win over the file, the file wins over
// the built-in defaults.
func loadConfigOrDie(cmd *cobra.Command) *config.Config {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", cfgPath, err)
	}
	if templatePath != "" {
		cfg.Assets.TemplatePath = templatePath
	}
	if faceMaskPath != "" {
		cfg.Assets.FaceMaskPath = faceMaskPath
	}
	flags := cmd.Flags()
	if flags.Changed("voxel-size") {
		cfg.Voxelation.VoxelSizeMm = voxelSizeMm
	}
	if flags.Changed("model") {
		cfg.Registration.Model = modelName
	}
	if flags.Changed("metric") {
		cfg.Registration.Metric = metricName
	}
	if flags.Changed("timeout") {
		cfg.Registration.TimeoutSeconds = timeoutSec
	}
	if flags.Changed("cores") {
		cfg.Processing.NumCores = numCores
	}
	if flags.Changed("save-intermediate") {
		cfg.Output.SaveIntermediateResults = saveIntermediate
	}
	if flags.Changed("qc") {
		cfg.Output.QCSnapshot = qcSnapshot
	}
	if cmd.Root().PersistentFlags().Changed("verbose") {
		cfg.Output.Verbose = verbose
	}
	return cfg
}

// defaceParams assembles the pipeline parameters for one subject.
func defaceParams(cfg *config.Config, subjectPath string) (pipeline.Params, error) {
	template, faceMask, err := cfg.ResolveAssets()
	if err != nil {
		return pipeline.Params{}, err
	}
	regOpts, err := registrationOptions(cfg)
	if err != nil {
		return pipeline.Params{}, err
	}
	return pipeline.Params{
		SubjectPath:      subjectPath,
		TemplatePath:     template,
		FaceMaskPath:     faceMask,
		VoxelSizeMm:      cfg.Voxelation.VoxelSizeMm,
		Registration:     regOpts,
		NumCores:         cfg.Processing.NumCores,
		SaveIntermediate: cfg.Output.SaveIntermediateResults,
		QCSnapshot:       cfg.Output.QCSnapshot,
		Verbose:          cfg.Output.Verbose,
	}, nil
}

// registrationOptions converts the configuration block into estimator options.
func registrationOptions(cfg *config.Config) (registration.Options, error) {
	opts := registration.DefaultOptions()

	model, err := registration.ParseModel(cfg.Registration.Model)
	if err != nil {
		return opts, err
	}
	opts.Model = model

	metric, err := registration.ParseMetric(cfg.Registration.Metric)
	if err != nil {
		return opts, err
	}
	opts.Metric = metric

	if n := len(cfg.Registration.ShrinkFactors); n > 0 {
		opts.Shrinks = cfg.Registration.ShrinkFactors
		opts.SmoothingSigmasMm = cfg.Registration.SmoothingSigmasMm
		opts.Iterations = cfg.Registration.Iterations
		opts.Tolerances = toleranceLadder(n)
	}
	if cfg.Registration.MaxSamples > 0 {
		opts.MaxSamples = cfg.Registration.MaxSamples
	}
	opts.MinImprovement = cfg.Registration.MinImprovement
	return opts, nil
}

// toleranceLadder tightens the convergence threshold tenfold per level,
// starting at 1e-5 on the coarsest.
func toleranceLadder(levels int) []float64 {
	tols := make([]float64, levels)
	tol := 1e-5
	for i := range tols {
		tols[i] = tol
		tol /= 10
	}
	return tols
}

// runContext cancels on SIGINT/SIGTERM and enforces the configured
// registration timeout.
func runContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if cfg.Registration.TimeoutSeconds <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Registration.TimeoutSeconds)*time.Second)
	return tctx, func() {
		cancel()
		stop()
	}
}
