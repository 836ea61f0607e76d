package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mrideface/pkg/config"
	"mrideface/pkg/pipeline"
)

type batchOutcome struct {
	result pipeline.Result
	err    error
}

func runBatch(cmd *cobra.Command, args []string) {
	cfg := loadConfigOrDie(cmd)
	dir := args[0]

	subjects, err := findSubjects(dir)
	if err != nil {
		log.Fatalf("Failed to scan %s: %v", dir, err)
	}
	if len(subjects) == 0 {
		log.Fatalf("No NIfTI volumes found in %s", dir)
	}
	if batchOutputDir != "" {
		if err := os.MkdirAll(batchOutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	jobs := batchJobs
	if jobs < 1 {
		jobs = 1
	}
	fmt.Printf("Defacing %d volumes, %d at a time...\n", len(subjects), jobs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes := make([]batchOutcome, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, subject := range subjects {
		i, subject := i, subject
		g.Go(func() error {
			outcomes[i] = defaceOne(gctx, cfg, subject)
			if outcomes[i].err != nil {
				fmt.Printf("  FAILED %s: %v\n", filepath.Base(subject), outcomes[i].err)
			} else {
				res := outcomes[i].result
				fmt.Printf("  %s -> %s (%d voxels replaced, %s)\n", filepath.Base(subject),
					res.OutputPath, res.ReplacedVoxels, res.Elapsed.Round(time.Millisecond))
			}
			// Failures are reported in the summary; one bad subject must
			// not abort the rest of the batch.
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
		}
	}
	fmt.Printf("Batch complete: %d defaced, %d failed\n", len(subjects)-failed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// defaceOne runs the pipeline for a single subject with the per-volume
// timeout applied. Step banners are suppressed because several volumes
// print concurrently.
func defaceOne(ctx context.Context, cfg *config.Config, subject string) batchOutcome {
	params, err := defaceParams(cfg, subject)
	if err != nil {
		return batchOutcome{err: err}
	}
	params.Verbose = false
	if batchOutputDir != "" {
		params.OutputPath = filepath.Join(batchOutputDir, filepath.Base(pipeline.DefaultOutputPath(subject)))
	}

	if cfg.Registration.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Registration.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	res, err := pipeline.Run(ctx, params)
	return batchOutcome{result: res, err: err}
}

// findSubjects lists the NIfTI volumes in dir, skipping files produced by
// earlier defacing runs.
func findSubjects(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		_, ext := pipeline.SplitVolumeExt(name)
		switch strings.ToLower(ext) {
		case ".nii", ".nii.gz":
		default:
			continue
		}
		if pipeline.IsDerivedPath(name) {
			continue
		}
		subjects = append(subjects, filepath.Join(dir, name))
	}
	return subjects, nil
}
