package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"mrideface/internal/version"
	"mrideface/pkg/nifti"
	"mrideface/pkg/pipeline"
)

func runInfo(cmd *cobra.Command, args []string) {
	for _, path := range args {
		info, err := nifti.ReadInfo(path)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", path, err)
		}
		fmt.Printf("%s:\n", path)
		fmt.Printf("  Dimensions: %d x %d x %d voxels\n", info.Dims[0], info.Dims[1], info.Dims[2])
		fmt.Printf("  Spacing:    %.4g x %.4g x %.4g mm\n", info.Spacing[0], info.Spacing[1], info.Spacing[2])
		fmt.Printf("  Origin:     (%.4g, %.4g, %.4g) mm\n", info.Origin[0], info.Origin[1], info.Origin[2])
		fmt.Printf("  Datatype:   %s (%s endian", info.Datatype, info.ByteOrder)
		if info.Compressed {
			fmt.Printf(", gzip")
		}
		fmt.Printf(")\n")
		if pipeline.IsDerivedPath(path) {
			fmt.Printf("  Note:       looks like a defacing output\n")
		}
	}
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("mrideface v%s\n", version.Version)
	fmt.Printf("Built:  %s\n", version.BuildTime)
	fmt.Printf("Commit: %s\n", version.GitCommit)
}
