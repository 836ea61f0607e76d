package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	cfgPath          string
	templatePath     string
	faceMaskPath     string
	outputPath       string
	inPlace          bool
	voxelSizeMm      float64
	modelName        string // CLI override for registration.model (affine/rigid-scale/rigid)
	metricName       string // CLI override for registration.metric (ncc/mi)
	timeoutSec       int
	numCores         int
	saveIntermediate bool
	qcSnapshot       bool
	verbose          bool
	batchJobs        int
	batchOutputDir   string

	rootCmd = &cobra.Command{
		Use:   "mrideface",
		Short: "Anatomy-preserving defacing for structural MRI volumes",
		Long: `mrideface removes identifiable facial detail from NIfTI head scans while
				leaving the rest of the anatomy untouched. It registers a template to
				the subject, warps the template's face mask along, and replaces the
				masked region with a coarse voxelated rendition of the same data.`,
	}

	defaceCmd = &cobra.Command{
		Use:   "deface [subject.nii.gz]",
		Short: "Deface a single NIfTI volume",
		Args:  cobra.ExactArgs(1),
		Run:   runDeface, // Defined in cmd_deface.go
	}

	batchCmd = &cobra.Command{
		Use:   "batch [directory]",
		Short: "Deface every NIfTI volume found in a directory",
		Long: `batch scans a directory for .nii and .nii.gz volumes and defaces each
				one. Files that look like earlier defacing outputs (_defaced, _faced,
				_facemask, _voxelated suffixes) are skipped so a rerun never defaces
				its own results.`,
		Args: cobra.ExactArgs(1),
		Run:  runBatch, // Defined in cmd_batch.go
	}

	infoCmd = &cobra.Command{
		Use:   "info [volume.nii.gz...]",
		Short: "Print the header geometry of NIfTI volumes",
		Args:  cobra.MinimumNArgs(1),
		Run:   runInfo, // Defined in cmd_info.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the mrideface configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the default settings",
		Run:   runConfigInit, // Defined in cmd_config.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion, // Defined in cmd_info.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "mrideface.yaml",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", true,
		"Print per-step progress while defacing")

	rootCmd.AddCommand(defaceCmd)
	defaceCmd.Flags().StringVarP(&templatePath, "template", "t", "", "Template head volume (NIfTI)")
	defaceCmd.Flags().StringVarP(&faceMaskPath, "facemask", "m", "", "Binary face mask on the template grid (NIfTI)")
	defaceCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path (default: <subject>_defaced<ext>)")
	defaceCmd.Flags().BoolVar(&inPlace, "in-place", false, "Overwrite the subject, keeping the original as <subject>_faced<ext>")
	defaceCmd.Flags().Float64Var(&voxelSizeMm, "voxel-size", 0, "Edge length in mm of the coarse face blocks")
	defaceCmd.Flags().StringVar(&modelName, "model", "", "Transform model: affine, rigid-scale or rigid")
	defaceCmd.Flags().StringVar(&metricName, "metric", "", "Similarity metric: ncc or mi")
	defaceCmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Abort the registration after this many seconds (0 = no limit)")
	defaceCmd.Flags().IntVar(&numCores, "cores", 0, "Number of CPU cores for resampling (0 = all available)")
	defaceCmd.Flags().BoolVar(&saveIntermediate, "save-intermediate", false, "Also write the warped face mask and the voxelated volume")
	defaceCmd.Flags().BoolVar(&qcSnapshot, "qc", false, "Write a tri-planar QC snapshot PNG of the defaced volume")

	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&templatePath, "template", "t", "", "Template head volume (NIfTI)")
	batchCmd.Flags().StringVarP(&faceMaskPath, "facemask", "m", "", "Binary face mask on the template grid (NIfTI)")
	batchCmd.Flags().Float64Var(&voxelSizeMm, "voxel-size", 0, "Edge length in mm of the coarse face blocks")
	batchCmd.Flags().StringVar(&modelName, "model", "", "Transform model: affine, rigid-scale or rigid")
	batchCmd.Flags().StringVar(&metricName, "metric", "", "Similarity metric: ncc or mi")
	batchCmd.Flags().IntVar(&timeoutSec, "timeout", 0, "Per-volume registration timeout in seconds (0 = no limit)")
	batchCmd.Flags().IntVar(&numCores, "cores", 0, "Number of CPU cores for resampling (0 = all available)")
	batchCmd.Flags().BoolVar(&saveIntermediate, "save-intermediate", false, "Also write the warped face mask and the voxelated volume")
	batchCmd.Flags().BoolVar(&qcSnapshot, "qc", false, "Write a tri-planar QC snapshot PNG per defaced volume")
	batchCmd.Flags().IntVarP(&batchJobs, "jobs", "j", 2, "Number of volumes to deface concurrently")
	batchCmd.Flags().StringVar(&batchOutputDir, "output-dir", "", "Write defaced volumes into this directory instead of next to the inputs")

	rootCmd.AddCommand(infoCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(versionCmd)
}
