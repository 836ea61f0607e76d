package pipeline

import (
	"path/filepath"
	"strings"
)

// SplitVolumeExt splits a volume path into stem and extension, treating
// ".nii.gz" as a single extension so derived names never land between the
// two suffixes.
func SplitVolumeExt(path string) (stem, ext string) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		cut := len(path) - len(".nii.gz")
		return path[:cut], path[cut:]
	case strings.HasSuffix(lower, ".nii"):
		cut := len(path) - len(".nii")
		return path[:cut], path[cut:]
	default:
		e := filepath.Ext(path)
		return strings.TrimSuffix(path, e), e
	}
}

// DefaultOutputPath derives the side-by-side output name for a subject:
// "sub.nii.gz" becomes "sub_defaced.nii.gz".
func DefaultOutputPath(inputPath string) string {
	stem, ext := SplitVolumeExt(inputPath)
	return stem + "_defaced" + ext
}

// BackupPath derives the name the original is moved to in in-place mode:
// "sub.nii.gz" becomes "sub_faced.nii.gz".
func BackupPath(inputPath string) string {
	stem, ext := SplitVolumeExt(inputPath)
	return stem + "_faced" + ext
}

// IsDerivedPath reports whether a path looks like one of this pipeline's
// own outputs, so batch runs do not deface a defaced volume or a backup.
func IsDerivedPath(path string) bool {
	stem, _ := SplitVolumeExt(path)
	for _, suffix := range []string{"_defaced", "_faced", "_facemask", "_voxelated"} {
		if strings.HasSuffix(stem, suffix) {
			return true
		}
	}
	return false
}

// derivedPath inserts a suffix before the output's volume extension, used
// for the intermediate artifacts.
func derivedPath(outputPath, suffix string) string {
	stem, ext := SplitVolumeExt(outputPath)
	return stem + suffix + ext
}

// qcSnapshotPath names the tri-planar PNG written next to the output.
func qcSnapshotPath(outputPath string) string {
	stem, _ := SplitVolumeExt(outputPath)
	return stem + "_qc.png"
}

// stagingPath names the temporary file the final volume is written to
// before the rename into place. It keeps the volume extension so the
// writer picks the right compression.
func stagingPath(outputPath string) string {
	stem, ext := SplitVolumeExt(outputPath)
	return stem + ".partial" + ext
}
