// Package config provides configuration loading and management for mrideface.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// EnvTemplateDir names the environment variable holding the directory with
// the bundled registration template and face mask.
const EnvTemplateDir = "MRIDEFACE_TEMPLATE_DIR"

// Default asset file names looked up inside the template directory.
const (
	DefaultTemplateFile = "template_t1w.nii.gz"
	DefaultFaceMaskFile = "face_mask.nii.gz"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// Model selects the transform degrees of freedom: affine,
		// rigid+scale or rigid
		Model string `yaml:"model"`

		// Metric selects the similarity measure: ncc or mi
		Metric string `yaml:"metric"`

		// ShrinkFactors lists the pyramid levels, coarsest first
		ShrinkFactors []int `yaml:"shrinkFactors"`

		// SmoothingSigmasMm lists the Gaussian smoothing per level in mm
		SmoothingSigmasMm []float64 `yaml:"smoothingSigmasMm"`

		// Iterations caps the optimizer iterations per level
		Iterations []int `yaml:"iterations"`

		// MaxSamples caps the voxel count used to score a candidate
		MaxSamples int `yaml:"maxSamples"`

		// MinImprovement is the required metric gain over the identity
		// transform before a result is accepted
		MinImprovement float64 `yaml:"minImprovement"`

		// TimeoutSeconds aborts the registration after this long; zero
		// means no limit
		TimeoutSeconds int `yaml:"timeoutSeconds"`
	} `yaml:"registration"`

	// Voxelation parameters
	Voxelation struct {
		// VoxelSizeMm is the edge length of the coarse blocks replacing
		// the face
		VoxelSizeMm float64 `yaml:"voxelSizeMm"`
	} `yaml:"voxelation"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveIntermediateResults writes the warped face mask and the
		// fully voxelated volume next to the defaced output
		SaveIntermediateResults bool `yaml:"saveIntermediateResults"`

		// QCSnapshot writes a tri-planar PNG of the defaced volume
		QCSnapshot bool `yaml:"qcSnapshot"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Assets point at the registration template and its face mask
	Assets struct {
		// TemplatePath is the template head volume (NIfTI)
		TemplatePath string `yaml:"templatePath"`

		// FaceMaskPath is the binary face mask on the template grid
		FaceMaskPath string `yaml:"faceMaskPath"`
	} `yaml:"assets"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default registration parameters
	cfg.Registration.Model = "affine"
	cfg.Registration.Metric = "ncc"
	cfg.Registration.ShrinkFactors = []int{4, 2, 1}
	cfg.Registration.SmoothingSigmasMm = []float64{4, 2, 0}
	cfg.Registration.Iterations = []int{300, 150, 60}
	cfg.Registration.MaxSamples = 65536
	cfg.Registration.MinImprovement = 0
	cfg.Registration.TimeoutSeconds = 0

	// Set default voxelation parameters
	cfg.Voxelation.VoxelSizeMm = 8.0

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default output parameters
	cfg.Output.SaveIntermediateResults = false
	cfg.Output.QCSnapshot = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// ResolveAssets returns the template and face mask paths, falling back to
// the standard file names under $MRIDEFACE_TEMPLATE_DIR when the
// configuration leaves them empty.
func (cfg *Config) ResolveAssets() (templatePath, faceMaskPath string, err error) {
	templatePath = cfg.Assets.TemplatePath
	faceMaskPath = cfg.Assets.FaceMaskPath
	if templatePath != "" && faceMaskPath != "" {
		return templatePath, faceMaskPath, nil
	}

	dir := os.Getenv(EnvTemplateDir)
	if dir == "" {
		return "", "", fmt.Errorf("no template assets configured: set assets in the config file, pass --template/--facemask, or export %s", EnvTemplateDir)
	}
	if templatePath == "" {
		templatePath = filepath.Join(dir, DefaultTemplateFile)
	}
	if faceMaskPath == "" {
		faceMaskPath = filepath.Join(dir, DefaultFaceMaskFile)
	}
	return templatePath, faceMaskPath, nil
}
