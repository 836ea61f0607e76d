package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Registration.Model != "affine" {
		t.Errorf("model = %q, want affine", cfg.Registration.Model)
	}
	if cfg.Registration.Metric != "ncc" {
		t.Errorf("metric = %q, want ncc", cfg.Registration.Metric)
	}
	if len(cfg.Registration.ShrinkFactors) != 3 {
		t.Errorf("got %d shrink factors, want 3", len(cfg.Registration.ShrinkFactors))
	}
	if cfg.Voxelation.VoxelSizeMm != 8.0 {
		t.Errorf("voxel size = %v, want 8.0", cfg.Voxelation.VoxelSizeMm)
	}
	if cfg.Processing.NumCores <= 0 {
		t.Errorf("numCores = %d, want positive", cfg.Processing.NumCores)
	}
	if cfg.Output.SaveIntermediateResults {
		t.Error("intermediate results should be off by default")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing config should fall back to defaults, got %v", err)
	}
	if cfg.Voxelation.VoxelSizeMm != 8.0 {
		t.Errorf("voxel size = %v, want the default 8.0", cfg.Voxelation.VoxelSizeMm)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Registration.Model = "rigid"
	cfg.Voxelation.VoxelSizeMm = 6.5
	cfg.Assets.TemplatePath = "/data/template.nii.gz"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Registration.Model != "rigid" {
		t.Errorf("model = %q, want rigid", loaded.Registration.Model)
	}
	if loaded.Voxelation.VoxelSizeMm != 6.5 {
		t.Errorf("voxel size = %v, want 6.5", loaded.Voxelation.VoxelSizeMm)
	}
	if loaded.Assets.TemplatePath != "/data/template.nii.gz" {
		t.Errorf("template path = %q", loaded.Assets.TemplatePath)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := []byte("voxelation:\n  voxelSizeMm: 12\n")
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Voxelation.VoxelSizeMm != 12 {
		t.Errorf("voxel size = %v, want the override 12", cfg.Voxelation.VoxelSizeMm)
	}
	// Untouched sections keep their defaults.
	if cfg.Registration.Metric != "ncc" {
		t.Errorf("metric = %q, want the default ncc", cfg.Registration.Metric)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("registration: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}

func TestResolveAssets(t *testing.T) {
	t.Run("explicit paths win", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Assets.TemplatePath = "/a/t.nii.gz"
		cfg.Assets.FaceMaskPath = "/a/m.nii.gz"

		tpl, mask, err := cfg.ResolveAssets()
		if err != nil {
			t.Fatal(err)
		}
		if tpl != "/a/t.nii.gz" || mask != "/a/m.nii.gz" {
			t.Errorf("got %q, %q", tpl, mask)
		}
	})

	t.Run("environment fallback", func(t *testing.T) {
		t.Setenv(EnvTemplateDir, "/opt/templates")
		cfg := DefaultConfig()

		tpl, mask, err := cfg.ResolveAssets()
		if err != nil {
			t.Fatal(err)
		}
		if tpl != filepath.Join("/opt/templates", DefaultTemplateFile) {
			t.Errorf("template = %q", tpl)
		}
		if mask != filepath.Join("/opt/templates", DefaultFaceMaskFile) {
			t.Errorf("face mask = %q", mask)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		t.Setenv(EnvTemplateDir, "")
		cfg := DefaultConfig()
		if _, _, err := cfg.ResolveAssets(); err == nil {
			t.Error("expected an error with no assets configured")
		}
	})
}
