package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("qpn")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dataset.Name != "qpn" {
		t.Fatalf("dataset name = %q", cfg.Dataset.Name)
	}
	if cfg.Schema.Group != "pipeline_status" {
		t.Fatalf("schema group = %q", cfg.Schema.Group)
	}
	if _, ok := cfg.PipelineFor("fmriprep", "20.2.7"); !ok {
		t.Fatal("default config missing fmriprep entry")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("qpn")))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Dataset.Name != "qpn" {
		t.Fatalf("dataset name = %q", cfg.Dataset.Name)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Dataset.Name = "" }, "dataset.name"},
		{"wide delimiter", func(c *Config) { c.Manifest.Delimiter = ";;" }, "delimiter"},
		{"unknown pipeline", func(c *Config) {
			c.Pipelines = append(c.Pipelines, Pipeline{Name: "dtifit", Version: "6.0"})
		}, "no registered tracker"},
		{"duplicate pipeline", func(c *Config) {
			c.Pipelines = append(c.Pipelines, c.Pipelines[0])
		}, "declared twice"},
		{"api without secret", func(c *Config) { c.API.Addr = "127.0.0.1:0" }, "jwt_secret"},
		{"webhook without url", func(c *Config) {
			c.Webhooks = append(c.Webhooks, Webhook{Events: []string{"doughnut.updated"}})
		}, "webhooks"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("qpn")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default("qpn")
	root := filepath.Join("/data", "qpn")
	if got := Path(root); got != filepath.Join(root, ".scanline", "config.yaml") {
		t.Fatalf("Path = %q", got)
	}
	if got := cfg.DoughnutPath(root); got != filepath.Join(root, "scratch", "raw_dicom", "doughnut.csv") {
		t.Fatalf("DoughnutPath = %q", got)
	}
	if got := cfg.OutputDir(root, "fmriprep", "20.2.7"); got != filepath.Join(root, "derivatives", "fmriprep", "20.2.7", "output") {
		t.Fatalf("OutputDir = %q", got)
	}
}

func TestLoadMissingConfigSaysInit(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "sl init") {
		t.Fatalf("err = %v, want pointer to sl init", err)
	}
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional = %v, %v, want nil, nil", cfg, err)
	}
}
