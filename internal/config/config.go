package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"scanline/internal/pipelines"
)

// Config models .scanline/config.yaml.
type Config struct {
	Dataset struct {
		Name string `yaml:"name"`
	} `yaml:"dataset"`
	Paths struct {
		RawDicom    string `yaml:"raw_dicom"`
		Sourcedata  string `yaml:"sourcedata"`
		Bids        string `yaml:"bids"`
		Derivatives string `yaml:"derivatives"`
	} `yaml:"paths"`
	Manifest struct {
		Path      string `yaml:"path"`
		Delimiter string `yaml:"delimiter"`
	} `yaml:"manifest"`
	Ledgers struct {
		Doughnut string `yaml:"doughnut"`
		Bagel    string `yaml:"bagel"`
	} `yaml:"ledgers"`
	Schema struct {
		Path  string `yaml:"path"`
		Group string `yaml:"group"`
	} `yaml:"schema"`
	Pipelines []Pipeline `yaml:"pipelines"`
	API       struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Pipeline declares one tracked pipeline version. Command and Env are
// only needed when the pipeline is launched through scanline; a
// tracking-only entry leaves them empty.
type Pipeline struct {
	Name      string            `yaml:"name"`
	Version   string            `yaml:"version"`
	Command   []string          `yaml:"command"`
	EnvPrefix string            `yaml:"env_prefix"`
	Env       map[string]string `yaml:"env"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from a dataset root.
func Load(dataset string) (*Config, error) {
	path := Path(dataset)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; initialize with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(dataset string) (*Config, error) {
	path := Path(dataset)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dataset.Name == "" {
		return fmt.Errorf("config.dataset.name is required")
	}
	if c.Manifest.Path == "" {
		return fmt.Errorf("config.manifest.path is required")
	}
	if d := c.Manifest.Delimiter; d != "" && len(d) != 1 {
		return fmt.Errorf("config.manifest.delimiter must be a single character, got %q", d)
	}
	if c.Ledgers.Doughnut == "" {
		return fmt.Errorf("config.ledgers.doughnut is required")
	}
	if c.Ledgers.Bagel == "" {
		return fmt.Errorf("config.ledgers.bagel is required")
	}
	if c.Schema.Group == "" {
		return fmt.Errorf("config.schema.group is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("config.pipelines contains entry with empty name")
		}
		if p.Version == "" {
			return fmt.Errorf("pipeline %s has no version", p.Name)
		}
		if _, ok := pipelines.Lookup(p.Name); !ok {
			return fmt.Errorf("pipeline %s has no registered tracker; known: %v", p.Name, pipelines.Names())
		}
		key := p.Name + "@" + p.Version
		if seen[key] {
			return fmt.Errorf("pipeline %s declared twice", key)
		}
		seen[key] = true
	}
	if c.API.Addr != "" && c.API.JWTSecret == "" {
		return fmt.Errorf("config.api.jwt_secret is required when api.addr is set")
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
	}
	return nil
}

// PipelineFor returns the declared pipeline entry for name@version.
func (c *Config) PipelineFor(name, version string) (Pipeline, bool) {
	for _, p := range c.Pipelines {
		if p.Name == name && p.Version == version {
			return p, true
		}
	}
	return Pipeline{}, false
}

// Path returns the config file path for a dataset root.
func Path(dataset string) string {
	if dataset == "" {
		dataset = "."
	}
	return filepath.Join(dataset, ".scanline", "config.yaml")
}

// Path helpers resolve configured locations against the dataset root.

func (c *Config) ManifestPath(root string) string { return filepath.Join(root, c.Manifest.Path) }
func (c *Config) DoughnutPath(root string) string { return filepath.Join(root, c.Ledgers.Doughnut) }
func (c *Config) BagelPath(root string) string    { return filepath.Join(root, c.Ledgers.Bagel) }
func (c *Config) RawDicomDir(root string) string  { return filepath.Join(root, c.Paths.RawDicom) }
func (c *Config) SourcedataDir(root string) string {
	return filepath.Join(root, c.Paths.Sourcedata)
}
func (c *Config) BidsDir(root string) string { return filepath.Join(root, c.Paths.Bids) }

// SchemaPath returns the dashboard schema location, or "" for the
// built-in schema.
func (c *Config) SchemaPath(root string) string {
	if c.Schema.Path == "" {
		return ""
	}
	return filepath.Join(root, c.Schema.Path)
}

// OutputDir is where a pipeline version writes its subject outputs.
func (c *Config) OutputDir(root, name, version string) string {
	return filepath.Join(root, c.Paths.Derivatives, name, version, "output")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(datasetName string) string {
	return fmt.Sprintf(defaultTemplate, datasetName)
}

// Default returns the default Config struct for a dataset.
func Default(datasetName string) *Config {
	var cfg Config
	cfg.Dataset.Name = datasetName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, datasetName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dataset:
  name: %s

paths:
  raw_dicom: scratch/raw_dicom
  sourcedata: sourcedata
  bids: bids
  derivatives: derivatives

manifest:
  path: manifest.csv
  delimiter: ","

ledgers:
  doughnut: scratch/raw_dicom/doughnut.csv
  bagel: derivatives/bagel.csv

schema:
  group: pipeline_status

pipelines:
  - name: freesurfer
    version: 7.3.2

  - name: fmriprep
    version: 20.2.7
    command:
      [
        apptainer, run, containers/fmriprep.sif,
        --participant-label, "{participant_id}",
        --output-spaces, MNI152NLin2009cAsym:res-2,
      ]
    env_prefix: APPTAINERENV_
    env:
      TEMPLATEFLOW_HOME: .cache/templateflow

  - name: mriqc
    version: 23.1.0

  - name: tractoflow
    version: 2.4.2

# Set addr and jwt_secret to serve the status API.
api:
  addr: ""
  jwt_secret: ""
`
