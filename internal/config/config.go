package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	BackendONNX   = "onnx"
	BackendNative = "native"

	ModeClinical = "clinical"
	ModeConsumer = "consumer"
)

// Config holds the dermasense configuration.
type Config struct {
	// Models are loaded once at startup and looked up by name.
	Models []ModelConfig `yaml:"models"`

	// CacheDir receives artifacts downloaded from gs:// or http(s):// locations.
	CacheDir string `yaml:"cache_dir"`

	// ONNXRuntimeLibrary overrides the onnxruntime shared library path.
	ONNXRuntimeLibrary string `yaml:"onnxruntime_library"`

	Analysis AnalysisConfig `yaml:"analysis"`
	Gemini   GeminiConfig   `yaml:"gemini"`
}

// ModelConfig describes one classifier.
type ModelConfig struct {
	Name    string `yaml:"name"`
	Mode    string `yaml:"mode"`    // clinical, consumer
	Backend string `yaml:"backend"` // onnx, native

	// Weights is a local path or gs:// / http(s):// URL. For the native
	// backend it is the JSON network description.
	Weights string `yaml:"weights"`
	// Metadata is required for the onnx backend.
	Metadata string `yaml:"metadata"`

	// Layer overrides the explained layer; empty selects the last
	// convolutional layer.
	Layer         string              `yaml:"layer"`
	Preprocessing model.Preprocessing `yaml:"preprocessing"`
	// ImageSize overrides the square input size reported by the model.
	ImageSize int `yaml:"image_size"`
}

// AnalysisConfig tunes the analysis pipeline.
type AnalysisConfig struct {
	OverlayAlpha  float64 `yaml:"overlay_alpha"`
	BlurThreshold float64 `yaml:"blur_threshold"`
	TopK          int     `yaml:"top_k"`
	JPEGQuality   int     `yaml:"jpeg_quality"`
}

// GeminiConfig configures the plain-language explanation model.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DefaultConfig mirrors the production deployment: an EfficientNet-B3
// clinical model at 300px and an EfficientNetV2-B4 consumer model at 380px.
func DefaultConfig() *Config {
	return &Config{
		Models: []ModelConfig{
			{
				Name:          ModeClinical,
				Mode:          ModeClinical,
				Backend:       BackendONNX,
				Weights:       "models/b3_clinical_model.onnx",
				Metadata:      "models/b3_clinical_metadata.json",
				Preprocessing: model.PreprocessRaw,
				ImageSize:     300,
			},
			{
				Name:          ModeConsumer,
				Mode:          ModeConsumer,
				Backend:       BackendONNX,
				Weights:       "models/b4_consumer_model.onnx",
				Metadata:      "models/b4_consumer_metadata.json",
				Preprocessing: model.PreprocessRaw,
				ImageSize:     380,
			},
		},
		CacheDir: "~/.cache/dermasense/artifacts",
		Analysis: AnalysisConfig{
			OverlayAlpha:  0.4,
			BlurThreshold: 50,
			TopK:          3,
			JPEGQuality:   90,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.0-flash",
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults. A
// missing file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyModelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if dir := os.Getenv("DERMASENSE_CACHE_DIR"); dir != "" {
		c.CacheDir = dir
	}
	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		c.ONNXRuntimeLibrary = lib
	}
}

func (c *Config) applyModelDefaults() {
	for i := range c.Models {
		m := &c.Models[i]
		if m.Backend == "" {
			m.Backend = BackendONNX
		}
		if m.Mode == "" {
			m.Mode = ModeConsumer
		}
		if m.Preprocessing == "" {
			m.Preprocessing = model.PreprocessRaw
		}
	}
	if c.Analysis.TopK <= 0 {
		c.Analysis.TopK = 3
	}
	if c.Analysis.JPEGQuality <= 0 {
		c.Analysis.JPEGQuality = 90
	}
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	seen := make(map[string]bool)
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate model %q", m.Name)
		}
		seen[m.Name] = true

		if m.Weights == "" {
			return fmt.Errorf("model %q: weights location is required", m.Name)
		}
		switch m.Backend {
		case BackendONNX:
			if m.Metadata == "" {
				return fmt.Errorf("model %q: onnx backend requires metadata", m.Name)
			}
		case BackendNative:
		default:
			return fmt.Errorf("model %q: unknown backend %q", m.Name, m.Backend)
		}
		if m.Mode != ModeClinical && m.Mode != ModeConsumer {
			return fmt.Errorf("model %q: mode must be %q or %q, got %q", m.Name, ModeClinical, ModeConsumer, m.Mode)
		}
		if !m.Preprocessing.Valid() {
			return fmt.Errorf("model %q: unknown preprocessing %q", m.Name, m.Preprocessing)
		}
		if m.ImageSize < 0 {
			return fmt.Errorf("model %q: image_size must not be negative", m.Name)
		}
	}
	if a := c.Analysis.OverlayAlpha; a < 0 || a > 1 {
		return fmt.Errorf("overlay_alpha must be within [0, 1], got %v", a)
	}
	if c.Analysis.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be at most 100, got %d", c.Analysis.JPEGQuality)
	}
	return nil
}
