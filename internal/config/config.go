package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sfmbatch/internal/colmap"
)

const (
	defaultConfigPath = "~/.config/sfmbatch/config.json"
	defaultPrefix     = "frame"
	defaultMaxEdge    = 4096
)

// Config holds user-editable settings for the batch driver.
type Config struct {
	Processing Processing `json:"processing"`
	Presets    Presets    `json:"presets"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
}

// Processing captures execution preferences.
type Processing struct {
	Python      string   `json:"python"`       // interpreter with hloc, pycolmap and pixsfm installed
	FramePrefix string   `json:"frame_prefix"` // stripped from folder names to get the frame id
	EmitRaw     bool     `json:"emit_raw"`     // also write an unrefined model under raw/
	KeepGoing   bool     `json:"keep_going"`   // continue with the next frame after a failure
	Settle      Duration `json:"watch_settle"` // quiet period before watch mode starts a batch
}

// Presets are the fixed stage configurations handed to the SfM libraries.
type Presets struct {
	Features      string         `json:"features"`       // hloc extract_features conf name
	Matcher       string         `json:"matcher"`        // hloc match_features conf name
	MaxEdge       int            `json:"max_edge"`       // pixsfm dense_features.max_edge
	CameraMode    string         `json:"camera_mode"`    // pycolmap.CameraMode
	CameraModel   string         `json:"camera_model"`   // ImageReaderOptions.camera_model
	MapperOptions map[string]any `json:"mapper_options"` // IncrementalMapperOptions overrides
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures on-disk locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
}

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("SFMBATCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	for _, p := range []*string{&cfg.Paths.DatabasePath, &cfg.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			Python:      "python3",
			FramePrefix: defaultPrefix,
			Settle:      Duration{30 * time.Second},
		},
		Presets: Presets{
			Features:    "superpoint_aachen",
			Matcher:     "superglue",
			MaxEdge:     defaultMaxEdge,
			CameraMode:  "PER_IMAGE",
			CameraModel: "PINHOLE",
			MapperOptions: map[string]any{
				"ba_refine_principal_point": true,
				"ba_refine_focal_length":    true,
				"ba_refine_extra_params":    false,
			},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "sfmbatch.db"),
		},
	}
}

var cameraModes = map[string]struct{}{
	"AUTO":       {},
	"SINGLE":     {},
	"PER_FOLDER": {},
	"PER_IMAGE":  {},
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Processing.Python == "" {
		return errors.New("processing.python must name an interpreter")
	}
	if c.Processing.FramePrefix == "" {
		return errors.New("processing.frame_prefix must not be empty")
	}
	if c.Processing.Settle.Duration < 0 {
		return fmt.Errorf("processing.watch_settle must not be negative, got %s", c.Processing.Settle)
	}
	if c.Presets.Features == "" || c.Presets.Matcher == "" {
		return errors.New("presets.features and presets.matcher are required")
	}
	if c.Presets.MaxEdge <= 0 {
		return fmt.Errorf("presets.max_edge must be positive, got %d", c.Presets.MaxEdge)
	}
	if _, ok := cameraModes[c.Presets.CameraMode]; !ok {
		return fmt.Errorf("presets.camera_mode %q is not one of AUTO, SINGLE, PER_FOLDER, PER_IMAGE", c.Presets.CameraMode)
	}
	if _, ok := colmap.ModelByName(c.Presets.CameraModel); !ok {
		return fmt.Errorf("presets.camera_model %q is not a known camera model", c.Presets.CameraModel)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
