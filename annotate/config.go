package annotate

import (
	"github.com/hazyhaar/satlens/annotate/internal/config"
	"github.com/hazyhaar/satlens/annotate/internal/incremental"
	"github.com/hazyhaar/satlens/annotate/internal/livedoc"
	"github.com/hazyhaar/satlens/annotate/internal/safety"
)

// Config is the engine configuration. See configs/satlens.example.yaml.
type Config = config.Config

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) { return config.LoadFile(path) }

// ParseConfig decodes and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) { return config.Parse(data) }

// FrameContext describes the browsing context a document lives in.
type FrameContext = safety.Context

// Viewport is the frame size in CSS pixels.
type Viewport = safety.Viewport

// Verdict is the restriction decision taken before a scan mutates anything.
type Verdict = safety.Verdict

// Severity grades a Verdict.
type Severity = safety.Severity

// BatchResult counts what one mutation batch did to the followed document.
type BatchResult = livedoc.Result

// ControllerStats are the incremental controller's counters.
type ControllerStats = incremental.Stats
