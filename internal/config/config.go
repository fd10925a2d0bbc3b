package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/petems/beme/internal/ai"
)

const (
	appName = "beme"

	DefaultVisionPrompt = "You are an AI assistant observing my screen. Analyze what you see and suggest the single best next action I should take. Be specific and actionable."
	DefaultAudioPrompt  = "You are listening to a conversation. Suggest the best response or follow-up question."

	// DiagnosticLogEnv names the variable holding the diagnostic log path.
	DiagnosticLogEnv = "BEME_TEST_LOG"
)

// ErrMalformed wraps decode failures; the returned Settings are defaults.
var ErrMalformed = errors.New("malformed settings file")

// Settings is the persisted user configuration.
type Settings struct {
	Endpoint         string `toml:"endpoint" json:"endpoint"`
	APIKey           string `toml:"apiKey" json:"apiKey"`
	VisionDeployment string `toml:"visionDeployment" json:"visionDeployment"`
	AudioDeployment  string `toml:"audioDeployment" json:"audioDeployment"`
	UseBearer        bool   `toml:"useBearer" json:"useBearer"`

	CaptureInterval    float64 `toml:"captureInterval" json:"captureInterval"` // seconds
	ScreenshotMaxWidth int     `toml:"screenshotMaxWidth" json:"screenshotMaxWidth"`
	FrameDiffThreshold float64 `toml:"frameDiffThreshold" json:"frameDiffThreshold"` // percent
	JPEGQuality        int     `toml:"jpegQuality" json:"jpegQuality"`
	Monitor            int     `toml:"monitor" json:"monitor"` // -1 = primary

	VisionPrompt string `toml:"visionPrompt" json:"visionPrompt"`
	AudioPrompt  string `toml:"audioPrompt" json:"audioPrompt"`

	AudioDevice      string `toml:"audioDevice" json:"audioDevice"`
	CaptureAudio     bool   `toml:"captureAudio" json:"captureAudio"`
	CommitIntervalMs int    `toml:"commitIntervalMs" json:"commitIntervalMs"`
	CommitBytes      int    `toml:"commitBytes" json:"commitBytes"`
	MaxOutputTokens  int    `toml:"maxOutputTokens" json:"maxOutputTokens"`

	Hotkey       string `toml:"hotkey" json:"hotkey"`
	HotkeyDarwin string `toml:"hotkeyDarwin" json:"hotkeyDarwin"`
	LogLevel     string `toml:"logLevel" json:"logLevel"`
	MetricsAddr  string `toml:"metricsAddr" json:"metricsAddr"`
}

// Defaults returns the stock settings.
func Defaults() *Settings {
	return &Settings{
		VisionDeployment:   "gpt-4o",
		AudioDeployment:    "gpt-4o-realtime-preview",
		CaptureInterval:    2.0,
		ScreenshotMaxWidth: 1024,
		FrameDiffThreshold: 5,
		JPEGQuality:        75,
		Monitor:            -1,
		VisionPrompt:       DefaultVisionPrompt,
		AudioPrompt:        DefaultAudioPrompt,
		CommitIntervalMs:   3000,
		MaxOutputTokens:    300,
		Hotkey:             "Ctrl+Shift+B",
		HotkeyDarwin:       "Cmd+Shift+B",
		LogLevel:           "info",
	}
}

// Load reads settings from path. A missing file yields defaults and no
// error. A malformed file yields defaults and an error wrapping
// ErrMalformed, which callers should log and continue.
func Load(path string) (*Settings, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return Defaults(), fmt.Errorf("%w %s: %v", ErrMalformed, path, err)
	}
	cfg.Validate()
	return cfg, nil
}

// Save writes the settings to path
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := toml.Marshal(s)
	if err != nil {
		return err
	}

	// The file holds the API key.
	return os.WriteFile(path, data, 0o600)
}

// Validate clamps out-of-range values in place.
func (s *Settings) Validate() {
	if s.CaptureInterval < 0.25 {
		s.CaptureInterval = 0.25
	}
	if s.ScreenshotMaxWidth < 64 {
		s.ScreenshotMaxWidth = 64
	}
	s.FrameDiffThreshold = clamp(s.FrameDiffThreshold, 0, 100)
	s.JPEGQuality = int(clamp(float64(s.JPEGQuality), 1, 100))
	if s.Monitor < -1 {
		s.Monitor = -1
	}
	if s.CommitIntervalMs < 0 {
		s.CommitIntervalMs = 0
	}
	if s.CommitBytes < 0 {
		s.CommitBytes = 0
	}
	if s.MaxOutputTokens <= 0 {
		s.MaxOutputTokens = 300
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyEnv overrides connection settings from the environment.
func (s *Settings) ApplyEnv() {
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		s.Endpoint = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
		s.APIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_VISION_DEPLOYMENT"); v != "" {
		s.VisionDeployment = v
	}
	if v := os.Getenv("AZURE_OPENAI_AUDIO_DEPLOYMENT"); v != "" {
		s.AudioDeployment = v
	}
	if v := os.Getenv("BEME_USE_BEARER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.UseBearer = b
		}
	}
}

// Interval returns CaptureInterval as a duration.
func (s *Settings) Interval() time.Duration {
	return time.Duration(s.CaptureInterval * float64(time.Second))
}

// CommitInterval returns CommitIntervalMs as a duration.
func (s *Settings) CommitInterval() time.Duration {
	return time.Duration(s.CommitIntervalMs) * time.Millisecond
}

// VisionProvider returns the connection settings for screen analysis.
func (s *Settings) VisionProvider() ai.ProviderConfig {
	return ai.ProviderConfig{
		Endpoint:        s.Endpoint,
		APIKey:          s.APIKey,
		UseBearer:       s.UseBearer,
		Deployment:      s.VisionDeployment,
		Prompt:          s.VisionPrompt,
		MaxOutputTokens: s.MaxOutputTokens,
	}
}

// AudioProvider returns the connection settings for realtime audio.
func (s *Settings) AudioProvider() ai.ProviderConfig {
	return ai.ProviderConfig{
		Endpoint:   s.Endpoint,
		APIKey:     s.APIKey,
		UseBearer:  s.UseBearer,
		Deployment: s.AudioDeployment,
		Prompt:     s.AudioPrompt,
	}
}

// PlatformHotkey returns the appropriate hotkey for the current platform
func (s *Settings) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && s.HotkeyDarwin != "" {
		return s.HotkeyDarwin
	}
	return s.Hotkey
}

// DiagnosticLogPath returns the diagnostic log path, or "" when disabled.
func DiagnosticLogPath() string {
	return os.Getenv(DiagnosticLogEnv)
}

// Path returns the platform-specific settings file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, appName, "settings.toml")
}
