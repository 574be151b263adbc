package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportNative    = "native"
	TransportWebSocket = "websocket"

	BrowserLocal  = "local"
	BrowserDocker = "docker"
)

// Config holds settings for both binaries. Values come from defaults, then an
// optional YAML file, then environment variables (including a .env file).
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`
}

// ServerConfig configures the coordinator
type ServerConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	ChannelName       string        `yaml:"channelName"`
	Transport         string        `yaml:"transport"`
	TransportURL      string        `yaml:"transportUrl"`
	NativeManifestDir string        `yaml:"nativeManifestDir"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	TargetPattern     string        `yaml:"targetPattern"`
	DedupeResponses   bool          `yaml:"dedupeResponses"`
	RateLimitPerHour  int           `yaml:"rateLimitPerHour"`
	RateLimitBurst    int           `yaml:"rateLimitBurst"`
}

// AgentConfig configures the page agent
type AgentConfig struct {
	HubURL           string        `yaml:"hubUrl"`
	PageURL          string        `yaml:"pageUrl"`
	BrowserMode      string        `yaml:"browserMode"`
	Headless         bool          `yaml:"headless"`
	ProfileDir       string        `yaml:"profileDir"`
	ProfileArchive   string        `yaml:"profileArchive"`
	SelectorInput    string        `yaml:"selectorInput"`
	SelectorSend     string        `yaml:"selectorSend"`
	SelectorResponse string        `yaml:"selectorResponse"`
	SettleDelay      time.Duration `yaml:"settleDelay"`
	ReattachDelay    time.Duration `yaml:"reattachDelay"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ChannelName:       "com.example.gemini_mcp_gateway",
			Transport:         TransportNative,
			NativeManifestDir: defaultManifestDir(),
			ReconnectDelay:    5 * time.Second,
			TargetPattern:     "https://gemini.google.com/*",
			DedupeResponses:   true,
			RateLimitPerHour:  600,
			RateLimitBurst:    20,
		},
		Agent: AgentConfig{
			HubURL:           "ws://localhost:8080/v1/contexts/ws",
			PageURL:          "https://gemini.google.com/app",
			BrowserMode:      BrowserLocal,
			Headless:         false,
			ProfileDir:       "./storage/profile",
			SelectorInput:    `div[aria-label="Enter your prompt here"]`,
			SelectorSend:     `button[aria-label="Send prompt"]`,
			SelectorResponse: `div[id^="model-response-message-content"]`,
			SettleDelay:      500 * time.Millisecond,
			ReattachDelay:    5 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// TABRELAY_CONFIG is consulted; a missing file name means no YAML layer.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("TABRELAY_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	s := &cfg.Server
	s.ListenAddr = getEnv("LISTEN_ADDR", s.ListenAddr)
	s.ChannelName = getEnv("CHANNEL_NAME", s.ChannelName)
	s.Transport = getEnv("TRANSPORT", s.Transport)
	s.TransportURL = getEnv("TRANSPORT_URL", s.TransportURL)
	s.NativeManifestDir = getEnv("NATIVE_MANIFEST_DIR", s.NativeManifestDir)
	s.TargetPattern = getEnv("TARGET_PATTERN", s.TargetPattern)

	a := &cfg.Agent
	a.HubURL = getEnv("HUB_URL", a.HubURL)
	a.PageURL = getEnv("PAGE_URL", a.PageURL)
	a.BrowserMode = getEnv("BROWSER_MODE", a.BrowserMode)
	a.ProfileDir = getEnv("PROFILE_DIR", a.ProfileDir)
	a.ProfileArchive = getEnv("PROFILE_ARCHIVE", a.ProfileArchive)
	a.SelectorInput = getEnv("SELECTOR_INPUT", a.SelectorInput)
	a.SelectorSend = getEnv("SELECTOR_SEND", a.SelectorSend)
	a.SelectorResponse = getEnv("SELECTOR_RESPONSE", a.SelectorResponse)

	var err error
	if s.ReconnectDelay, err = getDuration("RECONNECT_DELAY", s.ReconnectDelay); err != nil {
		return err
	}
	if s.DedupeResponses, err = getBool("DEDUPE_RESPONSES", s.DedupeResponses); err != nil {
		return err
	}
	if s.RateLimitPerHour, err = getInt("RATE_LIMIT_PER_HOUR", s.RateLimitPerHour); err != nil {
		return err
	}
	if s.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", s.RateLimitBurst); err != nil {
		return err
	}
	if a.Headless, err = getBool("HEADLESS", a.Headless); err != nil {
		return err
	}
	if a.SettleDelay, err = getDuration("SETTLE_DELAY", a.SettleDelay); err != nil {
		return err
	}
	if a.ReattachDelay, err = getDuration("REATTACH_DELAY", a.ReattachDelay); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings neither binary can run with
func (c Config) Validate() error {
	var errs []error

	switch c.Server.Transport {
	case TransportNative:
		if c.Server.ChannelName == "" {
			errs = append(errs, errors.New("channelName is required for the native transport"))
		}
	case TransportWebSocket:
		if c.Server.TransportURL == "" {
			errs = append(errs, errors.New("transportUrl is required for the websocket transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported transport %q", c.Server.Transport))
	}
	if c.Server.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnectDelay must be positive"))
	}
	if c.Server.TargetPattern == "" {
		errs = append(errs, errors.New("targetPattern is required"))
	}
	if c.Server.RateLimitPerHour <= 0 || c.Server.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit settings must be positive"))
	}

	switch c.Agent.BrowserMode {
	case BrowserLocal, BrowserDocker:
	default:
		errs = append(errs, fmt.Errorf("unsupported browserMode %q", c.Agent.BrowserMode))
	}
	if c.Agent.SettleDelay <= 0 {
		errs = append(errs, errors.New("settleDelay must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// defaultManifestDir mirrors where Chrome looks for per-user native messaging hosts on Linux
func defaultManifestDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "google-chrome", "NativeMessagingHosts")
}
