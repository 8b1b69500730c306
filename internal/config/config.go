package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ConfigPaths holds all relevant paths for the application
type ConfigPaths struct {
	BaseDir      string // Base directory for all config files
	ActiveConfig string // Path to active config file
	DataDir      string // Directory for application data
	DBFile       string // Path to database file
	LogDir       string // Directory for log files
}

// Config holds all application configuration
type Config struct {
	// General settings
	DeviceID   string `json:"device_id" yaml:"device_id"`
	DeviceName string `json:"device_name" yaml:"device_name"`

	// System paths configuration
	SystemPaths ConfigPaths `json:"system_paths" yaml:"system_paths"`

	// Logging configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Peer transport configuration
	Broker BrokerConfig `json:"broker" yaml:"broker"`

	// Notification router policy
	Router RouterConfig `json:"router" yaml:"router"`

	// Printer backend client configuration
	Backend BackendConfig `json:"backend" yaml:"backend"`
}

// LogConfig holds logging-related configuration
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// BrokerConfig holds peer transport (MQTT) configuration
type BrokerConfig struct {
	URL            string        `json:"url" yaml:"url"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	PeerID         string        `json:"peer_id" yaml:"peer_id"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// PresenceWindow is how recently the peer must have announced itself
	// for IsReachableNow to report true.
	PresenceWindow time.Duration `json:"presence_window" yaml:"presence_window"`
	// DailyInfoBudget caps immediate delivery on the low-priority info
	// channel per UTC day; overflow is queued, never failed.
	DailyInfoBudget int `json:"daily_info_budget" yaml:"daily_info_budget"`
}

// RouterConfig holds the notification router's policy tunables. These are
// deliberately configuration rather than constants: the progress step and
// debounce only need to be "a small step" and "minute-scale", nothing about
// the defaults is load-bearing.
type RouterConfig struct {
	ProgressStep          float64       `json:"progress_step" yaml:"progress_step"`
	ProgressDebounce      time.Duration `json:"progress_debounce" yaml:"progress_debounce"`
	WidgetSampleStep      float64       `json:"widget_sample_step" yaml:"widget_sample_step"`
	ActiveRefreshInterval time.Duration `json:"active_refresh_interval" yaml:"active_refresh_interval"`
	IdleRefreshInterval   time.Duration `json:"idle_refresh_interval" yaml:"idle_refresh_interval"`
}

// BackendConfig holds configuration for direct printer backend requests
type BackendConfig struct {
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// FallbackTimeout is the short timeout used when a companion device
	// bypasses the peer channel and talks to the printer directly.
	FallbackTimeout time.Duration `json:"fallback_timeout" yaml:"fallback_timeout"`
}

// GetConfigPaths returns the platform-specific configuration paths
func GetConfigPaths() (*ConfigPaths, error) {
	baseDir := os.Getenv("PRINTWATCH_CONFIG_DIR")
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}

		switch runtime.GOOS {
		case "windows":
			baseDir = filepath.Join(configDir, "Printwatch")
		case "darwin":
			baseDir = filepath.Join(configDir, "com.okkerhart.printwatch")
		default: // Linux and others
			baseDir = filepath.Join(configDir, "printwatch")
		}
	}

	dataDir := os.Getenv("PRINTWATCH_DATA_DIR")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		switch runtime.GOOS {
		case "windows":
			appData, err := os.UserConfigDir()
			if err == nil {
				dataDir = filepath.Join(appData, "Printwatch", "Data")
			} else {
				dataDir = filepath.Join(homeDir, "AppData", "Local", "Printwatch")
			}
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "Printwatch")
		default:
			if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
				dataDir = filepath.Join(xdgDataHome, "printwatch")
			} else {
				dataDir = filepath.Join(homeDir, ".printwatch")
			}
		}
	}

	paths := &ConfigPaths{
		BaseDir:      baseDir,
		ActiveConfig: filepath.Join(baseDir, "config.yaml"),
		DataDir:      dataDir,
		DBFile:       filepath.Join(dataDir, "printwatch.db"),
		LogDir:       filepath.Join(dataDir, "logs"),
	}

	for _, dir := range []string{paths.BaseDir, paths.DataDir, paths.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	paths, _ := GetConfigPaths() // Ignore error, will use fallback paths
	if paths == nil {
		paths = &ConfigPaths{}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "printwatch-device"
	}

	return &Config{
		DeviceID:    uuid.New().String(),
		DeviceName:  hostname,
		SystemPaths: *paths,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			DBPath: paths.DBFile,
		},
		Broker: BrokerConfig{
			URL:             "tcp://localhost:1883",
			RequestTimeout:  5 * time.Second,
			PresenceWindow:  2 * time.Minute,
			DailyInfoBudget: 50,
		},
		Router: RouterConfig{
			ProgressStep:          10,
			ProgressDebounce:      10 * time.Minute,
			WidgetSampleStep:      5,
			ActiveRefreshInterval: 15 * time.Minute,
			IdleRefreshInterval:   60 * time.Minute,
		},
		Backend: BackendConfig{
			RequestTimeout:  30 * time.Second,
			FallbackTimeout: 4 * time.Second,
		},
	}
}

// Load loads the configuration from the specified file or creates default if not exists
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		var err error
		configPath, err = getActiveConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Save(configPath); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// Save saves the configuration to the specified file
func (c *Config) Save(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func getActiveConfigPath() (string, error) {
	paths, err := GetConfigPaths()
	if err != nil {
		return "", err
	}
	return paths.ActiveConfig, nil
}

// overrideFromEnv overrides configuration values from environment variables
func overrideFromEnv(config *Config) {
	if val := os.Getenv("PRINTWATCH_DEVICE_ID"); val != "" {
		config.DeviceID = val
	}
	if val := os.Getenv("PRINTWATCH_DEVICE_NAME"); val != "" {
		config.DeviceName = val
	}
	if val := os.Getenv("PRINTWATCH_DATA_DIR"); val != "" {
		config.SystemPaths.DataDir = val
	}
	if val := os.Getenv("PRINTWATCH_LOG_LEVEL"); val != "" {
		config.Log.Level = val
	}
	if val := os.Getenv("PRINTWATCH_BROKER_URL"); val != "" {
		config.Broker.URL = val
	}
	if val := os.Getenv("PRINTWATCH_PEER_ID"); val != "" {
		config.Broker.PeerID = val
	}
	if val := os.Getenv("PRINTWATCH_INFO_BUDGET"); val != "" {
		if budget, err := strconv.Atoi(val); err == nil {
			config.Broker.DailyInfoBudget = budget
		}
	}
	if val := os.Getenv("PRINTWATCH_PROGRESS_STEP"); val != "" {
		if step, err := strconv.ParseFloat(val, 64); err == nil {
			config.Router.ProgressStep = step
		}
	}
}
