package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`

	// Domain is the public host used to build default feed links and self
	// URLs, e.g. "feeds.example.com".
	Domain   string `yaml:"domain"`
	TimeZone string `yaml:"time_zone"`

	HubTimeout     time.Duration `yaml:"hub_timeout"`
	HubConcurrency int           `yaml:"hub_concurrency"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OptionsCacheSize int  `yaml:"options_cache_size"`
	MetricsEnabled   bool `yaml:"metrics_enabled"`
}

func Defaults() Config {
	dataDir := "data"
	return Config{
		HTTPAddr:         ":8080",
		DataDir:          dataDir,
		DBPath:           filepath.Join(dataDir, "feedd.db"),
		Domain:           "localhost:8080",
		TimeZone:         "UTC",
		HubTimeout:       10 * time.Second,
		HubConcurrency:   4,
		LogLevel:         "info",
		LogFormat:        "text",
		OptionsCacheSize: 256,
		MetricsEnabled:   true,
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file and FEEDD_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.DBPath == "" {
			cfg.DBPath = filepath.Join(cfg.DataDir, "feedd.db")
		}
	}

	loadDotEnv(".env")
	dataDirSet := os.Getenv("FEEDD_DATA_DIR") != ""
	cfg.HTTPAddr = getEnv("FEEDD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("FEEDD_DATA_DIR", cfg.DataDir)
	if dataDirSet && os.Getenv("FEEDD_DB_PATH") == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "feedd.db")
	}
	cfg.DBPath = getEnv("FEEDD_DB_PATH", cfg.DBPath)
	cfg.Domain = getEnv("FEEDD_DOMAIN", cfg.Domain)
	cfg.TimeZone = getEnv("FEEDD_TIME_ZONE", cfg.TimeZone)
	cfg.LogLevel = getEnv("FEEDD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("FEEDD_LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.HubTimeout, err = getDuration("FEEDD_HUB_TIMEOUT", cfg.HubTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HubConcurrency, err = getInt("FEEDD_HUB_CONCURRENCY", cfg.HubConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.OptionsCacheSize, err = getInt("FEEDD_OPTIONS_CACHE_SIZE", cfg.OptionsCacheSize); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("FEEDD_METRICS_ENABLED"); v != "" {
		cfg.MetricsEnabled, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("FEEDD_METRICS_ENABLED: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("http_addr is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.HubTimeout <= 0 {
		return fmt.Errorf("hub_timeout must be positive")
	}
	if c.HubConcurrency <= 0 {
		return fmt.Errorf("hub_concurrency must be positive")
	}
	if c.OptionsCacheSize <= 0 {
		return fmt.Errorf("options_cache_size must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone; an empty zone means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
