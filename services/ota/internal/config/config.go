package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for otad. Values come from an
// optional YAML file (OTAD_CONFIG) with environment variables taking
// precedence.
type Config struct {
	HTTPAddr     string
	APIKey       string
	UpdateURL    string
	Firmware     FirmwareConfig
	Fleet        FleetConfig
	Staging      StagingConfig
	TFTP         TFTPConfig
	NATSURL      string
	DatabaseDSN  string
	MirrorBucket string
}

type FirmwareConfig struct {
	Dir            string
	MaxSizeMB      int
	Signature      byte
	BackupsEnabled bool
}

// MaxSizeBytes returns the upload cap in bytes.
func (f FirmwareConfig) MaxSizeBytes() int64 {
	return int64(f.MaxSizeMB) * 1024 * 1024
}

type FleetConfig struct {
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
}

type StagingConfig struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

type TFTPConfig struct {
	Enabled bool
	Address string
	Timeout time.Duration
}

// fileConfig mirrors the YAML layout of the config file.
type fileConfig struct {
	Server struct {
		Addr   string `yaml:"addr"`
		APIKey string `yaml:"api_key"`
	} `yaml:"server"`
	Firmware struct {
		Folder        string `yaml:"folder"`
		MaxSizeMB     int    `yaml:"max_size_mb"`
		Signature     string `yaml:"signature"`
		BackupEnabled *bool  `yaml:"backup_enabled"`
		UpdateURL     string `yaml:"update_url"`
	} `yaml:"firmware"`
	Fleet struct {
		LivenessTimeout string `yaml:"liveness_timeout"`
		SweepInterval   string `yaml:"sweep_interval"`
	} `yaml:"fleet"`
	Staging struct {
		MaxAge        string `yaml:"max_age"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"staging"`
	TFTP struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Timeout string `yaml:"timeout"`
	} `yaml:"tftp"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Mirror struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"mirror"`
}

// Load assembles the configuration: defaults, then the YAML file named by
// OTAD_CONFIG (if any), then OTAD_* environment overrides.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:  ":8080",
		UpdateURL: "/firmware",
		Firmware: FirmwareConfig{
			Dir:            "/var/lib/otad/firmware",
			MaxSizeMB:      8,
			Signature:      0xE9,
			BackupsEnabled: true,
		},
		Fleet: FleetConfig{
			LivenessTimeout: 60 * time.Second,
			SweepInterval:   10 * time.Second,
		},
		Staging: StagingConfig{
			MaxAge:        time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		TFTP: TFTPConfig{
			Address: ":69",
			Timeout: 5 * time.Second,
		},
	}

	if path := os.Getenv("OTAD_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("OTAD_API_KEY is required")
	}
	if cfg.Firmware.MaxSizeMB <= 0 {
		return Config{}, fmt.Errorf("firmware max size must be positive, got %d", cfg.Firmware.MaxSizeMB)
	}
	if cfg.Fleet.LivenessTimeout <= 0 || cfg.Fleet.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("fleet timeouts must be positive")
	}
	if cfg.Staging.MaxAge <= 0 || cfg.Staging.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("staging timeouts must be positive")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.Server.Addr)
	setString(&cfg.APIKey, fc.Server.APIKey)
	setString(&cfg.Firmware.Dir, fc.Firmware.Folder)
	setString(&cfg.UpdateURL, fc.Firmware.UpdateURL)
	if fc.Firmware.MaxSizeMB > 0 {
		cfg.Firmware.MaxSizeMB = fc.Firmware.MaxSizeMB
	}
	if fc.Firmware.Signature != "" {
		sig, err := parseSignature(fc.Firmware.Signature)
		if err != nil {
			return err
		}
		cfg.Firmware.Signature = sig
	}
	if fc.Firmware.BackupEnabled != nil {
		cfg.Firmware.BackupsEnabled = *fc.Firmware.BackupEnabled
	}
	if err := setDuration(&cfg.Fleet.LivenessTimeout, fc.Fleet.LivenessTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Fleet.SweepInterval, fc.Fleet.SweepInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Staging.MaxAge, fc.Staging.MaxAge); err != nil {
		return err
	}
	if err := setDuration(&cfg.Staging.SweepInterval, fc.Staging.SweepInterval); err != nil {
		return err
	}
	cfg.TFTP.Enabled = fc.TFTP.Enabled
	setString(&cfg.TFTP.Address, fc.TFTP.Address)
	if err := setDuration(&cfg.TFTP.Timeout, fc.TFTP.Timeout); err != nil {
		return err
	}
	setString(&cfg.NATSURL, fc.NATS.URL)
	setString(&cfg.DatabaseDSN, fc.Database.DSN)
	setString(&cfg.MirrorBucket, fc.Mirror.Bucket)
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = getEnv("OTAD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.APIKey = getEnv("OTAD_API_KEY", cfg.APIKey)
	cfg.UpdateURL = getEnv("OTAD_UPDATE_URL", cfg.UpdateURL)
	cfg.Firmware.Dir = getEnv("OTAD_FIRMWARE_DIR", cfg.Firmware.Dir)
	cfg.Firmware.MaxSizeMB = getEnvInt("OTAD_FIRMWARE_MAX_SIZE_MB", cfg.Firmware.MaxSizeMB)
	cfg.Firmware.BackupsEnabled = getEnvBool("OTAD_FIRMWARE_BACKUPS", cfg.Firmware.BackupsEnabled)
	if raw := os.Getenv("OTAD_FIRMWARE_SIGNATURE"); raw != "" {
		sig, err := parseSignature(raw)
		if err != nil {
			return err
		}
		cfg.Firmware.Signature = sig
	}

	var err error
	if cfg.Fleet.LivenessTimeout, err = getEnvDuration("OTAD_LIVENESS_TIMEOUT", cfg.Fleet.LivenessTimeout); err != nil {
		return err
	}
	if cfg.Fleet.SweepInterval, err = getEnvDuration("OTAD_SWEEP_INTERVAL", cfg.Fleet.SweepInterval); err != nil {
		return err
	}
	if cfg.Staging.MaxAge, err = getEnvDuration("OTAD_STAGING_MAX_AGE", cfg.Staging.MaxAge); err != nil {
		return err
	}
	if cfg.Staging.SweepInterval, err = getEnvDuration("OTAD_STAGING_SWEEP_INTERVAL", cfg.Staging.SweepInterval); err != nil {
		return err
	}

	cfg.TFTP.Enabled = getEnvBool("OTAD_TFTP_ENABLED", cfg.TFTP.Enabled)
	cfg.TFTP.Address = getEnv("OTAD_TFTP_ADDRESS", cfg.TFTP.Address)
	if cfg.TFTP.Timeout, err = getEnvDuration("OTAD_TFTP_TIMEOUT", cfg.TFTP.Timeout); err != nil {
		return err
	}

	cfg.NATSURL = getEnv("OTAD_NATS_URL", cfg.NATSURL)
	cfg.DatabaseDSN = getEnv("OTAD_DB_DSN", cfg.DatabaseDSN)
	cfg.MirrorBucket = getEnv("OTAD_MIRROR_BUCKET", cfg.MirrorBucket)
	return nil
}

// parseSignature accepts a firmware signature byte written as hex, with
// or without a 0x prefix.
func parseSignature(raw string) (byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	value, err := strconv.ParseUint(trimmed, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid firmware signature byte %q", raw)
	}
	return byte(value), nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*dst = d
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
