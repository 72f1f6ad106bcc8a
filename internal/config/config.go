// Package config loads upload-stack settings the same way the teacher
// loads device settings: a project-root .env file first, then environment
// variable overrides, with hard-coded defaults for anything left unset.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// UploadConfig holds the tunables a deployment may want to override
// without a rebuild: the BLE device address, and the session timeouts and
// chunk size spec.md §4.8/§5 otherwise hard-codes.
type UploadConfig struct {
	DeviceAddress string // BLE address or platform identifier of the badge

	DefaultChunkSize int           // adopted until Metadata's ACK suggests otherwise
	RCSPAckTimeout   time.Duration // bounded wait for any FE command ACK
	WindowTimeout    time.Duration // bounded wait between window ACKs during transfer
	BestEffortTimeout time.Duration // bounded wait for 9E best-effort replies
}

// defaults mirrors the constants in internal/upload/session.go; kept here
// too so a deployment can see and override them without touching code.
func defaults() *UploadConfig {
	return &UploadConfig{
		DefaultChunkSize:  490,
		RCSPAckTimeout:    8 * time.Second,
		WindowTimeout:     15 * time.Second,
		BestEffortTimeout: 3 * time.Second,
	}
}

var (
	uploadConfig *UploadConfig
	configLoaded bool
)

// LoadUploadConfig loads, caches, and returns the process-wide
// UploadConfig: defaults, then a .env file in the project root, then
// environment variables, in increasing precedence.
func LoadUploadConfig() (*UploadConfig, error) {
	if uploadConfig != nil && configLoaded {
		return uploadConfig, nil
	}

	cfg := defaults()

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	uploadConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseEnvFile(content string, cfg *UploadConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		setField(cfg, key, value)
	}
}

func applyEnvOverrides(cfg *UploadConfig) {
	for _, key := range []string{
		"BADGE_ADDRESS", "BADGE_CHUNK_SIZE", "BADGE_ACK_TIMEOUT_MS",
		"BADGE_WINDOW_TIMEOUT_MS", "BADGE_BEST_EFFORT_TIMEOUT_MS",
	} {
		if v := os.Getenv(key); v != "" {
			setField(cfg, key, v)
		}
	}
}

func setField(cfg *UploadConfig, key, value string) {
	switch key {
	case "BADGE_ADDRESS":
		cfg.DeviceAddress = value
	case "BADGE_CHUNK_SIZE":
		if n, err := strconv.Atoi(value); err == nil && n > 0 && n <= 4096 {
			cfg.DefaultChunkSize = n
		}
	case "BADGE_ACK_TIMEOUT_MS":
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			cfg.RCSPAckTimeout = time.Duration(ms) * time.Millisecond
		}
	case "BADGE_WINDOW_TIMEOUT_MS":
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			cfg.WindowTimeout = time.Duration(ms) * time.Millisecond
		}
	case "BADGE_BEST_EFFORT_TIMEOUT_MS":
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			cfg.BestEffortTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// GetDeviceAddress returns the configured badge address, or "" if unset.
func GetDeviceAddress() string {
	cfg, err := LoadUploadConfig()
	if err != nil {
		return ""
	}
	return cfg.DeviceAddress
}
