package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the full server configuration.
type Config struct {
	// Model is the provider model identifier passed through on every turn.
	Model string `json:"model,omitempty"`
	// Workspace is the directory the provider operates in. Defaults to the
	// directory Load was called with.
	Workspace string `json:"workspace,omitempty"`
	// TranscriptDir overrides where session transcripts are stored.
	TranscriptDir string `json:"transcriptDir,omitempty"`

	// WarmPoolSize is the target number of pre-warmed provider sessions.
	WarmPoolSize int `json:"warmPoolSize,omitempty"`
	// TokenBudget is the per-session token allowance surfaced in usage.
	TokenBudget int `json:"tokenBudget,omitempty"`

	PermissionMode string   `json:"permissionMode,omitempty"`
	AllowedTools   []string `json:"allowedTools,omitempty"`

	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// Housekeeping intervals, in seconds. Zero disables the sweep.
	SweepIntervalSec int `json:"sweepIntervalSec,omitempty"`
	CreatedTTLSec    int `json:"createdTTLSec,omitempty"`
	TurnTTLSec       int `json:"turnTTLSec,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`
	LogPretty bool   `json:"logPretty,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WarmPoolSize:     1,
		TokenBudget:      200000,
		Host:             "127.0.0.1",
		Port:             4897,
		SweepIntervalSec: 60,
		CreatedTTLSec:    3600,
		TurnTTLSec:       1800,
		LogLevel:         "info",
	}
}

// Load builds the configuration from multiple sources, later sources
// overriding earlier ones:
//  1. Built-in defaults
//  2. Global config (~/.config/parley/)
//  3. Project config (parley.json[c] or .parley/ in the directory)
//  4. PARLEY_CONFIG file
//  5. PARLEY_CONFIG_CONTENT inline JSON
//  6. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()
	if directory != "" {
		cfg.Workspace = directory
	}

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[abs] {
			return
		}
		if loadFile(path, cfg, baseDir) == nil {
			loaded[abs] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "parley.json"), globalDir)
	loadOnce(filepath.Join(globalDir, "parley.jsonc"), globalDir)

	if directory != "" {
		projectDir := filepath.Join(directory, ".parley")
		loadOnce(filepath.Join(directory, "parley.json"), directory)
		loadOnce(filepath.Join(directory, "parley.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "parley.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "parley.jsonc"), projectDir)
	}

	if path := os.Getenv("PARLEY_CONFIG"); path != "" {
		loadOnce(path, filepath.Dir(path))
	}

	if content := os.Getenv("PARLEY_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = GetPaths().TranscriptPath()
	}
	return cfg, nil
}

// loadFile loads one config file with jsonc comment stripping and
// placeholder interpolation.
func loadFile(path string, cfg *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	merge(cfg, &fileCfg)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

func merge(target, source *Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Workspace != "" {
		target.Workspace = source.Workspace
	}
	if source.TranscriptDir != "" {
		target.TranscriptDir = source.TranscriptDir
	}
	if source.WarmPoolSize != 0 {
		target.WarmPoolSize = source.WarmPoolSize
	}
	if source.TokenBudget != 0 {
		target.TokenBudget = source.TokenBudget
	}
	if source.PermissionMode != "" {
		target.PermissionMode = source.PermissionMode
	}
	if len(source.AllowedTools) > 0 {
		target.AllowedTools = append([]string(nil), source.AllowedTools...)
	}
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.SweepIntervalSec != 0 {
		target.SweepIntervalSec = source.SweepIntervalSec
	}
	if source.CreatedTTLSec != 0 {
		target.CreatedTTLSec = source.CreatedTTLSec
	}
	if source.TurnTTLSec != 0 {
		target.TurnTTLSec = source.TurnTTLSec
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogPretty {
		target.LogPretty = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PARLEY_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("PARLEY_TRANSCRIPT_DIR"); v != "" {
		cfg.TranscriptDir = v
	}
	if v := os.Getenv("PARLEY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("PARLEY_WARM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WarmPoolSize = n
		}
	}
	if v := os.Getenv("PARLEY_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TokenBudget = n
		}
	}
	if v := os.Getenv("PARLEY_PERMISSION_MODE"); v != "" {
		cfg.PermissionMode = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Save writes the configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
