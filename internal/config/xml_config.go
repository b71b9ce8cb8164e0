// Package config provides XML-based configuration management with
// environment overrides.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"DocPipe"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Object storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Metadata store configuration
	KV KVConfig `xml:"KV"`

	// Analysis job configuration
	Analysis AnalysisConfig `xml:"Analysis"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int    `xml:"Port"`
	BindAddress     string `xml:"BindAddress"`
	BasePath        string `xml:"BasePath"`
	PublicURL       string `xml:"PublicURL"`
	EnableCORS      bool   `xml:"EnableCORS"`
	AllowOrigins    string `xml:"AllowOrigins"`
	ReadTimeout     int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout    int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout     int    `xml:"IdleTimeoutSeconds"`
	RequestTimeout  int    `xml:"RequestTimeoutSeconds"`
	ShutdownTimeout int    `xml:"ShutdownTimeoutSeconds"`
	BodyLimit       string `xml:"BodyLimit"`
}

// StorageConfig contains object storage settings
type StorageConfig struct {
	Backend          string    `xml:"Backend"`
	Bucket           string    `xml:"Bucket"`
	DataDirectory    string    `xml:"DataDirectory"`
	ObjectsDirectory string    `xml:"ObjectsDirectory"`
	SigningSecret    string    `xml:"SigningSecret"`
	OSS              OSSConfig `xml:"OSS"`
}

// OSSConfig contains Alibaba Cloud OSS settings
type OSSConfig struct {
	Region          string `xml:"Region"`
	Endpoint        string `xml:"Endpoint"`
	AccessKeyID     string `xml:"AccessKeyID"`
	AccessKeySecret string `xml:"AccessKeySecret"`
}

// KVConfig selects the metadata store backend
type KVConfig struct {
	Backend    string `xml:"Backend"`
	DuckDBPath string `xml:"DuckDBPath"`
	DSN        string `xml:"DSN"`
}

// AnalysisConfig contains simulated analysis timing
type AnalysisConfig struct {
	CompletionDelaySeconds   int `xml:"CompletionDelaySeconds"`
	EstimatedDurationMinutes int `xml:"EstimatedDurationMinutes"`
	SignWorkers              int `xml:"SignWorkers"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	RequireAuth bool   `xml:"RequireAuthentication"`
	AuthToken   string `xml:"AuthToken"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	LogFile                 string `xml:"LogFile"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	ExposeErrorDetails      bool   `xml:"ExposeErrorDetails"`
	SeedSampleData          bool   `xml:"SeedSampleData"`
	BucketInitAttempts      uint   `xml:"BucketInitAttempts"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:            8089,
			BindAddress:     "0.0.0.0",
			BasePath:        "/api",
			PublicURL:       "http://localhost:8089",
			EnableCORS:      true,
			AllowOrigins:    "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			IdleTimeout:     120,
			RequestTimeout:  60,
			ShutdownTimeout: 15,
			BodyLimit:       "100M",
		},
		Storage: StorageConfig{
			Backend:          "local",
			Bucket:           "make-0fb30735-pipeline-files",
			DataDirectory:    "./data",
			ObjectsDirectory: "./data/objects",
			SigningSecret:    "",
		},
		KV: KVConfig{
			Backend:    "duckdb",
			DuckDBPath: "./data/kv.duckdb",
		},
		Analysis: AnalysisConfig{
			CompletionDelaySeconds:   10,
			EstimatedDurationMinutes: 15,
			SignWorkers:              8,
		},
		Security: SecurityConfig{
			RequireAuth: false,
			AuthToken:   "",
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFile:                 "./data/docpipe.log",
			EnableRequestLogging:    true,
			ExposeErrorDetails:      false,
			SeedSampleData:          true,
			BucketInitAttempts:      3,
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadEnvFiles loads .env style files into the environment. Missing files
// are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// decode over the defaults so sections missing from older files keep them
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	header := []byte(xml.Header + "\n<!-- DocPipe Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the server cannot start with
func (c *AppConfig) Validate() error {
	switch c.KV.Backend {
	case "memory", "duckdb":
	case "postgres":
		if c.KV.DSN == "" {
			return errors.New("config: KV backend postgres needs a DSN")
		}
	default:
		return fmt.Errorf("config: unknown KV backend %q", c.KV.Backend)
	}

	switch c.Storage.Backend {
	case "local", "oss":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Bucket == "" {
		return errors.New("config: storage bucket is required")
	}

	if c.Security.RequireAuth && c.Security.AuthToken == "" {
		return errors.New("config: authentication is required but no auth token is set")
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every default data path along with it
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.ObjectsDirectory = filepath.Join(dataDir, "objects")
		c.KV.DuckDBPath = filepath.Join(dataDir, "kv.duckdb")
		c.Advanced.LogFile = filepath.Join(dataDir, "docpipe.log")
	}

	overrides := []struct {
		env    string
		target *string
	}{
		{"KV_BACKEND", &c.KV.Backend},
		{"KV_DSN", &c.KV.DSN},
		{"STORAGE_BACKEND", &c.Storage.Backend},
		{"STORAGE_BUCKET", &c.Storage.Bucket},
		{"OSS_REGION", &c.Storage.OSS.Region},
		{"OSS_ENDPOINT", &c.Storage.OSS.Endpoint},
		{"OSS_ACCESS_KEY_ID", &c.Storage.OSS.AccessKeyID},
		{"OSS_ACCESS_KEY_SECRET", &c.Storage.OSS.AccessKeySecret},
		{"SIGNING_SECRET", &c.Storage.SigningSecret},
		{"PUBLIC_URL", &c.Server.PublicURL},
		{"LOG_LEVEL", &c.Advanced.LogLevel},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}

	// AUTH_TOKEN turns authentication on
	if token := os.Getenv("AUTH_TOKEN"); token != "" {
		c.Security.AuthToken = token
		c.Security.RequireAuth = true
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.ObjectsDirectory,
		&c.KV.DuckDBPath,
		&c.Advanced.LogFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// BasePath returns the API prefix, normalised to a leading slash and no
// trailing slash. An empty result means routes sit at the root.
func (c *AppConfig) BasePath() string {
	p := strings.TrimRight(c.Server.BasePath, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// PublicAPIURL is the externally reachable URL of the API prefix.
func (c *AppConfig) PublicAPIURL() string {
	return strings.TrimRight(c.Server.PublicURL, "/") + c.BasePath()
}

// CompletionDelay returns the analysis completion delay
func (c *AppConfig) CompletionDelay() time.Duration {
	return time.Duration(c.Analysis.CompletionDelaySeconds) * time.Second
}

// EstimatedDuration returns the analysis duration reported to clients
func (c *AppConfig) EstimatedDuration() time.Duration {
	return time.Duration(c.Analysis.EstimatedDurationMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{c.Storage.DataDirectory}
	if c.Storage.Backend == "local" {
		dirs = append(dirs, c.Storage.ObjectsDirectory)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
