package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"anyrun/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Auth     AuthConfig     `yaml:"auth"`
	Download DownloadConfig `yaml:"download"`
	Watch    WatchConfig    `yaml:"watch"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// ClientConfig holds realtime connection settings.
type ClientConfig struct {
	// BaseURL is the SockJS root; the server id, session token and
	// "/websocket" suffix are appended per connection.
	BaseURL           string        `yaml:"base_url"`
	Origin            string        `yaml:"origin"`
	UserAgent         string        `yaml:"user_agent"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
}

// AuthConfig holds account credentials. Password may be an "enc:" value.
type AuthConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// DownloadConfig holds HTTP download settings.
type DownloadConfig struct {
	ContentURL string               `yaml:"content_url"` // e.g. https://content.any.run
	AppURL     string               `yaml:"app_url"`     // used for Referer
	IoCURL     string               `yaml:"ioc_url"`     // template with {task}
	Dest       string               `yaml:"dest"`
	Timeout    time.Duration        `yaml:"timeout"`
	Breaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the download circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// WatchConfig holds public task watcher settings.
type WatchConfig struct {
	Schedule  string        `yaml:"schedule"` // cron expression or duration string
	DBPath    string        `yaml:"db_path"`
	Retention time.Duration `yaml:"retention"` // forget seen tasks after this long; 0 keeps them
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// DefaultUserAgent is a desktop browser agent; the service rejects unknown clients.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/79.0.3945.88 Safari/537.36"

// defaultDataDir returns the persistent data directory under $HOME/.anyrun.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return filepath.Join(home, ".anyrun")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Client: ClientConfig{
			BaseURL:        "wss://app.any.run/sockjs",
			Origin:         "https://app.any.run",
			UserAgent:      DefaultUserAgent,
			DialTimeout:    30 * time.Second,
			ReadTimeout:    60 * time.Second,
			SendTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
			Burst:          1,
		},
		Download: DownloadConfig{
			ContentURL: "https://content.any.run",
			AppURL:     "https://app.any.run",
			IoCURL:     "https://api.any.run/report/{task}/ioc/json",
			Dest:       ".",
			Timeout:    5 * time.Minute,
			Breaker: CircuitBreakerConfig{
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Watch: WatchConfig{
			Schedule:  "5m",
			DBPath:    filepath.Join(dataDir, "seen.db"),
			Retention: 30 * 24 * time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies ANYRUN_*
// environment overrides, decrypts "enc:" secrets when ANYRUN_CONFIG_KEY is
// set, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ANYRUN_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrDecryption, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ANYRUN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ANYRUN_EMAIL"); v != "" {
		cfg.Auth.Email = v
	}
	if v := os.Getenv("ANYRUN_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("ANYRUN_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("ANYRUN_USER_AGENT"); v != "" {
		cfg.Client.UserAgent = v
	}
	if v := os.Getenv("ANYRUN_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.RequestTimeout = d
		}
	}
	if v := os.Getenv("ANYRUN_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Client.ReadTimeout = d
		}
	}
	if v := os.Getenv("ANYRUN_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Client.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("ANYRUN_DOWNLOAD_DEST"); v != "" {
		cfg.Download.Dest = v
	}
	if v := os.Getenv("ANYRUN_WATCH_SCHEDULE"); v != "" {
		cfg.Watch.Schedule = v
	}
	if v := os.Getenv("ANYRUN_WATCH_DB_PATH"); v != "" {
		cfg.Watch.DBPath = v
	}
	if v := os.Getenv("ANYRUN_WATCH_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Watch.Retention = d
		}
	}
	if v := os.Getenv("ANYRUN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ANYRUN_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ANYRUN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ANYRUN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Auth.Password, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Auth.Password, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("auth password: %w", err)
		}
		cfg.Auth.Password = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	dataBytes, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(dataBytes) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := dataBytes[:nonceSize], dataBytes[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions,
// since it may hold account credentials.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
