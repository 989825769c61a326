package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	UploadDir         string   `yaml:"uploadDir"`
	ReportDir         string   `yaml:"reportDir"`
	MaxFileSizeMB     int      `yaml:"maxFileSizeMB"`
	MaxUploadSizeMB   int      `yaml:"maxUploadSizeMB"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTTTLHours int    `yaml:"jwtTtlHours"`

	GeneratorProvider       string `yaml:"generatorProvider"`
	GeneratorBaseURL        string `yaml:"generatorBaseURL"`
	GeneratorAPIKey         string `yaml:"generatorApiKey"`
	GeneratorModel          string `yaml:"generatorModel"`
	GeneratorTimeoutSeconds int    `yaml:"generatorTimeoutSeconds"`
	GeneratorMaxTokens      int    `yaml:"generatorMaxTokens"`

	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`

	TrustedProxies []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("VELVET_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("VELVET_REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := os.Getenv("VELVET_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("VELVET_JWT_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JWTTTLHours = n
		}
	}
	if v := os.Getenv("VELVET_GENERATOR_PROVIDER"); v != "" {
		cfg.GeneratorProvider = v
	}
	if v := os.Getenv("VELVET_GENERATOR_BASE_URL"); v != "" {
		cfg.GeneratorBaseURL = v
	}
	if v := os.Getenv("VELVET_GENERATOR_API_KEY"); v != "" {
		cfg.GeneratorAPIKey = v
	}
	if v := os.Getenv("VELVET_GENERATOR_MODEL"); v != "" {
		cfg.GeneratorModel = v
	}
	if v := os.Getenv("VELVET_GENERATOR_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GeneratorTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VELVET_GENERATOR_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GeneratorMaxTokens = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("VELVET_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 50
	}
	if cfg.MaxUploadSizeMB <= 0 {
		cfg.MaxUploadSizeMB = 100
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".csv", ".xlsx", ".xls", ".docx", ".pdf", ".txt"}
	}
	if cfg.JWTTTLHours <= 0 {
		cfg.JWTTTLHours = 24
	}
	if cfg.GeneratorTimeoutSeconds <= 0 {
		cfg.GeneratorTimeoutSeconds = 600
	}
	if cfg.GeneratorMaxTokens <= 0 {
		cfg.GeneratorMaxTokens = 8000
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 120
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.UploadDir == "" {
		return errors.New("config: uploadDir is required (set in config.yaml)")
	}
	if cfg.ReportDir == "" {
		return errors.New("config: reportDir is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set in config.yaml or VELVET_JWT_SECRET)")
	}
	if cfg.MaxFileSizeMB > cfg.MaxUploadSizeMB {
		return errors.New("config: maxFileSizeMB must not exceed maxUploadSizeMB")
	}
	for _, ext := range cfg.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config: allowed extension %q must start with a dot", ext)
		}
	}
	switch cfg.GeneratorProvider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown generatorProvider %q", cfg.GeneratorProvider)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	return nil
}
