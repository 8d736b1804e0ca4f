package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	AnalysisBaseURL           string   `yaml:"analysisBaseURL"`
	AnalysisTimeout           string   `yaml:"analysisTimeout"`
	MaxUploadBytes            int64    `yaml:"maxUploadBytes"`
	AllowedExtensions         []string `yaml:"allowedExtensions"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	SessionTTL                string   `yaml:"sessionTTL"`
	EventStream               string   `yaml:"eventStream"`
	AMQPURL                   string   `yaml:"amqpURL"`
	AMQPExchange              string   `yaml:"amqpExchange"`
	DatabaseURL               string   `yaml:"databaseURL"`
	MinioEndpoint             string   `yaml:"minioEndpoint"`
	MinioAccessKey            string   `yaml:"minioAccessKey"`
	MinioSecretKey            string   `yaml:"minioSecretKey"`
	MinioBucket               string   `yaml:"minioBucket"`
	MinioUseSSL               bool     `yaml:"minioUseSSL"`
	ServiceTokenKeyPath       string   `yaml:"serviceTokenKeyPath"`
	ServiceTokenKeyID         string   `yaml:"serviceTokenKeyId"`
	ServiceTokenIssuer        string   `yaml:"serviceTokenIssuer"`
	ServiceTokenAudience      string   `yaml:"serviceTokenAudience"`
	AnalyzeRateLimitPerMinute int      `yaml:"analyzeRateLimitPerMinute"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
}

// Defaults returns the configuration used for keys left unset.
func Defaults() FileConfig {
	return FileConfig{
		Port:                 "8090",
		LogLevel:             "info",
		AnalysisBaseURL:      "http://127.0.0.1:5000",
		AnalysisTimeout:      "120s",
		MaxUploadBytes:       20 << 20,
		AllowedExtensions:    []string{".pdf", ".docx", ".txt"},
		SessionTTL:           "24h",
		MinioBucket:          "docintel-documents",
		ServiceTokenIssuer:   "session-service",
		ServiceTokenAudience: "analysis",
	}
}

// Load reads config from path (defaults to config.yaml). The default file
// may be absent; an explicit path must exist.
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("ANALYSIS_API_URL"); v != "" {
		cfg.AnalysisBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("ANALYSIS_TIMEOUT"); v != "" {
		cfg.AnalysisTimeout = strings.TrimSpace(v)
	}
	if v := os.Getenv("SESSION_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("SESSION_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		cfg.SessionTTL = strings.TrimSpace(v)
	}
	if v := os.Getenv("SESSION_EVENT_STREAM"); v != "" {
		cfg.EventStream = strings.TrimSpace(v)
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("SERVICE_TOKEN_KEY_PATH"); v != "" {
		cfg.ServiceTokenKeyPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("SERVICE_TOKEN_KEY_ID"); v != "" {
		cfg.ServiceTokenKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SERVICE_TOKEN_ISSUER"); v != "" {
		cfg.ServiceTokenIssuer = strings.TrimSpace(v)
	}
	if v := os.Getenv("SERVICE_TOKEN_AUDIENCE"); v != "" {
		cfg.ServiceTokenAudience = strings.TrimSpace(v)
	}
	if v := os.Getenv("SESSION_ANALYZE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AnalyzeRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SESSION_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.AnalysisBaseURL) == "" {
		return errors.New("config: analysisBaseURL is required (set in config.yaml or ANALYSIS_API_URL)")
	}
	if _, err := ParseDuration("analysisTimeout", cfg.AnalysisTimeout); err != nil {
		return err
	}
	if _, err := ParseDuration("sessionTTL", cfg.SessionTTL); err != nil {
		return err
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New("config: maxUploadBytes must be > 0")
	}
	if len(cfg.AllowedExtensions) == 0 {
		return errors.New("config: allowedExtensions must not be empty")
	}
	if cfg.AnalyzeRateLimitPerMinute < 0 {
		return errors.New("config: analyzeRateLimitPerMinute must be >= 0")
	}
	if cfg.AnalyzeRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if strings.TrimSpace(cfg.EventStream) != "" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when eventStream is set")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || strings.TrimSpace(cfg.MinioBucket) == "" {
			return errors.New("config: minioAccessKey, minioSecretKey and minioBucket are required with minioEndpoint")
		}
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses a positive duration option.
func ParseDuration(name, value string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be > 0", name)
	}
	return dur, nil
}
