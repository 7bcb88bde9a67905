package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogDir   string `yaml:"log_dir"`

	DBDriver    string `yaml:"db_driver"`
	PostgresURL string `yaml:"postgres_url"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBHost      string `yaml:"db_host"`
	DBPort      string `yaml:"db_port"`
	DBName      string `yaml:"db_name"`
	SQLitePath  string `yaml:"sqlite_path"`

	LLMProvider   string `yaml:"llm_provider"`
	LLMModel      string `yaml:"llm_model"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OllamaBaseURL string `yaml:"ollama_base_url"`

	JWTSecret   string   `yaml:"jwt_secret"`
	CORSOrigins []string `yaml:"cors_origins"`

	WSMessagesPerSecond float64 `yaml:"ws_messages_per_second"`
	WSMessageBurst      int     `yaml:"ws_message_burst"`

	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOAccessKey string `yaml:"minio_access_key"`
	MinIOSecretKey string `yaml:"minio_secret_key"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`
}

func defaults() Config {
	return Config{
		HTTPAddr:            ":5174",
		LogDir:              "./logs",
		DBDriver:            "postgres",
		DBPort:              "5432",
		SQLitePath:          "chatrelay.db",
		LLMProvider:         "gemini",
		OllamaBaseURL:       "http://localhost:11434/api",
		CORSOrigins:         []string{"*"},
		WSMessagesPerSecond: 2,
		WSMessageBurst:      5,
		MinIOBucket:         "chat-transcripts",
	}
}

// LoadConfig reads .env (if present), then the optional CONFIG_FILE yaml,
// then environment variables, later sources winning.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)

	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)

	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLMProvider))
	cfg.LLMModel = getEnv("LLM_MODEL", cfg.LLMModel)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OllamaBaseURL = getEnv("OLLAMA_BASE_URL", cfg.OllamaBaseURL)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if v, err := strconv.ParseFloat(getEnv("WS_MESSAGES_PER_SECOND", ""), 64); err == nil {
		cfg.WSMessagesPerSecond = v
	}
	if v, err := strconv.Atoi(getEnv("WS_MESSAGE_BURST", "")); err == nil {
		cfg.WSMessageBurst = v
	}

	cfg.MinIOEndpoint = getEnv("MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getEnv("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getEnv("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = getEnv("MINIO_BUCKET", cfg.MinIOBucket)
	if v, err := strconv.ParseBool(getEnv("MINIO_USE_SSL", "")); err == nil {
		cfg.MinIOUseSSL = v
	}
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres":
		if c.PostgresURL == "" && (c.DBHost == "" || c.DBName == "") {
			errs = append(errs, errors.New("POSTGRES_URL or DB_HOST/DB_NAME must be set"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY env-var is required"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY env-var is required"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.WSMessagesPerSecond <= 0 || c.WSMessageBurst <= 0 {
		errs = append(errs, errors.New("WS_MESSAGES_PER_SECOND and WS_MESSAGE_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// PostgresDSN builds a DSN from the discrete DB_* settings unless POSTGRES_URL is given.
func (c Config) PostgresDSN() string {
	if c.PostgresURL != "" {
		return c.PostgresURL
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
	)
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
