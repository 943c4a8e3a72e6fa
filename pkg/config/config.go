package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	StoreDriver      string

	ServerHost    string
	ServerPort    string
	JWTSigningKey string
	GuestUserID   string

	LLMProvider    string
	GeminiAPIKey   string
	OpenAIKey      string
	OpenAIBaseURL  string
	SummaryModel   string
	RequestTimeout time.Duration

	BlobDriver  string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	SweepInterval time.Duration
	LogLevel      string
}

// LoadConfig reads .env (if any) and the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Warn(".env file not found, using environment only")
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "postgres")
	v.SetDefault("POSTGRES_DB", "ishtar")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("JWT_SIGNING_KEY", "your-secret-signing-key")
	v.SetDefault("GUEST_USER_ID", "guest")
	v.SetDefault("LLM_PROVIDER", "gemini")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("OPENAI_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("SUMMARY_MODEL", "gemini-2.5-flash")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 300)
	v.SetDefault("BLOB_DRIVER", "s3")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 60)
	v.SetDefault("LOG_LEVEL", "info")
	return v
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		StoreDriver:      strings.ToLower(v.GetString("STORE_DRIVER")),
		ServerHost:       v.GetString("SERVER_HOST"),
		ServerPort:       v.GetString("SERVER_PORT"),
		JWTSigningKey:    v.GetString("JWT_SIGNING_KEY"),
		GuestUserID:      v.GetString("GUEST_USER_ID"),
		LLMProvider:      strings.ToLower(v.GetString("LLM_PROVIDER")),
		GeminiAPIKey:     v.GetString("GEMINI_API_KEY"),
		OpenAIKey:        v.GetString("OPENAI_KEY"),
		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		SummaryModel:     v.GetString("SUMMARY_MODEL"),
		RequestTimeout:   time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
		BlobDriver:       strings.ToLower(v.GetString("BLOB_DRIVER")),
		S3Bucket:         v.GetString("S3_BUCKET"),
		S3Region:         v.GetString("S3_REGION"),
		S3Endpoint:       v.GetString("S3_ENDPOINT"),
		S3AccessKey:      v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:      v.GetString("S3_SECRET_KEY"),
		SweepInterval:    time.Duration(v.GetInt("SWEEP_INTERVAL_MINUTES")) * time.Minute,
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
	}
}

// LogrusLevel falls back to info for unknown levels.
func (c *Config) LogrusLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
