package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	LockTTL                  time.Duration
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	LogLevel                 string
	DefaultExpensePercentage decimal.Decimal
}

// Load reads the process environment. A .env file in the working directory
// is applied first when present; variables already set win over it.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	lockTTL, err := strconv.Atoi(getEnv("LOCK_TTL_SECONDS", "15"))
	if err != nil || lockTTL < 1 {
		lockTTL = 15
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	pct, err := decimal.NewFromString(getEnv("DEFAULT_EXPENSE_PERCENTAGE", "7"))
	if err != nil || pct.IsNegative() {
		pct = decimal.NewFromInt(7)
	}

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  redisDB,
		LockTTL:                  time.Duration(lockTTL) * time.Second,
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    tokenTTL,
		ManagerPIN:               strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:                 strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DefaultExpensePercentage: pct,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger returns a JSON logger on stdout. Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
