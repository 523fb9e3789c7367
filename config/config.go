package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type SMTP struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

type Config struct {
	Port          string
	MongoURI      string
	MongoDatabase string
	RedisURL      string
	AppURL        string

	JWTSecret         []byte
	AccessTokenTTL    time.Duration
	TrustedPaymentTTL time.Duration
	TrustedDeviceTTL  time.Duration
	LoginCodeTTL      time.Duration

	// OrderVerificationWindow bounds how long a pending order waits for
	// email verification before it is auto-cancelled.
	OrderVerificationWindow time.Duration
	PendingOrderLimit       int

	QueueConcurrency   int
	QueueRatePerSecond int

	// Per client IP.
	RateLimitPerMinute int
	RateLimitBurst     int

	SMTP SMTP

	AdminEmail    string
	AdminPassword string
}

// Load reads .env if present, then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found; using system environment")
	}

	port := getenv("PORT", ":8080")
	if port[0] != ':' {
		port = ":" + port
	}

	return &Config{
		Port:          port,
		MongoURI:      getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getenv("MONGO_DB", "mercado"),
		RedisURL:      getenv("REDIS_URL", "redis://localhost:6379/0"),
		AppURL:        getenv("APP_URL", "http://localhost:8080"),

		JWTSecret:         []byte(getenv("JWT_SECRET", "change_this_secret")),
		AccessTokenTTL:    minutes("JWT_EXPIRES_MINUTES", 60),
		TrustedPaymentTTL: days("TRUSTED_PAYMENT_EXPIRES_DAYS", 30),
		TrustedDeviceTTL:  days("TRUSTED_DEVICE_EXPIRES_DAYS", 30),
		LoginCodeTTL:      minutes("LOGIN_CODE_EXPIRY_MINUTES", 10),

		OrderVerificationWindow: minutes("ORDER_VERIFICATION_EXPIRY_MINUTES", 5),
		PendingOrderLimit:       getint("PENDING_ORDER_LIMIT", 5),

		QueueConcurrency:   getint("QUEUE_CONCURRENCY", 5),
		QueueRatePerSecond: getint("QUEUE_RATE_PER_SECOND", 10),

		RateLimitPerMinute: getint("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     getint("RATE_LIMIT_BURST", 20),

		SMTP: SMTP{
			Host: getenv("SMTP_HOST", "localhost"),
			Port: getint("SMTP_PORT", 587),
			User: os.Getenv("SMTP_USER"),
			Pass: os.Getenv("SMTP_PASS"),
			From: getenv("SMTP_FROM", "no-reply@example.com"),
		},

		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[Config] invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func minutes(key string, def int) time.Duration {
	return time.Duration(getint(key, def)) * time.Minute
}

func days(key string, def int) time.Duration {
	return time.Duration(getint(key, def)) * 24 * time.Hour
}
