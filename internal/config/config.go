package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	AvgConsultMinutes int
	LateBoostMinutes  int
	LateBoostPriority int
	BoardSize         int

	SweepInterval time.Duration
	SweepDedupTTL time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
	RedisAddr          string

	KafkaBrokers    []string
	AuditTopic      string
	PublishInterval time.Duration
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		AvgConsultMinutes:  readInt("AVG_CONSULT_MINUTES", 15),
		LateBoostMinutes:   readInt("LATE_BOOST_MINUTES", 10),
		LateBoostPriority:  readInt("LATE_BOOST_PRIORITY", 4),
		BoardSize:          readInt("BOARD_SIZE", 10),
		SweepInterval:      readDurationSeconds("SWEEP_INTERVAL_SECONDS", 60),
		SweepDedupTTL:      readDurationSeconds("SWEEP_DEDUP_TTL_SECONDS", 600),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		KafkaBrokers:       readList("KAFKA_BROKERS"),
		AuditTopic:         os.Getenv("AUDIT_TOPIC"),
		PublishInterval:    readDurationSeconds("PUBLISH_INTERVAL_SECONDS", 5),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
