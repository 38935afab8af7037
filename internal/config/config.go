package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseDSN string
	JWTSecret   string
	Env         string

	// NATSURL 为空时不启用跨实例 change feed 桥接。
	NATSURL string

	// Presence/typing 的超时窗口均为配置而非硬编码常量。
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	TypingIdle        time.Duration
	TypingExpiry      time.Duration

	MaxMessageChars int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:              getenv("APP_PORT", "8080"),
		DatabaseDSN:       getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=teamchat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:         getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:               getenv("APP_ENV", "dev"),
		NATSURL:           getenv("NATS_URL", ""),
		PresenceTTL:       time.Duration(getenvInt("PRESENCE_TTL_SECONDS", 30)) * time.Second,
		HeartbeatInterval: time.Duration(getenvInt("HEARTBEAT_INTERVAL_SECONDS", 10)) * time.Second,
		TypingIdle:        time.Duration(getenvInt("TYPING_IDLE_SECONDS", 3)) * time.Second,
		TypingExpiry:      time.Duration(getenvInt("TYPING_EXPIRY_SECONDS", 5)) * time.Second,
		MaxMessageChars:   getenvInt("MAX_MESSAGE_CHARS", 2000),
	}
}

// Validate 拒绝明显不安全或自相矛盾的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return fmt.Errorf("default JWT secret is not allowed outside dev")
	}
	if cfg.PresenceTTL < 15*time.Second || cfg.PresenceTTL > 60*time.Second {
		return fmt.Errorf("presence ttl %s outside the 15s-60s window", cfg.PresenceTTL)
	}
	// 心跳必须严格快于离场超时，否则正常在线的连接也会被回收。
	if cfg.HeartbeatInterval >= cfg.PresenceTTL {
		return fmt.Errorf("heartbeat interval %s must be below presence ttl %s", cfg.HeartbeatInterval, cfg.PresenceTTL)
	}
	// 消费端过期窗口必须大于生产端 idle，避免正在输入的人被提前清掉。
	if cfg.TypingExpiry <= cfg.TypingIdle {
		return fmt.Errorf("typing expiry %s must exceed typing idle %s", cfg.TypingExpiry, cfg.TypingIdle)
	}
	if cfg.MaxMessageChars <= 0 {
		return fmt.Errorf("max message chars must be positive")
	}
	return nil
}
