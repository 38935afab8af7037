package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 初始化全局 zerolog：dev 环境用 console writer，其余输出 JSON。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
