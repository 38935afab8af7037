package main

import (
	"teamchat/internal/config"
	"teamchat/internal/db"
	"teamchat/internal/feed"
	clog "teamchat/internal/log"
	"teamchat/internal/presence"
	"teamchat/internal/server"
	"teamchat/internal/service"
	"teamchat/internal/typing"
	"teamchat/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// 加载配置、初始化日志、连接数据库，然后组装各组件并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	bus := feed.NewBus()
	if cfg.NATSURL != "" {
		bridge, err := feed.ConnectBridge(cfg.NATSURL, bus)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("feed bridge")
		}
		defer bridge.Close()
	}

	tracker := presence.NewTracker(cfg.PresenceTTL)
	defer tracker.Stop()
	broadcaster := typing.NewBroadcaster()
	authz := service.NewDBAuthz(gdb)

	deps := server.Deps{
		Hub:      ws.NewHub(bus, tracker, broadcaster),
		Msgs:     service.NewMessageService(gdb, bus, authz, cfg.MaxMessageChars),
		Rooms:    service.NewRoomService(gdb, tracker),
		Authz:    authz,
		Identity: authz,
		Tracker:  tracker,
		Typing:   broadcaster,
	}

	r := server.SetupRouter(cfg, gdb, deps)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
