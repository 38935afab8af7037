package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"teamchat/internal/auth"
	"teamchat/internal/config"
	"teamchat/internal/metrics"
	"teamchat/internal/mw"
	"teamchat/internal/presence"
	"teamchat/internal/service"
	"teamchat/internal/typing"
	"teamchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 聚合路由需要的组件；wiring 在 cmd/server 完成。
type Deps struct {
	Hub      *ws.Hub
	Msgs     *service.MessageService
	Rooms    *service.RoomService
	Authz    service.Authorizer
	Identity service.Identity
	Tracker  *presence.Tracker
	Typing   *typing.Broadcaster
}

// writeErr 把业务错误映射到 HTTP 状态码；校验/授权错误是终态，
// 不提示重试。
func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，避免被刷爆。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/rooms", func(c *gin.Context) {
		var req struct {
			Name string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" || len(req.Name) > 128 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
			return
		}
		room, err := deps.Rooms.Create(req.Name, auth.GetUserID(c))
		if err != nil {
			log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create room"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": room})
	})

	authed.GET("/rooms", func(c *gin.Context) {
		rooms, err := deps.Rooms.List(100)
		if err != nil {
			log.Error().Err(err).Msg("list rooms")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})

	authed.GET("/rooms/:id/messages", func(c *gin.Context) {
		roomID, ok := pathID(c, "id")
		if !ok {
			return
		}
		opts := service.ListOptions{}
		if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
			opts.Limit = v
		}
		if v, err := strconv.ParseUint(c.Query("before_id"), 10, 64); err == nil {
			opts.BeforeID = uint(v)
		}
		if v, err := strconv.ParseUint(c.Query("after_id"), 10, 64); err == nil {
			opts.AfterID = uint(v)
		}
		msgs, err := deps.Msgs.List(roomID, opts)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	})

	authed.POST("/rooms/:id/messages", func(c *gin.Context) {
		roomID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req struct {
			Content     string   `json:"content"`
			Kind        string   `json:"kind"`
			ReplyTo     *uint    `json:"reply_to"`
			Attachments []string `json:"attachments"`
			ClientKey   string   `json:"client_key"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		userID := auth.GetUserID(c)
		if !deps.Authz.CanAccessRoom(userID, roomID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "room access denied"})
			return
		}
		name, _, err := deps.Identity.Resolve(userID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		msg, err := deps.Msgs.Append(service.AppendInput{
			RoomID:      roomID,
			SenderID:    userID,
			SenderName:  name,
			Content:     req.Content,
			Kind:        req.Kind,
			ReplyTo:     req.ReplyTo,
			Attachments: req.Attachments,
			ClientKey:   req.ClientKey,
		})
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	})

	authed.PATCH("/messages/:id", func(c *gin.Context) {
		msgID, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
		msg, err := deps.Msgs.Edit(msgID, auth.GetUserID(c), req.Content)
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	})

	authed.DELETE("/messages/:id", func(c *gin.Context) {
		msgID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if err := deps.Msgs.Delete(msgID, auth.GetUserID(c)); err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})

	authed.PUT("/messages/:id/reactions/:symbol", func(c *gin.Context) {
		msgID, ok := pathID(c, "id")
		if !ok {
			return
		}
		msg, err := deps.Msgs.React(msgID, auth.GetUserID(c), c.Param("symbol"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	})

	authed.DELETE("/messages/:id/reactions/:symbol", func(c *gin.Context) {
		msgID, ok := pathID(c, "id")
		if !ok {
			return
		}
		msg, err := deps.Msgs.Unreact(msgID, auth.GetUserID(c), c.Param("symbol"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": msg})
	})

	authed.GET("/rooms/:id/presence", func(c *gin.Context) {
		roomID, ok := pathID(c, "id")
		if !ok {
			return
		}
		if !deps.Authz.CanAccessRoom(auth.GetUserID(c), roomID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "room access denied"})
			return
		}
		entries := deps.Tracker.Snapshot(roomID)
		if entries == nil {
			entries = []presence.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	r.GET("/ws", ws.Serve(ws.Deps{
		Hub:      deps.Hub,
		Svc:      deps.Msgs,
		Authz:    deps.Authz,
		Identity: deps.Identity,
		Tracker:  deps.Tracker,
		Typing:   deps.Typing,
		Cfg:      cfg,
	}))

	return r
}
