package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"teamchat/internal/auth"
	"teamchat/internal/config"
	"teamchat/internal/presence"
	"teamchat/internal/service"
	"teamchat/internal/typing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Deps 是 ws 端点需要的全部协作方。
type Deps struct {
	Hub      *Hub
	Svc      *service.MessageService
	Authz    service.Authorizer
	Identity service.Identity
	Tracker  *presence.Tracker
	Typing   *typing.Broadcaster
	Cfg      config.Config
}

type Client struct {
	room   *RoomHub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	userID uint
	uname  string
	handle *presence.Handle
	deps   Deps
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame 是客户端上行帧：typing 信号或一次带 correlation token
// 的 send。
type InboundFrame struct {
	Type        string   `json:"type"`
	Content     string   `json:"content,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	ReplyTo     *uint    `json:"reply_to,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	ClientKey   string   `json:"client_key,omitempty"`
	IsTyping    bool     `json:"is_typing,omitempty"`
}

// Serve 建立房间订阅连接：鉴权、presence Join、播种快照，然后进入
// 读写 pump。确认后的消息不在这里直接回写，统一经 feed 扇出。
func Serve(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIDStr := c.Query("room_id")
		rid64, err := strconv.ParseUint(roomIDStr, 10, 64)
		if err != nil || rid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room_id"})
			return
		}
		roomID := uint(rid64)

		// Token via Authorization header or token query param for WS
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, deps.Cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !deps.Authz.CanAccessRoom(claims.UserID, roomID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "room access denied"})
			return
		}
		name, _, err := deps.Identity.Resolve(claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		rh := deps.Hub.GetRoom(roomID)
		client := &Client{
			room:   rh,
			conn:   conn,
			send:   make(chan []byte, 256),
			userID: claims.UserID,
			uname:  name,
			deps:   deps,
		}
		rh.register <- client

		// 增量事件之前先播种完整快照，否则新客户端看不到先到的成员。
		if b, err := json.Marshal(snapshotFrame{Type: "presence_snapshot", RoomID: roomID, Entries: deps.Tracker.Snapshot(roomID)}); err == nil {
			client.send <- b
		}
		client.handle = deps.Tracker.Join(roomID, claims.UserID, name)
		// 日志与 presence 事件共用同一个连接标识，排障时能对上。
		client.connID = client.handle.ConnID()
		log.Debug().Str("conn_id", client.connID).Uint("room_id", roomID).Uint("user_id", claims.UserID).Msg("ws connected")

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.deps.Tracker.Leave(c.handle)
		c.room.unregister <- c
		_ = c.conn.Close()
		log.Debug().Str("conn_id", c.connID).Uint("room_id", c.room.roomID).Uint("user_id", c.userID).Msg("ws disconnected")
	}()
	pongWait := c.deps.Cfg.PresenceTTL
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// 连接层的 pong 就是 presence 心跳
		c.deps.Tracker.Heartbeat(c.handle)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "typing":
			// typing 信号不落库，直接扇出
			c.deps.Typing.Signal(typing.Signal{
				RoomID:      c.room.roomID,
				UserID:      c.userID,
				DisplayName: c.uname,
				IsTyping:    in.IsTyping,
			})
		case "message":
			// 确认消息经 feed 扇出给所有订阅者（含发送者自己），
			// 这里不直接回写。
			_, err := c.deps.Svc.Append(service.AppendInput{
				RoomID:      c.room.roomID,
				SenderID:    c.userID,
				SenderName:  c.uname,
				Content:     in.Content,
				Kind:        in.Kind,
				ReplyTo:     in.ReplyTo,
				Attachments: in.Attachments,
				ClientKey:   in.ClientKey,
			})
			if err != nil {
				c.sendError(err, in.ClientKey)
			}
		}
	}
}

// sendError 把终态错误回给发送方，带上 correlation token 供其标记
// 失败的 optimistic entry。
func (c *Client) sendError(err error, clientKey string) {
	reason := "send failed"
	switch {
	case errors.Is(err, service.ErrValidation):
		reason = "validation failed"
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrRoomNotFound):
		reason = "not found"
	case errors.Is(err, service.ErrForbidden):
		reason = "forbidden"
	default:
		log.Error().Err(err).Str("conn_id", c.connID).Uint("room_id", c.room.roomID).Uint("user_id", c.userID).Msg("ws append")
	}
	if b, merr := json.Marshal(errorFrame{Type: "error", Error: reason, ClientKey: clientKey}); merr == nil {
		select {
		case c.send <- b:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.deps.Cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
