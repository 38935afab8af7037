package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnState 是传输层的连接状态机。
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateReconnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// serverFrame 是服务端下行帧的解码并集，按 type 分发。
type serverFrame struct {
	Type string `json:"type"`

	// feed
	Op      string  `json:"op,omitempty"`
	RoomID  uint    `json:"room_id,omitempty"`
	Message Message `json:"message,omitempty"`

	// presence / presence_snapshot
	Event   string          `json:"event,omitempty"`
	Entry   PresenceEntry   `json:"entry,omitempty"`
	Entries []PresenceEntry `json:"entries,omitempty"`

	// typing
	UserID      uint   `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing,omitempty"`

	// error
	Error     string `json:"error,omitempty"`
	ClientKey string `json:"client_key,omitempty"`
}

type clientFrame struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Transport 维持到房间 websocket 端点的长连接。断线后指数退避重连，
// 并在回到 Connected 之前先通过 Lister 补齐断线期间漏掉的消息。
type Transport struct {
	URL    string // ws://host/ws?room_id=N
	Token  string // bearer token
	Room   *RoomState
	Lister Lister

	// OnState 在状态变化时被调用，可为 nil。
	OnState func(ConnState)

	Dialer     *websocket.Dialer
	BackoffMin time.Duration
	BackoffMax time.Duration

	state atomic.Int32
	conn  atomic.Pointer[websocket.Conn]
}

// State 返回当前连接状态。
func (t *Transport) State() ConnState {
	return ConnState(t.state.Load())
}

func (t *Transport) setState(s ConnState) {
	if ConnState(t.state.Swap(int32(s))) == s {
		return
	}
	if t.OnState != nil {
		t.OnState(s)
	}
}

// Run 阻塞运行连接循环直到 ctx 取消。
func (t *Transport) Run(ctx context.Context) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	min := t.BackoffMin
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	max := t.BackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}
	backoff := min

	defer t.setState(StateDisconnected)
	for {
		t.setState(StateReconnecting)

		header := http.Header{}
		if t.Token != "" {
			header.Set("Authorization", "Bearer "+t.Token)
		}
		conn, _, err := dialer.DialContext(ctx, t.URL, header)
		if err == nil {
			// 先补缺口再信任实时流
			if err = t.Room.Resync(ctx, t.Lister); err != nil {
				conn.Close()
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("url", t.URL).Dur("backoff", backoff).Msg("ws connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
			continue
		}
		backoff = min
		t.conn.Store(conn)
		t.setState(StateConnected)

		err = t.readLoop(ctx, conn)
		t.conn.Store(nil)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("ws connection lost, reconnecting")
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error { return nil })
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("bad server frame")
			continue
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f serverFrame) {
	switch f.Type {
	case "feed":
		t.Room.Apply(Event{Op: f.Op, RoomID: f.RoomID, Message: f.Message})
	case "presence_snapshot":
		t.Room.ApplyPresenceSnapshot(f.Entries)
	case "presence":
		t.Room.ApplyPresence(f.Event, f.Entry)
	case "typing":
		t.Room.ApplyTyping(TypingSignal{
			RoomID:      f.RoomID,
			UserID:      f.UserID,
			DisplayName: f.DisplayName,
			IsTyping:    f.IsTyping,
		})
	case "error":
		if f.ClientKey != "" {
			t.Room.MarkFailed(f.ClientKey, errors.New(f.Error))
		}
	}
}

// SendTyping 在当前连接上发送一条 typing 信号；未连接时静默丢弃
// （typing 本就是尽力而为）。
func (t *Transport) SendTyping(isTyping bool) {
	conn := t.conn.Load()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(clientFrame{Type: "typing", IsTyping: isTyping}); err != nil {
		log.Debug().Err(err).Msg("typing signal dropped")
	}
}

// RoomURL 拼出房间的 ws 端点。
func RoomURL(base string, roomID uint) string {
	return fmt.Sprintf("%s/ws?room_id=%d", base, roomID)
}
