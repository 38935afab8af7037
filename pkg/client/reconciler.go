// Package client 维护单个连接端观察到的房间状态：已确认消息、
// 未确认的 optimistic 发送、presence 集合与 typing 集合。
// 所有事件应用都是幂等的，重复投递不改变可见状态。
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message 是 feed 线格式的客户端侧表示。
type Message struct {
	ID          uint                `json:"id"`
	RoomID      uint                `json:"room_id"`
	SenderID    uint                `json:"sender_id"`
	SenderName  string              `json:"sender_name"`
	Content     string              `json:"content"`
	Kind        string              `json:"kind"`
	ReplyTo     *uint               `json:"reply_to,omitempty"`
	Attachments []string            `json:"attachments,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Edited      bool                `json:"edited"`
	Deleted     bool                `json:"deleted"`
	ClientKey   string              `json:"client_key,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// Event 是 change feed 的一个变体实例。
type Event struct {
	Op      string  `json:"op"` // "inserted" | "edited" | "reacted" | "deleted"
	RoomID  uint    `json:"room_id"`
	Message Message `json:"message"`
}

type PresenceEntry struct {
	ConnID      string    `json:"conn_id"`
	RoomID      uint      `json:"room_id"`
	UserID      uint      `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

type TypingSignal struct {
	RoomID      uint   `json:"room_id"`
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// SendState 标记一条 optimistic 发送的结局。
type SendState int

const (
	SendPending SendState = iota
	SendFailed
)

// PendingSend 是尚未被服务端确认的本地回显。失败后保留在列表里
// 等待用同一个 token 重试，不会被悄悄丢掉。
type PendingSend struct {
	Token   string
	Message Message
	State   SendState
	Err     error
}

// SendRequest 携带一次 send 的输入；ClientKey 由 Reconciler 填充。
type SendRequest struct {
	RoomID      uint
	Content     string
	Kind        string
	ReplyTo     *uint
	Attachments []string
	ClientKey   string
}

// Appender 是 store 的 append 契约（HTTP 或 ws 之上的实现均可）。
type Appender interface {
	Append(ctx context.Context, req SendRequest) (Message, error)
}

// Lister 服务于重连后的 gap-fill。
type Lister interface {
	ListAfter(ctx context.Context, roomID, afterID uint, limit int) ([]Message, error)
}

type presenceUser struct {
	name  string
	conns map[string]bool // 按连接标识去重，增量重放是幂等的
}

type typingUser struct {
	name  string
	timer *time.Timer
}

// RoomState 是单个房间的本地视图。
type RoomState struct {
	mu     sync.Mutex
	roomID uint

	confirmed []Message // 按 id 严格升序，无重复
	seen      map[uint]bool

	pending []*PendingSend
	byToken map[string]*PendingSend

	present map[uint]*presenceUser
	typing  map[uint]*typingUser

	typingExpiry time.Duration

	// lastSeenID 是已确认应用的最大消息 id，重连 gap-fill 的游标。
	lastSeenID uint
}

// NewRoomState 创建房间视图。typingExpiry 是消费端过期窗口，
// 必须大于发送端的 idle 窗口。
func NewRoomState(roomID uint, typingExpiry time.Duration) *RoomState {
	return &RoomState{
		roomID:       roomID,
		seen:         make(map[uint]bool),
		byToken:      make(map[string]*PendingSend),
		present:      make(map[uint]*presenceUser),
		typing:       make(map[uint]*typingUser),
		typingExpiry: typingExpiry,
	}
}

// Send 先插入本地回显再调用 store；确认后用 correlation token 对账
// 替换，失败则标记等待重试。返回 token。
func (r *RoomState) Send(ctx context.Context, ap Appender, req SendRequest) (string, error) {
	if req.ClientKey == "" {
		req.ClientKey = uuid.NewString()
	}
	req.RoomID = r.roomID

	p := &PendingSend{
		Token: req.ClientKey,
		Message: Message{
			RoomID:      r.roomID,
			Content:     req.Content,
			Kind:        req.Kind,
			ReplyTo:     req.ReplyTo,
			Attachments: req.Attachments,
			ClientKey:   req.ClientKey,
			CreatedAt:   time.Now(),
		},
	}
	r.mu.Lock()
	r.pending = append(r.pending, p)
	r.byToken[p.Token] = p
	r.mu.Unlock()

	confirmed, err := ap.Append(ctx, req)
	if err != nil {
		r.mu.Lock()
		p.State = SendFailed
		p.Err = err
		r.mu.Unlock()
		return p.Token, err
	}
	// feed 可能先于这条返回送达；两条路径都幂等
	r.Apply(Event{Op: "inserted", RoomID: confirmed.RoomID, Message: confirmed})
	return p.Token, nil
}

// Retry 用同一个 correlation token 重发失败的 optimistic 发送；
// 服务端以 token 幂等，不会产生第二条逻辑消息。
func (r *RoomState) Retry(ctx context.Context, ap Appender, token string) error {
	r.mu.Lock()
	p := r.byToken[token]
	if p == nil || p.State != SendFailed {
		r.mu.Unlock()
		return nil
	}
	p.State = SendPending
	p.Err = nil
	req := SendRequest{
		RoomID:      r.roomID,
		Content:     p.Message.Content,
		Kind:        p.Message.Kind,
		ReplyTo:     p.Message.ReplyTo,
		Attachments: p.Message.Attachments,
		ClientKey:   token,
	}
	r.mu.Unlock()

	confirmed, err := ap.Append(ctx, req)
	if err != nil {
		r.mu.Lock()
		p.State = SendFailed
		p.Err = err
		r.mu.Unlock()
		return err
	}
	r.Apply(Event{Op: "inserted", RoomID: confirmed.RoomID, Message: confirmed})
	return nil
}

// MarkFailed 把带该 token 的 optimistic 发送标记为失败（ws 错误帧路径）。
func (r *RoomState) MarkFailed(token string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.byToken[token]; p != nil && p.State == SendPending {
		p.State = SendFailed
		p.Err = err
	}
}

// Apply 幂等地应用一个 feed 事件：已知 id 原地更新，未知 id 按序插入。
func (r *RoomState) Apply(evt Event) {
	if evt.RoomID != r.roomID {
		return
	}
	m := evt.Message
	if m.ID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// 确认消息到了就撤掉对应的本地回显
	if m.ClientKey != "" {
		if p := r.byToken[m.ClientKey]; p != nil {
			r.removePending(p)
		}
	}

	idx := sort.Search(len(r.confirmed), func(i int) bool { return r.confirmed[i].ID >= m.ID })
	exists := r.seen[m.ID]

	switch evt.Op {
	case "inserted":
		if exists {
			return // 重复投递是 no-op
		}
		r.insertAt(idx, m)
		if m.ID > r.lastSeenID {
			r.lastSeenID = m.ID
		}
	case "edited", "reacted", "deleted":
		if exists {
			r.confirmed[idx] = m
			return
		}
		// 晚到的订阅者可能先收到变更事件，同样按 id 位置插入
		r.insertAt(idx, m)
	}
}

func (r *RoomState) insertAt(idx int, m Message) {
	r.confirmed = append(r.confirmed, Message{})
	copy(r.confirmed[idx+1:], r.confirmed[idx:])
	r.confirmed[idx] = m
	r.seen[m.ID] = true
}

func (r *RoomState) removePending(p *PendingSend) {
	delete(r.byToken, p.Token)
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Resync 在重连后、信任新的实时事件之前，从最后确认的 id 起向前
// 拉平缺口。这是 Reconnecting → Connected 的必经动作。
func (r *RoomState) Resync(ctx context.Context, ls Lister) error {
	const page = 200
	for {
		r.mu.Lock()
		after := r.lastSeenID
		r.mu.Unlock()
		msgs, err := ls.ListAfter(ctx, r.roomID, after, page)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			r.Apply(Event{Op: "inserted", RoomID: m.RoomID, Message: m})
		}
		if len(msgs) < page {
			return nil
		}
	}
}

// Messages 返回可见消息列表：已确认的在前，optimistic 的排在最后。
func (r *RoomState) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.confirmed)+len(r.pending))
	out = append(out, r.confirmed...)
	for _, p := range r.pending {
		out = append(out, p.Message)
	}
	return out
}

// Pending 返回未确认发送的快照（含失败待重试的）。
func (r *RoomState) Pending() []PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingSend, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, *p)
	}
	return out
}

// LastSeenID 返回 gap-fill 游标，主要供测试与诊断。
func (r *RoomState) LastSeenID() uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeenID
}

// ApplyPresenceSnapshot 用服务端快照重建 presence 集合；
// 快照先于任何增量事件应用。
func (r *RoomState) ApplyPresenceSnapshot(entries []PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = make(map[uint]*presenceUser)
	for _, e := range entries {
		r.addConn(e)
	}
}

// ApplyPresence 应用一条 join/leave 增量。按连接标识合并：快照里
// 已经出现过的连接再收到 join 是 no-op，同一用户最后一条连接的
// leave 才把用户移出集合。
func (r *RoomState) ApplyPresence(event string, e PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch event {
	case "join":
		r.addConn(e)
	case "leave":
		u := r.present[e.UserID]
		if u == nil || !u.conns[e.ConnID] {
			return
		}
		delete(u.conns, e.ConnID)
		if len(u.conns) == 0 {
			delete(r.present, e.UserID)
		}
	}
}

// addConn 把一条连接并入集合，调用方持锁。
func (r *RoomState) addConn(e PresenceEntry) {
	u := r.present[e.UserID]
	if u == nil {
		u = &presenceUser{name: e.DisplayName, conns: make(map[string]bool)}
		r.present[e.UserID] = u
	}
	u.conns[e.ConnID] = true
}

// Present 返回当前在线的 user id -> display name。
func (r *RoomState) Present() map[uint]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint]string, len(r.present))
	for id, u := range r.present {
		out[id] = u.name
	}
	return out
}

// ApplyTyping 应用一条 typing 信号。true 启动（或刷新）本观察者自己
// 的过期计时器；窗口内没有新信号就清掉——发送方断线丢了最后的
// false 也能收敛。
func (r *RoomState) ApplyTyping(sig TypingSignal) {
	if sig.RoomID != r.roomID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.typing[sig.UserID]
	if !sig.IsTyping {
		if cur != nil {
			cur.timer.Stop()
			delete(r.typing, sig.UserID)
		}
		return
	}
	if cur != nil {
		cur.timer.Reset(r.typingExpiry)
		return
	}
	userID := sig.UserID
	r.typing[userID] = &typingUser{
		name: sig.DisplayName,
		timer: time.AfterFunc(r.typingExpiry, func() {
			r.mu.Lock()
			delete(r.typing, userID)
			r.mu.Unlock()
		}),
	}
}

// Typing 返回当前 typing 集合 user id -> display name。
func (r *RoomState) Typing() map[uint]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint]string, len(r.typing))
	for id, u := range r.typing {
		out[id] = u.name
	}
	return out
}

// Close 停掉所有 typing 计时器。
func (r *RoomState) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, u := range r.typing {
		u.timer.Stop()
		delete(r.typing, id)
	}
}
