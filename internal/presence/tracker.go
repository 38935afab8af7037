package presence

import (
	"sync"
	"time"

	"teamchat/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entry 是某个房间里一条当前在线记录。纯内存，不落库，
// 重连后由各连接重新 Join 重建。
type Entry struct {
	ConnID      string    `json:"conn_id"`
	RoomID      uint      `json:"room_id"`
	UserID      uint      `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Event 是 join/leave 增量事件；快照另由 Snapshot 提供给新加入者。
type Event struct {
	Type  string `json:"type"` // "join" | "leave"
	Entry Entry  `json:"entry"`
}

// Handle 的生命周期决定一条在线记录；每个连接一个 handle，
// 同一用户多开 tab 会产生多条彼此独立的记录。
type Handle struct {
	id    string
	entry Entry

	mu       sync.Mutex
	lastBeat time.Time
	gone     bool
}

// Tracker 独占每个房间的成员集合。心跳超过 TTL 未刷新的 entry
// 由后台 reaper 回收并广播 leave，兜底非正常断连。
type Tracker struct {
	ttl time.Duration

	mu    sync.RWMutex
	rooms map[uint]map[string]*Handle
	subs  map[uint]map[uint64]func(Event)
	next  uint64

	stop chan struct{}
	once sync.Once
}

func NewTracker(ttl time.Duration) *Tracker {
	t := &Tracker{
		ttl:   ttl,
		rooms: make(map[uint]map[string]*Handle),
		subs:  make(map[uint]map[uint64]func(Event)),
		stop:  make(chan struct{}),
	}
	go t.reap()
	return t
}

// Join 注册一条在线记录并向房间广播 join 事件。
func (t *Tracker) Join(roomID, userID uint, displayName string) *Handle {
	id := uuid.NewString()
	h := &Handle{
		id: id,
		entry: Entry{
			ConnID:      id,
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
			ConnectedAt: time.Now().UTC(),
		},
		lastBeat: time.Now(),
	}
	t.mu.Lock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]*Handle)
		t.rooms[roomID] = room
	}
	room[h.id] = h
	t.mu.Unlock()
	metrics.PresenceEntries.Inc()
	t.emit(roomID, Event{Type: "join", Entry: h.entry})
	return h
}

// ConnID 返回这条记录的连接标识，join/leave 事件携带同一个值，
// 订阅方可据此对增量做幂等合并。
func (h *Handle) ConnID() string {
	return h.id
}

// Heartbeat 刷新存活时间；调用间隔必须严格小于 TTL。
func (t *Tracker) Heartbeat(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if !h.gone {
		h.lastBeat = time.Now()
	}
	h.mu.Unlock()
}

// Leave 显式移除记录并广播 leave；重复调用是 no-op。
// 超时回收只是非正常断连的兜底，主动离开必须走这里。
func (t *Tracker) Leave(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.gone {
		h.mu.Unlock()
		return
	}
	h.gone = true
	h.mu.Unlock()

	t.mu.Lock()
	if room := t.rooms[h.entry.RoomID]; room != nil {
		delete(room, h.id)
		if len(room) == 0 {
			delete(t.rooms, h.entry.RoomID)
		}
	}
	t.mu.Unlock()
	metrics.PresenceEntries.Dec()
	t.emit(h.entry.RoomID, Event{Type: "leave", Entry: h.entry})
}

// Snapshot 返回房间当前全部在线记录，用于给新加入的客户端播种；
// 之后它只收增量 join/leave。
func (t *Tracker) Snapshot(roomID uint) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(room))
	for _, h := range room {
		out = append(out, h.entry)
	}
	return out
}

// Online 返回房间在线 entry 数；多开 tab 会大于去重后的用户数。
func (t *Tracker) Online(roomID uint) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[roomID])
}

// Subscribe 注册房间级事件订阅，返回取消函数。
func (t *Tracker) Subscribe(roomID uint, fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[roomID]
	if subs == nil {
		subs = make(map[uint64]func(Event))
		t.subs[roomID] = subs
	}
	t.next++
	id := t.next
	subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if subs := t.subs[roomID]; subs != nil {
			delete(subs, id)
		}
	}
}

func (t *Tracker) emit(roomID uint, evt Event) {
	t.mu.RLock()
	fns := make([]func(Event), 0, len(t.subs[roomID]))
	for _, fn := range t.subs[roomID] {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// reap 定期回收心跳过期的 entry。
func (t *Tracker) reap() {
	interval := t.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.ttl)
			var expired []*Handle
			t.mu.RLock()
			for _, room := range t.rooms {
				for _, h := range room {
					h.mu.Lock()
					if !h.gone && h.lastBeat.Before(cutoff) {
						expired = append(expired, h)
					}
					h.mu.Unlock()
				}
			}
			t.mu.RUnlock()
			for _, h := range expired {
				log.Debug().Uint("room_id", h.entry.RoomID).Uint("user_id", h.entry.UserID).Msg("presence entry expired")
				t.Leave(h)
			}
		}
	}
}

// Stop 停止 reaper goroutine，用于优雅停服。
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}
