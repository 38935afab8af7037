package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"teamchat/internal/feed"
	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/presence"
	"teamchat/internal/typing"

	"github.com/rs/zerolog/log"
)

// 下发帧的信封。三条流（feed/presence/typing）彼此独立，
// 客户端不得用它们之间的到达顺序推断因果。
type feedFrame struct {
	Type    string         `json:"type"` // "feed"
	Op      feed.Op        `json:"op"`
	RoomID  uint           `json:"room_id"`
	Message models.Message `json:"message"`
}

type presenceFrame struct {
	Type  string         `json:"type"` // "presence"
	Event string         `json:"event"`
	Entry presence.Entry `json:"entry"`
}

type snapshotFrame struct {
	Type    string           `json:"type"` // "presence_snapshot"
	RoomID  uint             `json:"room_id"`
	Entries []presence.Entry `json:"entries"`
}

type typingFrame struct {
	Type string `json:"type"` // "typing"
	typing.Signal
}

type errorFrame struct {
	Type      string `json:"type"` // "error"
	Error     string `json:"error"`
	ClientKey string `json:"client_key,omitempty"`
}

// Hub 管理房间级别的子 Hub，实现延迟创建与并发安全。
// 每个 RoomHub 首次创建时接到 feed/presence/typing 三路订阅上，
// 把事件编码为帧后经广播 channel 扇出给房间内全部连接。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub

	bus     *feed.Bus
	tracker *presence.Tracker
	typing  *typing.Broadcaster
}

func NewHub(bus *feed.Bus, tracker *presence.Tracker, tb *typing.Broadcaster) *Hub {
	return &Hub{rooms: make(map[uint]*RoomHub), bus: bus, tracker: tracker, typing: tb}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub 并接上三路订阅。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = NewRoomHub(roomID)
	h.rooms[roomID] = room
	go room.run()
	h.wire(room)
	return room
}

// wire 把组件事件流接到 RoomHub 的广播上。订阅 handler 在各组件的
// 房间锁内执行，只做编码加一次非阻塞入队。
func (h *Hub) wire(rh *RoomHub) {
	h.bus.Subscribe(rh.roomID, func(evt feed.Event) {
		b, err := json.Marshal(feedFrame{Type: "feed", Op: evt.Op, RoomID: evt.RoomID, Message: evt.Message})
		if err != nil {
			return
		}
		metrics.FeedEventsDelivered.Inc()
		rh.enqueue(b)
	})
	h.tracker.Subscribe(rh.roomID, func(evt presence.Event) {
		b, err := json.Marshal(presenceFrame{Type: "presence", Event: evt.Type, Entry: evt.Entry})
		if err != nil {
			return
		}
		rh.enqueue(b)
	})
	h.typing.Subscribe(rh.roomID, func(sig typing.Signal) {
		b, err := json.Marshal(typingFrame{Type: "typing", Signal: sig})
		if err != nil {
			return
		}
		rh.enqueue(b)
	})
}

func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

type RoomHub struct {
	roomID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	online     int32
}

func NewRoomHub(roomID uint) *RoomHub {
	return &RoomHub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// enqueue 非阻塞入队；广播积压时丢帧，掉线的客户端靠重连 gap-fill 补。
func (rh *RoomHub) enqueue(b []byte) {
	select {
	case rh.broadcast <- b:
	default:
		log.Warn().Uint("room_id", rh.roomID).Msg("room broadcast backlog, frame dropped")
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				close(c.send)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.WsConnections.Dec()
			}
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(rh.clients, c)
					metrics.WsConnections.Dec()
				}
			}
		}
	}
}

// Online 返回房间当前连接数，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
