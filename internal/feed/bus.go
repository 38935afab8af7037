package feed

import "sync"

// Handler 接收单个事件；必须快速返回（ws 客户端只做一次带缓冲的
// channel 投递），慢消费者由上层丢弃。
type Handler func(Event)

// Bus 是进程内按房间分片的 change feed 广播。
// 同一房间的投递持有该房间的锁，订阅方观察到的顺序即提交顺序；
// 不同房间之间没有任何顺序保证。
type Bus struct {
	mu    sync.RWMutex
	rooms map[uint]*roomSubs
	// relay 在本地发布后把事件镜像给跨实例桥接（如 NATS）。
	relay func(Event)
}

type roomSubs struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]Handler
}

func NewBus() *Bus { return &Bus{rooms: make(map[uint]*roomSubs)} }

func (b *Bus) room(roomID uint) *roomSubs {
	b.mu.RLock()
	rs := b.rooms[roomID]
	b.mu.RUnlock()
	if rs != nil {
		return rs
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rs = b.rooms[roomID]
	if rs == nil {
		rs = &roomSubs{subs: make(map[uint64]Handler)}
		b.rooms[roomID] = rs
	}
	return rs
}

// Subscription 的生命周期决定订阅；Cancel 幂等。
type Subscription struct {
	rs *roomSubs
	id uint64
}

func (s *Subscription) Cancel() {
	if s == nil || s.rs == nil {
		return
	}
	s.rs.mu.Lock()
	delete(s.rs.subs, s.id)
	s.rs.mu.Unlock()
	s.rs = nil
}

// Subscribe 注册房间级订阅；handler 只会收到该房间的事件。
func (b *Bus) Subscribe(roomID uint, h Handler) *Subscription {
	rs := b.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.next++
	id := rs.next
	rs.subs[id] = h
	return &Subscription{rs: rs, id: id}
}

// Publish 把本地提交的事件投递给房间内全部订阅者，并镜像给 relay。
func (b *Bus) Publish(evt Event) {
	if b.relay != nil {
		b.relay(evt)
	}
	b.deliver(evt)
}

// deliver 只做本地投递，桥接注入远端事件时走这里以避免回环。
func (b *Bus) deliver(evt Event) {
	rs := b.room(evt.RoomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, h := range rs.subs {
		h(evt)
	}
}

// SetRelay 挂接跨实例镜像；必须在开始 Publish 之前调用一次。
func (b *Bus) SetRelay(fn func(Event)) { b.relay = fn }
