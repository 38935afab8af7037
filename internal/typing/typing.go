package typing

import (
	"sync"

	"teamchat/internal/metrics"
)

// Signal 是一次纯瞬态的输入状态广播：不持久化、不回放给迟到者、
// 与消息流之间没有任何顺序保证。
type Signal struct {
	RoomID      uint   `json:"room_id"`
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// Broadcaster 把 typing 信号扇出给房间当前的订阅者。没有服务端
// 权威 typing 集合；过期由每个观察者自己的计时器独立处理。
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[uint]map[uint64]func(Signal)
	next uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint]map[uint64]func(Signal))}
}

// Signal 广播一次输入状态，无确认、无重试。
func (b *Broadcaster) Signal(sig Signal) {
	b.mu.RLock()
	fns := make([]func(Signal), 0, len(b.subs[sig.RoomID]))
	for _, fn := range b.subs[sig.RoomID] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	metrics.TypingSignals.Inc()
	for _, fn := range fns {
		fn(sig)
	}
}

// Subscribe 注册房间级订阅，返回取消函数。
func (b *Broadcaster) Subscribe(roomID uint, fn func(Signal)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[roomID]
	if subs == nil {
		subs = make(map[uint64]func(Signal))
		b.subs[roomID] = subs
	}
	b.next++
	id := b.next
	subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs := b.subs[roomID]; subs != nil {
			delete(subs, id)
		}
	}
}
