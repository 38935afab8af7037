package client

import (
	"sync"
	"time"
)

// TypingNotifier 是发送端的 typing 去抖：一轮连续输入只发一次 true，
// 停顿超过 idle 窗口（或消息发出）后发一次 false。
type TypingNotifier struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(isTyping bool)
	active bool
	timer  *time.Timer
}

func NewTypingNotifier(idle time.Duration, emit func(bool)) *TypingNotifier {
	return &TypingNotifier{idle: idle, emit: emit}
}

// Touch 在每次击键时调用。
func (n *TypingNotifier) Touch() {
	n.mu.Lock()
	if n.active {
		n.timer.Reset(n.idle)
		n.mu.Unlock()
		return
	}
	n.active = true
	n.timer = time.AfterFunc(n.idle, n.expire)
	n.mu.Unlock()
	n.emit(true)
}

func (n *TypingNotifier) expire() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.mu.Unlock()
	n.emit(false)
}

// Stop 在消息发出或输入框清空时调用，立即结束本轮。
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.timer.Stop()
	n.mu.Unlock()
	n.emit(false)
}
