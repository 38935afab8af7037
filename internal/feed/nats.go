package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Bridge 把本地 change feed 镜像到 NATS 并注入远端实例的事件，
// 让多实例部署共享同一房间的 feed。订阅方本来就要容忍 at-least-once，
// 桥接不做去重。
type Bridge struct {
	nc     *nats.Conn
	bus    *Bus
	origin string
	sub    *nats.Subscription
}

type wireEvent struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

const subjectPrefix = "room.feed."

// ConnectBridge 连接 NATS 并双向接通 bus。连接断开由 nats.go 自动重连；
// 断连期间丢失的事件依赖客户端重连后的 gap-fill，不在这里补偿。
func ConnectBridge(url string, bus *Bus) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("teamchat-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	b := &Bridge{nc: nc, bus: bus, origin: uuid.NewString()}

	b.sub, err = nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var we wireEvent
		if err := json.Unmarshal(msg.Data, &we); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid feed event")
			return
		}
		if we.Origin == b.origin {
			return // 自己发布的回声
		}
		bus.deliver(we.Event)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe feed subjects: %w", err)
	}

	bus.SetRelay(func(evt Event) {
		data, err := json.Marshal(wireEvent{Origin: b.origin, Event: evt})
		if err != nil {
			log.Error().Err(err).Msg("marshal feed event")
			return
		}
		subject := fmt.Sprintf("%s%d", subjectPrefix, evt.RoomID)
		if err := b.nc.Publish(subject, data); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("relay feed event")
		}
	})

	log.Info().Str("url", nc.ConnectedUrl()).Msg("feed bridge connected")
	return b, nil
}

// Close 停止订阅并排空连接。
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
