package models

import (
	"time"

	"gorm.io/datatypes"
)

// 消息类型的闭集，append 时校验。
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system"
)

type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64;not null"`
	Avatar    string `gorm:"size:256"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	OwnerID   uint   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message 是房间内的持久化消息。ID 由数据库序列分配，单调递增，
// 是排序与去重的唯一依据；CreatedAt 与 ID 在同一次插入中一起落库。
type Message struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RoomID     uint   `gorm:"index:idx_msg_room_id;not null" json:"room_id"`
	SenderID   uint   `gorm:"index;not null" json:"sender_id"`
	SenderName string `gorm:"size:64;not null" json:"sender_name"`
	Content    string `gorm:"type:text" json:"content"`
	Kind       string `gorm:"size:16;not null;default:text" json:"kind"`
	// ReplyTo 指向同房间内的另一条消息；目标被删除后引用仍可解析为墓碑。
	ReplyTo     *uint                       `gorm:"index" json:"reply_to,omitempty"`
	Attachments datatypes.JSONSlice[string] `json:"attachments,omitempty"`
	// Reactions: user id -> 去重后的 symbol 集合。
	Reactions datatypes.JSONType[map[string][]string] `json:"reactions,omitempty"`
	Edited    bool                                    `json:"edited"`
	// Deleted 为墓碑标记；删除不是物理移除，回复引用保持可解析。
	Deleted bool `json:"deleted"`
	// ClientKey 是客户端生成的 correlation token，重试幂等的依据。
	ClientKey string    `gorm:"uniqueIndex;size:64;not null" json:"client_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
