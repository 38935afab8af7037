package feed

import "teamchat/internal/models"

// Op 是 change feed 事件的闭集变体。
type Op string

const (
	OpInserted Op = "inserted"
	OpEdited   Op = "edited"
	OpReacted  Op = "reacted"
	OpDeleted  Op = "deleted"
)

// Event 对应 store 上一次成功的写操作。订阅方必须容忍重复投递，
// 以 message id 做幂等处理。
type Event struct {
	Op      Op             `json:"op"`
	RoomID  uint           `json:"room_id"`
	Message models.Message `json:"message"`
}
