package service

import (
	"teamchat/internal/models"
	"teamchat/internal/presence"

	"gorm.io/gorm"
)

// RoomService 封装房间相关的业务逻辑；在线人数来自 presence tracker。
type RoomService struct {
	db      *gorm.DB
	tracker *presence.Tracker
}

func NewRoomService(db *gorm.DB, tracker *presence.Tracker) *RoomService {
	return &RoomService{db: db, tracker: tracker}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Online int    `json:"online"`
}

// Create 创建新房间，房主自动获得 moderator 能力。
func (s *RoomService) Create(name string, ownerID uint) (*RoomDTO, error) {
	room := models.Room{Name: name, OwnerID: ownerID}
	if err := s.db.Create(&room).Error; err != nil {
		return nil, err
	}
	return &RoomDTO{ID: room.ID, Name: room.Name, Online: 0}, nil
}

// List 返回房间列表，附带各房间的在线 entry 数。
func (s *RoomService) List(limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	if err := s.db.Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, Online: s.tracker.Online(r.ID)})
	}
	return out, nil
}
