package service

import (
	"teamchat/internal/models"

	"gorm.io/gorm"
)

// Authorizer 是外部授权协作方的契约；核心不自己实现策略语义。
type Authorizer interface {
	CanModerate(userID, roomID uint) bool
	CanAccessRoom(userID, roomID uint) bool
}

// Identity 解析 user id 到展示信息；消息里只存发送时的名字快照。
type Identity interface {
	Resolve(userID uint) (name, avatar string, err error)
}

// DBAuthz 是默认的数据库支撑实现：房主即 moderator，
// 已认证用户可访问任何存在的房间。
type DBAuthz struct {
	db *gorm.DB
}

func NewDBAuthz(db *gorm.DB) *DBAuthz { return &DBAuthz{db: db} }

func (a *DBAuthz) CanModerate(userID, roomID uint) bool {
	var room models.Room
	if err := a.db.Select("id", "owner_id").First(&room, roomID).Error; err != nil {
		return false
	}
	return room.OwnerID == userID
}

func (a *DBAuthz) CanAccessRoom(userID, roomID uint) bool {
	if userID == 0 {
		return false
	}
	var count int64
	if err := a.db.Model(&models.Room{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func (a *DBAuthz) Resolve(userID uint) (string, string, error) {
	var user models.User
	if err := a.db.Select("id", "username", "avatar").First(&user, userID).Error; err != nil {
		return "", "", err
	}
	return user.Username, user.Avatar, nil
}
