package db

import (
	"strings"
	"time"

	"teamchat/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect 建立数据库连接，带简单重试等待容器就绪。
// DSN 以 "file:" 开头或以 ".db" 结尾时走 sqlite，供本地与测试使用。
func Connect(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	}
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Room{}, &models.Message{})
}
