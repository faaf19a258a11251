package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"apimocker/internal/logger"
)

// ruleRow 规则表，完整规则以 JSON 存放，可变字段单独成列
type ruleRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Position   int    `gorm:"not null;index"`
	Name       string `gorm:"size:255"`
	Enabled    bool   `gorm:"not null;default:true;index"`
	MatchType  string `gorm:"size:16"`
	Method     string `gorm:"size:16"`
	URL        string `gorm:"type:text"`
	Payload    string `gorm:"type:text;not null"`
	UsageCount int64  `gorm:"not null;default:0"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli"`
	UpdatedAt  int64  `gorm:"autoUpdateTime:milli"`
}

// settingRow 键值配置表
type settingRow struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

// recordRow 请求记录表，Seq 决定新旧顺序
type recordRow struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"uniqueIndex;size:64"`
	Timestamp  int64  `gorm:"index"`
	URL        string `gorm:"type:text"`
	Method     string `gorm:"size:16"`
	IsMocked   bool   `gorm:"index"`
	RuleID     string `gorm:"size:64;index"`
	StatusCode int
	Payload    string `gorm:"type:text;not null"`
}

// Open 打开 SQLite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		// ruleRow -> <prefix>rules
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix, NameReplacer: strings.NewReplacer("Row", "")},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite 单写者；内存库每个连接各自独立
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ruleRow{}, &settingRow{}, &recordRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
