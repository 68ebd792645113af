package model

import (
	"time"
)

// ProfileEntry 画像键值缓存的一条记录，API Key 也存放在这里
type ProfileEntry struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Value     string    `json:"value" gorm:"type:text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ProfileEntry) TableName() string {
	return "profile_entries"
}

// MaskSecret 脱敏密钥（只显示前3位和后4位）
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 7 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}
