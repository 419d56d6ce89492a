package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// CVDocument 结构化简历文档表。
// 整份简历以JSON形式存放在Document列中，Version随每次更新递增。
type CVDocument struct {
	DocumentID string         `gorm:"type:char(36);primaryKey"`
	OwnerName  string         `gorm:"type:varchar(255);index:idx_cv_documents_owner_name"`
	Document   datatypes.JSON `gorm:"type:json;not null"`
	Version    int            `gorm:"not null;default:1"`
	CreatedAt  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CVDocument) TableName() string {
	return "cv_documents"
}

// ChatMessageRecord 会话消息审计表。
// 对话真实状态在Redis中；本表仅作持久化审计，写入失败不影响对话。
type ChatMessageRecord struct {
	MessageID  uint64         `gorm:"primaryKey;autoIncrement"`
	SessionID  string         `gorm:"type:char(64);not null;index:idx_chat_messages_session_id"`
	Role       string         `gorm:"type:varchar(20);not null"`
	Content    string         `gorm:"type:text"`
	ToolCalls  datatypes.JSON `gorm:"type:json"`
	ToolCallID string         `gorm:"type:varchar(64)"`
	CreatedAt  time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_chat_messages_created_at"`
}

func (ChatMessageRecord) TableName() string {
	return "chat_messages"
}

// ToJSON 将任意值序列化为datatypes.JSON
func ToJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
