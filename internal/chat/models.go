package chat

import (
	"time"

	"gorm.io/gorm"
)

type Chat struct {
	ID        string         `gorm:"primaryKey;size:26" json:"id"`
	UserID    uint64         `gorm:"index;not null" json:"-"`
	Title     string         `gorm:"type:varchar(255)" json:"title"`
	Provider  string         `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string         `gorm:"type:varchar(128);not null" json:"model"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Chat) TableName() string { return "chats" }

// Message is one turn of a chat. SequenceNumber is the prompt order: per chat
// it starts at 0 and has no gaps or duplicates.
type Message struct {
	ID              string    `gorm:"primaryKey;size:26" json:"id"`
	ChatID          string    `gorm:"size:26;not null;index:uniq_chat_seq,unique,priority:1" json:"chat_id"`
	Role            string    `gorm:"type:varchar(16);not null" json:"role"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	ParentMessageID *string   `gorm:"size:26;index" json:"parent_message_id,omitempty"`
	SequenceNumber  int64     `gorm:"not null;index:uniq_chat_seq,unique,priority:2" json:"sequence_number"`
	TokensUsed      *int      `json:"tokens_used,omitempty"`
	ModelUsed       *string   `gorm:"type:varchar(128)" json:"model_used,omitempty"`
	FinishReason    *string   `gorm:"type:varchar(32)" json:"finish_reason,omitempty"`
	Metadata        *string   `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// ProviderCredential is a user's API key for one provider, sealed at rest.
type ProviderCredential struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64    `gorm:"not null;index:idx_user_provider,priority:1" json:"-"`
	Provider     string    `gorm:"type:varchar(32);not null;index:idx_user_provider,priority:2" json:"provider"`
	Name         string    `gorm:"type:varchar(64)" json:"name"`
	EncryptedKey string    `gorm:"type:text;not null" json:"-"`
	IsDefault    bool      `gorm:"not null" json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (ProviderCredential) TableName() string { return "user_api_keys" }

type AIModel struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Provider          string    `gorm:"type:varchar(32);not null;uniqueIndex:uniq_provider_model,priority:1" json:"provider"`
	ModelID           string    `gorm:"type:varchar(128);not null;uniqueIndex:uniq_provider_model,priority:2" json:"model_id"`
	DisplayName       string    `gorm:"type:varchar(128)" json:"display_name"`
	Description       string    `gorm:"type:text" json:"description,omitempty"`
	ContextWindow     int       `json:"context_window"`
	SupportsStreaming bool      `json:"supports_streaming"`
	SupportsImages    bool      `json:"supports_images"`
	SupportsFunctions bool      `json:"supports_functions"`
	IsActive          bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (AIModel) TableName() string { return "ai_models" }

// Models lists every table the chat package owns, for migrations.
func Models() []any {
	return []any{&Chat{}, &Message{}, &ProviderCredential{}, &AIModel{}, &Job{}}
}
