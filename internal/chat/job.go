package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous send executed by the worker.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"job_id"` // ULID length

	UserID uint64 `gorm:"not null;index:uniq_user_idempo,unique,priority:1" json:"-"`
	ChatID string `gorm:"size:26;index;not null" json:"chat_id"`

	Prompt          string  `gorm:"type:text;not null" json:"-"`
	Provider        string  `gorm:"type:varchar(32)" json:"provider,omitempty"`
	Model           string  `gorm:"type:varchar(128)" json:"model,omitempty"`
	ParentMessageID *string `gorm:"size:26" json:"-"`

	// Set on the first claim; retries reuse the stored user message.
	UserMessageID *string `gorm:"size:26" json:"user_message_id,omitempty"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	ResultMessageID *string `gorm:"size:26;index" json:"result_message_id,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
