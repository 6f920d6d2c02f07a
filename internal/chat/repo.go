package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/suPer8Hu/polychat/internal/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultSequenceAttempts = 8
	sequenceBackoffBase     = 5 * time.Millisecond
)

type Repo struct {
	db               *gorm.DB
	sequenceAttempts int
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, sequenceAttempts: defaultSequenceAttempts}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetChat returns ErrChatNotFound for missing and soft-deleted chats.
func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendMessage assigns m the next sequence number of its chat and inserts it
// in one transaction. Races with concurrent appends are retried.
func (r *Repo) AppendMessage(ctx context.Context, m *Message) error {
	return withSequenceRetry(ctx, r.sequenceAttempts, func() error {
		err := r.insertNext(ctx, m)
		if err != nil && isSequenceConflict(err) {
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
		return err
	})
}

func (r *Repo) insertNext(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		if err := tx.Model(&Message{}).
			Where("chat_id = ?", m.ChatID).
			Select("COALESCE(MAX(sequence_number), -1) + 1").
			Scan(&next).Error; err != nil {
			return err
		}
		m.SequenceNumber = next
		return tx.Create(m).Error
	})
}

func isSequenceConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"duplicate entry",
		"unique constraint failed",
		"deadlock",
		"database is locked",
		"sqlite_busy",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// withSequenceRetry runs fn until it stops failing with ErrSequenceConflict.
// Exhausting the attempts yields a plain error so the conflict itself never
// leaks to callers.
func withSequenceRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		last = fn()
		if last == nil || !errors.Is(last, ErrSequenceConflict) {
			return last
		}
		metrics.Global().SequenceConflicts.Inc()

		backoff := sequenceBackoffBase*time.Duration(1<<i) + time.Duration(rand.Int64N(int64(sequenceBackoffBase)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("append message: gave up after %d attempts: %v", attempts, last)
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListMessages returns up to limit messages with sequence_number > afterSeq
// in ascending order.
func (r *Repo) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND sequence_number > ?", chatID, afterSeq).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecentMessages returns the last n messages of a chat (all when n <= 0) in
// ascending sequence order.
func (r *Repo) RecentMessages(ctx context.Context, chatID string, n int) ([]Message, error) {
	var msgs []Message
	if n <= 0 {
		err := r.db.WithContext(ctx).
			Where("chat_id = ?", chatID).
			Order("sequence_number ASC").
			Find(&msgs).Error
		return msgs, err
	}

	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("sequence_number DESC").
		Limit(n).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Credentials

// CreateCredential inserts c. A default credential unsets the user's other
// defaults for the same provider in the same transaction.
func (r *Repo) CreateCredential(ctx context.Context, c *ProviderCredential) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.IsDefault {
			if err := clearDefaults(tx, c.UserID, c.Provider); err != nil {
				return err
			}
		}
		return tx.Create(c).Error
	})
}

func (r *Repo) SetDefaultCredential(ctx context.Context, userID, id uint64) (*ProviderCredential, error) {
	var c ProviderCredential
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCredentialNotFound
			}
			return err
		}
		if err := clearDefaults(tx, userID, c.Provider); err != nil {
			return err
		}
		c.IsDefault = true
		return tx.Model(&ProviderCredential{}).Where("id = ?", c.ID).Update("is_default", true).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func clearDefaults(tx *gorm.DB, userID uint64, provider string) error {
	return tx.Model(&ProviderCredential{}).
		Where("user_id = ? AND provider = ? AND is_default = ?", userID, provider, true).
		Update("is_default", false).Error
}

func (r *Repo) DefaultCredential(ctx context.Context, userID uint64, provider string) (*ProviderCredential, error) {
	var c ProviderCredential
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND is_default = ?", userID, provider, true).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Model catalog

// UpsertModels inserts new models as active and refreshes the descriptive
// fields of known ones, keeping their is_active flag.
func (r *Repo) UpsertModels(ctx context.Context, models []AIModel) error {
	if len(models) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "description", "context_window",
			"supports_streaming", "supports_images", "supports_functions", "updated_at",
		}),
	}).Create(&models).Error
}

func (r *Repo) FindActiveModel(ctx context.Context, provider, modelID string) (*AIModel, error) {
	var m AIModel
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND model_id = ? AND is_active = ?", provider, modelID, true).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) ListActiveModels(ctx context.Context) ([]AIModel, error) {
	var models []AIModel
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("provider ASC, model_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job. It reports false when the job
// was not queued, e.g. on a redelivery of a finished job.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) SetJobUserMessage(ctx context.Context, id, userMsgID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Update("user_message_id", userMsgID).Error
}

// RequeueJob puts a failed job back to queued so a redelivery can claim it.
func (r *Repo) RequeueJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobFailed).
		Updates(map[string]any{"status": JobQueued, "error": nil})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
