package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/polychat/internal/common"
)

// EnqueueJob validates the send and records it as a queued job. A repeated
// idempotency key returns the existing job with created=false.
func (s *Service) EnqueueJob(ctx context.Context, req SendRequest, idempotencyKey string) (*Job, bool, error) {
	if _, err := s.prepare(ctx, req); err != nil {
		return nil, false, err
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &Job{
		ID:              id,
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		Prompt:          strings.TrimSpace(req.Content),
		Provider:        req.Provider,
		Model:           req.Model,
		ParentMessageID: req.ParentMessageID,
		Status:          JobQueued,
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// ProcessJob runs a queued job through the blocking send. Jobs that are no
// longer queued are skipped so redeliveries are harmless. The prompt is stored
// once, on the first attempt; retries only generate the reply.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	start := time.Now()
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		if _, err := s.repo.GetJobByID(ctx, jobID); err != nil {
			return err
		}
		s.logger.Info().Str("job_id", jobID).Msg("job already claimed, skipping")
		return nil
	}

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	msg, err := s.runJob(ctx, j)
	if err != nil {
		s.metrics.FailedJobs.Inc()
		if markErr := s.repo.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			return errors.Join(err, fmt.Errorf("mark job failed: %w", markErr))
		}
		s.logger.Warn().Err(err).Str("job_id", jobID).Dur("cost", time.Since(start)).Msg("job failed")
		return err
	}

	if err := s.repo.MarkJobSucceeded(ctx, jobID, msg.ID); err != nil {
		return err
	}
	s.metrics.ProcessedJobs.Inc()
	if cost := time.Since(start); cost > 2*time.Second {
		s.logger.Info().Str("job_id", jobID).Dur("cost", cost).Msg("slow job")
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, j *Job) (*Message, error) {
	p, err := s.prepare(ctx, SendRequest{
		UserID:          j.UserID,
		ChatID:          j.ChatID,
		Content:         j.Prompt,
		Provider:        j.Provider,
		Model:           j.Model,
		ParentMessageID: j.ParentMessageID,
	})
	if err != nil {
		return nil, err
	}

	var userMsg *Message
	if j.UserMessageID != nil {
		userMsg, err = s.repo.GetMessage(ctx, *j.UserMessageID)
		if err != nil {
			return nil, err
		}
	} else {
		userMsg, err = s.appendUserMessage(ctx, p)
		if err != nil {
			return nil, err
		}
		if err := s.repo.SetJobUserMessage(ctx, j.ID, userMsg.ID); err != nil {
			return nil, fmt.Errorf("record user message: %w", err)
		}
	}
	return s.reply(ctx, p, userMsg)
}

// RequeueJob reopens a job that failed on a transient upstream error.
func (s *Service) RequeueJob(ctx context.Context, jobID string) error {
	ok, err := s.repo.RequeueJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("requeue job %s: not in failed state", jobID)
	}
	return nil
}

// Retryable reports whether a job error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
