package chat

import (
	"errors"

	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/stream"
)

var (
	ErrMissingCredential = ai.ErrMissingCredential
	ErrStreamNotFound    = stream.ErrStreamNotFound

	ErrValidation          = errors.New("validation failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPartialStream       = errors.New("stream failed after partial output")
	ErrChatNotFound        = errors.New("chat not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrJobNotFound         = errors.New("job not found")

	// ErrSequenceConflict is retried inside the repo and never returned to callers.
	ErrSequenceConflict = errors.New("sequence number conflict")
)
