package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/common"
	"github.com/suPer8Hu/polychat/internal/metrics"
	"github.com/suPer8Hu/polychat/internal/stream"
	"gorm.io/gorm"
)

type Options struct {
	// ContextWindowSize limits the prompt to the most recent messages.
	// 0 sends the whole chat.
	ContextWindowSize int
	DefaultProvider   string
	DefaultModel      string
	Logger            zerolog.Logger
	Metrics           *metrics.Metrics
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	keys     *KeyRing
	tracker  *stream.Tracker
	relay    *stream.Relay

	contextWindowSize int
	defaultProvider   string
	defaultModel      string
	logger            zerolog.Logger
	metrics           *metrics.Metrics

	inflight sync.WaitGroup
}

func NewService(repo *Repo, registry *ai.Registry, keys *KeyRing, tracker *stream.Tracker, relay *stream.Relay, opts Options) *Service {
	if opts.ContextWindowSize < 0 {
		opts.ContextWindowSize = 0
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "ollama"
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		repo:              repo,
		registry:          registry,
		keys:              keys,
		tracker:           tracker,
		relay:             relay,
		contextWindowSize: opts.ContextWindowSize,
		defaultProvider:   opts.DefaultProvider,
		defaultModel:      opts.DefaultModel,
		logger:            opts.Logger,
		metrics:           m,
	}
}

func (s *Service) checkActiveModel(ctx context.Context, provider, model string) error {
	if !s.registry.Has(provider) {
		return fmt.Errorf("%w: unknown provider %q", ErrValidation, provider)
	}
	if _, err := s.repo.FindActiveModel(ctx, provider, model); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: model %s/%s is not available", ErrValidation, provider, model)
		}
		return err
	}
	return nil
}

func (s *Service) CreateChat(ctx context.Context, userID uint64, title, provider, model string) (*Chat, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if provider == "" {
		provider = s.defaultProvider
	}
	if model == "" {
		model = s.defaultModel
	}
	if err := s.checkActiveModel(ctx, provider, model); err != nil {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	c := &Chat{ID: id, UserID: userID, Title: strings.TrimSpace(title), Provider: provider, Model: model}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ownedChat reports chats of other users as not found.
func (s *Service) ownedChat(ctx context.Context, userID uint64, chatID string) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrChatNotFound
	}
	return c, nil
}

type SendRequest struct {
	UserID          uint64
	ChatID          string
	Content         string
	Provider        string
	Model           string
	ParentMessageID *string
	Temperature     *float64
	MaxTokens       *int
}

// prepared is a validated send: nothing has been written yet.
type prepared struct {
	chat     *Chat
	provider ai.Provider
	name     string
	model    string
	req      SendRequest
}

func (s *Service) prepare(ctx context.Context, req SendRequest) (*prepared, error) {
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	c, err := s.ownedChat(ctx, req.UserID, req.ChatID)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(strings.TrimSpace(req.Provider))
	model := strings.TrimSpace(req.Model)
	if name == "" {
		name = c.Provider
	}
	if model == "" {
		model = c.Model
	}
	if err := s.checkActiveModel(ctx, name, model); err != nil {
		return nil, err
	}

	if req.ParentMessageID != nil && *req.ParentMessageID != "" {
		parent, err := s.repo.GetMessage(ctx, *req.ParentMessageID)
		if errors.Is(err, ErrMessageNotFound) || (err == nil && parent.ChatID != c.ID) {
			return nil, fmt.Errorf("%w: parent message is not part of this chat", ErrValidation)
		}
		if err != nil {
			return nil, err
		}
	} else {
		req.ParentMessageID = nil
	}

	p, err := s.registry.Get(ctx, req.UserID, name)
	if err != nil {
		if errors.Is(err, ai.ErrUnknownProvider) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	return &prepared{chat: c, provider: p, name: name, model: model, req: req}, nil
}

func (s *Service) appendUserMessage(ctx context.Context, p *prepared) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:              id,
		ChatID:          p.chat.ID,
		Role:            ai.RoleUser,
		Content:         p.req.Content,
		ParentMessageID: p.req.ParentMessageID,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	return m, nil
}

// buildRequest assembles the prompt in sequence order.
func (s *Service) buildRequest(ctx context.Context, p *prepared) (ai.ChatRequest, error) {
	history, err := s.repo.RecentMessages(ctx, p.chat.ID, s.contextWindowSize)
	if err != nil {
		return ai.ChatRequest{}, err
	}
	msgs := make([]ai.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return ai.ChatRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: p.req.Temperature,
		MaxTokens:   p.req.MaxTokens,
	}, nil
}

func (s *Service) appendAssistantMessage(ctx context.Context, p *prepared, parentID, content, model string, finish ai.FinishReason, tokens *int) (*Message, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = p.model
	}
	fr := string(finish)
	m := &Message{
		ID:              id,
		ChatID:          p.chat.ID,
		Role:            ai.RoleAssistant,
		Content:         content,
		ParentMessageID: &parentID,
		TokensUsed:      tokens,
		ModelUsed:       &model,
		FinishReason:    &fr,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}
	return m, nil
}

// SendMessage is the blocking send: it returns once the assistant message is
// stored.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.appendUserMessage(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.reply(ctx, p, userMsg)
}

// reply asks the provider to answer the chat up to userMsg and stores the
// answer. It ignores cancellation of ctx.
func (s *Service) reply(ctx context.Context, p *prepared, userMsg *Message) (*Message, error) {
	ctx = context.WithoutCancel(ctx)
	aiReq, err := s.buildRequest(ctx, p)
	if err != nil {
		return nil, err
	}

	resp, err := p.provider.Chat(ctx, aiReq)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(p.name).Inc()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = ai.FinishStop
	}
	return s.appendAssistantMessage(ctx, p, userMsg.ID, resp.Content, resp.Model, finish, resp.TokensUsed)
}

// StreamHandle is a running generation. Sub is the caller's subscription and
// must be closed by the caller; closing it does not stop the generation.
type StreamHandle struct {
	StreamID    string
	ChatID      string
	UserMessage *Message
	Session     *stream.Session
	Sub         *stream.Subscription
}

// SendMessageStream validates and stores the user message, opens the upstream
// stream and relays it in the background. The assistant message is stored
// before the terminal event reaches any subscriber, whether or not the caller
// is still listening.
func (s *Service) SendMessageStream(ctx context.Context, req SendRequest) (*StreamHandle, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.appendUserMessage(ctx, p)
	if err != nil {
		return nil, err
	}
	aiReq, err := s.buildRequest(ctx, p)
	if err != nil {
		return nil, err
	}

	// the generation outlives the client request
	bg := context.WithoutCancel(ctx)
	st, err := p.provider.StreamChat(bg, aiReq)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(p.name).Inc()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	sess, err := s.tracker.Open(stream.OpenParams{
		ChatID:        p.chat.ID,
		UserID:        req.UserID,
		UserMessageID: userMsg.ID,
		Provider:      p.name,
		Model:         p.model,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sub := sess.Subscribe()

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res := s.relay.Pump(bg, sess, st)
		s.finalize(bg, p, sess, userMsg, res)
	}()

	return &StreamHandle{
		StreamID:    sess.ID,
		ChatID:      p.chat.ID,
		UserMessage: userMsg,
		Session:     sess,
		Sub:         sub,
	}, nil
}

func (s *Service) finalize(ctx context.Context, p *prepared, sess *stream.Session, userMsg *Message, res stream.Result) {
	log := s.logger.With().Str("stream_id", sess.ID).Str("chat_id", p.chat.ID).Logger()

	if res.Chunks == 0 && res.Err != nil {
		s.tracker.Fail(sess, stream.Outcome{
			FinishReason: res.FinishReason,
			Error:        fmt.Sprintf("%v: %v", ErrUpstreamUnavailable, res.Err),
		})
		return
	}

	msg, err := s.appendAssistantMessage(ctx, p, userMsg.ID, res.Content, res.Model, res.FinishReason, res.TokensUsed)
	if err != nil {
		log.Error().Err(err).Msg("persist assistant message")
		s.tracker.Fail(sess, stream.Outcome{FinishReason: ai.FinishError, Error: "failed to store assistant message"})
		return
	}

	out := stream.Outcome{MessageID: msg.ID, FinishReason: res.FinishReason, TokensUsed: res.TokensUsed}
	if res.Err != nil {
		out.Error = fmt.Sprintf("%v: %v", ErrPartialStream, res.Err)
		s.tracker.Fail(sess, out)
		return
	}
	s.tracker.Complete(sess, out)
}

// Resumed is either a live subscription (Sub != nil) or the stored result of
// a finished stream.
type Resumed struct {
	Snapshot stream.Snapshot
	Sub      *stream.Subscription
	Message  *Message
}

// Resume reattaches to a stream. For finished streams it returns the stored
// assistant message, so repeated calls give the same answer.
func (s *Service) Resume(ctx context.Context, userID uint64, streamID string) (*Resumed, error) {
	res, err := s.tracker.Resume(ctx, userID, streamID)
	if err != nil {
		return nil, err
	}
	out := &Resumed{Snapshot: res.Snapshot, Sub: res.Sub}
	if res.Sub != nil || res.Snapshot.Outcome.MessageID == "" {
		return out, nil
	}
	msg, err := s.repo.GetMessage(ctx, res.Snapshot.Outcome.MessageID)
	if err != nil {
		return nil, err
	}
	out.Message = msg
	return out, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, chatID string, afterSeq int64, limit int) ([]Message, error) {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, chatID, afterSeq, limit)
}

func (s *Service) ListModels(ctx context.Context) ([]AIModel, error) {
	return s.repo.ListActiveModels(ctx)
}

// SyncModelCatalog upserts every registered provider's catalog. Providers
// that fail to list are logged and skipped.
func (s *Service) SyncModelCatalog(ctx context.Context) (int, error) {
	infos, listErr := s.registry.ListModels(ctx)
	if listErr != nil {
		s.logger.Warn().Err(listErr).Msg("some provider catalogs are unavailable")
	}
	rows := make([]AIModel, 0, len(infos))
	for _, m := range infos {
		rows = append(rows, AIModel{
			Provider:          m.Provider,
			ModelID:           m.ID,
			DisplayName:       m.DisplayName,
			Description:       m.Description,
			ContextWindow:     m.ContextWindow,
			SupportsStreaming: m.SupportsStreaming,
			SupportsImages:    m.SupportsImages,
			SupportsFunctions: m.SupportsFunctions,
			IsActive:          true,
		})
	}
	if err := s.repo.UpsertModels(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert models: %w", err)
	}
	return len(rows), nil
}

// StoreCredential seals and stores a provider key. The user's first key for
// a provider becomes the default.
func (s *Service) StoreCredential(ctx context.Context, userID uint64, provider, name, apiKey string, makeDefault bool) (*ProviderCredential, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	apiKey = strings.TrimSpace(apiKey)
	if !s.registry.Has(provider) {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrValidation, provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is empty", ErrValidation)
	}

	if !makeDefault {
		_, err := s.repo.DefaultCredential(ctx, userID, provider)
		switch {
		case errors.Is(err, ErrCredentialNotFound):
			makeDefault = true
		case err != nil:
			return nil, err
		}
	}

	sealed, err := s.keys.seal(apiKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	c := &ProviderCredential{
		UserID:       userID,
		Provider:     provider,
		Name:         strings.TrimSpace(name),
		EncryptedKey: sealed,
		IsDefault:    makeDefault,
	}
	if err := s.repo.CreateCredential(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) SetDefaultCredential(ctx context.Context, userID, credentialID uint64) (*ProviderCredential, error) {
	return s.repo.SetDefaultCredential(ctx, userID, credentialID)
}

// Drain waits for in-flight generations to be stored or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) HasProvider(name string) bool {
	return s.registry.Has(name)
}
