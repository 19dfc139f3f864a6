package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/johncui/chatmem/pkg/engine/assemble"
	"github.com/johncui/chatmem/pkg/engine/distill"
	"github.com/johncui/chatmem/pkg/memory"
	"github.com/johncui/chatmem/pkg/model"
	"github.com/johncui/chatmem/pkg/store/facts"
	"github.com/johncui/chatmem/pkg/store/memlog"
	"github.com/johncui/chatmem/pkg/store/profiles"
	"github.com/johncui/chatmem/pkg/store/sqlite"
	"github.com/johncui/chatmem/pkg/store/turns"
	"github.com/johncui/chatmem/pkg/store/vector"
)

// Options configures MemoryEngine.
type Options struct {
	DBPath         string
	EnableVSS      bool
	ExtensionsPath string
	VectorDim      int
	// EphemeralConversations keeps conversations in process memory only.
	// Facts and profiles are always durable.
	EphemeralConversations bool
	BufferSize             int
	BufferTTL              time.Duration
	Budget                 assemble.Budget
	Counter                assemble.Counter
	// SeedDefaultProfile creates a default profile on an empty store.
	SeedDefaultProfile bool
	DefaultPersona     string
	DefaultModelID     string
	Embedder           model.EmbeddingClient
	Distiller          distill.Distiller
	Logger             *slog.Logger
	Now                func() time.Time
}

// MemoryEngine composes the fact store, conversation log, profile manager
// and context assembler. Work on one conversation is serialized, as are
// fact writes for one user; different keys run in parallel.
type MemoryEngine struct {
	db        *sqlite.Database
	facts     *facts.Store
	log       model.ConversationLog
	profiles  *profiles.Manager
	vec       *vector.Store
	embedder  model.EmbeddingClient
	assembler *assemble.Assembler
	buffer    *memory.ObservationBuffer
	distiller distill.Distiller
	convLocks *memory.KeyedMutex
	userLocks *memory.KeyedMutex
	logger    *slog.Logger
}

// NewMemoryEngine initializes storage layers.
func NewMemoryEngine(ctx context.Context, opt Options) (*MemoryEngine, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if opt.BufferSize == 0 {
		opt.BufferSize = 128
	}
	if opt.BufferTTL == 0 {
		opt.BufferTTL = 30 * time.Minute
	}
	if opt.Budget == (assemble.Budget{}) {
		opt.Budget = assemble.DefaultBudget()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	assembler, err := assemble.New(opt.Budget, opt.Counter)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.New(ctx, sqlite.Config{
		Path:           opt.DBPath,
		EnableVSS:      opt.EnableVSS,
		ExtensionsPath: opt.ExtensionsPath,
		VectorDim:      opt.VectorDim,
		Logger:         opt.Logger,
	})
	if err != nil {
		return nil, model.Storage("open database", err)
	}

	var log model.ConversationLog
	if opt.EphemeralConversations {
		log = memlog.New().WithClock(opt.Now)
	} else {
		log = turns.New(db.DB()).WithClock(opt.Now)
	}

	profileStore := profiles.NewStore(db.DB()).WithClock(opt.Now)
	mgr := profiles.NewManager(profileStore, log, opt.Logger)

	emb := opt.Embedder
	if emb == nil {
		emb = vector.NewHashEmbedder(db.VectorDim())
	}
	dist := opt.Distiller
	if dist == nil {
		dist = distill.NewHeuristic()
	}

	e := &MemoryEngine{
		db:        db,
		facts:     facts.New(db.DB()).WithClock(opt.Now),
		log:       log,
		profiles:  mgr,
		vec:       vector.New(db.DB(), db.HasVSS(), db.VectorDim()),
		embedder:  emb,
		assembler: assembler,
		buffer:    memory.NewObservationBuffer(opt.BufferSize, opt.BufferTTL),
		distiller: dist,
		convLocks: memory.NewKeyedMutex(),
		userLocks: memory.NewKeyedMutex(),
		logger:    opt.Logger,
	}

	if opt.SeedDefaultProfile {
		if _, err := mgr.EnsureDefault(ctx, opt.DefaultPersona, opt.DefaultModelID); err != nil {
			db.Close()
			return nil, err
		}
	}
	return e, nil
}

// ---- facts ----

// SetFact inserts or overwrites a user fact.
func (m *MemoryEngine) SetFact(ctx context.Context, userID, key, value string, source model.FactSource) (model.Fact, error) {
	unlock := m.userLocks.Lock(userID)
	defer unlock()
	return m.facts.Set(ctx, userID, key, value, source)
}

// Facts returns all facts of a user keyed by fact key.
func (m *MemoryEngine) Facts(ctx context.Context, userID string) (map[string]model.Fact, error) {
	return m.facts.GetAll(ctx, userID)
}

// DeleteFact removes a fact; a missing key is not an error.
func (m *MemoryEngine) DeleteFact(ctx context.Context, userID, key string) error {
	unlock := m.userLocks.Lock(userID)
	defer unlock()
	return m.facts.Delete(ctx, userID, key)
}

func (m *MemoryEngine) SearchFacts(ctx context.Context, userID, term string, limit int) ([]model.Fact, error) {
	return m.facts.Search(ctx, userID, term, limit)
}

// ---- conversations ----

// CreateConversation starts a conversation, optionally bound to a profile.
func (m *MemoryEngine) CreateConversation(ctx context.Context, userID, title, profileID string) (model.Conversation, error) {
	release, err := m.profiles.CheckBindable(ctx, profileID)
	if err != nil {
		return model.Conversation{}, err
	}
	defer release()
	c, err := m.log.Create(ctx, userID, title, profileID)
	if err != nil {
		return model.Conversation{}, err
	}
	m.logger.Info("conversation created", "conversation_id", c.ID, "user_id", userID, "profile_id", profileID)
	return c, nil
}

func (m *MemoryEngine) Conversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	return m.log.Get(ctx, conversationID)
}

func (m *MemoryEngine) Conversations(ctx context.Context, userID string, includeArchived bool) ([]model.Conversation, error) {
	return m.log.List(ctx, userID, includeArchived)
}

func (m *MemoryEngine) DeleteConversation(ctx context.Context, conversationID string) error {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	if err := m.log.Delete(ctx, conversationID); err != nil {
		return err
	}
	if err := m.vec.DeleteConversation(ctx, conversationID); err != nil {
		m.logger.Warn("vector cleanup failed", "conversation_id", conversationID, "err", err)
	}
	return nil
}

func (m *MemoryEngine) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	return m.log.Archive(ctx, conversationID, archived)
}

func (m *MemoryEngine) RenameConversation(ctx context.Context, conversationID, title string) error {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	return m.log.Rename(ctx, conversationID, title)
}

// Append adds a turn and assigns its sequence number. User turns are queued
// for fact extraction.
func (m *MemoryEngine) Append(ctx context.Context, conversationID string, turn model.Turn) (model.Turn, error) {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	return m.appendLocked(ctx, conversationID, turn, nil)
}

func (m *MemoryEngine) appendLocked(ctx context.Context, conversationID string, turn model.Turn, meta map[string]string) (model.Turn, error) {
	c, err := m.log.Get(ctx, conversationID)
	if err != nil {
		return model.Turn{}, &model.AppendError{ConversationID: conversationID, Err: err}
	}
	stored, err := m.log.Append(ctx, conversationID, turn)
	if err != nil {
		m.logger.Error("turn lost", "conversation_id", conversationID, "role", turn.Role, "err", err)
		return model.Turn{}, err
	}

	if stored.Role == model.RoleUser {
		m.buffer.Add(model.Observation{
			UserID:         c.UserID,
			ConversationID: conversationID,
			Content:        stored.Content,
			Metadata:       meta,
		})
	}
	m.index(ctx, stored)
	return stored, nil
}

// index adds the turn to the vector index. Failures only cost recall quality.
func (m *MemoryEngine) index(ctx context.Context, t model.Turn) {
	if !m.vec.Enabled() || strings.TrimSpace(t.Content) == "" {
		return
	}
	emb, err := m.embedder.EmbedText(ctx, t.Content)
	if err == nil {
		err = m.vec.UpsertEmbedding(ctx, vector.TurnRef{ConversationID: t.ConversationID, Seq: t.Seq}, emb)
	}
	if err != nil {
		m.logger.Warn("vector index failed", "conversation_id", t.ConversationID, "seq", t.Seq, "err", err)
	}
}

// ReadWindow returns the most recent maxTurns turns, oldest first.
func (m *MemoryEngine) ReadWindow(ctx context.Context, conversationID string, maxTurns int) model.Window {
	return m.log.ReadWindow(ctx, conversationID, maxTurns)
}

// ClearConversation removes every turn and keeps the profile binding.
func (m *MemoryEngine) ClearConversation(ctx context.Context, conversationID string) error {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	if err := m.log.Clear(ctx, conversationID); err != nil {
		return err
	}
	if err := m.vec.DeleteConversation(ctx, conversationID); err != nil {
		m.logger.Warn("vector cleanup failed", "conversation_id", conversationID, "err", err)
	}
	m.logger.Info("conversation cleared", "conversation_id", conversationID)
	return nil
}

// SearchTurns finds a user's turns by vector similarity when the index is
// enabled, by substring otherwise.
func (m *MemoryEngine) SearchTurns(ctx context.Context, userID, query string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	if !m.vec.Enabled() {
		return m.log.Search(ctx, userID, query, limit)
	}

	emb, err := m.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	refs, err := m.vec.Search(ctx, emb, limit*4)
	if err != nil {
		return nil, model.Storage("vector search", err)
	}

	owner := make(map[string]string)
	var out []model.Turn
	for _, ref := range refs {
		uid, ok := owner[ref.ConversationID]
		if !ok {
			c, err := m.log.Get(ctx, ref.ConversationID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			uid = c.UserID
			owner[ref.ConversationID] = uid
		}
		if uid != userID {
			continue
		}
		t, err := m.log.Lookup(ctx, ref.ConversationID, ref.Seq)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---- profiles ----

// Profiles exposes the profile manager.
func (m *MemoryEngine) Profiles() *profiles.Manager { return m.profiles }

// SwitchProfile rebinds the conversation's active profile.
func (m *MemoryEngine) SwitchProfile(ctx context.Context, conversationID, profileID string) error {
	unlock := m.convLocks.Lock(conversationID)
	defer unlock()
	return m.profiles.Switch(ctx, conversationID, profileID)
}

// ExportProfile writes a profile document to w.
func (m *MemoryEngine) ExportProfile(ctx context.Context, profileID string, w io.Writer) error {
	return m.profiles.Export(ctx, profileID, w)
}

// ---- context ----

// AssembleRequest names the conversation and the new user input.
type AssembleRequest struct {
	ConversationID string
	Input          string
	Documents      []assemble.Document
}

// AssembleContext builds the bounded payload for the next model call.
func (m *MemoryEngine) AssembleContext(ctx context.Context, req AssembleRequest) (*assemble.Payload, error) {
	unlock := m.convLocks.Lock(req.ConversationID)
	defer unlock()
	_, p, err := m.assembleLocked(ctx, req)
	return p, err
}

func (m *MemoryEngine) assembleLocked(ctx context.Context, req AssembleRequest) (model.Conversation, *assemble.Payload, error) {
	c, err := m.log.Get(ctx, req.ConversationID)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	profile, _, err := m.profiles.Resolve(ctx, c)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	userFacts, err := m.facts.GetAll(ctx, c.UserID)
	if err != nil {
		return model.Conversation{}, nil, err
	}

	p, err := m.assembler.Assemble(assemble.Request{
		Profile:   profile,
		Facts:     userFacts,
		Window:    m.log.ReadWindow(ctx, c.ID, m.assembler.Budget().WindowTurns),
		Input:     req.Input,
		Documents: req.Documents,
	})
	if err != nil {
		var tooLarge *model.ContextTooLargeError
		if errors.As(err, &tooLarge) {
			m.logger.Warn("context too large", "conversation_id", c.ID, "required", tooLarge.Required(), "max", tooLarge.Max)
		}
		return model.Conversation{}, nil, err
	}
	m.logger.Debug("context assembled", "conversation_id", c.ID, "size", p.Size(),
		"facts", p.Stats.FactsIncluded, "turns", p.Stats.TurnsIncluded)
	return c, p, nil
}

// ExchangeRequest is one user message headed for the model.
type ExchangeRequest struct {
	ConversationID string
	Input          string
	Attachments    []model.Attachment
	Documents      []assemble.Document
	// Metadata may state facts explicitly (fact_key/fact_value).
	Metadata map[string]string
}

// ExchangeResult pairs the payload with the stored user turn.
type ExchangeResult struct {
	Payload *assemble.Payload `json:"payload"`
	Turn    model.Turn        `json:"turn"`
}

// Exchange assembles context for the new input and then appends the input as
// a user turn, atomically for the conversation. On assembly failure nothing
// is appended.
func (m *MemoryEngine) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("%w: input is required", model.ErrInvalid)
	}
	unlock := m.convLocks.Lock(req.ConversationID)
	defer unlock()

	_, p, err := m.assembleLocked(ctx, AssembleRequest{
		ConversationID: req.ConversationID,
		Input:          req.Input,
		Documents:      req.Documents,
	})
	if err != nil {
		var storageErr *model.StorageError
		if errors.As(err, &storageErr) {
			return nil, &model.AppendError{ConversationID: req.ConversationID, Err: err}
		}
		return nil, err
	}
	t, err := m.appendLocked(ctx, req.ConversationID, model.Turn{
		Role:        model.RoleUser,
		Content:     req.Input,
		Attachments: req.Attachments,
	}, req.Metadata)
	if err != nil {
		return nil, err
	}
	return &ExchangeResult{Payload: p, Turn: t}, nil
}

// RecordReply appends the model's response as an assistant turn.
func (m *MemoryEngine) RecordReply(ctx context.Context, conversationID, content string, attachments []model.Attachment) (model.Turn, error) {
	return m.Append(ctx, conversationID, model.Turn{Role: model.RoleAssistant, Content: content, Attachments: attachments})
}

// ---- consolidation ----

// Consolidate distills buffered user turns into inferred facts.
func (m *MemoryEngine) Consolidate(ctx context.Context) error {
	snapshot := m.buffer.Drain()
	if len(snapshot) == 0 {
		return nil
	}

	found, err := m.distiller.Distill(ctx, snapshot)
	if err != nil {
		m.buffer.Requeue(snapshot)
		return err
	}
	for _, f := range found {
		if _, err := m.SetFact(ctx, f.UserID, f.Key, f.Value, model.SourceInferred); err != nil {
			m.buffer.Requeue(snapshot)
			return err
		}
	}
	if len(found) > 0 {
		m.logger.Info("facts consolidated", "observations", len(snapshot), "facts", len(found))
	}
	return nil
}

// Pending reports how many observations wait for consolidation.
func (m *MemoryEngine) Pending() int { return m.buffer.Len() }

// Close releases resources.
func (m *MemoryEngine) Close() error {
	return errors.Join(m.log.Close(), m.db.Close())
}
