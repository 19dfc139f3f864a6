// Package profiles manages named persona/model bundles and their binding to
// conversations.
package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/johncui/chatmem/pkg/model"
)

// DefaultName is the profile EnsureDefault creates on an empty store.
const DefaultName = "default"

// Manager enforces the profile invariants that span the profile store and
// the conversation log. Deletes exclude concurrent binds.
type Manager struct {
	mu     sync.RWMutex
	store  model.ProfileStore
	log    model.ConversationLog
	logger *slog.Logger
}

func NewManager(store model.ProfileStore, log model.ConversationLog, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, log: log, logger: logger}
}

// Create fails with DuplicateNameError when name is taken.
func (m *Manager) Create(ctx context.Context, name, persona, modelID string, settings map[string]string) (model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.store.Create(ctx, model.Profile{Name: name, Persona: persona, ModelID: modelID, Settings: settings})
	if err != nil {
		return model.Profile{}, err
	}
	m.logger.Info("profile created", "profile_id", p.ID, "name", p.Name, "model_id", p.ModelID)
	return p, nil
}

func (m *Manager) Get(ctx context.Context, profileID string) (model.Profile, error) {
	return m.store.Get(ctx, profileID)
}

func (m *Manager) List(ctx context.Context) ([]model.Profile, error) {
	return m.store.List(ctx)
}

func (m *Manager) Update(ctx context.Context, profileID string, upd model.ProfileUpdate) (model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Update(ctx, profileID, upd)
}

// Switch rebinds the conversation to profileID. Existing turns are not touched;
// the new profile applies from the next context assembly.
func (m *Manager) Switch(ctx context.Context, conversationID, profileID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.store.Get(ctx, profileID); err != nil {
		return err
	}
	if err := m.log.Bind(ctx, conversationID, profileID); err != nil {
		return err
	}
	m.logger.Info("profile switched", "conversation_id", conversationID, "profile_id", profileID)
	return nil
}

// CheckBindable reports whether profileID may be bound to a new conversation.
// An empty id is always bindable. The returned func releases the bind guard.
func (m *Manager) CheckBindable(ctx context.Context, profileID string) (func(), error) {
	m.mu.RLock()
	if profileID == "" {
		return m.mu.RUnlock, nil
	}
	if _, err := m.store.Get(ctx, profileID); err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	return m.mu.RUnlock, nil
}

// Delete fails with InUseError while any conversation references the profile.
func (m *Manager) Delete(ctx context.Context, profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.Get(ctx, profileID); err != nil {
		return err
	}
	refs, err := m.log.ReferencingProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return &model.InUseError{ProfileID: profileID, Conversations: refs}
	}
	if err := m.store.Delete(ctx, profileID); err != nil {
		return err
	}
	m.logger.Info("profile deleted", "profile_id", profileID)
	return nil
}

func (m *Manager) SetDefault(ctx context.Context, profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.SetDefault(ctx, profileID)
}

func (m *Manager) Default(ctx context.Context) (model.Profile, error) {
	return m.store.Default(ctx)
}

// Resolve returns the profile bound to c, falling back to the default profile.
// ok is false when neither exists.
func (m *Manager) Resolve(ctx context.Context, c model.Conversation) (p model.Profile, ok bool, err error) {
	if c.ActiveProfileID != "" {
		p, err = m.store.Get(ctx, c.ActiveProfileID)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Profile{}, false, err
		}
		m.logger.Warn("bound profile missing, using default", "conversation_id", c.ID, "profile_id", c.ActiveProfileID)
	}
	p, err = m.store.Default(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return model.Profile{}, false, nil
	}
	if err != nil {
		return model.Profile{}, false, err
	}
	return p, true, nil
}

// EnsureDefault creates and marks a default profile when the store is empty.
func (m *Manager) EnsureDefault(ctx context.Context, persona, modelID string) (model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, err := m.store.Default(ctx); err == nil {
		return p, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Profile{}, err
	}

	existing, err := m.store.List(ctx)
	if err != nil {
		return model.Profile{}, err
	}
	var p model.Profile
	if len(existing) > 0 {
		p = existing[0]
	} else {
		p, err = m.store.Create(ctx, model.Profile{Name: DefaultName, Persona: persona, ModelID: modelID})
		if err != nil {
			return model.Profile{}, err
		}
	}
	if err := m.store.SetDefault(ctx, p.ID); err != nil {
		return model.Profile{}, err
	}
	p.IsDefault = true
	m.logger.Info("default profile ready", "profile_id", p.ID, "name", p.Name)
	return p, nil
}

// Export writes the profile as an indented JSON document.
func (m *Manager) Export(ctx context.Context, profileID string, w io.Writer) error {
	p, err := m.store.Get(ctx, profileID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// Import reads a profile document. Without overwrite an existing id is an
// error; with overwrite the stored profile takes the document's fields.
func (m *Manager) Import(ctx context.Context, r io.Reader, overwrite bool) (model.Profile, error) {
	var in model.Profile
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return model.Profile{}, fmt.Errorf("%w: decode profile: %v", model.ErrInvalid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.importLocked(ctx, in, overwrite)
	if err != nil || !in.IsDefault {
		return p, err
	}
	if err := m.store.SetDefault(ctx, p.ID); err != nil {
		return model.Profile{}, err
	}
	p.IsDefault = true
	return p, nil
}

func (m *Manager) importLocked(ctx context.Context, in model.Profile, overwrite bool) (model.Profile, error) {
	if in.ID != "" {
		_, err := m.store.Get(ctx, in.ID)
		switch {
		case err == nil && !overwrite:
			return model.Profile{}, fmt.Errorf("%w: profile %s already exists", model.ErrInvalid, in.ID)
		case err == nil:
			return m.store.Update(ctx, in.ID, model.ProfileUpdate{
				Name:     &in.Name,
				Persona:  &in.Persona,
				ModelID:  &in.ModelID,
				Settings: nonNil(in.Settings),
			})
		case !errors.Is(err, model.ErrNotFound):
			return model.Profile{}, err
		}
	}
	return m.store.Create(ctx, in)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
