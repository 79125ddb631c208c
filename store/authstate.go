package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/naotama2002/nativeauth-go/auth"
)

// AuthStateStore saves and retrieves one auth state under a fixed key.
type AuthStateStore struct {
	store       Store
	key         string
	logger      zerolog.Logger
	onSaveError func(error)
}

// AuthStateStoreOption configures an AuthStateStore.
type AuthStateStoreOption func(*AuthStateStore)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger zerolog.Logger) AuthStateStoreOption {
	return func(s *AuthStateStore) {
		s.logger = logger
	}
}

// WithSaveErrorHandler receives errors from saves triggered by AutoSave.
func WithSaveErrorHandler(fn func(error)) AuthStateStoreOption {
	return func(s *AuthStateStore) {
		s.onSaveError = fn
	}
}

// NewAuthStateStore stores states in backend under key.
func NewAuthStateStore(backend Store, key string, opts ...AuthStateStoreOption) *AuthStateStore {
	s := &AuthStateStore{
		store:  backend,
		key:    key,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the key states are stored under.
func (s *AuthStateStore) Key() string {
	return s.key
}

// Save encodes state and writes it.
func (s *AuthStateStore) Save(ctx context.Context, state *auth.AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("error encoding auth state: %w", err)
	}
	if err := s.store.Save(ctx, s.key, data); err != nil {
		return err
	}
	s.logger.Debug().Str("key", KeyHash(s.key)).Msg("auth state saved")
	return nil
}

// Retrieve loads and decodes the stored state. It returns ErrNotFound when
// nothing is stored.
func (s *AuthStateStore) Retrieve(ctx context.Context, opts ...auth.StateOption) (*auth.AuthState, error) {
	data, err := s.store.Load(ctx, s.key)
	if err != nil {
		return nil, err
	}
	state, err := auth.RestoreAuthState(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("error decoding stored auth state: %w", err)
	}
	return state, nil
}

// Remove deletes the stored state.
func (s *AuthStateStore) Remove(ctx context.Context) error {
	if err := s.store.Remove(ctx, s.key); err != nil {
		return err
	}
	s.logger.Debug().Str("key", KeyHash(s.key)).Msg("auth state removed")
	return nil
}

// SaveLegacy writes the tokens and identity of a in the GTMOAuth2
// persistence string format, for stores shared with older clients.
func (s *AuthStateStore) SaveLegacy(ctx context.Context, a *auth.Authorizer) error {
	persistence := auth.LegacyCredentialsOf(a).Encode()
	if persistence == "" {
		return fmt.Errorf("error encoding legacy auth state: nothing to persist")
	}
	if err := s.store.Save(ctx, s.key, []byte(persistence)); err != nil {
		return err
	}
	s.logger.Debug().Str("key", KeyHash(s.key)).Msg("legacy auth state saved")
	return nil
}

// RetrieveLegacy loads a GTMOAuth2 persistence string and restores it for
// client. The restored state refreshes before its first use.
func (s *AuthStateStore) RetrieveLegacy(ctx context.Context, client auth.LegacyClient, stateOpts []auth.StateOption, opts ...auth.AuthorizerOption) (*auth.Authorizer, error) {
	data, err := s.store.Load(ctx, s.key)
	if err != nil {
		return nil, err
	}
	a, err := auth.NewAuthorizerFromLegacy(string(data), client, stateOpts, opts...)
	if err != nil {
		return nil, fmt.Errorf("error restoring legacy auth state: %w", err)
	}
	return a, nil
}

// AutoSave saves state after each of its mutations until the returned
// observer is removed. Saves use ctx without its cancellation.
func (s *AuthStateStore) AutoSave(ctx context.Context, state *auth.AuthState) auth.ObserverID {
	ctx = context.WithoutCancel(ctx)
	return state.AddChangeObserver(func(changed *auth.AuthState) {
		if err := s.Save(ctx, changed); err != nil {
			s.logger.Error().Err(err).Msg("failed to save auth state")
			if s.onSaveError != nil {
				s.onSaveError(err)
			}
		}
	})
}
