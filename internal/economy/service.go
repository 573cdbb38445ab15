package economy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kelpejol/ctmeter/internal/userlock"
)

// DocumentKey is the key of the economy section inside a settings document.
const DocumentKey = "economy"

// Document is a user's whole settings document. Sections other than economy
// belong to other features and are carried through untouched.
type Document map[string]json.RawMessage

// Store persists settings documents. LoadDocument returns an empty document,
// not an error, for a user who never saved one.
type Store interface {
	LoadDocument(ctx context.Context, userID int64) (Document, error)
	SaveDocument(ctx context.Context, userID int64, doc Document) error
}

// Service reads and writes the economy section. Writes for one user are
// serialized so concurrent patches never drop each other's fields.
type Service struct {
	store  Store
	locker userlock.Locker
	log    zerolog.Logger
}

type Option func(*Service)

// WithLocker replaces the in-process user lock.
func WithLocker(l userlock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: userlock.NewLocal(),
		log:    logger.With().Str("component", "economy").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(ctx context.Context, userID int64) (func(), error) {
	release, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock settings for user %d: %w", userID, err)
	}
	return release, nil
}

// Economy returns the clamped settings of userID. A corrupt economy section
// is logged and replaced by the defaults.
func (s *Service) Economy(ctx context.Context, userID int64) (Settings, error) {
	doc, err := s.store.LoadDocument(ctx, userID)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings for user %d: %w", userID, err)
	}
	return s.decode(userID, doc), nil
}

func (s *Service) decode(userID int64, doc Document) Settings {
	raw, ok := doc[DocumentKey]
	if !ok || len(raw) == 0 {
		return Defaults()
	}
	var stored Patch
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("corrupt economy settings, using defaults")
		return Defaults()
	}
	return Resolve(stored)
}

// Update applies p and persists the clamped result.
func (s *Service) Update(ctx context.Context, userID int64, p Patch) (Settings, error) {
	release, err := s.lock(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	defer release()

	doc, err := s.store.LoadDocument(ctx, userID)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings for user %d: %w", userID, err)
	}
	next := p.Apply(s.decode(userID, doc))
	if err := s.save(ctx, userID, doc, next); err != nil {
		return Settings{}, err
	}
	s.log.Info().
		Int64("user_id", userID).
		Str("preset", next.Preset).
		Msg("economy settings updated")
	return next, nil
}

// Reset replaces the economy section with the free preset defaults.
func (s *Service) Reset(ctx context.Context, userID int64) (Settings, error) {
	release, err := s.lock(ctx, userID)
	if err != nil {
		return Settings{}, err
	}
	defer release()

	doc, err := s.store.LoadDocument(ctx, userID)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings for user %d: %w", userID, err)
	}
	d := Defaults()
	if err := s.save(ctx, userID, doc, d); err != nil {
		return Settings{}, err
	}
	return d, nil
}

func (s *Service) save(ctx context.Context, userID int64, doc Document, st Settings) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode economy settings: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	doc[DocumentKey] = raw
	if err := s.store.SaveDocument(ctx, userID, doc); err != nil {
		return fmt.Errorf("save settings for user %d: %w", userID, err)
	}
	return nil
}
