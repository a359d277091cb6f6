// Package session owns the broker session lifecycle: acquiring a daily access
// token, deciding whether the stored one is still valid and sharing it with
// every bridge process through a model.TokenStore.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/markethours"
	"kitebridge/internal/model"
	"kitebridge/internal/resilience"
	"kitebridge/pkg/kiteconnect"
)

// CredentialProducer yields a fresh request token, e.g. by running the
// automated login or reading one handed over out of band.
type CredentialProducer interface {
	RequestToken(ctx context.Context) (string, error)
}

// Generator exchanges a request token for an access token.
type Generator interface {
	GenerateSession(ctx context.Context, requestToken string) (kiteconnect.Session, error)
}

// Config tunes a Manager.
type Config struct {
	APIKey         string
	Cutover        markethours.Clock
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Manager acquires, validates and persists the broker session.
type Manager struct {
	cfg      Config
	store    model.TokenStore
	gen      Generator
	producer CredentialProducer

	mu sync.Mutex // serializes acquisitions within the process

	// OnSession, if set, is called whenever a session becomes the one this
	// process uses: after a new one is persisted, and when CurrentOrRefresh
	// adopts a valid stored one.
	OnSession func(model.Session)
}

// NewManager wires a Manager. producer may be nil for read-only users that
// only ever call Current or Exchange.
func NewManager(cfg Config, store model.TokenStore, gen Generator, producer CredentialProducer) *Manager {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.Cutover == (markethours.Clock{}) {
		cfg.Cutover = markethours.DefaultCutover
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, store: store, gen: gen, producer: producer}
}

// IsValid reports whether s can still be used at now. A session is valid
// strictly before the first cutover following its issue time, evaluated in
// exchange-local time.
func (m *Manager) IsValid(s model.Session, now time.Time) bool {
	if s.Empty() || s.IssuedAt.IsZero() {
		return false
	}
	return now.Before(markethours.SessionExpiry(s.IssuedAt, m.cfg.Cutover))
}

// ExpiresAt returns when s stops being valid.
func (m *Manager) ExpiresAt(s model.Session) time.Time {
	return markethours.SessionExpiry(s.IssuedAt, m.cfg.Cutover)
}

// Current loads the stored session without contacting the broker. A missing
// or expired session yields apperr.ErrAuth.
func (m *Manager) Current(ctx context.Context) (model.Session, error) {
	s, err := m.store.Load(ctx)
	if errors.Is(err, model.ErrNoSession) {
		return model.Session{}, fmt.Errorf("%w: no stored session", apperr.ErrAuth)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !m.IsValid(s, m.cfg.Now()) {
		return model.Session{}, fmt.Errorf("%w: session from %s expired at %s", apperr.ErrAuth,
			s.IssuedAt.In(markethours.IST).Format(time.DateTime),
			m.ExpiresAt(s).Format(time.DateTime))
	}
	return s, nil
}

// CurrentOrRefresh returns the stored session if valid and acquires a new one
// otherwise. A reused session is announced through OnSession like a new one,
// since another process may have written it.
func (m *Manager) CurrentOrRefresh(ctx context.Context) (model.Session, error) {
	s, err := m.Current(ctx)
	if err == nil {
		m.activate(s)
		return s, nil
	}
	if !errors.Is(err, apperr.ErrAuth) {
		return s, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another caller may have refreshed while we waited
	if s, err := m.Current(ctx); err == nil {
		m.activate(s)
		return s, nil
	}
	return m.acquireLocked(ctx)
}

// Acquire obtains a brand-new session from the broker and persists it. On
// failure the previously stored session is left untouched.
func (m *Manager) Acquire(ctx context.Context) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(ctx)
}

func (m *Manager) acquireLocked(ctx context.Context) (model.Session, error) {
	if m.producer == nil {
		return model.Session{}, fmt.Errorf("%w: no credential producer configured", apperr.ErrAuth)
	}

	var s model.Session
	attempt := 0
	err := resilience.Retry(ctx, m.cfg.RetryAttempts, m.cfg.RetryBaseDelay, apperr.IsTransient, func(ctx context.Context) error {
		attempt++
		rt, err := m.producer.RequestToken(ctx)
		if err != nil {
			log.Printf("[session] attempt %d: request token: %v", attempt, err)
			return err
		}
		ks, err := m.gen.GenerateSession(ctx, rt)
		if err != nil {
			log.Printf("[session] attempt %d: token exchange: %v", attempt, err)
			return err
		}
		s = m.fromBroker(ks, rt)
		return nil
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: acquire session: %w", apperr.ErrAuth, err)
	}
	return m.persist(ctx, s)
}

// Exchange completes a session from a request token delivered to the callback
// endpoint. Repeating a token that already produced the current valid session
// returns that session without calling the broker.
func (m *Manager) Exchange(ctx context.Context, requestToken string) (model.Session, error) {
	if requestToken == "" {
		return model.Session{}, fmt.Errorf("%w: missing request_token", apperr.ErrAuth)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, err := m.store.Load(ctx); err == nil && cur.RequestToken == requestToken && m.IsValid(cur, m.cfg.Now()) {
		return cur, nil
	}

	var s model.Session
	err := resilience.Retry(ctx, m.cfg.RetryAttempts, m.cfg.RetryBaseDelay, apperr.IsTransient, func(ctx context.Context) error {
		ks, err := m.gen.GenerateSession(ctx, requestToken)
		if err != nil {
			return err
		}
		s = m.fromBroker(ks, requestToken)
		return nil
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: exchange request token: %w", apperr.ErrAuth, err)
	}
	return m.persist(ctx, s)
}

func (m *Manager) persist(ctx context.Context, s model.Session) (model.Session, error) {
	if err := m.store.Save(ctx, s); err != nil {
		return model.Session{}, fmt.Errorf("save session: %w", err)
	}
	log.Printf("[session] new session for %s issued %s, valid until %s",
		s.UserID, s.IssuedAt.Format(time.DateTime), m.ExpiresAt(s).Format(time.DateTime))
	m.activate(s)
	return s, nil
}

func (m *Manager) activate(s model.Session) {
	if m.OnSession != nil {
		m.OnSession(s)
	}
}

func (m *Manager) fromBroker(ks kiteconnect.Session, requestToken string) model.Session {
	issued := ks.LoginTime
	if issued.IsZero() {
		issued = m.cfg.Now()
	}
	apiKey := ks.APIKey
	if apiKey == "" {
		apiKey = m.cfg.APIKey
	}
	return model.Session{
		AccessToken:  ks.AccessToken,
		APIKey:       apiKey,
		UserID:       ks.UserID,
		IssuedAt:     issued.In(markethours.IST),
		RequestToken: requestToken,
	}
}
