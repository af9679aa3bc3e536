package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"b2c-session/internal/domain"
	"b2c-session/internal/store"
	apperrors "b2c-session/pkg/errors"
	"b2c-session/pkg/logger"
)

// Refresher redeems a refresh token
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenResponse, error)
}

// ProfileFetcher loads the directory profile for the bearer of accessToken
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (*domain.DirectoryProfile, error)
}

// ClaimDecoder decodes a token into claims
type ClaimDecoder interface {
	Decode(token string) (*domain.ClaimSet, error)
}

// Options configures a Manager
type Options struct {
	Store     store.TokenStore
	Refresher Refresher
	Profiles  ProfileFetcher
	Decoder   ClaimDecoder
	Clock     func() time.Time
	Logger    *logger.Logger
}

// Manager owns the process-wide session: the current credential and the
// displayed user. Create one at startup and pass it to whatever needs it.
type Manager struct {
	store     store.TokenStore
	refresher Refresher
	profiles  ProfileFetcher
	decoder   ClaimDecoder
	now       func() time.Time
	log       *logger.Logger

	mu          sync.RWMutex
	cred        *domain.Credential
	user        *domain.UserInfo
	generation  uint64
	subscribers map[int]func(*domain.UserInfo)
	nextSubID   int

	// persistMu orders store writes of a refresh against the clear of a
	// sign-out.
	persistMu    sync.Mutex
	refreshGroup singleflight.Group
}

// errSessionEnded is returned inside the manager when a sign-out overtook
// the work of an activation.
var errSessionEnded = errors.New("session ended")

func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		store:       opts.Store,
		refresher:   opts.Refresher,
		profiles:    opts.Profiles,
		decoder:     opts.Decoder,
		now:         clock,
		log:         log.Named("session"),
		subscribers: make(map[int]func(*domain.UserInfo)),
	}
}

// User returns the displayed user, or nil when signed out
func (m *Manager) User() *domain.UserInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// Credential returns a copy of the in-memory credential
func (m *Manager) Credential() *domain.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.Clone()
}

// Subscribe registers fn to receive every published user (nil on sign-out).
// The returned func unregisters it. fn runs on the publishing goroutine.
func (m *Manager) Subscribe(fn func(*domain.UserInfo)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Activate restores the session on start-up or after the access token
// changed. It reuses, refreshes or gives up on the credential, then loads
// the directory profile. A nil user with a nil error means signed out.
func (m *Manager) Activate(ctx context.Context) (*domain.UserInfo, error) {
	gen := m.currentGeneration()
	cred := m.Credential()
	if cred == nil {
		loaded, err := m.store.Load(ctx)
		if err != nil {
			m.log.Warn("could not load stored credential", zap.Error(err))
			m.signedOut()
			return nil, err
		}
		cred = loaded
	}

	decision := domain.Decide(cred, m.now())
	m.log.Debug("activation", zap.Stringer("decision", decision))

	switch decision {
	case domain.DecisionSignInRequired:
		m.signedOut()
		return nil, nil

	case domain.DecisionRefresh:
		refreshed, err := m.refresh(ctx, gen, cred)
		if err != nil {
			if errors.Is(err, errSessionEnded) {
				m.log.Info("signed out during refresh, refreshed credential discarded")
				return nil, nil
			}
			if apperrors.IsType(err, apperrors.ErrorTypeProvider) {
				m.log.Info("refresh rejected, sign-in required", zap.Error(err))
				m.signedOut()
				return nil, nil
			}
			m.log.Warn("refresh failed", zap.Error(err))
			return nil, err
		}
		cred = refreshed
	}

	claims, err := m.decoder.Decode(cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return m.establish(ctx, gen, cred, claims)
}

// refresh redeems cred's refresh token. Concurrent callers holding the same
// refresh token share a single request, which is not tied to the first
// caller's cancellation; the provider client's timeout bounds it.
func (m *Manager) refresh(ctx context.Context, gen uint64, cred *domain.Credential) (*domain.Credential, error) {
	shared := context.WithoutCancel(ctx)
	v, err, joined := m.refreshGroup.Do(cred.RefreshToken, func() (interface{}, error) {
		// A caller that decided on a stale record may arrive after the
		// refresh already landed.
		if current := m.Credential(); current != nil &&
			current.AccessToken != cred.AccessToken &&
			domain.Decide(current, m.now()) == domain.DecisionReuse {
			return current, nil
		}

		resp, err := m.refresher.Refresh(shared, cred.RefreshToken)
		if err != nil {
			return nil, err
		}

		next := cred.Refreshed(resp, m.now())

		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		if m.currentGeneration() != gen {
			return nil, errSessionEnded
		}
		if err := m.store.Save(shared, next); err != nil {
			m.log.Warn("refreshed credential not persisted, continuing in memory", zap.Error(err))
		}

		m.mu.Lock()
		m.cred = next
		m.mu.Unlock()

		m.log.Info("access token refreshed",
			zap.String("access_token", logger.TokenHint(next.AccessToken)),
			zap.Bool("refresh_token_rotated", next.RefreshToken != cred.RefreshToken))
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if joined {
		m.log.Debug("joined in-flight refresh")
	}
	if m.currentGeneration() != gen {
		return nil, errSessionEnded
	}
	return v.(*domain.Credential).Clone(), nil
}

// Establish makes cred the current credential, loads the directory profile
// and publishes the reconciled user. A failed profile fetch publishes what
// the claims alone provide and does not end the session.
func (m *Manager) Establish(ctx context.Context, cred *domain.Credential, claims *domain.ClaimSet) (*domain.UserInfo, error) {
	return m.establish(ctx, m.currentGeneration(), cred, claims)
}

// establish drops its result, returning a nil user, once a sign-out has
// moved the session past gen.
func (m *Manager) establish(ctx context.Context, gen uint64, cred *domain.Credential, claims *domain.ClaimSet) (*domain.UserInfo, error) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return nil, nil
	}
	m.cred = cred.Clone()
	m.mu.Unlock()

	var user *domain.UserInfo
	profile, err := m.profiles.FetchProfile(ctx, cred.AccessToken)
	if err != nil {
		m.log.Warn("profile unavailable", zap.Error(err), zap.String("subject", claims.Subject))
		user = domain.UserInfoFromClaims(claims)
	} else {
		user = domain.Reconcile(claims, profile)
	}

	if !m.publish(gen, user) {
		m.log.Info("signed out while loading profile, user not published")
		return nil, nil
	}
	return user, nil
}

// SignOut clears the stored and in-memory session. The in-memory state is
// cleared even when the store fails. Work of an activation still in flight
// is discarded.
func (m *Manager) SignOut(ctx context.Context) error {
	m.persistMu.Lock()
	gen := m.endSession()
	err := m.store.Clear(ctx)
	m.persistMu.Unlock()

	if err != nil {
		m.log.Warn("could not clear stored credential", zap.Error(err))
	}
	m.publish(gen, nil)
	return err
}

func (m *Manager) signedOut() {
	m.publish(m.endSession(), nil)
}

// endSession forgets the credential and starts a new generation
func (m *Manager) endSession() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.cred = nil
	return m.generation
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// publish sets the displayed user and notifies subscribers, unless the
// session has moved past gen.
func (m *Manager) publish(gen uint64, user *domain.UserInfo) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return false
	}
	m.user = user
	subs := make([]func(*domain.UserInfo), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		if user == nil {
			fn(nil)
			continue
		}
		u := *user
		fn(&u)
	}
	return true
}
