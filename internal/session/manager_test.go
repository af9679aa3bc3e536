package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"b2c-session/internal/claims"
	"b2c-session/internal/domain"
	"b2c-session/internal/store"
	apperrors "b2c-session/pkg/errors"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func accessToken(t *testing.T, sub string, emails ...string) string {
	t.Helper()
	c := jwt.MapClaims{"sub": sub, "given_name": "Claim", "name": "Claim Name"}
	if len(emails) > 0 {
		c["emails"] = emails
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("session-test"))
	require.NoError(t, err)
	return signed
}

type fakeRefresher struct {
	calls   int32
	release chan struct{}
	resp    *domain.TokenResponse
	err     error
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ string) (*domain.TokenResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r := *f.resp
	return &r, nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	tokens  []string
	profile *domain.DirectoryProfile
	err     error
}

func (f *fakeProfiles) FetchProfile(_ context.Context, accessToken string) (*domain.DirectoryProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, accessToken)
	if f.err != nil {
		return nil, f.err
	}
	p := *f.profile
	return &p, nil
}

func directoryMail(s string) *string { return &s }

func newManager(t *testing.T, refresher *fakeRefresher, profiles *fakeProfiles) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if profiles == nil {
		profiles = &fakeProfiles{profile: &domain.DirectoryProfile{ID: "sub-1", DisplayName: "Ada Lovelace", GivenName: "Ada", Surname: "Lovelace", Mail: directoryMail("dir@x.com")}}
	}
	if refresher == nil {
		refresher = &fakeRefresher{err: errors.New("unexpected refresh")}
	}
	m := NewManager(Options{
		Store:     st,
		Refresher: refresher,
		Profiles:  profiles,
		Decoder:   claims.NewDecoder(),
		Clock:     func() time.Time { return now },
	})
	return m, st
}

func TestActivate_NoStoredSession(t *testing.T) {
	m, _ := newManager(t, nil, nil)

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Nil(t, m.User())
}

func TestActivate_ReusesValidToken(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("must not refresh")}
	profiles := &fakeProfiles{profile: &domain.DirectoryProfile{ID: "sub-1", DisplayName: "Ada Lovelace", GivenName: "Ada", Surname: "Lovelace", Mail: directoryMail("dir@x.com")}}
	m, st := newManager(t, refresher, profiles)

	token := accessToken(t, "sub-1", "claim@x.com")
	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:           token,
		RefreshToken:          "R1",
		ExpiresOn:             now.Add(time.Hour).Unix(),
		RefreshTokenExpiresOn: now.Add(24 * time.Hour).UnixMilli(),
	}))

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, user)

	assert.Equal(t, "claim@x.com", user.Mail)
	assert.Equal(t, "Ada Lovelace", user.DisplayName)
	assert.Zero(t, atomic.LoadInt32(&refresher.calls))
	assert.Equal(t, []string{token}, profiles.tokens)

	// Reconciling again gives the same user
	again, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, user, again)
}

func TestActivate_RefreshesAtExpiryBoundary(t *testing.T) {
	newToken := accessToken(t, "sub-1")
	refresher := &fakeRefresher{resp: &domain.TokenResponse{AccessToken: newToken, ExpiresIn: 3600}}
	profiles := &fakeProfiles{profile: &domain.DirectoryProfile{ID: "sub-1", Mail: directoryMail("dir@x.com")}}
	m, st := newManager(t, refresher, profiles)

	refreshExpiry := now.Add(24 * time.Hour).UnixMilli()
	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:           accessToken(t, "sub-1"),
		RefreshToken:          "R1",
		ExpiresOn:             now.Unix(),
		RefreshTokenExpiresOn: refreshExpiry,
	}))

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "dir@x.com", user.Mail)
	assert.EqualValues(t, 1, atomic.LoadInt32(&refresher.calls))

	stored, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, stored.AccessToken)
	assert.Equal(t, "R1", stored.RefreshToken)
	assert.Equal(t, refreshExpiry, stored.RefreshTokenExpiresOn)
	assert.Equal(t, now.Unix()+3600, stored.ExpiresOn)
	assert.Equal(t, []string{newToken}, profiles.tokens)
}

func TestActivate_RefreshTokenExpired(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("must not refresh")}
	profiles := &fakeProfiles{profile: &domain.DirectoryProfile{ID: "sub-1"}}
	m, st := newManager(t, refresher, profiles)

	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:           accessToken(t, "sub-1"),
		RefreshToken:          "R1",
		ExpiresOn:             now.Add(-time.Hour).Unix(),
		RefreshTokenExpiresOn: now.UnixMilli(),
	}))

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Zero(t, atomic.LoadInt32(&refresher.calls))
	assert.Empty(t, profiles.tokens)
}

func TestActivate_RefreshRejected(t *testing.T) {
	refresher := &fakeRefresher{err: apperrors.NewProviderError("invalid_grant", "expired")}
	m, st := newManager(t, refresher, nil)

	var published []*domain.UserInfo
	m.Subscribe(func(u *domain.UserInfo) { published = append(published, u) })

	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:  accessToken(t, "sub-1"),
		RefreshToken: "R1",
		ExpiresOn:    now.Add(-time.Minute).Unix(),
	}))

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Nil(t, m.Credential())
	require.Len(t, published, 1)
	assert.Nil(t, published[0])
}

func TestActivate_NetworkErrorKeepsState(t *testing.T) {
	refresher := &fakeRefresher{err: apperrors.NewNetworkError("unreachable", errors.New("dial tcp"))}
	m, _ := newManager(t, refresher, nil)

	expired := &domain.Credential{
		AccessToken:  accessToken(t, "sub-1", "claim@x.com"),
		RefreshToken: "R1",
		ExpiresOn:    now.Add(-time.Minute).Unix(),
	}
	claimSet, err := claims.NewDecoder().Decode(expired.AccessToken)
	require.NoError(t, err)
	before, err := m.Establish(context.Background(), expired, claimSet)
	require.NoError(t, err)

	_, err = m.Activate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNetwork))
	assert.Equal(t, before, m.User())
	assert.Equal(t, expired, m.Credential())
}

func TestActivate_ProfileUnavailable(t *testing.T) {
	profiles := &fakeProfiles{err: apperrors.NewUpstreamProxyError("lookup failed", map[string]interface{}{"code": "x"}, nil)}
	m, st := newManager(t, nil, profiles)

	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken: accessToken(t, "sub-1", "claim@x.com"),
		ExpiresOn:   now.Add(time.Hour).Unix(),
	}))

	user, err := m.Activate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "sub-1", user.ID)
	assert.Equal(t, "claim@x.com", user.Mail)
	assert.NotNil(t, m.Credential(), "profile failure does not sign out")
}

func TestActivate_ConcurrentRefreshIssuesOneRequest(t *testing.T) {
	newToken := accessToken(t, "sub-1")
	refresher := &fakeRefresher{
		release: make(chan struct{}),
		resp:    &domain.TokenResponse{AccessToken: newToken, ExpiresIn: 3600, RefreshToken: "R2", RefreshTokenExpiresIn: 86400},
	}
	m, st := newManager(t, refresher, nil)

	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:  accessToken(t, "sub-1"),
		RefreshToken: "R1",
		ExpiresOn:    now.Add(-time.Minute).Unix(),
	}))

	const callers = 2
	var wg sync.WaitGroup
	users := make([]*domain.UserInfo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			users[i], errs[i] = m.Activate(context.Background())
		}(i)
	}

	// Let the callers reach the refresh before it completes.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&refresher.calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&refresher.calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, users[i])
	}
	assert.Equal(t, users[0], users[1])

	stored, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, stored.AccessToken)
	assert.Equal(t, "R2", stored.RefreshToken)
	assert.Equal(t, now.UnixMilli()+86400*1000, stored.RefreshTokenExpiresOn)
}

func TestSignOut(t *testing.T) {
	m, st := newManager(t, nil, nil)
	ctx := context.Background()

	cred := &domain.Credential{AccessToken: accessToken(t, "sub-1"), ExpiresOn: now.Add(time.Hour).Unix()}
	require.NoError(t, st.Save(ctx, cred))
	_, err := m.Activate(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.User())

	var last *domain.UserInfo
	notified := false
	unsubscribe := m.Subscribe(func(u *domain.UserInfo) { last, notified = u, true })

	require.NoError(t, m.SignOut(ctx))
	assert.True(t, notified)
	assert.Nil(t, last)
	assert.Nil(t, m.User())
	assert.Nil(t, m.Credential())

	loaded, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	unsubscribe()
	notified = false
	require.NoError(t, m.SignOut(ctx))
	assert.False(t, notified)
}

func TestActivate_SignOutDuringRefresh(t *testing.T) {
	refresher := &fakeRefresher{
		release: make(chan struct{}),
		resp:    &domain.TokenResponse{AccessToken: accessToken(t, "sub-1"), ExpiresIn: 3600, RefreshToken: "R2", RefreshTokenExpiresIn: 86400},
	}
	profiles := &fakeProfiles{profile: &domain.DirectoryProfile{ID: "sub-1"}}
	m, st := newManager(t, refresher, profiles)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, &domain.Credential{
		AccessToken:  accessToken(t, "sub-1"),
		RefreshToken: "R1",
		ExpiresOn:    now.Add(-time.Minute).Unix(),
	}))

	var published []*domain.UserInfo
	var pubMu sync.Mutex
	m.Subscribe(func(u *domain.UserInfo) {
		pubMu.Lock()
		published = append(published, u)
		pubMu.Unlock()
	})

	done := make(chan struct{})
	var user *domain.UserInfo
	var err error
	go func() {
		defer close(done)
		user, err = m.Activate(ctx)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&refresher.calls) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.SignOut(ctx))
	close(refresher.release)
	<-done

	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Nil(t, m.User())
	assert.Nil(t, m.Credential())
	assert.Empty(t, profiles.tokens)

	stored, loadErr := st.Load(ctx)
	require.NoError(t, loadErr)
	assert.Nil(t, stored, "refreshed credential is not written back")

	pubMu.Lock()
	defer pubMu.Unlock()
	require.Len(t, published, 1)
	assert.Nil(t, published[0])
}

func TestActivate_JoinedRefreshSurvivesFirstCallerCancel(t *testing.T) {
	refresher := &fakeRefresher{
		release: make(chan struct{}),
		resp:    &domain.TokenResponse{AccessToken: accessToken(t, "sub-1", "new@x.com"), ExpiresIn: 3600},
	}
	m, st := newManager(t, refresher, nil)

	require.NoError(t, st.Save(context.Background(), &domain.Credential{
		AccessToken:  accessToken(t, "sub-1"),
		RefreshToken: "R1",
		ExpiresOn:    now.Add(-time.Minute).Unix(),
	}))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	var wg sync.WaitGroup
	var secondUser *domain.UserInfo
	var secondErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = m.Activate(firstCtx)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&refresher.calls) == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		secondUser, secondErr = m.Activate(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(refresher.release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&refresher.calls))
	require.NoError(t, secondErr)
	require.NotNil(t, secondUser)
	assert.Equal(t, "sub-1", secondUser.ID)
}

func TestActivate_CorruptStoreSignsOut(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir(), "default", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fs.Path(), []byte("{not json"), 0o600))

	m := NewManager(Options{
		Store:     fs,
		Refresher: &fakeRefresher{err: errors.New("must not refresh")},
		Profiles:  &fakeProfiles{err: errors.New("must not fetch")},
		Decoder:   claims.NewDecoder(),
		Clock:     func() time.Time { return now },
	})

	notified := false
	var last *domain.UserInfo
	m.Subscribe(func(u *domain.UserInfo) { last, notified = u, true })

	user, err := m.Activate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStore))
	assert.Nil(t, user)
	assert.Nil(t, m.User())
	assert.True(t, notified, "signed-out state is published")
	assert.Nil(t, last)
}
