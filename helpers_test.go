package jwtguard

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-32-bytes-long-1234567890"

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(t *testing.T, clock *testClock) *MemoryStore {
	t.Helper()

	s := NewMemoryStore(time.Hour)
	if clock != nil {
		s.now = clock.Now
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set(AuthorizationHeader, "Bearer "+token)
	}
	return r
}

// failingStore fails every operation.
type failingStore struct{ err error }

func (s failingStore) Get(context.Context, string) (string, bool, error) { return "", false, s.err }
func (s failingStore) Set(context.Context, string, string, time.Duration) error {
	return s.err
}
func (s failingStore) Delete(context.Context, string) error { return s.err }

// fakeTokens is a TokenService over opaque strings. Tokens are valid when
// registered with claims; Refresh derives a new token and carries the claims.
type fakeTokens struct {
	mu          sync.Mutex
	claims      map[string]Claims
	verifyErr   map[string]error
	refreshTo   map[string]string
	refreshErr  error
	invalidated map[string]bool
	forever     map[string]bool

	verifyCalls     atomic.Int32
	refreshCalls    atomic.Int32
	invalidateCalls atomic.Int32
	issueCalls      atomic.Int32
	refreshDelay    time.Duration
}

var _ TokenService = (*fakeTokens)(nil)

func newFakeTokens() *fakeTokens {
	return &fakeTokens{
		claims:      make(map[string]Claims),
		verifyErr:   make(map[string]error),
		refreshTo:   make(map[string]string),
		invalidated: make(map[string]bool),
		forever:     make(map[string]bool),
	}
}

func (f *fakeTokens) withToken(token string, claims Claims) *fakeTokens {
	f.mu.Lock()
	f.claims[token] = claims
	f.mu.Unlock()
	return f
}

func (f *fakeTokens) withVerifyError(token string, err error) *fakeTokens {
	f.mu.Lock()
	f.verifyErr[token] = err
	f.mu.Unlock()
	return f
}

func (f *fakeTokens) isInvalidated(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated[token]
}

func (f *fakeTokens) ExtractToken(r *http.Request) (string, bool) {
	return ExtractBearerToken(r)
}

func (f *fakeTokens) Verify(ctx context.Context, token string) (Claims, error) {
	f.verifyCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidated[token] {
		return nil, ErrTokenBlacklisted
	}
	if err, ok := f.verifyErr[token]; ok {
		return nil, err
	}
	claims, ok := f.claims[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	return claims.Clone(), nil
}

func (f *fakeTokens) Refresh(ctx context.Context, token string, forceForever, resetClaims bool) (string, error) {
	n := f.refreshCalls.Add(1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	if f.invalidated[token] {
		return "", ErrTokenBlacklisted
	}

	next, ok := f.refreshTo[token]
	if !ok {
		next = fmt.Sprintf("%s-r%d", token, n)
	}
	if claims, ok := f.claims[token]; ok {
		f.claims[next] = claims.Clone()
	}
	return next, nil
}

func (f *fakeTokens) Invalidate(ctx context.Context, token string, forceForever bool) error {
	f.invalidateCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated[token] = true
	f.forever[token] = forceForever
	return nil
}

func (f *fakeTokens) Issue(ctx context.Context, claims Claims) (string, error) {
	n := f.issueCalls.Add(1)
	if _, ok := claims.Subject(); !ok {
		return "", ErrMissingSubject
	}

	token := fmt.Sprintf("issued-%d", n)
	f.mu.Lock()
	f.claims[token] = claims.Clone()
	f.mu.Unlock()
	return token, nil
}

type testUser struct {
	ID    string
	Email string
	Role  string
}

func (u *testUser) AuthIdentifier() string { return u.ID }

func (u *testUser) CustomClaims() Claims { return Claims{"role": u.Role} }

// fakeProvider serves testUsers keyed by ID, with passwords keyed by email.
type fakeProvider struct {
	users     map[string]*testUser
	passwords map[string]string
	err       error
	lookups   atomic.Int32
}

func newFakeProvider(users ...*testUser) *fakeProvider {
	p := &fakeProvider{
		users:     make(map[string]*testUser),
		passwords: make(map[string]string),
	}
	for _, u := range users {
		p.users[u.ID] = u
	}
	return p
}

func (p *fakeProvider) RetrieveByID(ctx context.Context, id string) (Authenticatable, error) {
	p.lookups.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	u, ok := p.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (p *fakeProvider) RetrieveByCredentials(ctx context.Context, credentials Credentials) (Authenticatable, error) {
	if p.err != nil {
		return nil, p.err
	}
	for _, u := range p.users {
		if u.Email == credentials["email"] {
			return u, nil
		}
	}
	return nil, nil
}

func (p *fakeProvider) ValidateCredentials(ctx context.Context, user Authenticatable, credentials Credentials) (bool, error) {
	u := user.(*testUser)
	return p.passwords[u.Email] == credentials["password"], nil
}

// modelProvider adds a model identity to fakeProvider.
type modelProvider struct {
	*fakeProvider
	model string
}

func (p modelProvider) ModelIdentity() string { return p.model }

func newTestAuthenticator(t *testing.T, tokens TokenService, cfg GuardConfig) (*Authenticator, *TokenCache) {
	t.Helper()

	cache := NewTokenCache(newTestMemoryStore(t, nil), time.Minute)
	a, err := NewAuthenticator(tokens, cache, cfg)
	require.NoError(t, err)
	return a, cache
}

func writeTempKeyFiles(t testing.TB, key any) (privatePath, publicPath string) {
	t.Helper()
	tempDir := t.TempDir()

	var privateBlock *pem.Block
	var public any
	switch k := key.(type) {
	case *rsa.PrivateKey:
		privateBlock = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}
		public = &k.PublicKey
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		require.NoError(t, err)
		privateBlock = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
		public = &k.PublicKey
	case ed25519.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(k)
		require.NoError(t, err)
		privateBlock = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
		public = k.Public()
	default:
		t.Fatalf("unsupported key type %T", key)
	}

	privatePath = filepath.Join(tempDir, "private.pem")
	require.NoError(t, os.WriteFile(privatePath, pem.EncodeToMemory(privateBlock), 0600))

	publicBytes, err := x509.MarshalPKIXPublicKey(public)
	require.NoError(t, err)
	publicPath = filepath.Join(tempDir, "public.pem")
	require.NoError(t, os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicBytes}), 0644))

	return privatePath, publicPath
}

func generateTempCertificate(t *testing.T) (privatePath, publicPath string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	privatePath = filepath.Join(dir, "cert_private.pem")
	privateBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}
	require.NoError(t, os.WriteFile(privatePath, pem.EncodeToMemory(privateBlock), 0600))

	publicPath = filepath.Join(dir, "cert_public.pem")
	require.NoError(t, os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes}), 0644))

	return privatePath, publicPath
}

func generateRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func generateECDSAKey(t testing.TB, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return key
}

func generateEdDSAKey(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}
