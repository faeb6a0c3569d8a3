package keys

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	"github.com/burhanwani/WhatsAppSimulator/internal/repository/memory"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/jwt"
)

// Mocks
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, identity domain.Identity) (*domain.PublicKeyRecord, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PublicKeyRecord), args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, rec *domain.PublicKeyRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockCache) Invalidate(ctx context.Context, identity domain.Identity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

var (
	keyOnce sync.Once
	testPEM string
)

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	keyOnce.Do(func() {
		priv, err := crypto.GenerateKeyPair(crypto.DefaultRSABits)
		require.NoError(t, err)
		testPEM, err = crypto.EncodePublicKey(&priv.PublicKey)
		require.NoError(t, err)
	})
	return testPEM
}

func claims(identity string, scope string) *jwt.Claims {
	c := &jwt.Claims{Scope: scope}
	c.Subject = identity
	return c
}

func TestService_UploadAndLookup(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, nil)
	pem := publicKeyPEM(t)

	rec, err := svc.Upload(context.Background(), claims("alice", ""), "alice", pem)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), rec.Owner)

	got, err := svc.Lookup(context.Background(), claims("bob", ""), "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.PublicKey, got.PublicKey)
}

func TestService_UploadIsIdempotent(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, nil)
	pem := publicKeyPEM(t)

	first, err := svc.Upload(context.Background(), nil, "alice", pem)
	require.NoError(t, err)
	second, err := svc.Upload(context.Background(), nil, "alice", pem)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
}

func TestService_UploadInvalidKey(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, nil)

	_, err := svc.Upload(context.Background(), nil, "alice", "not a key")
	assert.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)

	_, err = svc.Lookup(context.Background(), nil, "alice")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestService_UploadAuthorization(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, nil)
	pem := publicKeyPEM(t)

	tests := []struct {
		name    string
		caller  *jwt.Claims
		wantErr bool
	}{
		{"owner without scopes", claims("alice", ""), false},
		{"owner with write scope", claims("alice", "read:keys write:keys"), false},
		{"owner missing write scope", claims("alice", "read:keys"), true},
		{"other user", claims("mallory", "write:keys"), true},
		{"service token", claims("gateway", "service"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), tt.caller, "alice", pem)
			if tt.wantErr {
				assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.CodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestService_LookupRequiresReadScope(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, nil)

	_, err := svc.Lookup(context.Background(), claims("bob", "write:keys"), "alice")
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.CodeOf(err))
}

func TestService_UploadRateLimited(t *testing.T) {
	svc := NewService(memory.NewKeysRepository(), nil, denyAll{})

	_, err := svc.Upload(context.Background(), nil, "alice", publicKeyPEM(t))
	assert.Equal(t, apperrors.ErrCodeRateLimitExceeded, apperrors.CodeOf(err))
}

func TestService_UploadRefreshesCache(t *testing.T) {
	cache := new(MockCache)
	svc := NewService(memory.NewKeysRepository(), cache, nil)

	cache.On("Set", mock.Anything, mock.MatchedBy(func(rec *domain.PublicKeyRecord) bool {
		return rec.Owner == "alice"
	})).Return(nil).Once()

	_, err := svc.Upload(context.Background(), nil, "alice", publicKeyPEM(t))
	require.NoError(t, err)
	cache.AssertExpectations(t)
	cache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
}

func TestService_UploadInvalidatesWhenCacheWriteFails(t *testing.T) {
	cache := new(MockCache)
	svc := NewService(memory.NewKeysRepository(), cache, nil)

	cache.On("Set", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	cache.On("Invalidate", mock.Anything, domain.Identity("alice")).Return(nil).Once()

	_, err := svc.Upload(context.Background(), nil, "alice", publicKeyPEM(t))
	require.NoError(t, err)
	cache.AssertExpectations(t)
}

func TestService_LookupCacheHit(t *testing.T) {
	cache := new(MockCache)
	svc := NewService(memory.NewKeysRepository(), cache, nil)
	cached := &domain.PublicKeyRecord{Owner: "alice", PublicKey: "cached", RegisteredAt: time.Now()}

	cache.On("Get", mock.Anything, domain.Identity("alice")).Return(cached, nil)

	got, err := svc.Lookup(context.Background(), nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cached", got.PublicKey)
}

func TestService_LookupCacheFailureFallsBackToStore(t *testing.T) {
	cache := new(MockCache)
	repo := memory.NewKeysRepository()
	svc := NewService(repo, cache, nil)

	cache.On("Invalidate", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	cache.On("Get", mock.Anything, domain.Identity("alice")).Return(nil, errors.New("redis down"))
	cache.On("Set", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	_, err := svc.Upload(context.Background(), nil, "alice", publicKeyPEM(t))
	require.NoError(t, err)

	got, err := svc.Lookup(context.Background(), nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), got.Owner)
	cache.AssertCalled(t, "Set", mock.Anything, mock.Anything)
}

// pausingRepo blocks a Get after it has read the stored record, until
// resume is closed.
type pausingRepo struct {
	*memory.KeysRepository
	paused chan struct{}
	resume chan struct{}
	armed  bool
}

func (r *pausingRepo) Get(ctx context.Context, owner domain.Identity) (*domain.PublicKeyRecord, error) {
	rec, err := r.KeysRepository.Get(ctx, owner)
	if r.armed {
		r.armed = false
		close(r.paused)
		<-r.resume
	}
	return rec, err
}

func TestService_SlowLookupDoesNotRestoreReplacedKey(t *testing.T) {
	ctx := context.Background()
	repo := &pausingRepo{
		KeysRepository: memory.NewKeysRepository(),
		paused:         make(chan struct{}),
		resume:         make(chan struct{}),
	}
	cache := memory.NewKeyCache(time.Minute, 0)
	defer cache.Close()
	svc := NewService(repo, cache, nil)

	priv, err := crypto.GenerateKeyPair(crypto.DefaultRSABits)
	require.NoError(t, err)
	rotated, err := crypto.EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)

	first, err := svc.Upload(ctx, nil, "alice", publicKeyPEM(t))
	require.NoError(t, err)
	// the cached entry has expired, so the next lookup reads the store
	require.NoError(t, cache.Invalidate(ctx, "alice"))

	repo.armed = true
	looked := make(chan *domain.PublicKeyRecord, 1)
	go func() {
		rec, err := svc.Lookup(ctx, nil, "alice")
		assert.NoError(t, err)
		looked <- rec
	}()
	<-repo.paused

	second, err := svc.Upload(ctx, nil, "alice", rotated)
	require.NoError(t, err)
	require.NotEqual(t, first.PublicKey, second.PublicKey)

	close(repo.resume)
	stale := <-looked
	assert.Equal(t, first.PublicKey, stale.PublicKey)

	got, err := svc.Lookup(ctx, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.PublicKey, got.PublicKey)
}
