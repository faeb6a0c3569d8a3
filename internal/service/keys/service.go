// Package keys implements the key registry: one public key per identity,
// uploaded by its owner and readable by anyone holding a valid token.
package keys

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/burhanwani/WhatsAppSimulator/internal/crypto"
	"github.com/burhanwani/WhatsAppSimulator/internal/domain"
	apperrors "github.com/burhanwani/WhatsAppSimulator/pkg/errors"
	"github.com/burhanwani/WhatsAppSimulator/pkg/jwt"
	"github.com/burhanwani/WhatsAppSimulator/pkg/logger"
	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// Repository is the durable key store
type Repository interface {
	Upsert(ctx context.Context, owner domain.Identity, publicKey string) (*domain.PublicKeyRecord, error)
	Get(ctx context.Context, owner domain.Identity) (*domain.PublicKeyRecord, error)
}

// Cache is a read-through cache in front of Repository. Set must keep a
// cached record whose RegisteredAt is later than rec's, so a slow lookup
// cannot put back a key that an upload already replaced.
type Cache interface {
	Get(ctx context.Context, identity domain.Identity) (*domain.PublicKeyRecord, error)
	Set(ctx context.Context, rec *domain.PublicKeyRecord) error
	Invalidate(ctx context.Context, identity domain.Identity) error
}

// Limiter throttles uploads per identity
type Limiter interface {
	Allow(key string) bool
}

// Service handles key registry business logic
type Service struct {
	repo    Repository
	cache   Cache
	limiter Limiter
}

// NewService creates a new key registry service. cache and limiter may be nil.
func NewService(repo Repository, cache Cache, limiter Limiter) *Service {
	return &Service{repo: repo, cache: cache, limiter: limiter}
}

// Upload stores or replaces the public key of owner.
// A nil caller is a trusted in-process caller.
func (s *Service) Upload(ctx context.Context, caller *jwt.Claims, owner domain.Identity, publicKey string) (*domain.PublicKeyRecord, error) {
	if owner == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	if err := authorizeUpload(caller, owner); err != nil {
		metrics.KeyRegistryOpsTotal.WithLabelValues("upload", "forbidden").Inc()
		return nil, err
	}
	if s.limiter != nil && !s.limiter.Allow(string(owner)) {
		metrics.KeyRegistryOpsTotal.WithLabelValues("upload", "rate_limited").Inc()
		return nil, apperrors.RateLimitExceededError()
	}

	normalized, err := crypto.NormalizePublicKey(publicKey)
	if err != nil {
		metrics.KeyRegistryOpsTotal.WithLabelValues("upload", "invalid").Inc()
		return nil, err
	}

	rec, err := s.repo.Upsert(ctx, owner, normalized)
	if err != nil {
		metrics.KeyRegistryOpsTotal.WithLabelValues("upload", "error").Inc()
		return nil, err
	}

	if s.cache != nil {
		s.refreshCache(ctx, rec)
	}

	metrics.KeyRegistryOpsTotal.WithLabelValues("upload", "success").Inc()
	logger.FromContext(ctx).Info("Public key registered", zap.String("owner", string(owner)))
	return rec, nil
}

// Lookup returns the public key of owner, NotFound if none was uploaded
func (s *Service) Lookup(ctx context.Context, caller *jwt.Claims, owner domain.Identity) (*domain.PublicKeyRecord, error) {
	if caller != nil && len(caller.Scopes()) > 0 && !caller.HasScope(jwt.ScopeReadKeys) && !caller.HasScope(jwt.ScopeService) {
		metrics.KeyRegistryOpsTotal.WithLabelValues("lookup", "forbidden").Inc()
		return nil, apperrors.ForbiddenError("token lacks " + jwt.ScopeReadKeys)
	}

	if s.cache != nil {
		rec, err := s.cache.Get(ctx, owner)
		if err == nil {
			metrics.KeyCacheTotal.WithLabelValues("hit").Inc()
			metrics.KeyRegistryOpsTotal.WithLabelValues("lookup", "success").Inc()
			return rec, nil
		}
		metrics.KeyCacheTotal.WithLabelValues("miss").Inc()
	}

	start := time.Now()
	rec, err := s.repo.Get(ctx, owner)
	if err != nil {
		status := "error"
		if errors.Is(err, apperrors.ErrNotFound) {
			status = "not_found"
		}
		metrics.KeyRegistryOpsTotal.WithLabelValues("lookup", status).Inc()
		return nil, err
	}
	logger.FromContext(ctx).Debug("Public key loaded from store",
		zap.String("owner", string(owner)),
		zap.Duration("took", time.Since(start)))

	if s.cache != nil {
		if err := s.cache.Set(ctx, rec); err != nil {
			logger.FromContext(ctx).Warn("Failed to cache public key",
				zap.String("owner", string(owner)),
				zap.Error(err))
		}
	}

	metrics.KeyRegistryOpsTotal.WithLabelValues("lookup", "success").Inc()
	return rec, nil
}

// refreshCache caches the record an upload just wrote. If that fails the
// entry is dropped instead, so lookups fall through to the store.
func (s *Service) refreshCache(ctx context.Context, rec *domain.PublicKeyRecord) {
	err := s.cache.Set(ctx, rec)
	if err == nil {
		return
	}
	if invErr := s.cache.Invalidate(ctx, rec.Owner); invErr != nil {
		logger.FromContext(ctx).Warn("Failed to refresh key cache",
			zap.String("owner", string(rec.Owner)),
			zap.NamedError("set_error", err),
			zap.Error(invErr))
	}
}

func authorizeUpload(caller *jwt.Claims, owner domain.Identity) error {
	if caller == nil || caller.HasScope(jwt.ScopeService) {
		return nil
	}
	if domain.Identity(caller.Identity()) != owner {
		return apperrors.ForbiddenError("cannot upload a key for another user")
	}
	if len(caller.Scopes()) > 0 && !caller.HasScope(jwt.ScopeWriteKeys) {
		return apperrors.ForbiddenError("token lacks " + jwt.ScopeWriteKeys)
	}
	return nil
}
