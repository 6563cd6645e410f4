package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	apikeydomain "github.com/smallbiznis/meterly/internal/apikey/domain"
	"github.com/smallbiznis/meterly/internal/cache"
	"github.com/smallbiznis/meterly/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix              = "mk_live_"
	apiKeySecretBytes         = 32
	apiKeyRotationGracePeriod = 24 * time.Hour
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          apikeydomain.Repository
	ResolverCache cache.UsageResolverCache `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	repo          apikeydomain.Repository
	genID         *snowflake.Node
	clock         clock.Clock
	resolverCache cache.UsageResolverCache
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("apikey.service"),
		repo:          p.Repo,
		genID:         p.GenID,
		clock:         p.Clock,
		resolverCache: p.ResolverCache,
	}
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]apikeydomain.Response, error) {
	if orgID == 0 {
		return nil, apikeydomain.ErrInvalidOrganization
	}

	items, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return lo.Map(items, func(key apikeydomain.APIKey, _ int) apikeydomain.Response {
		return toResponse(key, now)
	}), nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	if req.OrgID == 0 {
		return nil, apikeydomain.ErrInvalidOrganization
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		OrgID:     req.OrgID,
		KeyID:     keyID,
		Name:      name,
		KeyHash:   hash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

// Rotate issues a replacement key. The old key keeps working for a grace
// period so clients can roll over.
func (s *Service) Rotate(ctx context.Context, orgID snowflake.ID, keyID string) (*apikeydomain.SecretResponse, error) {
	if orgID == 0 {
		return nil, apikeydomain.ErrInvalidOrganization
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, orgID, trimmed)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if current == nil || !current.Usable(now) {
			return apikeydomain.ErrNotFound
		}

		current.ExpiresAt = lo.ToPtr(now.Add(apiKeyRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := newKeyID(id)
		plain, hash, err := generateAPIKey(nextKeyID)
		if err != nil {
			return err
		}

		next := &apikeydomain.APIKey{
			ID:               id,
			OrgID:            orgID,
			KeyID:            nextKeyID,
			Name:             current.Name,
			KeyHash:          hash,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: lo.ToPtr(current.KeyID),
		}
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Revoke(ctx context.Context, orgID snowflake.ID, keyID string) error {
	if orgID == 0 {
		return apikeydomain.ErrInvalidOrganization
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, orgID, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}
	if key.RevokedAt != nil {
		return nil
	}

	now := s.clock.Now()
	key.RevokedAt = &now
	key.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}
	if s.resolverCache != nil {
		s.resolverCache.InvalidateAPIKey(key.KeyHash)
	}
	s.log.Info("api key revoked", zap.String("org_id", orgID.String()), zap.String("key_id", key.KeyID))
	return nil
}

func (s *Service) ResolveOrg(ctx context.Context, raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apikeydomain.ErrInvalidAPIKey
	}
	hash := apikeydomain.HashAPIKey(raw)
	if s.resolverCache != nil {
		if orgID, ok := s.resolverCache.GetOrgByAPIKey(hash); ok {
			return orgID, nil
		}
	}

	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return 0, err
	}
	if key == nil || !key.Usable(s.clock.Now()) {
		return 0, apikeydomain.ErrInvalidAPIKey
	}
	if s.resolverCache != nil {
		s.resolverCache.SetOrgByAPIKey(hash, key.OrgID)
	}
	return key.OrgID, nil
}

func toResponse(key apikeydomain.APIKey, now time.Time) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Active:           key.Usable(now),
		CreatedAt:        key.CreatedAt,
		ExpiresAt:        key.ExpiresAt,
		RevokedAt:        key.RevokedAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	plain := fmt.Sprintf("%s%s_%s", apiKeyPrefix, strings.TrimPrefix(keyID, "key_"), hex.EncodeToString(secret))
	return plain, apikeydomain.HashAPIKey(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}
