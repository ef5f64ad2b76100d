package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/meterline/meterline/internal/apikey/domain"
	"github.com/meterline/meterline/internal/apikey/repository"
	"github.com/meterline/meterline/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiKeySecretBytes = 32

var allowedPermissions = map[string]bool{
	apikeydomain.PermissionEventsWrite: true,
	apikeydomain.PermissionUsageRead:   true,
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  repository.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Validate(ctx context.Context, bearer string) (*apikeydomain.Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if !strings.HasPrefix(bearer, apikeydomain.KeyPrefix) {
		return nil, apikeydomain.ErrInvalidCredential
	}

	hash := apikeydomain.HashAPIKey(bearer)
	key, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return nil, err
	}
	if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apikeydomain.ErrInvalidCredential
	}

	now := s.clock.Now()
	if key.RevokedAt != nil {
		return nil, apikeydomain.ErrRevokedCredential
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, apikeydomain.ErrExpiredCredential
	}

	s.touchLastUsed(key.ID, now)

	permissions := make([]string, 0, len(key.Permissions))
	permissions = append(permissions, key.Permissions...)
	return &apikeydomain.Identity{
		OrgID:       key.OrgID,
		KeyID:       key.ID,
		Permissions: permissions,
	}, nil
}

// touchLastUsed schedules a best-effort last_used_at update. It must not
// block request completion and must tolerate failure.
func (s *Service) touchLastUsed(id snowflake.ID, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.TouchLastUsed(ctx, s.db, id, at); err != nil {
			s.log.Debug("last_used_at update failed", zap.Error(err))
		}
	}()
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	if len(req.Permissions) == 0 {
		return nil, apikeydomain.ErrInvalidPermission
	}
	for _, p := range req.Permissions {
		if !allowedPermissions[p] {
			return nil, apikeydomain.ErrInvalidPermission
		}
	}

	plain, hash, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	key := &apikeydomain.APIKey{
		ID:          s.genID.Generate(),
		OrgID:       req.OrgID,
		Name:        name,
		Prefix:      displayPrefix(plain),
		KeyHash:     hash,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{ID: key.ID, Prefix: key.Prefix, APIKey: plain}, nil
}

func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]apikeydomain.Response, error) {
	keys, err := s.repo.List(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(keys))
	for i := range keys {
		resp = append(resp, toResponse(&keys[i]))
	}
	return resp, nil
}

func (s *Service) Revoke(ctx context.Context, orgID, keyID snowflake.ID) error {
	key, err := s.repo.FindByID(ctx, s.db, orgID, keyID)
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
	return s.repo.Update(ctx, s.db, key)
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		ID:          key.ID,
		Name:        key.Name,
		Prefix:      key.Prefix,
		Permissions: key.Permissions,
		ExpiresAt:   key.ExpiresAt,
		RevokedAt:   key.RevokedAt,
		LastUsedAt:  key.LastUsedAt,
		CreatedAt:   key.CreatedAt,
	}
}

func generateAPIKey() (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	plain := apikeydomain.KeyPrefix + hex.EncodeToString(secret)
	return plain, apikeydomain.HashAPIKey(plain), nil
}

func displayPrefix(plain string) string {
	end := len(apikeydomain.KeyPrefix) + 6
	if end > len(plain) {
		end = len(plain)
	}
	return plain[:end]
}
