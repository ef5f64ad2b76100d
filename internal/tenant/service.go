package tenant

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context, orgID, tenantID snowflake.ID) (*Tenant, error)
	// SetStatus applies a lifecycle transition. DELETED rows stay in the
	// store for referential integrity.
	SetStatus(ctx context.Context, orgID, tenantID snowflake.ID, to Status) (*Tenant, error)
}

type ServiceParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  Repository
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  Repository
}

func NewService(p ServiceParams) Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *service) Get(ctx context.Context, orgID, tenantID snowflake.ID) (*Tenant, error) {
	return s.repo.FindByID(ctx, s.db, orgID, tenantID)
}

func (s *service) SetStatus(ctx context.Context, orgID, tenantID snowflake.ID, to Status) (*Tenant, error) {
	t, err := s.repo.FindByID(ctx, s.db, orgID, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	t.Status = to
	t.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateStatus(ctx, s.db, t); err != nil {
		return nil, err
	}
	s.log.Info("tenant status changed",
		zap.String("tenant_id", t.ID.String()),
		zap.String("status", string(to)))
	return t, nil
}
