package invoice

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/meterline/meterline/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service interface {
	Get(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	// Transition applies one lifecycle step; PAID stamps paid_at.
	Transition(ctx context.Context, orgID, invoiceID snowflake.ID, to Status) (*Invoice, error)
	// MaterializeOverdue flips PENDING invoices past their due date to
	// OVERDUE and returns how many moved.
	MaterializeOverdue(ctx context.Context) (int, error)
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
		log:   p.Log.Named("invoice.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *service) Get(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error) {
	return s.repo.FindByID(ctx, s.db, orgID, invoiceID)
}

func (s *service) Transition(ctx context.Context, orgID, invoiceID snowflake.ID, to Status) (*Invoice, error) {
	inv, err := s.repo.FindByID(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Status.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	now := s.clock.Now()
	inv.Status = to
	inv.UpdatedAt = now
	if to == StatusPaid {
		inv.PaidAt = &now
	}
	if err := s.repo.UpdateStatus(ctx, s.db, inv); err != nil {
		return nil, err
	}
	s.log.Info("invoice status changed",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("status", string(to)))
	return inv, nil
}

func (s *service) MaterializeOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	moved := 0
	for {
		pastDue, err := s.repo.ListPastDue(ctx, s.db, now, 100)
		if err != nil {
			return moved, err
		}
		if len(pastDue) == 0 {
			return moved, nil
		}
		for i := range pastDue {
			pastDue[i].Status = StatusOverdue
			pastDue[i].UpdatedAt = now
			if err := s.repo.UpdateStatus(ctx, s.db, &pastDue[i]); err != nil {
				return moved, err
			}
			moved++
		}
		if len(pastDue) < 100 {
			return moved, nil
		}
	}
}
