package service

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
	"github.com/usamaa022/cashier-system-sub000/internal/lock"
	"github.com/usamaa022/cashier-system-sub000/internal/store"
	"github.com/usamaa022/cashier-system-sub000/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo                     store.Repository
	locker                   lock.Locker
	logger                   *logrus.Logger
	defaultExpensePercentage decimal.Decimal
}

func New(repo store.Repository, locker lock.Locker, logger *logrus.Logger, defaultExpensePercentage decimal.Decimal) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Service{
		repo:                     repo,
		locker:                   locker,
		logger:                   logger,
		defaultExpensePercentage: defaultExpensePercentage,
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityType), strings.TrimSpace(entityID), limit)
}

// withBillLock runs fn while holding the per-bill lock, so two changes to
// returns of the same sale bill never interleave their read and write.
func (s *Service) withBillLock(ctx context.Context, pharmacyID string, billID string, fn func() error) error {
	key := lock.BillKey(pharmacyID, billID)
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":   "service",
				"function": "withBillLock",
				"key":      key,
			}).WithError(err).Warn("failed to release bill lock")
		}
	}()
	return fn()
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module":      "audit",
			"action":      action,
			"entity_type": entityType,
			"entity_id":   entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

func actorName(ctx context.Context) string {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return "system"
	}
	return actor.Username
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrAdminRequired
	}
	return nil
}

func dateOrToday(value domain.DateValue) domain.DateValue {
	if value.IsZero() {
		return domain.NewDate(time.Now().UTC())
	}
	return value
}
