package service

import (
	"context"
	"time"

	"github.com/xiaot623/rpbridge/internal/domain"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
)

// ListDeliveries lists deliveries in a status, permanently failed by default.
func (s *Service) ListDeliveries(ctx context.Context, status string, limit int) ([]domain.Delivery, error) {
	st := domain.DeliveryStatus(status)
	if status == "" {
		st = domain.DeliveryStatusFailed
	}
	if !st.Valid() {
		return nil, domain.NewError(domain.KindMalformedRequest, "unknown delivery status "+status)
	}
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}
	if limit > maxDeliveryLimit {
		limit = maxDeliveryLimit
	}
	deliveries, err := s.store.ListDeliveries(ctx, st, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to list deliveries", err)
	}
	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}
	return deliveries, nil
}

// GetDelivery returns a session's delivery with its attempt log.
func (s *Service) GetDelivery(ctx context.Context, sessionID string) (*domain.DeliveryDetail, error) {
	del, err := s.store.GetDelivery(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to load delivery", err)
	}
	if del == nil {
		return nil, domain.NewError(domain.KindSessionNotFound, "no delivery for session "+sessionID)
	}
	attempts, err := s.store.ListDeliveryAttempts(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to load delivery attempts", err)
	}
	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}
	return &domain.DeliveryDetail{Delivery: *del, AttemptLog: attempts}, nil
}

// Redeliver resets a permanently failed delivery and schedules it again with
// a fresh attempt budget.
func (s *Service) Redeliver(ctx context.Context, sessionID string, now time.Time) (*domain.Delivery, error) {
	reset, err := s.store.ResetDelivery(ctx, sessionID, now.UTC())
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to reset delivery", err)
	}
	if !reset {
		detail, err := s.GetDelivery(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return nil, domain.NewError(domain.KindInvalidTransition, "delivery is "+string(detail.Status)+", not failed")
	}

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Enqueue(ctx, sess); err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to schedule redelivery", err)
	}
	s.log.WithField("session_id", sessionID).Info("redelivery scheduled by operator")

	del, err := s.store.GetDelivery(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to load delivery", err)
	}
	return del, nil
}
