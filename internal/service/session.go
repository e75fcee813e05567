package service

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/rpbridge/internal/domain"
)

// GetSession returns a session or a session_not_found error.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "failed to load session", err)
	}
	if sess == nil {
		return nil, domain.NewError(domain.KindSessionNotFound, "session "+sessionID+" does not exist")
	}
	return sess, nil
}

// UpdateSessionStatus applies a status change reported by the roleplay
// runtime. Terminal transitions enqueue result delivery without waiting for
// it. Repeating the same terminal status is accepted and re-enqueues, which
// is a no-op once the delivery exists.
func (s *Service) UpdateSessionStatus(ctx context.Context, sessionID string, update domain.SessionStatusUpdate, now time.Time) (*domain.Session, error) {
	if !update.Status.Valid() {
		return nil, domain.NewError(domain.KindMalformedRequest, "unknown session status "+string(update.Status))
	}
	if len(update.Outcome) > 0 && !json.Valid(update.Outcome) {
		return nil, domain.NewError(domain.KindMalformedRequest, "outcome must be valid JSON")
	}

	log := s.log.WithFields(logrus.Fields{"session_id": sessionID, "status": update.Status})
	sess, err := s.store.TransitionSession(ctx, sessionID, update.Status, update.Outcome, now.UTC())
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidTransition:
			current, gerr := s.GetSession(ctx, sessionID)
			if gerr != nil || current.Status != update.Status || !current.Status.IsTerminal() {
				return nil, err
			}
			sess = current
		case domain.KindSessionNotFound:
			return nil, err
		default:
			return nil, domain.WrapError(domain.KindInternal, "failed to update session", err)
		}
	} else {
		log.Info("session status updated")
	}

	if sess.Status.IsTerminal() {
		if err := s.dispatcher.Enqueue(ctx, sess); err != nil {
			log.WithError(err).Error("failed to enqueue results delivery")
			return nil, domain.WrapError(domain.KindInternal, "failed to schedule results delivery", err)
		}
	}
	return sess, nil
}

// ResolveLaunchPage routes a browser arriving from a launch redirect to the
// first roleplay of the cluster, moving a pending session to in progress.
func (s *Service) ResolveLaunchPage(ctx context.Context, clusterID, sessionID string, now time.Time) (string, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.ClusterID != clusterID {
		return "", domain.NewError(domain.KindSessionNotFound, "session does not belong to cluster "+clusterID)
	}
	if sess.Status.IsTerminal() {
		return "", domain.NewError(domain.KindInvalidTransition, "session has already finished")
	}
	roleplayID, err := s.FirstRoleplayInCluster(ctx, clusterID)
	if err != nil {
		return "", err
	}

	if sess.Status == domain.SessionStatusPending {
		_, err := s.store.TransitionSession(ctx, sessionID, domain.SessionStatusInProgress, nil, now.UTC())
		// A concurrent page load may have started it already.
		if err != nil && domain.KindOf(err) != domain.KindInvalidTransition {
			return "", domain.WrapError(domain.KindInternal, "failed to start session", err)
		}
	}

	q := url.Values{}
	q.Set("session_id", sessionID)
	return "/roleplay/" + url.PathEscape(roleplayID) + "?" + q.Encode(), nil
}

// ReturnURL returns the partner return URL for a finished session, with the
// session id and final status appended.
func (s *Service) ReturnURL(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !sess.Status.IsTerminal() {
		return "", domain.NewError(domain.KindInvalidTransition, "session is still in progress")
	}
	u, err := url.Parse(sess.ReturnURL)
	if err != nil {
		return "", domain.WrapError(domain.KindInternal, "stored return url is invalid", err)
	}
	q := u.Query()
	q.Set("session_id", sess.SessionID)
	q.Set("status", string(sess.Status))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
