package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/observability"
	"github.com/xiaot623/rpbridge/internal/token"
)

// LaunchPagePath is the roleplay system's own launch page.
const LaunchPagePath = "/assessment/launch"

// Launch verifies a partner launch request and returns the session the user
// should be redirected into. A live session for the same user and cluster is
// reused; otherwise a new attempt is created.
func (s *Service) Launch(ctx context.Context, req domain.LaunchRequest, now time.Time) (*domain.LaunchResult, error) {
	ctx, span := observability.StartSpan(ctx, "service.Launch",
		attribute.String("cluster.id", req.ClusterID))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	fingerprint := token.Fingerprint(req.AuthToken)
	log := s.log.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"cluster_id": req.ClusterID,
		"token_fp":   fingerprint,
	})

	claims, err := s.codec.Verify(req.AuthToken, now)
	if err != nil {
		kind := token.KindOf(err)
		log.WithField("reason", kind).Warn("launch token rejected")
		return nil, domain.WrapError(domain.KindUnauthorized, "launch token rejected: "+string(kind), err)
	}
	if claims.UserID != req.UserID || claims.ClusterID != req.ClusterID {
		log.Warn("launch token claims do not match request")
		return nil, domain.NewError(domain.KindClaimMismatch, "token claims do not match the requested user and cluster")
	}

	cluster, err := s.ResolveCluster(ctx, req.ClusterID)
	if err != nil {
		return nil, err
	}

	reasons, err := s.policyEngine.Evaluate(ctx, map[string]string{
		"return_url":  req.ReturnURL,
		"results_url": req.ResultsURL,
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "url policy unavailable", err)
	}
	if len(reasons) > 0 {
		log.WithField("reasons", reasons).Warn("launch urls denied by policy")
		return nil, domain.NewError(domain.KindPolicyDenied, strings.Join(reasons, "; "))
	}

	unlock := s.locks.Lock(req.UserID + "\x00" + cluster.ClusterID)
	defer unlock()

	var sess *domain.Session
	created := false
	if sessionID, seen := s.lookupReplay(fingerprint, now); seen {
		sess, err = s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to load session", err)
		}
		if sess == nil || sess.Status.IsTerminal() {
			log.Warn("launch token replayed after its session ended")
			return nil, domain.NewError(domain.KindTokenReplayed, "launch token has already been used")
		}
	} else {
		sess, created, err = s.store.FindOrCreateLiveSession(ctx, &domain.Session{
			SessionID:  uuid.New().String(),
			UserID:     req.UserID,
			UserName:   req.UserName,
			ClusterID:  cluster.ClusterID,
			Status:     domain.SessionStatusPending,
			ReturnURL:  req.ReturnURL,
			ResultsURL: req.ResultsURL,
			StartedAt:  now.UTC(),
		})
		if err != nil {
			return nil, domain.WrapError(domain.KindInternal, "failed to start session", err)
		}
		if s.replay != nil {
			s.replay.Consume(fingerprint, sess.SessionID, claims.ExpiresAt, now)
		}
	}

	span.SetAttributes(attribute.String("session.id", sess.SessionID), attribute.Bool("session.resumed", !created))
	log.WithFields(logrus.Fields{
		"session_id": sess.SessionID,
		"attempt":    sess.Attempt,
		"resumed":    !created,
	}).Info("launch accepted")

	return &domain.LaunchResult{
		RedirectURL: s.launchPageURL(cluster.ClusterID, sess.SessionID),
		SessionID:   sess.SessionID,
		Attempt:     sess.Attempt,
		Resumed:     !created,
	}, nil
}

func (s *Service) lookupReplay(fingerprint string, now time.Time) (string, bool) {
	if s.replay == nil {
		return "", false
	}
	return s.replay.Lookup(fingerprint, now)
}

func (s *Service) launchPageURL(clusterID, sessionID string) string {
	q := url.Values{}
	q.Set("assessment_cluster_id", clusterID)
	q.Set("session_id", sessionID)
	return strings.TrimSuffix(s.config.PublicBaseURL, "/") + LaunchPagePath + "?" + q.Encode()
}
