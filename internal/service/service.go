// Package service implements the launch handshake, session lifecycle and
// partner synchronisation on top of the store.
package service

import (
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/rpbridge/internal/config"
	"github.com/xiaot623/rpbridge/internal/dispatch"
	"github.com/xiaot623/rpbridge/internal/policy"
	"github.com/xiaot623/rpbridge/internal/repository"
	"github.com/xiaot623/rpbridge/internal/token"
)

type Service struct {
	store        store.Store
	codec        *token.Codec
	policyEngine *policy.Engine
	dispatcher   *dispatch.Dispatcher
	metadata     *MetadataSyncer
	config       *config.Config
	replay       *token.ReplayGuard
	locks        *keyLock
	log          *logrus.Entry
}

func New(store store.Store, codec *token.Codec, policyEngine *policy.Engine, dispatcher *dispatch.Dispatcher, metadata *MetadataSyncer, cfg *config.Config, log *logrus.Entry) *Service {
	s := &Service{
		store:        store,
		codec:        codec,
		policyEngine: policyEngine,
		dispatcher:   dispatcher,
		metadata:     metadata,
		config:       cfg,
		locks:        newKeyLock(),
		log:          log,
	}
	if cfg.TokenSingleUse {
		s.replay = token.NewReplayGuard()
	}
	return s
}
