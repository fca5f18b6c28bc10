package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"dealflow/internal/dropdown"
)

// Service re-populates the dropdown cache on a cron schedule so TTL expiry
// and cold starts rarely push a reader through to the store. The store stays
// the source of truth; a warm pass simply rewrites the cache key.
type Service struct {
	cache *dropdown.Service
	cron  *cron.Cron
	spec  string
}

func NewService(cache *dropdown.Service, spec string) *Service {
	return &Service{cache: cache, cron: cron.New(), spec: spec}
}

// Start registers the warm job and launches the cron runner. An empty spec
// disables warming entirely.
func (s *Service) Start(ctx context.Context) error {
	if s.spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(s.spec, func() { s.warm(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("dropdown cache warmer started")
	return nil
}

func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) warm(ctx context.Context) {
	c, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.cache.Refresh(c); err != nil {
		log.Error().Err(err).Msg("dropdown cache warm failed")
		return
	}
	log.Debug().Msg("dropdown cache warmed")
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
