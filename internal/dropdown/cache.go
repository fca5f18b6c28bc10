package dropdown

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"dealflow/internal/domain"
	"dealflow/internal/store"
)

// CacheKey is the single key holding the serialized active option list.
const CacheKey = "dropdown_options:active"

// Option is the wire shape of a dropdown entry.
type Option struct {
	ID           string          `json:"id"`
	FieldName    string          `json:"field_name"`
	OptionValues json.RawMessage `json:"option_values"`
	DisplayOrder int             `json:"display_order"`
	TooltipText  *string         `json:"tooltip_text"`
	IsActive     bool            `json:"is_active"`
}

// Service serves the active dropdown options through a read-through Redis
// cache. Writes to the backing table must call Invalidate before their
// response is sent, so the next read always sees fresh data. Concurrent
// readers may race to repopulate after a miss; the store is the source of
// truth, so losing that race only costs one extra query.
type Service struct {
	repo  store.Repository
	redis *redis.Client
	ttl   time.Duration
}

func NewService(repo store.Repository, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{repo: repo, redis: rdb, ttl: ttl}
}

// ListActive returns the serialized active options, cached. The cached
// bytes are returned verbatim so repeated reads without intervening writes
// are byte-identical.
func (s *Service) ListActive(ctx context.Context) ([]byte, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, CacheKey).Bytes()
		if err == nil {
			return cached, nil
		}
		if err != redis.Nil {
			log.Warn().Err(err).Msg("dropdown cache read failed, falling back to store")
		}
	}
	return s.Refresh(ctx)
}

// Refresh queries the store and repopulates the cache, returning the bytes
// it stored.
func (s *Service) Refresh(ctx context.Context) ([]byte, error) {
	opts, err := s.repo.ListActiveDropdownOptions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Option, 0, len(opts))
	for _, o := range opts {
		out = append(out, toOption(o))
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, CacheKey, payload, s.ttl).Err(); err != nil {
			log.Warn().Err(err).Msg("dropdown cache write failed")
		}
	}
	return payload, nil
}

// Invalidate drops the cached option list. Called synchronously from every
// dropdown write path.
func (s *Service) Invalidate(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, CacheKey).Err(); err != nil {
		log.Error().Err(err).Msg("dropdown cache invalidation failed")
		return
	}
	log.Info().Str("key", CacheKey).Msg("dropdown cache invalidated")
}

func toOption(o domain.DropdownOption) Option {
	values := json.RawMessage(o.OptionValues)
	if !json.Valid(values) {
		values = json.RawMessage("{}")
	}
	return Option{
		ID:           o.ID,
		FieldName:    o.FieldName,
		OptionValues: values,
		DisplayOrder: o.DisplayOrder,
		TooltipText:  o.TooltipText,
		IsActive:     o.IsActive,
	}
}
