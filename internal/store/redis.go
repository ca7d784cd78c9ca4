package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/batch-saga/internal/process"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// DefaultArchiveTTL is how long archived records stay around as tombstones.
const DefaultArchiveTTL = 24 * time.Hour

// Redis stores processes as JSON strings and keeps an index set of ids.
//
// Keys:
//
//	<prefix>:process:<id>  JSON record (expires ArchiveTTL after archival)
//	<prefix>:processes     set of known ids
type Redis struct {
	client     *redis.Client
	prefix     string
	archiveTTL time.Duration
	logger     zerolog.Logger
}

// NewRedis returns a Redis-backed store.
func NewRedis(client *redis.Client, prefix string, archiveTTL time.Duration) *Redis {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "batchsaga"
	}
	if archiveTTL <= 0 {
		archiveTTL = DefaultArchiveTTL
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		archiveTTL: archiveTTL,
		logger:     log.With().Str("component", "redis-store").Logger(),
	}
}

func (r *Redis) key(id types.ProcessID) string {
	return r.prefix + ":process:" + string(id)
}

func (r *Redis) indexKey() string {
	return r.prefix + ":processes"
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, id types.ProcessID) (*process.Process, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decode(data)
}

// Save implements Store. The revision check runs inside WATCH/MULTI so two
// coordinator nodes cannot both advance the same process.
func (r *Redis) Save(ctx context.Context, p *process.Process) error {
	data, err := encode(p)
	if err != nil {
		return err
	}

	key := r.key(p.ID)
	ttl := time.Duration(0)
	if p.IsArchived() {
		ttl = r.archiveTTL
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current uint64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			existing, err := decode(raw)
			if err != nil {
				return err
			}
			current = existing.Revision
		}

		if current != p.Revision {
			return fmt.Errorf("%w: process %s at revision %d, saving %d", ErrConflict, p.ID, current, p.Revision)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.SAdd(ctx, r.indexKey(), string(p.ID))
			return nil
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: process %s changed concurrently", ErrConflict, p.ID)
		}
		return err
	}

	p.Revision++
	return nil
}

// List implements Store. Ids whose records expired are pruned from the index.
func (r *Redis) List(ctx context.Context) ([]*process.Process, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	out := make([]*process.Process, 0, len(ids))
	for _, id := range ids {
		p, err := r.Load(ctx, types.ProcessID(id))
		if errors.Is(err, ErrNotFound) {
			// expired archive; a failed prune is retried on the next List
			if err := r.client.SRem(ctx, r.indexKey(), id).Err(); err != nil {
				r.logger.Warn().Err(err).Str("process_id", id).Msg("failed to prune index entry")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
