package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/batch-saga/internal/storage/wal"
	"github.com/ChuLiYu/batch-saga/pkg/types"
)

// EventSource yields journaled events in append order. *wal.WAL implements it.
type EventSource interface {
	Replay(handler wal.EventHandler) error
}

// Replay rebuilds process state by re-applying journaled events to the
// coordinator's store. Nothing is sent, journaled or metered; each event
// is applied with the clock set to the time it was recorded. Call
// Recover afterwards to re-send outstanding work.
func (c *Coordinator) Replay(ctx context.Context, src EventSource) (int, error) {
	var at time.Time

	r := *c
	r.sender = SenderFunc(func(context.Context, types.Role, types.Message) error { return nil })
	r.journal = nil
	r.metrics = nil
	r.now = func() time.Time { return at }
	r.logger = c.logger.With().Bool("replay", true).Logger().Level(max(c.logger.GetLevel(), zerolog.WarnLevel))

	applied := 0
	err := src.Replay(func(ev wal.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok := ev.Message()
		if !ok {
			return fmt.Errorf("saga: replay seq=%d: unknown event type %q", ev.Seq, ev.Type)
		}
		at = time.UnixMilli(ev.Timestamp)
		if err := r.Handle(ctx, msg); err != nil {
			return fmt.Errorf("saga: replay seq=%d: %w", ev.Seq, err)
		}
		applied++
		return nil
	})

	c.logger.Info().Int("events", applied).Msg("journal replayed")
	return applied, err
}
