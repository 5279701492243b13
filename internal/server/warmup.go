package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"shopimg/internal/logging"
)

// MessageReader is the consumer side of the warm-up topic. *kafka.Reader
// satisfies it.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// ProcessImage pre-generates the warm-up sizes of the record named by idStr.
func (s *Server) ProcessImage(ctx context.Context, idStr string) error {
	const op = "server.ProcessImage"
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rec, err := s.records.GetRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ready, err := s.engine.Warm(ctx, rec, s.cfg.WarmSizes...)
	logging.Info(component, "warm-up finished", "id", rec.ID, "ready", ready, "requested", len(s.cfg.WarmSizes))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Consume processes warm-up events until ctx is cancelled or the reader is
// closed. A failed event is logged and skipped. A failed read is retried
// after readBackoff.
func (s *Server) Consume(ctx context.Context, r MessageReader) {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			logging.Error(component, "error reading message", "err", err, "retry_in", s.readBackoff)
			t := time.NewTimer(s.readBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		if err := s.ProcessImage(ctx, string(msg.Value)); err != nil {
			logging.Error(component, "error processing image", "offset", msg.Offset, "err", err)
		}
	}
}
