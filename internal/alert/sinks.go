package alert

import (
	"context"
	"errors"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/rs/zerolog/log"
)

// Sink is implemented by every notifier in this package.
type Sink interface {
	Notify(ctx context.Context, title, message string) error
}

// Log writes alerts to the structured log. It never fails.
type Log struct{}

func (Log) Notify(_ context.Context, title, message string) error {
	log.Warn().Str("title", title).Str("message", message).Msg("operator_alert")
	observability.RecordAlert("log", nil)
	return nil
}

// Fanout notifies every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
