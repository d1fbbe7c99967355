package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/events"
)

// EventLog is the append side of a store's run event log.
type EventLog interface {
	AppendEvent(ctx context.Context, event *RunEvent) error
}

// JournalTypes are the bus events the journal records.
var JournalTypes = []string{events.TypeRunStateChanged, events.TypeRunPollFailed}

// NewJournal returns a bus handler that appends run events to log. Subscribe
// it with events.FilterByType(JournalTypes...).
func NewJournal(log EventLog, logger zerolog.Logger) events.Handler {
	logger = logger.With().Str("component", "journal").Logger()

	return func(ev events.Event) {
		if ev.RunID == "" {
			return
		}

		rec := &RunEvent{
			RunID:     ev.RunID,
			Type:      ev.Type,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		}
		rec.FromState, _ = ev.Data[events.DataFrom].(string)
		rec.ToState, _ = ev.Data[events.DataTo].(string)

		details := make(map[string]interface{}, len(ev.Data))
		for k, v := range ev.Data {
			if k == events.DataFrom || k == events.DataTo || k == events.DataRunnable {
				continue
			}
			details[k] = v
		}
		if len(details) > 0 {
			if raw, err := json.Marshal(details); err == nil {
				s := string(raw)
				rec.Details = &s
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := log.AppendEvent(ctx, rec); err != nil {
			logger.Error().Err(err).Str("run_id", ev.RunID).Str("type", ev.Type).Msg("Failed to journal run event")
		}
	}
}
