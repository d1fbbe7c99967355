package stores

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/events"
)

func TestJournalRecordsRunEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		journal := NewJournal(store, zerolog.Nop())
		now := time.Now().UTC().Truncate(time.Second)

		journal(events.Event{
			Type:      events.TypeRunStateChanged,
			RunID:     "run-1",
			Timestamp: now,
			Data:      map[string]interface{}{events.DataFrom: "BUILT", events.DataTo: "RUNNING"},
		})
		journal(events.Event{
			Type:      events.TypeRunPollFailed,
			RunID:     "run-1",
			Timestamp: now,
			Message:   "engine timeout",
			Data:      map[string]interface{}{events.DataError: "timeout", events.DataTransient: true},
		})
		// Events without a run are not journaled.
		journal(events.Event{Type: events.TypeRunStateChanged})

		got, err := store.ListEvents(context.Background(), "run-1", 10, 0)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got))
		}
		if got[0].FromState != "BUILT" || got[0].ToState != "RUNNING" {
			t.Errorf("unexpected transition: %s -> %s", got[0].FromState, got[0].ToState)
		}
		if got[0].Details != nil {
			t.Errorf("transition should carry no details, got %s", *got[0].Details)
		}
		if got[1].Details == nil || !strings.Contains(*got[1].Details, `"transient":true`) {
			t.Errorf("poll failure details missing: %v", got[1].Details)
		}
		if got[1].Message != "engine timeout" {
			t.Errorf("message = %q, want engine timeout", got[1].Message)
		}
	})
}
