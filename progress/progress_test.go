package progress

import (
	"errors"
	"testing"
)

type recorder struct {
	events []Event
}

func (r *recorder) Emit(e Event) { r.events = append(r.events, e) }

func TestTrackerMonotonic(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec, 100)
	tr.Update(10)
	tr.Update(5) // should not regress
	tr.Update(50)
	tr.Done()

	last := 0
	for _, e := range rec.events {
		if e.Percent < last {
			t.Fatalf("percent regressed: %d after %d", e.Percent, last)
		}
		last = e.Percent
	}
	if rec.events[len(rec.events)-1].Percent != 100 {
		t.Fatalf("expected final event to be 100, got %d", rec.events[len(rec.events)-1].Percent)
	}
}

func TestTrackerFailKeepsLastPercent(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec, 100)
	tr.Update(40)
	err := errors.New("boom")
	tr.Fail(err)

	last := rec.events[len(rec.events)-1]
	if last.Err != err {
		t.Fatalf("expected Fail event to carry the error")
	}
	if last.Percent != 40 {
		t.Fatalf("expected Fail to report last known percent 40, got %d", last.Percent)
	}
}

func TestWeightedAggregatesChildren(t *testing.T) {
	rec := &recorder{}
	w := NewWeighted(rec, 200)
	w.Update(0, 50)
	w.Update(1, 50)
	w.Done()

	if len(rec.events) == 0 {
		t.Fatalf("expected events to be emitted")
	}
	final := rec.events[len(rec.events)-1]
	if final.Percent != 100 {
		t.Fatalf("expected final percent 100, got %d", final.Percent)
	}
}

func TestWeightedNeverRegresses(t *testing.T) {
	rec := &recorder{}
	w := NewWeighted(rec, 100)
	w.Update(0, 80)
	before := len(rec.events)
	w.Update(0, 10) // regression for this child alone
	if len(rec.events) != before {
		t.Fatalf("expected no new event on regression, got %d new events", len(rec.events)-before)
	}
}

func TestDiscardSinkIsSafe(t *testing.T) {
	Discard.Emit(Event{Percent: 50})
}
