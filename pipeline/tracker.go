package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/audiarr-project/audiarr/internal/notify"
	"github.com/dustin/go-humanize"
)

// Event is one coalesced progress update for a queue item.
type Event struct {
	ItemID     string        `json:"item_id"`
	Title      string        `json:"title"`
	SourceType db.SourceType `json:"source_type"`
	Stage      db.Stage      `json:"stage"`
	// Progress is in x/1000.
	Progress   uint16    `json:"progress"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	Rate       int64     `json:"rate"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Tracker aggregates poll results and stage transitions into at most one
// pushed notification per item per interval. The full current state is always
// available through Snapshot for consumers that were offline.
type Tracker struct {
	interval  time.Duration
	events    chan Event
	notifiers []notify.INotifier

	mu       sync.Mutex
	latest   map[string]Event
	lastPush map[string]pushRecord

	dropped int64

	now func() time.Time
}

type pushRecord struct {
	at    time.Time
	stage db.Stage
}

func NewTracker(cfg *config.TrackerConfig, notifiers []notify.INotifier) *Tracker {
	return &Tracker{
		interval:  time.Duration(cfg.NotifyIntervalSeconds) * time.Second,
		events:    make(chan Event, cfg.BufferSize),
		notifiers: notifiers,
		latest:    make(map[string]Event),
		lastPush:  make(map[string]pushRecord),
		now:       time.Now,
	}
}

// Publish records the event and pushes it when the item's coalescing interval
// elapsed. Stage changes push immediately: they are rare and consumers must
// not miss a terminal stage while the interval runs down.
func (t *Tracker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}

	t.mu.Lock()
	t.latest[ev.ItemID] = ev

	last, seen := t.lastPush[ev.ItemID]
	push := !seen || ev.Stage != last.stage || t.now().Sub(last.at) >= t.interval
	if push {
		t.lastPush[ev.ItemID] = pushRecord{at: t.now(), stage: ev.Stage}
	}
	t.mu.Unlock()

	if !push {
		return
	}

	select {
	case t.events <- ev:
	default:
		// Consumer is not keeping up; the snapshot still has the truth.
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}

	if ev.Stage.IsTerminal() || ev.Stage == db.StageFailed || ev.Stage == db.StageSeeding {
		t.notifyAll(ev)
	}
}

// Events is the push contract: a bounded stream of coalesced events.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Snapshot is the pull contract: the latest event per known item, ordered by
// item id so output is stable.
func (t *Tracker) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make([]Event, 0, len(t.latest))
	for _, ev := range t.latest {
		snapshot = append(snapshot, ev)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ItemID < snapshot[j].ItemID })
	return snapshot
}

// Dropped reports how many pushed events were discarded on a full buffer.
func (t *Tracker) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Forget drops an item from the snapshot after its record was destroyed.
func (t *Tracker) Forget(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.latest, itemID)
	delete(t.lastPush, itemID)
}

func (t *Tracker) notifyAll(ev Event) {
	if len(t.notifiers) == 0 {
		return
	}

	msg := formatNotification(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, n := range t.notifiers {
		_ = n.Notify(ctx, msg)
	}
}

func formatNotification(ev Event) string {
	title := ev.Title
	if title == "" {
		title = ev.ItemID
	}

	switch ev.Stage {
	case db.StageFailed:
		return fmt.Sprintf("%s failed: %s", title, ev.Error)
	case db.StageCancelled:
		return fmt.Sprintf("%s cancelled", title)
	case db.StageImported:
		return fmt.Sprintf("%s imported (%s)", title, humanize.Bytes(uint64(ev.BytesTotal)))
	case db.StageSeeding:
		return fmt.Sprintf("%s imported, seeding (%s)", title, humanize.Bytes(uint64(ev.BytesTotal)))
	default:
		return fmt.Sprintf("%s: %s %s/%s at %s/s",
			title, ev.Stage,
			humanize.Bytes(uint64(ev.BytesDone)),
			humanize.Bytes(uint64(ev.BytesTotal)),
			humanize.Bytes(uint64(ev.Rate)))
	}
}
