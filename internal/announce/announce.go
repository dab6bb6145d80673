// Package announce fires scheduled proactive sends. Each announcement
// pairs a five-field cron expression with a delivery target and a fixed
// message body, so a bot can post recurring notices without waiting for
// inbound traffic.
package announce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/qqclaw/internal/config"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/router"
)

const (
	// maxSleep caps how long the loop sleeps between wake checks.
	maxSleep = time.Hour

	// deliverTimeout bounds a single announcement delivery.
	deliverTimeout = 2 * time.Minute
)

// cronParser accepts standard five-field expressions
// (minute, hour, day, month, weekday).
var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Sender delivers one proactive message. *router.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, dest router.Destination, content string) error
}

// entry is a validated announcement with its parsed schedule.
type entry struct {
	name     string
	schedule cronlib.Schedule
	loc      *time.Location
	dest     router.Destination
	content  string
	nextRun  time.Time
}

func newEntry(c config.AnnounceConfig) (*entry, error) {
	if strings.TrimSpace(c.Content) == "" {
		return nil, errors.New("empty content")
	}
	dest, err := router.ParseDestination(c.Target)
	if err != nil {
		return nil, err
	}
	schedule, err := cronParser.Parse(c.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", c.Cron, err)
	}
	loc := time.Local
	if c.Timezone != "" {
		if loc, err = time.LoadLocation(c.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	name := c.Name
	if name == "" {
		name = c.Target
	}
	return &entry{name: name, schedule: schedule, loc: loc, dest: dest, content: c.Content}, nil
}

// buildEntries validates the configured announcements and seeds each
// one's first run time. Invalid entries are logged and skipped.
func buildEntries(cfgs []config.AnnounceConfig) []*entry {
	now := time.Now()
	entries := make([]*entry, 0, len(cfgs))
	for _, c := range cfgs {
		e, err := newEntry(c)
		if err != nil {
			L_warn("announce: skipping entry", "name", c.Name, "target", c.Target, "error", err)
			continue
		}
		e.nextRun = e.schedule.Next(now.In(e.loc))
		if e.nextRun.IsZero() {
			L_warn("announce: schedule has no future run, skipping", "name", e.name, "cron", c.Cron)
			continue
		}
		L_info("announce: scheduled", "name", e.name, "target", e.dest.String(), "next", e.nextRun.Format(time.RFC3339))
		entries = append(entries, e)
	}
	return entries
}

// Announcer owns the timer loop that fires configured announcements.
type Announcer struct {
	sender Sender

	mu         sync.Mutex
	entries    []*entry
	pending    []config.AnnounceConfig
	hasPending bool
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	reloadCh chan struct{}
}

// New builds an Announcer from the configured announcements.
func New(sender Sender, cfgs []config.AnnounceConfig) *Announcer {
	return &Announcer{
		sender:   sender,
		entries:  buildEntries(cfgs),
		reloadCh: make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop. Starting a running Announcer is a
// no-op.
func (a *Announcer) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	n := len(a.entries)
	a.mu.Unlock()

	L_info("announce: service started", "entries", n)
	go a.runLoop(ctx)
}

// Stop halts the loop and waits for it to exit.
func (a *Announcer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	<-a.doneCh
	L_info("announce: service stopped")
}

// Reload swaps in a new announcement set. A running loop applies it on
// its next wake, which the reload itself triggers.
func (a *Announcer) Reload(cfgs []config.AnnounceConfig) {
	a.mu.Lock()
	a.pending = cfgs
	a.hasPending = true
	running := a.running
	a.mu.Unlock()

	if !running {
		a.takeReload()
		return
	}
	select {
	case a.reloadCh <- struct{}{}:
	default:
	}
}

func (a *Announcer) takeReload() {
	a.mu.Lock()
	cfgs, ok := a.pending, a.hasPending
	a.pending, a.hasPending = nil, false
	a.mu.Unlock()
	if !ok {
		return
	}

	entries := buildEntries(cfgs)
	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()
	L_info("announce: reloaded", "entries", len(entries))
}

func (a *Announcer) runLoop(ctx context.Context) {
	defer close(a.doneCh)

	timer := time.NewTimer(a.nextWake())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.reloadCh:
			timer.Stop()
			a.takeReload()
		case <-timer.C:
			a.fireDue(ctx)
		}
		timer.Reset(a.nextWake())
	}
}

// nextWake returns how long to sleep until the earliest pending
// announcement.
func (a *Announcer) nextWake() time.Duration {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	minWait := maxSleep
	for _, e := range a.entries {
		if wait := e.nextRun.Sub(now); wait < minWait {
			minWait = wait
		}
	}
	if minWait < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return minWait
}

// fireDue sends every announcement whose run time has arrived and
// advances its schedule. An entry whose schedule yields no further run
// is dropped.
func (a *Announcer) fireDue(ctx context.Context) {
	now := time.Now()

	a.mu.Lock()
	var due, kept []*entry
	for _, e := range a.entries {
		if e.nextRun.After(now) {
			kept = append(kept, e)
			continue
		}
		due = append(due, e)
		e.nextRun = e.schedule.Next(now.In(e.loc))
		if e.nextRun.IsZero() {
			L_warn("announce: schedule has no future run, dropping", "name", e.name)
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	a.mu.Unlock()

	for _, e := range due {
		a.deliver(ctx, e.name, e.dest, e.content)
	}
}

func (a *Announcer) deliver(ctx context.Context, name string, dest router.Destination, content string) {
	L_info("announce: firing", "name", name, "target", dest.String())

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	if err := a.sender.Send(ctx, dest, content); err != nil {
		L_error("announce: delivery failed", "name", name, "target", dest.String(), "error", err)
		return
	}
	L_debug("announce: delivered", "name", name, "target", dest.String())
}

// Status describes one scheduled announcement.
type Status struct {
	Name    string
	Target  string
	NextRun time.Time
}

// Snapshot reports the current schedule, soonest first.
func (a *Announcer) Snapshot() []Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Status, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, Status{Name: e.name, Target: e.dest.String(), NextRun: e.nextRun})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}
