// Package health implements the background health watcher: it
// samples slot counts, vault lock status, a sovereignty score, and
// the registered skill adapters, and broadcasts an Alert whenever a
// configured threshold is crossed. It never gates admissibility — the
// Policy Gate and Task Governor own that decision — and its only
// write to the knowledge store is an append-only Chronos event per
// sample.
//
// Named internal/health, distinct from internal/governor (the Task
// Governor), to avoid the ambiguity of calling both components
// "Governor."
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sovereign/pagi/internal/kb"
	"github.com/sovereign/pagi/internal/rollback"
	"github.com/sovereign/pagi/internal/skills"
)

// Thresholds configures when a Sample produces one or more Alerts.
type Thresholds struct {
	// MaxSlotKeys flags any slot whose key count meets or exceeds this
	// value. Zero disables the check.
	MaxSlotKeys int
	// MinSovereigntyScore flags the sample if the externally-held
	// sovereignty score falls below this value.
	MinSovereigntyScore float64
	// MaxDeadEnds flags the sample if the genetic memory's dead-end
	// count meets or exceeds this value.
	MaxDeadEnds int
}

// DefaultThresholds mirrors conservative defaults: no per-slot cap,
// alert below a half sovereignty score, alert at 50 accumulated dead
// ends.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxSlotKeys: 0, MinSovereigntyScore: 0.5, MaxDeadEnds: 50}
}

// Sample is one observation of runtime health.
type Sample struct {
	TimestampMs      int64
	SlotKeyCounts    map[string]int
	VaultLocked      bool
	SovereigntyScore float64
	SkillsLoaded     int
	DeadEndCount     int
}

// Alert is emitted on the broadcast channel when a Sample crosses a
// configured threshold.
type Alert struct {
	TimestampMs int64
	Kind        string
	Detail      string
}

// ScoreSource supplies the externally-held sovereignty score; the
// Governor does not compute or own this value, only samples it.
type ScoreSource func() float64

// Governor is the background health watcher.
type Governor struct {
	store      *kb.Store
	rollback   *rollback.Manager
	loader     *skills.Loader
	score      ScoreSource
	thresholds Thresholds
	interval   time.Duration
	agent      string
	log        *zap.Logger

	mu   sync.RWMutex
	subs []chan Alert
}

// Config configures a Governor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	Agent      string
}

func (c Config) resolve() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Agent == "" {
		c.Agent = "sovereign"
	}
	return c
}

// NewGovernor constructs a Governor. score may be nil, in which case
// the sovereignty score is reported as 1.0 (fully sovereign) every
// cycle and the MinSovereigntyScore threshold is never crossed.
func NewGovernor(cfg Config, store *kb.Store, rb *rollback.Manager, loader *skills.Loader, score ScoreSource, log *zap.Logger) *Governor {
	cfg = cfg.resolve()
	if score == nil {
		score = func() float64 { return 1.0 }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		store:      store,
		rollback:   rb,
		loader:     loader,
		score:      score,
		thresholds: cfg.Thresholds,
		interval:   cfg.Interval,
		agent:      cfg.Agent,
		log:        log,
	}
}

// Subscribe registers a new alert listener. The returned channel is
// buffered; a slow subscriber drops alerts rather than blocking the
// Governor, and a drop is logged at warn level.
func (g *Governor) Subscribe() <-chan Alert {
	ch := make(chan Alert, 16)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

func (g *Governor) broadcast(a Alert) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, ch := range g.subs {
		select {
		case ch <- a:
		default:
			g.log.Warn("health: alert dropped, subscriber channel full", zap.String("kind", a.Kind))
		}
	}
}

// Run samples health on a fixed cadence until ctx is canceled. Each
// cycle's failure is logged and swallowed; the watcher never exits on
// a single bad sample.
func (g *Governor) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.safeCycle(ctx)
		}
	}
}

func (g *Governor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("health: cycle panicked, continuing", zap.Any("panic", r))
		}
	}()
	sample, err := g.Sample()
	if err != nil {
		g.log.Warn("health: sample failed", zap.Error(err))
		return
	}
	alerts := g.evaluate(sample)
	for _, a := range alerts {
		g.broadcast(a)
	}
	g.recordEvent(sample, alerts)
}

// Sample collects one observation without evaluating thresholds. It
// reads slot counts from the knowledge store but never writes to it.
func (g *Governor) Sample() (Sample, error) {
	counts := make(map[string]int, 9)
	for _, slot := range kb.AllSlots() {
		n, err := g.store.Count(slot)
		if err != nil {
			return Sample{}, fmt.Errorf("health: count slot %s: %w", slot, err)
		}
		counts[slot.String()] = n
	}

	deadEnds := 0
	if g.rollback != nil {
		deadEnds = g.rollback.DeadEndCount()
	}
	skillsLoaded := 0
	if g.loader != nil {
		skillsLoaded = len(g.loader.ListLoaded())
	}

	return Sample{
		TimestampMs:      time.Now().UnixMilli(),
		SlotKeyCounts:    counts,
		VaultLocked:      !g.store.VaultUnlocked(),
		SovereigntyScore: g.score(),
		SkillsLoaded:     skillsLoaded,
		DeadEndCount:     deadEnds,
	}, nil
}

// evaluate compares sample against thresholds and returns any Alerts
// it crosses. Pure function of its inputs; does not mutate Governor
// state or the knowledge store.
func (g *Governor) evaluate(sample Sample) []Alert {
	var alerts []Alert
	if g.thresholds.MaxSlotKeys > 0 {
		for slot, n := range sample.SlotKeyCounts {
			if n >= g.thresholds.MaxSlotKeys {
				alerts = append(alerts, Alert{
					TimestampMs: sample.TimestampMs,
					Kind:        "slot_key_count",
					Detail:      fmt.Sprintf("slot %s has %d keys (threshold %d)", slot, n, g.thresholds.MaxSlotKeys),
				})
			}
		}
	}
	if sample.SovereigntyScore < g.thresholds.MinSovereigntyScore {
		alerts = append(alerts, Alert{
			TimestampMs: sample.TimestampMs,
			Kind:        "sovereignty_score",
			Detail:      fmt.Sprintf("sovereignty score %.2f below threshold %.2f", sample.SovereigntyScore, g.thresholds.MinSovereigntyScore),
		})
	}
	if g.thresholds.MaxDeadEnds > 0 && sample.DeadEndCount >= g.thresholds.MaxDeadEnds {
		alerts = append(alerts, Alert{
			TimestampMs: sample.TimestampMs,
			Kind:        "dead_end_count",
			Detail:      fmt.Sprintf("%d dead ends recorded (threshold %d)", sample.DeadEndCount, g.thresholds.MaxDeadEnds),
		})
	}
	return alerts
}

// recordEvent appends the sample as a single Chronos event. This is
// the Governor's only write to the knowledge store.
func (g *Governor) recordEvent(sample Sample, alerts []Alert) {
	outcome := "healthy"
	if len(alerts) > 0 {
		details := make([]string, 0, len(alerts))
		for _, a := range alerts {
			details = append(details, a.Kind)
		}
		outcome = fmt.Sprintf("alerts: %v", details)
	}
	ev := kb.EventRecord{
		SourceKB:   kb.Pneuma.String(),
		Reflection: fmt.Sprintf("health sample: vault_locked=%v skills_loaded=%d dead_ends=%d sovereignty=%.2f", sample.VaultLocked, sample.SkillsLoaded, sample.DeadEndCount, sample.SovereigntyScore),
		Outcome:    outcome,
	}
	if _, err := g.store.AppendChronosEvent(g.agent, ev); err != nil {
		g.log.Warn("health: failed to append chronos event", zap.Error(err))
	}
}
