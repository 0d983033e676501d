package aggregator

import (
	"fmt"
	"sync/atomic"

	"github.com/sweeney/callstats/internal/record"
)

// Aggregator consumes call event records and maintains running statistics:
// active and completed call counts, cumulative time per phase, and cumulative
// call time per party.
//
// OnRecord and the query methods are safe for concurrent use. Records for the
// same call must be delivered in phase order by a single producer at a time;
// records for different calls may arrive from any goroutine.
type Aggregator struct {
	calls   activeCalls
	phases  phaseTotals
	parties partyTotals

	active    atomic.Int64
	completed atomic.Int64

	malformed  atomic.Int64
	unexpected atomic.Int64
	regressed  atomic.Int64

	clock      Clock
	strict     bool
	onComplete func(Completion)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the time source. Defaults to MonotonicClock.
func WithClock(c Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithStrict makes unexpected transitions and clock regressions panic
// instead of being dropped or clamped.
func WithStrict(strict bool) Option {
	return func(a *Aggregator) { a.strict = strict }
}

// WithOnComplete registers fn to be called synchronously after each DROP has
// been accounted. fn must not block.
func WithOnComplete(fn func(Completion)) Option {
	return func(a *Aggregator) { a.onComplete = fn }
}

// New creates an Aggregator with empty tables.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{clock: MonotonicClock()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnRecord parses a raw record and applies it. Malformed records are counted
// and otherwise ignored.
func (a *Aggregator) OnRecord(line string) {
	rec, err := record.Parse(line)
	if err != nil {
		a.malformed.Add(1)
		return
	}
	a.apply(rec, a.clock())
}

// Apply applies an already parsed record at the current clock time.
func (a *Aggregator) Apply(rec record.Record) {
	a.apply(rec, a.clock())
}

// apply runs one state machine step. now is the single clock reading for the
// record and is used both to close the previous span and open the next.
func (a *Aggregator) apply(rec record.Record, now int64) {
	switch rec.Phase {
	case record.Dial:
		a.dial(rec, now)
	case record.Ring, record.Talk, record.Hold:
		a.transition(rec, now)
	case record.Drop:
		a.drop(rec, now)
	default:
		a.malformed.Add(1)
	}
}

func (a *Aggregator) dial(rec record.Record, now int64) {
	cs := callState{start: now, current: span{phase: record.Dial, start: now}}
	if !a.calls.insertIfAbsent(rec.CallID, cs) {
		a.reject(rec, "DIAL for a call that is already active")
		return
	}
	a.active.Add(1)
}

func (a *Aggregator) transition(rec record.Record, now int64) {
	cs, ok := a.calls.lookup(rec.CallID)
	if !ok {
		a.reject(rec, "phase change for a call that was never dialed")
		return
	}
	a.advance(rec, cs, now)
}

// advance rotates the open span of cs, the state observed for rec's call.
func (a *Aggregator) advance(rec record.Record, cs callState, now int64) {
	t, regressed := a.closeAt(rec, cs, now)
	next := callState{start: cs.start, current: span{phase: rec.Phase, start: t}}
	if !a.calls.replace(rec.CallID, cs, next) {
		a.reject(rec, "call state changed concurrently")
		return
	}
	if regressed {
		a.regressed.Add(1)
	}

	a.phases.add(cs.current.phase, t-cs.current.start)
}

func (a *Aggregator) drop(rec record.Record, now int64) {
	cs, ok := a.calls.lookup(rec.CallID)
	if !ok {
		a.reject(rec, "DROP for a call that was never dialed")
		return
	}
	a.complete(rec, cs, now)
}

// complete removes the call observed as cs and credits its totals.
func (a *Aggregator) complete(rec record.Record, cs callState, now int64) {
	t, regressed := a.closeAt(rec, cs, now)
	if !a.calls.remove(rec.CallID, cs) {
		a.reject(rec, "call state changed concurrently")
		return
	}
	if regressed {
		a.regressed.Add(1)
	}

	duration := t - cs.start
	a.phases.add(cs.current.phase, t-cs.current.start)
	a.parties.add(rec.CallingParty, duration)
	a.parties.add(rec.ReceivingParty, duration)

	a.active.Add(-1)
	a.completed.Add(1)

	if a.onComplete != nil {
		a.onComplete(Completion{
			CallID:         rec.CallID,
			CallingParty:   rec.CallingParty,
			ReceivingParty: rec.ReceivingParty,
			StartMs:        cs.start,
			EndMs:          t,
			DurationMs:     duration,
			LastPhase:      cs.current.phase,
		})
	}
}

// closeAt returns the time at which the open span of cs closes. A reading
// earlier than the span start is a clock regression; it is clamped to the
// span start so the credited delta is zero. The caller counts the
// regression once its update has been applied.
func (a *Aggregator) closeAt(rec record.Record, cs callState, now int64) (int64, bool) {
	if now >= cs.current.start {
		return now, false
	}
	if a.strict {
		a.regressed.Add(1)
		panic(fmt.Sprintf("aggregator: clock regression on %s: %d < span start %d", rec, now, cs.current.start))
	}
	return cs.current.start, true
}

func (a *Aggregator) reject(rec record.Record, why string) {
	a.unexpected.Add(1)
	if a.strict {
		panic(fmt.Sprintf("aggregator: unexpected transition on %s: %s", rec, why))
	}
}

// ActiveCalls returns the number of calls dialed but not yet dropped.
func (a *Aggregator) ActiveCalls() int {
	return int(a.active.Load())
}

// CompletedCalls returns the number of calls dropped so far.
func (a *Aggregator) CompletedCalls() int {
	return int(a.completed.Load())
}

// TotalPhaseDuration returns the cumulative milliseconds spent in phase
// across all calls. DROP is never credited and always reads 0.
func (a *Aggregator) TotalPhaseDuration(phase record.Phase) int64 {
	return a.phases.get(phase)
}

// TotalPartyTime returns the cumulative milliseconds of completed calls in
// which party took part, or 0 if it has not completed any.
func (a *Aggregator) TotalPartyTime(party string) int64 {
	return a.parties.get(party)
}

// Rejected returns the diagnostic counters.
func (a *Aggregator) Rejected() Diagnostics {
	return Diagnostics{
		Malformed:            a.malformed.Load(),
		UnexpectedTransition: a.unexpected.Load(),
		ClockRegression:      a.regressed.Load(),
	}
}

// Snapshot reads every table. DROP is omitted from PhaseMs.
func (a *Aggregator) Snapshot() Snapshot {
	phases := make(map[record.Phase]int64, record.NumPhases-1)
	for _, p := range record.Phases() {
		if p == record.Drop {
			continue
		}
		phases[p] = a.phases.get(p)
	}
	return Snapshot{
		ActiveCalls:    a.ActiveCalls(),
		CompletedCalls: a.CompletedCalls(),
		PhaseMs:        phases,
		PartyMs:        a.parties.snapshot(),
		Rejected:       a.Rejected(),
	}
}
