package aggregator

import (
	"sync"
	"sync/atomic"

	"github.com/sweeney/callstats/internal/record"
)

// activeCalls maps call id to its callState.
type activeCalls struct {
	m sync.Map // int64 -> callState
}

func (a *activeCalls) insertIfAbsent(id int64, cs callState) bool {
	_, loaded := a.m.LoadOrStore(id, cs)
	return !loaded
}

func (a *activeCalls) lookup(id int64) (callState, bool) {
	v, ok := a.m.Load(id)
	if !ok {
		return callState{}, false
	}
	return v.(callState), true
}

// replace swaps old for next only if the entry still holds old.
func (a *activeCalls) replace(id int64, old, next callState) bool {
	return a.m.CompareAndSwap(id, old, next)
}

// remove deletes the entry only if it still holds cs.
func (a *activeCalls) remove(id int64, cs callState) bool {
	return a.m.CompareAndDelete(id, cs)
}

// phaseTotals holds cumulative milliseconds per phase. The phase set is
// closed, so a fixed array of atomics gives merge-add without a map.
type phaseTotals struct {
	ms [record.NumPhases]atomic.Int64
}

func (p *phaseTotals) add(phase record.Phase, delta int64) {
	if !phase.Valid() {
		return
	}
	p.ms[phase].Add(delta)
}

func (p *phaseTotals) get(phase record.Phase) int64 {
	if !phase.Valid() {
		return 0
	}
	return p.ms[phase].Load()
}

// partyTotals holds cumulative milliseconds per party. Entries are created
// on first credit and never removed.
type partyTotals struct {
	m sync.Map // string -> *atomic.Int64
}

func (p *partyTotals) add(party string, delta int64) {
	v, ok := p.m.Load(party)
	if !ok {
		v, _ = p.m.LoadOrStore(party, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(delta)
}

func (p *partyTotals) get(party string) int64 {
	v, ok := p.m.Load(party)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (p *partyTotals) snapshot() map[string]int64 {
	out := make(map[string]int64)
	p.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
