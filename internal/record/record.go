package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every error returned from Parse.
var ErrMalformed = errors.New("malformed record")

// Phase is one of the labeled intervals of a call.
type Phase uint8

const (
	Dial Phase = iota
	Ring
	Talk
	Hold
	Drop

	// NumPhases is the number of defined phases.
	NumPhases = int(Drop) + 1
)

var phaseNames = [NumPhases]string{"DIAL", "RING", "TALK", "HOLD", "DROP"}

// Phases returns every phase in declaration order.
func Phases() []Phase {
	return []Phase{Dial, Ring, Talk, Hold, Drop}
}

func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the five defined phases.
func (p Phase) Valid() bool {
	return int(p) < NumPhases
}

// MarshalText encodes the phase by name so it can key JSON objects.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", uint8(p))
	}
	return []byte(phaseNames[p]), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	v, ok := ParsePhase(string(b))
	if !ok {
		return fmt.Errorf("unknown phase %q", b)
	}
	*p = v
	return nil
}

// ParsePhase matches a phase name exactly (case-sensitive).
func ParsePhase(s string) (Phase, bool) {
	for i, name := range phaseNames {
		if s == name {
			return Phase(i), true
		}
	}
	return 0, false
}

// Record is one parsed event from the phone system feed.
type Record struct {
	CallID         int64
	Phase          Phase
	CallingParty   string
	ReceivingParty string
}

func (r Record) String() string {
	return strconv.FormatInt(r.CallID, 10) + "," + r.Phase.String() + "," + r.CallingParty + "," + r.ReceivingParty
}

// Parse decodes "callId,PHASE,callingParty,receivingParty". The record must
// split into exactly four non-empty fields.
func Parse(line string) (Record, error) {
	if line == "" {
		return Record{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformed, len(fields))
	}
	for i, f := range fields {
		if f == "" {
			return Record{}, fmt.Errorf("%w: field %d is empty", ErrMalformed, i+1)
		}
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: call id %q: %v", ErrMalformed, fields[0], err)
	}

	phase, ok := ParsePhase(fields[1])
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown phase %q", ErrMalformed, fields[1])
	}

	return Record{
		CallID:         id,
		Phase:          phase,
		CallingParty:   fields[2],
		ReceivingParty: fields[3],
	}, nil
}

// CallIDPrefix parses only the leading call id field of a raw line.
func CallIDPrefix(line string) (int64, bool) {
	head, _, _ := strings.Cut(line, ",")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
