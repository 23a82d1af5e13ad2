package status

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a download job.
type Status int32

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
)

var names = map[Status]string{
	Pending:   "pending",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int32(s))
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CanTransition reports whether moving from s to next is a legal edge of the
// job state machine. Terminal states have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return false
	}

	switch s {
	case Pending:
		return next == Running || next == Cancelled || next == Failed
	case Running:
		return next.IsTerminal()
	default:
		return false
	}
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status from its string name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	parsed, err := Parse(name)
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// Parse returns the status named by s.
func Parse(s string) (Status, error) {
	for st, name := range names {
		if strings.EqualFold(s, name) {
			return st, nil
		}
	}

	return Pending, fmt.Errorf("unknown status %q", s)
}
