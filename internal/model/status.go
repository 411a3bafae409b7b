package model

import "fmt"

// ProcessingStatus is the pipeline's explicit state machine over an order.
// Skipped is a terminal outcome distinct from Failed: the order left the
// qualifying state upstream before we fetched it, which is a race, not an
// error.
type ProcessingStatus string

const (
	StatusReceived    ProcessingStatus = "received"
	StatusFetched     ProcessingStatus = "fetched"
	StatusTransformed ProcessingStatus = "transformed"
	StatusPersisted   ProcessingStatus = "persisted"
	StatusExporting   ProcessingStatus = "exporting"
	StatusExported    ProcessingStatus = "exported"
	StatusFailed      ProcessingStatus = "failed"
	StatusSkipped     ProcessingStatus = "skipped"
)

var statusTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusReceived: {StatusFetched, StatusFailed, StatusSkipped},
	// Fetched may fall back to Received when persistence fails and the order
	// is requeued for another full pass.
	StatusFetched:     {StatusTransformed, StatusFailed, StatusSkipped, StatusReceived},
	StatusTransformed: {StatusPersisted, StatusFailed},
	StatusPersisted:   {StatusExporting},
	StatusExporting:   {StatusExported, StatusPersisted},
	StatusExported:    {},
	// Terminal failures can be replayed by an operator.
	StatusFailed:  {StatusReceived},
	StatusSkipped: {StatusReceived},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to ProcessingStatus) bool {
	for _, n := range statusTransitions[from] {
		if n == to {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (ProcessingStatus, error) {
	switch ProcessingStatus(s) {
	case StatusReceived, StatusFetched, StatusTransformed, StatusPersisted,
		StatusExporting, StatusExported, StatusFailed, StatusSkipped:
		return ProcessingStatus(s), nil
	}
	return "", fmt.Errorf("unknown processing status %q", s)
}

// Terminal reports whether the status ends an order's progression barring
// manual replay.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusExported || s == StatusFailed || s == StatusSkipped
}
