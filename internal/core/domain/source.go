package domain

import "time"

// LogSource is one tracked training log file.
type LogSource struct {
	Path      string    `json:"path"`
	Offset    int64     `json:"offset"`
	Finished  bool      `json:"finished"`
	LastRead  time.Time `json:"last_read,omitempty"`
	Restarts  int       `json:"restarts"`
	LinesRead int64     `json:"lines_read"`
}

type LoopState string

const (
	LoopStateStarting LoopState = "starting"
	LoopStatePolling  LoopState = "polling"
	LoopStateDraining LoopState = "draining"
	LoopStateStopped  LoopState = "stopped"
	LoopStateError    LoopState = "error"
)

// Terminal reports whether no further transitions can happen.
func (s LoopState) Terminal() bool {
	return s == LoopStateStopped || s == LoopStateError
}

// SinkStatus is the dispatcher's view of one sink.
type SinkStatus struct {
	Name      string    `json:"name"`
	Watermark int64     `json:"watermark"`
	Pending   int       `json:"pending"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastPush  time.Time `json:"last_push,omitempty"`
}

// RunStatus is a snapshot of the polling loop for the status endpoint.
type RunStatus struct {
	RunTag  string       `json:"run_tag"`
	RunID   string       `json:"run_id"`
	State   LoopState    `json:"state"`
	Ticks   int64        `json:"ticks"`
	Sources []LogSource  `json:"sources"`
	Sinks   []SinkStatus `json:"sinks"`
	Series  int          `json:"series"`
}
