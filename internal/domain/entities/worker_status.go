package entities

import "time"

// WorkerStatus is the heartbeat blob each worker publishes after every
// pass. The admin layer reads it; the core only writes it.
type WorkerStatus struct {
	Worker     string    `json:"worker"`
	LastPassAt time.Time `json:"last_pass_at"`
	DidWork    bool      `json:"did_work"`
	PassCount  int64     `json:"pass_count"`
	LastError  string    `json:"last_error,omitempty"`
	RecentLog  []string  `json:"recent_log,omitempty"`
}
