package synckit

import (
	"strings"
	"time"
)

// TrackedCollection binds a local collection to one remote entity type.
type TrackedCollection struct {
	ID         string `json:"id" yaml:"id"`
	EntityType string `json:"entity_type" yaml:"entity_type"`

	// Watermark is the latest modification time reconciled so far. It is
	// meaningless when HasWatermark is false.
	Watermark    time.Time `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	HasWatermark bool      `json:"has_watermark" yaml:"has_watermark"`
}

// CollectionID derives the local collection id for entityType on endpoint
// as <user>@<endpoint>#<EntityType>.
func CollectionID(user, endpoint, entityType string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	var b strings.Builder
	if user != "" {
		b.WriteString(user)
		b.WriteByte('@')
	}
	b.WriteString(endpoint)
	b.WriteByte('#')
	b.WriteString(entityType)
	return b.String()
}

// State is where a collection's scheduler currently is.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateReconciling State = "reconciling"
)

// PassResult summarizes one polling pass.
type PassResult struct {
	CollectionID string `json:"collection_id" yaml:"collection_id"`
	PassID       string `json:"pass_id" yaml:"pass_id"`

	// Initial is set for the full listing of a collection without watermark.
	Initial bool `json:"initial" yaml:"initial"`

	Seen    int `json:"seen" yaml:"seen"`
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Deleted int `json:"deleted" yaml:"deleted"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Failed  int `json:"failed" yaml:"failed"`

	WatermarkBefore time.Time     `json:"watermark_before,omitempty" yaml:"watermark_before,omitempty"`
	WatermarkAfter  time.Time     `json:"watermark_after,omitempty" yaml:"watermark_after,omitempty"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	Duration        time.Duration `json:"duration" yaml:"duration"`

	// Err is the error that ended the pass early. Per-record failures are
	// only counted in Failed.
	Err error `json:"-" yaml:"-"`
}

// ErrorText returns Err's message, or "" for a successful pass.
func (r PassResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// CollectionStatus is a snapshot of one tracked collection.
type CollectionStatus struct {
	TrackedCollection `yaml:",inline"`
	State    State       `json:"state" yaml:"state"`
	LastPass *PassResult `json:"last_pass,omitempty" yaml:"last_pass,omitempty"`
}
