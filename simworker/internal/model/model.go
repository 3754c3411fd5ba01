// Package model holds the entities shared by the simulation worker: runs,
// episodes, step traces, findings and reports, plus the read-only inputs
// (personas, flows, frames) and the job payloads consumed from the queue.
//
// Timestamps are milliseconds since epoch.
package model

// RunMode selects the episode runner.
type RunMode string

const (
	ModeScreenshot RunMode = "SCREENSHOT"
	ModeAgent      RunMode = "AGENT"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending     RunStatus = "PENDING"
	RunSimulating  RunStatus = "SIMULATING"
	RunAggregating RunStatus = "AGGREGATING"
	RunCompleted   RunStatus = "COMPLETED"
	RunFailed      RunStatus = "FAILED"
	RunCancelled   RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// EpisodeStatus is the lifecycle state of an episode.
type EpisodeStatus string

const (
	EpisodePending   EpisodeStatus = "PENDING"
	EpisodeRunning   EpisodeStatus = "RUNNING"
	EpisodeCompleted EpisodeStatus = "COMPLETED"
	EpisodeAbandoned EpisodeStatus = "ABANDONED"
	EpisodeFailed    EpisodeStatus = "FAILED"
	EpisodeCancelled EpisodeStatus = "CANCELLED"
)

// Terminal reports whether the episode has finished.
func (s EpisodeStatus) Terminal() bool {
	return s != EpisodePending && s != EpisodeRunning
}

// RunConfig is the per-run simulation configuration.
type RunConfig struct {
	Model    string `json:"model,omitempty"`
	MaxSteps int    `json:"maxSteps,omitempty"`
}

// Run is one simulation batch across one flow and a set of personas.
type Run struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flowId"`
	Mode      RunMode   `json:"mode"`
	Status    RunStatus `json:"status"`
	Config    RunConfig `json:"config"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Episode is one persona's attempt at one flow within one run.
type Episode struct {
	ID        string        `json:"id"`
	RunID     string        `json:"runId"`
	PersonaID string        `json:"personaId"`
	Status    EpisodeStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	StepCount int           `json:"stepCount"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

// Traits are the five persona dials, each in [0,1].
type Traits struct {
	Patience               float64 `json:"patience"`
	Exploration            float64 `json:"exploration"`
	FrustrationSensitivity float64 `json:"frustrationSensitivity"`
	Forgiveness            float64 `json:"forgiveness"`
	HelpSeeking            float64 `json:"helpSeeking"`
}

// Persona is a synthetic user profile.
type Persona struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Traits      Traits `json:"traits"`
}

// Flow is the UX flow under test.
type Flow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Goal     string `json:"goal,omitempty"`
	StartURL string `json:"startUrl,omitempty"`
}

// Frame is one uploaded screenshot of a flow.
type Frame struct {
	FlowID   string `json:"flowId"`
	Position int    `json:"position"`
	Label    string `json:"label,omitempty"`
	BlobKey  string `json:"blobKey"`
}
