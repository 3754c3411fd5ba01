package model

// Job kinds, one queue each.
const (
	KindScreenshotEpisode = "simulate-screenshot-episode"
	KindAgentEpisode      = "simulate-agent-episode"
	KindAggregateReport   = "aggregate-report"
)

// JobKinds lists every kind the worker consumes.
var JobKinds = []string{KindScreenshotEpisode, KindAgentEpisode, KindAggregateReport}

// SimulateEpisodeJob runs one screenshot-mode episode.
type SimulateEpisodeJob struct {
	EpisodeID string `json:"episodeId"`
	RunID     string `json:"runId"`
	Model     string `json:"model,omitempty"`
}

// SimulateAgentEpisodeJob runs one live-browser episode.
type SimulateAgentEpisodeJob struct {
	EpisodeID string `json:"episodeId"`
	RunID     string `json:"runId"`
	Model     string `json:"model,omitempty"`
	URL       string `json:"url"`
	Goal      string `json:"goal"`
	MaxSteps  int    `json:"maxSteps,omitempty"`
}

// AggregateReportJob aggregates a run whose episodes are all terminal.
type AggregateReportJob struct {
	RunID string `json:"runId"`
}

// AggregateJobID is the deterministic queue ID of a run's aggregation job.
func AggregateJobID(runID string) string { return "aggregate-" + runID }
