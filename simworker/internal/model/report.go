package model

// Finding is a deduplicated, severity-scored cluster of confusions.
type Finding struct {
	ID               string   `json:"id"`
	RunID            string   `json:"runId"`
	Issue            string   `json:"issue"`
	Evidence         string   `json:"evidence,omitempty"`
	Severity         float64  `json:"severity"`
	Frequency        int      `json:"frequency"`
	AffectedPersonas []string `json:"affectedPersonas"`
	ElementRef       string   `json:"elementRef,omitempty"`
	ScreenIndex      int      `json:"screenIndex"`
	ScreenLabel      string   `json:"screenLabel,omitempty"`
	AvgFriction      float64  `json:"avgFriction"`
	AvgDropoffRisk   float64  `json:"avgDropoffRisk"`
	RecommendedFix   string   `json:"recommendedFix,omitempty"`
	Rank             int      `json:"rank"`
	CreatedAt        int64    `json:"createdAt"`
}

// Report is the final per-run output written next to the findings.
type Report struct {
	RunID       string          `json:"runId"`
	Summary     RunSummary      `json:"summary"`
	Screens     []ScreenSummary `json:"screens"`
	Personas    []PersonaResult `json:"personas"`
	Findings    []Finding       `json:"findings"`
	GeneratedAt int64           `json:"generatedAt"`
}

// RunSummary holds run-level stats.
type RunSummary struct {
	Episodes       int                   `json:"episodes"`
	Outcomes       map[EpisodeStatus]int `json:"outcomes"`
	Steps          int                   `json:"steps"`
	AvgFriction    float64               `json:"avgFriction"`
	AvgDropoffRisk float64               `json:"avgDropoffRisk"`
	Confusions     int                   `json:"confusions"`
	Findings       int                   `json:"findings"`
}

// ScreenSummary is the per-screen breakdown.
type ScreenSummary struct {
	ScreenIndex int     `json:"screenIndex"`
	Label       string  `json:"label,omitempty"`
	Steps       int     `json:"steps"`
	AvgFriction float64 `json:"avgFriction"`
	MaxFriction float64 `json:"maxFriction"`
	Confusions  int     `json:"confusions"`
	Findings    int     `json:"findings"`
}

// PersonaResult is the per-persona breakdown.
type PersonaResult struct {
	EpisodeID      string        `json:"episodeId"`
	PersonaID      string        `json:"personaId"`
	PersonaName    string        `json:"personaName"`
	Status         EpisodeStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Steps          int           `json:"steps"`
	AvgFriction    float64       `json:"avgFriction"`
	AvgDropoffRisk float64       `json:"avgDropoffRisk"`
	Confusions     []Confusion   `json:"confusions"`
}
