package aggregate

import (
	"net/url"
	"sort"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// EpisodeTrace is one episode with its steps in index order.
type EpisodeTrace struct {
	Episode     *model.Episode
	PersonaName string
	Steps       []*model.StepTrace
}

// Result is the deterministic part of an aggregation: ranked findings
// without IDs or fixes, and the report breakdowns.
type Result struct {
	Findings []model.Finding
	Report   model.Report
}

// screens assigns screen indexes. Screenshot steps use their frame index;
// agent steps intern the URL path in first-seen order.
type screens struct {
	mode   model.RunMode
	paths  map[string]int
	labels map[int]string
}

func newScreens(mode model.RunMode) *screens {
	return &screens{mode: mode, paths: make(map[string]int), labels: make(map[int]string)}
}

func (s *screens) of(st *model.StepTrace) (int, string) {
	if s.mode == model.ModeScreenshot {
		i := 0
		if st.Observation.FrameIndex != nil {
			i = *st.Observation.FrameIndex
		}
		if _, ok := s.labels[i]; !ok {
			s.labels[i] = st.Observation.FrameLabel
		}
		return i, s.labels[i]
	}
	p := urlPath(st.Observation.URL)
	i, ok := s.paths[p]
	if !ok {
		i = len(s.paths)
		s.paths[p] = i
		s.labels[i] = p
	}
	return i, p
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

type screenAcc struct {
	steps      int
	sumF, maxF float64
	confusions int
	findings   int
}

// Compute clusters every confusion of the run and builds the report.
// Episodes must be ordered by creation, steps by index.
func Compute(runID string, mode model.RunMode, episodes []EpisodeTrace, threshold float64) Result {
	scr := newScreens(mode)
	acc := make(map[int]*screenAcc)
	var items []Item

	sum := model.RunSummary{Episodes: len(episodes), Outcomes: make(map[model.EpisodeStatus]int)}
	var sumF, sumD float64
	personas := make([]model.PersonaResult, 0, len(episodes))

	for _, et := range episodes {
		ep := et.Episode
		sum.Outcomes[ep.Status]++
		pr := model.PersonaResult{
			EpisodeID:   ep.ID,
			PersonaID:   ep.PersonaID,
			PersonaName: et.PersonaName,
			Status:      ep.Status,
			Reason:      ep.Reason,
			Steps:       len(et.Steps),
			Confusions:  []model.Confusion{},
		}
		var epF, epD float64
		for _, st := range et.Steps {
			r := st.Reasoning
			idx, label := scr.of(st)
			a := acc[idx]
			if a == nil {
				a = &screenAcc{}
				acc[idx] = a
			}
			a.steps++
			a.sumF += r.Friction
			a.maxF = max(a.maxF, r.Friction)
			a.confusions += len(r.Confusions)

			epF += r.Friction
			epD += r.DropoffRisk
			sum.Steps++
			sum.Confusions += len(r.Confusions)
			for _, c := range r.Confusions {
				pr.Confusions = append(pr.Confusions, c)
				items = append(items, Item{
					Screen:      idx,
					ScreenLabel: label,
					Confusion:   c,
					EpisodeID:   ep.ID,
					StepIndex:   st.StepIndex,
					Persona:     et.PersonaName,
					Friction:    r.Friction,
					DropoffRisk: r.DropoffRisk,
				})
			}
		}
		if n := len(et.Steps); n > 0 {
			pr.AvgFriction = epF / float64(n)
			pr.AvgDropoffRisk = epD / float64(n)
		}
		sumF += epF
		sumD += epD
		personas = append(personas, pr)
	}
	if sum.Steps > 0 {
		sum.AvgFriction = sumF / float64(sum.Steps)
		sum.AvgDropoffRisk = sumD / float64(sum.Steps)
	}

	clusters := Group(items, threshold)
	findings := make([]model.Finding, 0, len(clusters))
	for _, c := range clusters {
		findings = append(findings, c.Finding(runID))
		acc[c.Screen].findings++
	}
	Rank(findings)
	sum.Findings = len(findings)

	idxs := make([]int, 0, len(acc))
	for i := range acc {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	screensOut := make([]model.ScreenSummary, 0, len(idxs))
	for _, i := range idxs {
		a := acc[i]
		screensOut = append(screensOut, model.ScreenSummary{
			ScreenIndex: i,
			Label:       scr.labels[i],
			Steps:       a.steps,
			AvgFriction: a.sumF / float64(a.steps),
			MaxFriction: a.maxF,
			Confusions:  a.confusions,
			Findings:    a.findings,
		})
	}

	return Result{
		Findings: findings,
		Report: model.Report{
			RunID:    runID,
			Summary:  sum,
			Screens:  screensOut,
			Personas: personas,
		},
	}
}
