package aggregate

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// DefaultThreshold is the minimum Jaccard similarity for a confusion to join
// an existing cluster.
const DefaultThreshold = 0.25

// Item is one confusion attributed to the step it was reported on.
type Item struct {
	Screen      int
	ScreenLabel string
	Confusion   model.Confusion
	EpisodeID   string
	StepIndex   int
	Persona     string
	Friction    float64
	DropoffRisk float64
}

// Cluster is a group of confusions on one screen sharing a representative
// issue (the first one seen).
type Cluster struct {
	Screen int
	Items  []Item
	tokens map[string]struct{}
}

// Tokens lowercases s, strips punctuation and returns its word set.
func Tokens(s string) map[string]struct{} {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	set := make(map[string]struct{})
	for _, w := range strings.Fields(clean) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity compares two issue texts.
func Similarity(a, b string) float64 {
	return Jaccard(Tokens(a), Tokens(b))
}

// Group clusters items screen by screen. Items are consumed in order; each
// joins the most similar cluster of its screen when the similarity reaches
// threshold (earliest cluster on ties), otherwise it starts a new one.
// Clusters are returned by screen, then creation order.
func Group(items []Item, threshold float64) []*Cluster {
	byScreen := make(map[int][]*Cluster)
	var screens []int
	for _, it := range items {
		tok := Tokens(it.Confusion.Issue)
		var best *Cluster
		bestSim := -1.0
		for _, c := range byScreen[it.Screen] {
			if sim := Jaccard(tok, c.tokens); sim > bestSim {
				best, bestSim = c, sim
			}
		}
		if best != nil && bestSim >= threshold {
			best.Items = append(best.Items, it)
			continue
		}
		if _, seen := byScreen[it.Screen]; !seen {
			screens = append(screens, it.Screen)
		}
		byScreen[it.Screen] = append(byScreen[it.Screen], &Cluster{Screen: it.Screen, Items: []Item{it}, tokens: tok})
	}
	sort.Ints(screens)
	var out []*Cluster
	for _, s := range screens {
		out = append(out, byScreen[s]...)
	}
	return out
}

// Severity is sqrt(frequency) * (avgFriction + avgDropoffRisk) / 2.
func Severity(frequency int, avgFriction, avgDropoffRisk float64) float64 {
	if frequency <= 0 {
		return 0
	}
	return math.Sqrt(float64(frequency)) * (avgFriction + avgDropoffRisk) / 2
}

type stepKey struct {
	episode string
	index   int
}

// Finding turns a cluster into an unranked finding. Averages are taken over
// the distinct steps behind the cluster's confusions.
func (c *Cluster) Finding(runID string) model.Finding {
	rep := c.Items[0]
	f := model.Finding{
		RunID:            runID,
		Issue:            rep.Confusion.Issue,
		Frequency:        len(c.Items),
		ScreenIndex:      c.Screen,
		ScreenLabel:      rep.ScreenLabel,
		AffectedPersonas: []string{},
	}

	seenSteps := make(map[stepKey]bool)
	seenPersonas := make(map[string]bool)
	refs := make(map[string]int)
	var sumF, sumD float64
	for _, it := range c.Items {
		if f.Evidence == "" {
			f.Evidence = it.Confusion.Evidence
		}
		if ref := it.Confusion.ElementRef; ref != "" {
			refs[ref]++
			if refs[ref] > refs[f.ElementRef] {
				f.ElementRef = ref
			}
		}
		if !seenPersonas[it.Persona] {
			seenPersonas[it.Persona] = true
			f.AffectedPersonas = append(f.AffectedPersonas, it.Persona)
		}
		k := stepKey{it.EpisodeID, it.StepIndex}
		if seenSteps[k] {
			continue
		}
		seenSteps[k] = true
		sumF += it.Friction
		sumD += it.DropoffRisk
	}
	n := float64(len(seenSteps))
	f.AvgFriction = sumF / n
	f.AvgDropoffRisk = sumD / n
	f.Severity = Severity(f.Frequency, f.AvgFriction, f.AvgDropoffRisk)
	return f
}

// Rank sorts findings by severity desc, then frequency desc, screen asc and
// issue asc, and assigns 1-based ranks.
func Rank(fs []model.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Frequency != b.Frequency {
			return a.Frequency > b.Frequency
		}
		if a.ScreenIndex != b.ScreenIndex {
			return a.ScreenIndex < b.ScreenIndex
		}
		return a.Issue < b.Issue
	})
	for i := range fs {
		fs[i].Rank = i + 1
	}
}
