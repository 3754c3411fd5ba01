package aggregate

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/uxsim/simworker/internal/completion"
	"github.com/hazyhaar/uxsim/simworker/internal/decision"
	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

const fixSystem = `You are a senior UX designer reviewing usability test results. ` +
	`Given one problem reported by test participants, propose one concrete change to the interface ` +
	`that would remove it. Be specific about the element and the wording. ` +
	`Reply with one JSON object and nothing else.`

const fixSchema = `{"fix": string, one or two sentences}`

func fixPrompt(f *model.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\n", f.Issue)
	if f.Evidence != "" {
		fmt.Fprintf(&b, "Evidence: %s\n", f.Evidence)
	}
	fmt.Fprintf(&b, "Screen: %s\n", screenName(f))
	if f.ElementRef != "" {
		fmt.Fprintf(&b, "Element: %s\n", f.ElementRef)
	}
	fmt.Fprintf(&b, "Reported %d time(s) by: %s\n", f.Frequency, strings.Join(f.AffectedPersonas, ", "))
	fmt.Fprintf(&b, "Average friction %.2f, average drop-off risk %.2f.", f.AvgFriction, f.AvgDropoffRisk)
	return b.String()
}

func screenName(f *model.Finding) string {
	if f.ScreenLabel != "" {
		return f.ScreenLabel
	}
	return fmt.Sprintf("screen %d", f.ScreenIndex)
}

// FallbackFix is the templated fix used when generation fails.
func FallbackFix(f *model.Finding) string {
	return fmt.Sprintf("On %s, address %q (reported %d time(s)): make the relevant element easier to find and state its purpose in plain words.",
		screenName(f), f.Issue, f.Frequency)
}

// recommend fills RecommendedFix on the first n findings. Generation is
// best-effort: any failure falls back to the template. Only cancellation
// of ctx is returned.
func (e *Engine) recommend(ctx context.Context, fs []model.Finding, modelName string) error {
	n := min(e.cfg.FixTopN, len(fs))
	var g errgroup.Group
	g.SetLimit(e.cfg.FixConcurrency)
	for i := 0; i < n; i++ {
		f := &fs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := e.llm.CompleteJSON(ctx, completion.Request{
				Model:  modelName,
				System: fixSystem,
				Prompt: fixPrompt(f),
				Schema: fixSchema,
			})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fix := ""
			if err == nil {
				fix = strings.TrimSpace(decision.Str(out["fix"]))
			}
			if fix == "" {
				e.cfg.Logger.Warn("aggregate: fix generation failed, using template",
					"run_id", f.RunID, "rank", f.Rank, "error", err)
				fix = FallbackFix(f)
			}
			f.RecommendedFix = fix
			return nil
		})
	}
	return g.Wait()
}
