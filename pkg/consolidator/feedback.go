package consolidator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/store"
)

// feedbackReport aggregates tool and task feedback gathered since the last
// report, renders a markdown artefact onto the report and advances the
// watermark. Returns the number of feedback entries covered.
func (c *Consolidator) feedbackReport(ctx context.Context, report *Report) (int, error) {
	since, err := c.store.GetWatermark(ctx, store.WatermarkFeedback)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	runStarted := c.now()

	fb, err := c.store.FeedbackSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load feedback: %w", err)
	}
	total := len(fb.Tools) + len(fb.Tasks)
	if total == 0 {
		return 0, nil
	}

	report.FeedbackNotes = renderFeedback(fb)

	if err := c.store.SetWatermark(ctx, store.WatermarkFeedback, runStarted); err != nil {
		c.logger.Warn("failed to advance watermark", zap.Error(err))
	}
	return total, nil
}

// renderFeedback turns raw feedback rows into the markdown artefact.
func renderFeedback(fb *store.Feedback) string {
	var b strings.Builder
	b.WriteString("# Memory feedback report\n\n")

	if len(fb.Tools) > 0 {
		type toolAgg struct {
			calls      int
			relevant   int
			sufficient int
		}
		agg := make(map[string]*toolAgg)
		var suggestions []string
		for _, t := range fb.Tools {
			a, ok := agg[t.ToolName]
			if !ok {
				a = &toolAgg{}
				agg[t.ToolName] = a
			}
			a.calls++
			if t.Relevant {
				a.relevant++
			}
			if t.Sufficient {
				a.sufficient++
			}
			if t.Suggestion != "" {
				suggestions = append(suggestions, fmt.Sprintf("- %s: %s", t.ToolName, t.Suggestion))
			}
		}

		b.WriteString("## Tools\n\n")
		names := make([]string, 0, len(agg))
		for name := range agg {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := agg[name]
			fmt.Fprintf(&b, "- `%s`: %d calls, %d relevant, %d sufficient\n", name, a.calls, a.relevant, a.sufficient)
		}
		if len(suggestions) > 0 {
			b.WriteString("\n### Suggestions\n\n")
			b.WriteString(strings.Join(suggestions, "\n"))
			b.WriteString("\n")
		}
	}

	if len(fb.Tasks) > 0 {
		succeeded := 0
		var pains []string
		for _, t := range fb.Tasks {
			if t.OverallSuccess {
				succeeded++
			}
			for _, p := range t.ToolPainPoints {
				pains = append(pains, "- "+p)
			}
		}
		fmt.Fprintf(&b, "\n## Tasks\n\n%d of %d sessions reported success\n", succeeded, len(fb.Tasks))
		if len(pains) > 0 {
			b.WriteString("\n### Pain points\n\n")
			b.WriteString(strings.Join(pains, "\n"))
			b.WriteString("\n")
		}
	}

	return b.String()
}
