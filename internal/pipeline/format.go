package pipeline

import (
	"fmt"
	"strings"
)

// FormatAnswer decorates the engine's answer text with a sources footer and,
// for shaky answers, a low-confidence marker. The footer names only searches
// the answer actually cites.
func FormatAnswer(text string, confidence float64, cited []Observation) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))

	if len(cited) > 0 {
		b.WriteString("\n\n📖 Sources:")
		seen := make(map[string]bool)
		for _, obs := range cited {
			line := fmt.Sprintf("%s (searched %q)", obs.File, obs.Pattern)
			if seen[line] {
				continue
			}
			seen[line] = true
			b.WriteString("\n• " + line)
		}
	}

	if confidence > 0 && confidence < 0.5 {
		b.WriteString("\n\n⚠️ I'm not fully confident in this answer. Check the rulebook directly if it matters.")
	}
	return b.String()
}
