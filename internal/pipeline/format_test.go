package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAnswerAddsSources(t *testing.T) {
	got := FormatAnswer("Move the robber.", 0.9, []Observation{
		{ID: "s1", File: "Catan.pdf", Pattern: "robber", Outcome: "matched"},
	})
	assert.True(t, strings.HasPrefix(got, "Move the robber."))
	assert.Contains(t, got, "Catan.pdf")
	assert.Contains(t, got, `"robber"`)
	assert.NotContains(t, got, "not fully confident")
}

func TestFormatAnswerDeduplicatesSources(t *testing.T) {
	obs := Observation{ID: "s1", File: "Catan.pdf", Pattern: "robber"}
	got := FormatAnswer("text", 0.9, []Observation{obs, obs})
	assert.Equal(t, 1, strings.Count(got, "Catan.pdf"))
}

func TestFormatAnswerLowConfidenceMarker(t *testing.T) {
	got := FormatAnswer("Maybe.", 0.3, nil)
	assert.Contains(t, got, "not fully confident")
}

func TestFormatAnswerPlainWhenNoSources(t *testing.T) {
	got := FormatAnswer("As discussed above, two cards.", 0.9, nil)
	assert.Equal(t, "As discussed above, two cards.", got)
}
