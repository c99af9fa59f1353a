package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleslawyer/internal/pipeline"
	"ruleslawyer/internal/session"
)

func TestDecodeValidKinds(t *testing.T) {
	tests := []struct {
		name string
		json string
		want pipeline.Kind
	}{
		{
			name: "clarification",
			json: `{"kind":"clarification_needed","question":"Which edition?"}`,
			want: pipeline.KindClarificationNeeded,
		},
		{
			name: "selection",
			json: `{"kind":"game_selection","candidates":[{"name":"Catan","pdf":"Catan.pdf"}]}`,
			want: pipeline.KindGameSelection,
		},
		{
			name: "search",
			json: `{"kind":"search_in_progress","progress_message":"Checking...","searches":[{"file":"Catan.pdf","pattern":"robber","fuzzy":true}]}`,
			want: pipeline.KindSearchInProgress,
		},
		{
			name: "search_with_tool_log",
			json: `{"kind":"search_in_progress","searches":[{"file":"Catan.pdf","pattern":"robber"}],"tools_invoked":["search_rulebook"]}`,
			want: pipeline.KindSearchInProgress,
		},
		{
			name: "answer",
			json: `{"kind":"final_answer","text":"Two cards.","confidence":0.9,"evidence_refs":["s1"]}`,
			want: pipeline.KindFinalAnswer,
		},
		{
			name: "answer_from_context",
			json: `{"kind":"final_answer","text":"As above.","from_context":true}`,
			want: pipeline.KindFinalAnswer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decode([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
		})
	}
}

func TestDecodeRejectsBadOutput(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown_kind", `{"kind":"mind_reading","text":"..."}`},
		{"missing_kind", `{"text":"no kind at all"}`},
		{"unknown_field", `{"kind":"final_answer","text":"x","hallucinated_field":1}`},
		{"not_json", `the rulebook says...`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestDecodePreservesSearchDetails(t *testing.T) {
	out, err := Decode([]byte(`{"kind":"search_in_progress","searches":[
		{"file":"A.pdf","pattern":"setup"},
		{"file":"B.pdf","pattern":"scoring|points","fuzzy":true}]}`))
	require.NoError(t, err)
	require.Len(t, out.Searches, 2)
	assert.Equal(t, "A.pdf", out.Searches[0].File)
	assert.True(t, out.Searches[1].Fuzzy)
}

func TestBuildPromptIncludesEverything(t *testing.T) {
	req := pipeline.Request{
		UserID:  1,
		Input:   "what does the robber do?",
		Game:    "Catan",
		GamePDF: "Catan.pdf",
		Files:   []string{"Catan.pdf", "Azul.pdf"},
		History: []session.Turn{
			{Number: 1, Input: "hi", Response: "Hello! Ask me a rules question."},
		},
		Observations: []pipeline.Observation{
			{ID: "s1", File: "Catan.pdf", Pattern: "robber", Outcome: "matched", Text: "7.1 The robber..."},
		},
		Instruction: "cite only executed searches",
	}

	prompt := buildPrompt(req)
	for _, want := range []string{
		"Catan.pdf", "Azul.pdf",
		"Current game: Catan",
		"User: hi",
		"what does the robber do?",
		"[s1]", "7.1 The robber...",
		"cite only executed searches",
	} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGemini(t.Context(), "", "gemini-2.5-flash", 0)
	assert.Error(t, err)
}
