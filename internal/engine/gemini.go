// Package engine adapts reasoning backends to the pipeline's Engine
// interface. The Gemini adapter speaks JSON response mode and decodes
// strictly; anything the model returns outside the closed output contract is
// an error here, not a guess downstream.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"ruleslawyer/internal/logging"
	"ruleslawyer/internal/pipeline"
)

// Gemini calls the Gemini API with a structured-output contract.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini creates the adapter.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Infer runs one engine round.
func (g *Gemini) Infer(ctx context.Context, req pipeline.Request) (*pipeline.Output, error) {
	timer := logging.StartTimer(logging.CategoryEngine, fmt.Sprintf("infer user=%d", req.UserID))
	defer timer.Stop()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := buildPrompt(req)
	logging.EngineDebug("prompt: %d chars, %d observations", len(prompt), len(req.Observations))

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.2),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("Gemini call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("Gemini returned an empty response")
	}

	out, err := Decode([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("Gemini response rejected: %w", err)
	}
	logging.Engine("round for user %d: %s", req.UserID, out.Kind)
	return out, nil
}

// Decode parses and validates one engine output. Unknown fields and unknown
// kinds are rejected here so the pipeline only ever sees the closed set.
func Decode(data []byte) (*pipeline.Output, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var out pipeline.Output
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed output JSON: %w", err)
	}

	switch out.Kind {
	case pipeline.KindClarificationNeeded,
		pipeline.KindGameSelection,
		pipeline.KindSearchInProgress,
		pipeline.KindFinalAnswer:
		return &out, nil
	default:
		return nil, fmt.Errorf("unknown output kind %q", out.Kind)
	}
}

const systemPrompt = `You are Rules Lawyer, an assistant that answers board game rules questions
using only the text of the rulebook PDFs you can search.

Each reply must be a single JSON object with a "kind" field:

- {"kind":"clarification_needed","question":"..."} when you cannot proceed
  without more information from the user.
- {"kind":"game_selection","candidates":[{"name":"...","pdf":"..."}]} when the
  question could refer to more than one available rulebook. List candidates in
  order of likelihood; use exact pdf filenames from the available files.
- {"kind":"search_in_progress","progress_message":"...","searches":[
  {"file":"...","pattern":"...","fuzzy":false}]} to search. Patterns are
  Boolean queries: space means AND, | means OR, - negates. Use fuzzy for
  possible spelling variants.
- {"kind":"final_answer","text":"...","confidence":0.0,
  "evidence_refs":["s1"],"from_context":false} to answer. evidence_refs must
  name ids of searches that ran this turn and support the answer. Set
  from_context true (with empty evidence_refs) only when the conversation
  history already contains the answer verbatim.

Never answer a rules question without evidence. Quote rulebook wording where
it settles the question, and say so when the rulebook is silent.`

func buildPrompt(req pipeline.Request) string {
	var b strings.Builder

	if len(req.Files) > 0 {
		b.WriteString("Available rulebook files:\n")
		for _, f := range req.Files {
			b.WriteString("- " + f + "\n")
		}
		b.WriteString("\n")
	}

	if req.Game != "" {
		fmt.Fprintf(&b, "Current game: %s (%s)\n\n", req.Game, req.GamePDF)
	}

	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Input, t.Response)
		}
		b.WriteString("\n")
	}

	if req.PendingQuestion != "" {
		fmt.Fprintf(&b, "You previously asked: %s\n\n", req.PendingQuestion)
	}

	fmt.Fprintf(&b, "User question: %s\n", req.Input)

	if len(req.Observations) > 0 {
		b.WriteString("\nSearch results this turn:\n")
		for _, obs := range req.Observations {
			fmt.Fprintf(&b, "[%s] file=%s pattern=%q outcome=%s\n", obs.ID, obs.File, obs.Pattern, obs.Outcome)
			if obs.Text != "" {
				b.WriteString(obs.Text + "\n")
			}
		}
	}

	if req.Instruction != "" {
		b.WriteString("\nIMPORTANT: " + req.Instruction + "\n")
	}
	return b.String()
}
