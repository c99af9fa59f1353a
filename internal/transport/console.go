package transport

import (
	"fmt"
	"io"

	"ruleslawyer/internal/pipeline"
	"ruleslawyer/internal/progress"
)

// Console renders one turn to plain writers. Used by the one-shot CLI
// command to exercise the full pipeline without a chat backend.
type Console struct {
	Out io.Writer // answer and prompts
	Err io.Writer // progress updates
}

// RenderProgress prints progress events as they arrive; the returned channel
// closes when the event sequence finalizes.
func (c *Console) RenderProgress(events <-chan progress.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintf(c.Err, "… %s\n", ev.Status)
		}
	}()
	return done
}

// Deliver prints the action.
func (c *Console) Deliver(action pipeline.Action) {
	switch action.Kind {
	case pipeline.ActionAskQuestion:
		fmt.Fprintln(c.Out, action.Question)

	case pipeline.ActionPresentChoices:
		fmt.Fprintln(c.Out, action.Prompt)
		for i, choice := range action.Choices {
			fmt.Fprintf(c.Out, "  %d) %s\n", i+1, choice.Name)
		}

	case pipeline.ActionAnswer:
		for _, chunk := range action.Chunks {
			fmt.Fprintln(c.Out, chunk)
		}

	case pipeline.ActionFailure:
		fmt.Fprintln(c.Out, action.Notice)
	}
}
