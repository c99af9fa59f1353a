package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ruleslawyer/internal/chunk"
	"ruleslawyer/internal/governor"
	"ruleslawyer/internal/logging"
	"ruleslawyer/internal/progress"
	"ruleslawyer/internal/search"
	"ruleslawyer/internal/session"
)

// User-facing failure texts. Kept deliberately apart from anything that goes
// to the logs.
const (
	msgRateLimited  = "You're sending questions too quickly. Please wait %d seconds and try again."
	msgCapacity     = "The server is busy with other searches right now. Please try again in a moment."
	msgRoundCap     = "I couldn't verify an answer within my search budget. Try narrowing the question."
	msgEvidence     = "I couldn't back that answer with rulebook text. Please try rephrasing your question."
	msgEngineDown   = "The reasoning service is unavailable right now. Please try again shortly."
	msgSessionIO    = "Something went wrong saving this conversation. Please try again."
	msgBadOutput    = "Something went wrong processing your question. Please try again."
	msgStaleChoice  = "That choice list has expired. Please ask your question again."
	defaultProgress = "Searching the rulebooks..."

	evidenceRetryInstruction = "Your previous answer cited evidence that does not correspond to " +
		"searches you actually ran this turn. Use the search tool to locate supporting rulebook " +
		"text, then answer citing only the returned search ids, or set from_context if the " +
		"conversation already contains the answer."
)

// Config tunes the turn loop.
type Config struct {
	// MaxSearchRounds bounds how many search rounds one turn may take.
	MaxSearchRounds int

	// RetryOnEvidenceViolation grants one corrective engine round after an
	// evidence-gate failure before the turn aborts.
	RetryOnEvidenceViolation bool

	// ChunkSize is the per-message character ceiling for answers.
	ChunkSize int
}

// Searcher executes one search task. Implemented by *search.Executor.
type Searcher interface {
	Run(ctx context.Context, task search.Task) search.Outcome
}

// Corpus is the rulebook-index view the turn loop needs. Implemented by
// *search.Library.
type Corpus interface {
	Files() []string
	Has(filename string) bool
}

// Runner executes complete turns. It owns no per-user state of its own; all
// mutable conversation state lives in the session store and is touched only
// under the store's single-writer discipline.
type Runner struct {
	engine  Engine
	gov     *governor.Governor
	store   *session.Store
	exec    Searcher
	library Corpus
	cfg     Config
}

// NewRunner wires the turn loop.
func NewRunner(engine Engine, gov *governor.Governor, store *session.Store,
	exec Searcher, library Corpus, cfg Config) *Runner {
	return &Runner{
		engine:  engine,
		gov:     gov,
		store:   store,
		exec:    exec,
		library: library,
		cfg:     cfg,
	}
}

// RunTurn processes one user message end to end and returns the action the
// transport should deliver. The reporter's event sequence is always
// finalized before RunTurn returns, whatever the outcome. A non-nil error
// accompanies ActionFailure and is for logging; the action's Notice is the
// only text shown to the user.
func (r *Runner) RunTurn(ctx context.Context, userID int64, input string, rep *progress.Reporter) (Action, error) {
	defer rep.Finalize()

	if allowed, retryAfter := r.gov.CheckRate(userID); !allowed {
		secs := int(retryAfter.Seconds()) + 1
		return Action{Kind: ActionFailure, Notice: fmt.Sprintf(msgRateLimited, secs)},
			fmt.Errorf("user %d: %w (retry in %v)", userID, governor.ErrRateLimited, retryAfter)
	}

	var action Action
	var turnErr error
	err := r.store.WithSession(ctx, userID, func(sess *session.Session) error {
		input = r.resolvePendingState(sess, input)
		action, turnErr = r.runEngineLoop(ctx, sess, input, rep)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return Action{Kind: ActionFailure, Notice: "I'm still working on your previous question."}, err
		}
		return Action{Kind: ActionFailure, Notice: msgSessionIO}, err
	}
	return action, turnErr
}

// RunSelection processes a game-selection callback: the user picked the
// candidate at the given position of the list presented last turn.
func (r *Runner) RunSelection(ctx context.Context, userID int64, index int, rep *progress.Reporter) (Action, error) {
	defer rep.Finalize()

	if allowed, retryAfter := r.gov.CheckRate(userID); !allowed {
		secs := int(retryAfter.Seconds()) + 1
		return Action{Kind: ActionFailure, Notice: fmt.Sprintf(msgRateLimited, secs)},
			fmt.Errorf("user %d: %w (retry in %v)", userID, governor.ErrRateLimited, retryAfter)
	}

	var action Action
	var turnErr error
	err := r.store.WithSession(ctx, userID, func(sess *session.Session) error {
		if sess.Stage != session.StageAwaitingGameSelection || index < 0 || index >= len(sess.Candidates) {
			action = Action{Kind: ActionFailure, Notice: msgStaleChoice}
			turnErr = fmt.Errorf("user %d: stale selection index %d in stage %s", userID, index, sess.Stage)
			sess.ResetPending()
			return nil
		}
		picked := sess.Candidates[index]
		question := sess.PendingQuestion
		sess.SetGame(picked.Name, picked.PDF)
		sess.ResetPending()
		logging.Pipeline("user %d selected game %q", userID, picked.Name)

		action, turnErr = r.runEngineLoop(ctx, sess, question, rep)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			return Action{Kind: ActionFailure, Notice: "I'm still working on your previous question."}, err
		}
		return Action{Kind: ActionFailure, Notice: msgSessionIO}, err
	}
	return action, turnErr
}

// resolvePendingState folds a pending clarification or selection into the new
// input and returns the effective question for this turn.
func (r *Runner) resolvePendingState(sess *session.Session, input string) string {
	switch sess.Stage {
	case session.StageAwaitingClarification:
		question := sess.PendingQuestion
		sess.ResetPending()
		if question != "" {
			return question + "\n(user clarified: " + input + ")"
		}
		return input

	case session.StageAwaitingGameSelection:
		// The user typed instead of tapping a button. A candidate name
		// counts as a selection; anything else starts a fresh question.
		for _, c := range sess.Candidates {
			if strings.EqualFold(strings.TrimSpace(input), c.Name) {
				question := sess.PendingQuestion
				sess.SetGame(c.Name, c.PDF)
				sess.ResetPending()
				if question != "" {
					return question
				}
				return input
			}
		}
		sess.ResetPending()
		return input

	default:
		sess.ResetPending()
		return input
	}
}

// runEngineLoop is the turn's engine/search loop. The session lock is held
// for its whole duration; searches inside it still pass through the global
// governor so one user's turn cannot exceed the process-wide slot budget.
func (r *Runner) runEngineLoop(ctx context.Context, sess *session.Session, input string, rep *progress.Reporter) (Action, error) {
	// Correlation id tying this turn's log lines together across categories.
	turnID := uuid.NewString()[:8]
	timer := logging.StartTimer(logging.CategoryPipeline, fmt.Sprintf("turn %s user=%d", turnID, sess.UserID))
	defer timer.Stop()
	logging.PipelineDebug("turn %s: user=%d input=%d chars stage=%s", turnID, sess.UserID, len(input), sess.Stage)

	req := Request{
		UserID:  sess.UserID,
		Input:   input,
		History: sess.History,
		Game:    sess.Game,
		GamePDF: sess.GamePDF,
		Files:   r.library.Files(),
	}

	executed := make(map[string]Observation)
	var observations []Observation
	searchRounds := 0
	searchSeq := 0
	retried := false

	// Hard ceiling on engine invocations so a misbehaving engine cannot
	// spin the loop with auto-selections or repeated retries.
	for engineRounds := 0; engineRounds < r.cfg.MaxSearchRounds*2+2; engineRounds++ {
		out, err := r.engine.Infer(ctx, req)
		if err != nil {
			return r.fail(sess, turnError(ErrEngineFailure, msgEngineDown, err.Error()))
		}
		req.Instruction = ""

		switch out.Kind {
		case KindClarificationNeeded:
			if out.Question == "" {
				return r.fail(sess, turnError(ErrUnknownVariant, msgBadOutput, "clarification with empty question"))
			}
			sess.Stage = session.StageAwaitingClarification
			sess.PendingQuestion = input
			if err := r.store.RecordTurn(sess, input, out.Question); err != nil {
				return r.fail(sess, turnError(err, msgSessionIO, "recording clarification turn"))
			}
			logging.Pipeline("user %d: clarification needed", sess.UserID)
			return Action{Kind: ActionAskQuestion, Question: out.Question}, nil

		case KindGameSelection:
			switch len(out.Candidates) {
			case 0:
				return r.fail(sess, turnError(ErrUnknownVariant, msgBadOutput, "game_selection with no candidates"))
			case 1:
				// Unambiguous: adopt the game and let the engine
				// continue the same turn.
				c := out.Candidates[0]
				sess.SetGame(c.Name, c.PDF)
				req.Game, req.GamePDF = c.Name, c.PDF
				logging.PipelineDebug("user %d: auto-selected game %q", sess.UserID, c.Name)
				continue
			default:
				sess.Stage = session.StageAwaitingGameSelection
				sess.PendingQuestion = input
				sess.Candidates = sess.Candidates[:0]
				for _, c := range out.Candidates {
					sess.Candidates = append(sess.Candidates, session.Candidate{Name: c.Name, PDF: c.PDF})
				}
				prompt := "Which game are you asking about?"
				if err := r.store.RecordTurn(sess, input, prompt); err != nil {
					return r.fail(sess, turnError(err, msgSessionIO, "recording selection turn"))
				}
				logging.Pipeline("user %d: presenting %d game candidates", sess.UserID, len(out.Candidates))
				return Action{Kind: ActionPresentChoices, Prompt: prompt, Choices: out.Candidates}, nil
			}

		case KindSearchInProgress:
			if len(out.Searches) == 0 {
				return r.fail(sess, turnError(ErrUnknownVariant, msgBadOutput, "search_in_progress with no searches"))
			}
			searchRounds++
			if searchRounds > r.cfg.MaxSearchRounds {
				return r.fail(sess, turnError(ErrSearchRoundCapExceeded, msgRoundCap,
					fmt.Sprintf("round %d > cap %d", searchRounds, r.cfg.MaxSearchRounds)))
			}
			sess.Stage = session.StageSearching
			status := out.ProgressMessage
			if status == "" {
				status = defaultProgress
			}
			rep.Emit(status)

			batch, err := r.executeSearches(ctx, out.Searches, executed, &searchSeq, rep)
			if err != nil {
				var te *TurnError
				if errors.As(err, &te) {
					return r.fail(sess, te)
				}
				return r.fail(sess, turnError(err, msgBadOutput, "search execution"))
			}
			observations = append(observations, batch...)
			req.Observations = observations
			continue

		case KindFinalAnswer:
			if reason := evidenceViolation(out, executed); reason != "" {
				if r.cfg.RetryOnEvidenceViolation && !retried {
					retried = true
					req.Instruction = evidenceRetryInstruction
					req.Observations = observations
					logging.Pipeline("user %d: evidence violation (%s), retrying once", sess.UserID, reason)
					continue
				}
				return r.fail(sess, turnError(ErrToolEvidenceViolation, msgEvidence, reason))
			}

			cited := citedObservations(out.EvidenceRefs, executed)
			text := FormatAnswer(out.Text, out.Confidence, cited)
			if err := r.store.RecordTurn(sess, input, out.Text); err != nil {
				return r.fail(sess, turnError(err, msgSessionIO, "recording answer turn"))
			}
			sess.Stage = session.StageAnswered
			sess.ResetPending()
			logging.Pipeline("user %d: answered (confidence=%.2f, evidence=%d, searches=%d)",
				sess.UserID, out.Confidence, len(cited), len(executed))
			return Action{
				Kind:       ActionAnswer,
				Chunks:     chunk.Decorate(chunk.Split(text, r.cfg.ChunkSize)),
				Confidence: out.Confidence,
				Evidence:   cited,
			}, nil

		default:
			return r.fail(sess, turnError(ErrUnknownVariant, msgBadOutput, fmt.Sprintf("kind %q", out.Kind)))
		}
	}

	return r.fail(sess, turnError(ErrSearchRoundCapExceeded, msgRoundCap, "engine round ceiling reached"))
}

// executeSearches runs one round of searches through the governor and labels
// each outcome with the id a final answer may cite. Every request consumes an
// id so ids stay unique across the turn, but only searches that actually ran
// enter the executed log.
func (r *Runner) executeSearches(ctx context.Context, reqs []SearchRequest,
	executed map[string]Observation, seq *int, rep *progress.Reporter) ([]Observation, error) {

	var batch []Observation
	for _, sr := range reqs {
		*seq++
		id := fmt.Sprintf("s%d", *seq)

		if !r.library.Has(sr.File) {
			logging.PipelineDebug("rejected search of unknown file %q", sr.File)
			batch = append(batch, Observation{
				ID:      id,
				File:    sr.File,
				Pattern: sr.Pattern,
				Outcome: "process_error",
				Text:    "unknown rulebook file; choose one of the listed files",
			})
			// Not executed, so not citable.
			continue
		}

		if err := r.gov.Acquire(ctx); err != nil {
			if errors.Is(err, governor.ErrCapacity) {
				return nil, turnError(governor.ErrCapacity, msgCapacity, "no search slot")
			}
			return nil, err
		}
		rep.Emit(fmt.Sprintf("Searching %s...", sr.File))
		outcome := r.exec.Run(ctx, search.Task{File: sr.File, Pattern: sr.Pattern, Fuzzy: sr.Fuzzy})
		r.gov.Release()

		obs := Observation{
			ID:      id,
			File:    sr.File,
			Pattern: sr.Pattern,
			Outcome: outcome.Kind.String(),
			Text:    outcome.Text,
		}
		executed[id] = obs
		batch = append(batch, obs)
	}
	return batch, nil
}

// evidenceViolation checks a final answer against the turn's executed-search
// log and returns a non-empty reason when the answer must be rejected.
func evidenceViolation(out *Output, executed map[string]Observation) string {
	if len(out.EvidenceRefs) == 0 {
		if out.FromContext {
			return ""
		}
		return "no evidence refs and not marked from_context"
	}
	for _, ref := range out.EvidenceRefs {
		if _, ok := executed[ref]; !ok {
			return fmt.Sprintf("cites %q which was never executed", ref)
		}
	}
	return ""
}

func citedObservations(refs []string, executed map[string]Observation) []Observation {
	var cited []Observation
	for _, ref := range refs {
		if obs, ok := executed[ref]; ok {
			cited = append(cited, obs)
		}
	}
	return cited
}

// fail aborts the turn: pending state is cleared, the session returns to
// idle, and the caller gets a user-safe failure action plus the loggable
// error. Persisted history is never touched on this path.
func (r *Runner) fail(sess *session.Session, te *TurnError) (Action, error) {
	sess.ResetPending()
	logging.Get(logging.CategoryPipeline).Error("turn failed for user %d: %v", sess.UserID, te)
	return Action{Kind: ActionFailure, Notice: te.UserMessage}, te
}
