// Package search owns the boundary to the external line-search tool (ugrep)
// and the rulebook corpus index. Search failures never escape as raw errors:
// every invocation resolves to an Outcome variant the pipeline can branch on.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"ruleslawyer/internal/logging"
)

// maxOutputChars bounds how much search output is fed back into the engine
// context per invocation.
const maxOutputChars = 30000

// Task describes one search: a single pattern against a single PDF.
type Task struct {
	// File is the PDF filename relative to the corpus root.
	File string

	// Pattern is a ugrep Boolean query (space=AND, |=OR, -=NOT).
	Pattern string

	// Fuzzy enables typo-tolerant matching.
	Fuzzy bool
}

// OutcomeKind discriminates search results.
type OutcomeKind int

const (
	// OutcomeMatched - the search produced matching text.
	OutcomeMatched OutcomeKind = iota
	// OutcomeNoMatch - the search ran but found nothing.
	OutcomeNoMatch
	// OutcomeTimeout - the process was killed at the deadline.
	OutcomeTimeout
	// OutcomeProcessError - the process failed for another reason.
	OutcomeProcessError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeProcessError:
		return "process_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the result of one search invocation.
type Outcome struct {
	Kind OutcomeKind

	// Text holds the matched excerpts for OutcomeMatched.
	Text string

	// Detail holds internal diagnostic detail for OutcomeProcessError.
	// It is logged, never shown to users.
	Detail string

	Elapsed time.Duration
}

// Executor invokes ugrep against the corpus with a hard wall-clock timeout.
type Executor struct {
	corpusPath string
	timeout    time.Duration

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// NewExecutor creates an executor rooted at the corpus path.
func NewExecutor(corpusPath string, timeout time.Duration) *Executor {
	return &Executor{
		corpusPath: corpusPath,
		timeout:    timeout,
		runCommand: runCommand,
	}
}

// Run executes one search task. The underlying process is forcibly
// terminated at the deadline and the call resolves to OutcomeTimeout; no
// invocation outlives the configured timeout.
func (e *Executor) Run(ctx context.Context, task Task) Outcome {
	timer := logging.StartTimer(logging.CategorySearch, fmt.Sprintf("ugrep %q in %s", task.Pattern, task.File))
	defer timer.StopWithThreshold(e.timeout / 2)

	// -%: Boolean query mode; -i: case insensitive; -C20: context lines;
	// --filter: extract PDF text on the fly (stdin to stdout).
	args := []string{"-%", "-i", "-C20", "--filter=pdf:pdftotext - -"}
	if task.Fuzzy {
		args = append(args, "-Z")
	}
	args = append(args, task.Pattern, filepath.Join(e.corpusPath, task.File))

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := e.runCommand(execCtx, "ugrep", args...)
	elapsed := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		logging.Search("search timed out after %v: file=%s pattern=%q", elapsed, task.File, task.Pattern)
		return Outcome{Kind: OutcomeTimeout, Elapsed: elapsed}
	}

	if err != nil {
		// ugrep exits 1 for "no match", which is a normal outcome.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			logging.SearchDebug("no matches: file=%s pattern=%q", task.File, task.Pattern)
			return Outcome{Kind: OutcomeNoMatch, Elapsed: elapsed}
		}
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = err.Error()
		}
		logging.Get(logging.CategorySearch).Error("search failed: file=%s pattern=%q: %s",
			task.File, task.Pattern, detail)
		return Outcome{Kind: OutcomeProcessError, Detail: detail, Elapsed: elapsed}
	}

	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return Outcome{Kind: OutcomeNoMatch, Elapsed: elapsed}
	}
	if len(text) > maxOutputChars {
		text = text[:maxOutputChars] + "\n...(truncated)"
	}
	logging.SearchDebug("matched %d chars: file=%s pattern=%q", len(text), task.File, task.Pattern)
	return Outcome{Kind: OutcomeMatched, Text: text, Elapsed: elapsed}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
