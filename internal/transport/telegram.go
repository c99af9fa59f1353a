// Package transport delivers pipeline actions to users. The Telegram adapter
// is the production surface; Console backs the one-shot CLI. Both consume
// the same Action variants and per-turn progress channels, so the pipeline
// never knows which one it is talking to.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ruleslawyer/internal/config"
	"ruleslawyer/internal/governor"
	"ruleslawyer/internal/logging"
	"ruleslawyer/internal/pipeline"
	"ruleslawyer/internal/progress"
	"ruleslawyer/internal/search"
)

// callbackGamePrefix precedes the candidate index in selection callbacks.
// The index refers to the ordered list as presented; the pipeline resolves
// it positionally.
const (
	callbackGamePrefix = "game:"
	callbackGameOther  = "game:other"
)

// Telegram is the long-polling Telegram transport.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	runner  *pipeline.Runner
	gov     *governor.Governor
	library *search.Library
	cfg     *config.Config

	started time.Time

	mu      sync.Mutex
	verbose map[int64]bool
}

// NewTelegram connects to the Bot API and returns the transport.
func NewTelegram(cfg *config.Config, runner *pipeline.Runner, gov *governor.Governor, library *search.Library) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	logging.Transport("connected as @%s", bot.Self.UserName)
	return &Telegram{
		bot:     bot,
		runner:  runner,
		gov:     gov,
		library: library,
		cfg:     cfg,
		started: time.Now(),
		verbose: make(map[int64]bool),
	}, nil
}

// Run polls for updates until the context is cancelled. Each update is
// handled on its own goroutine; per-user ordering is the session store's
// job, not the transport's.
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.CallbackQuery != nil:
				go t.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil && update.Message.IsCommand():
				t.handleCommand(update.Message)
			case update.Message != nil && update.Message.Text != "":
				go t.handleQuestion(ctx, update.Message)
			}
		}
	}
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	userID := msg.From.ID
	switch msg.Command() {
	case "start":
		games := t.library.Games()
		text := fmt.Sprintf(
			"Hi! I'm Rules Lawyer. Ask me any rules question and I'll check the rulebook for you.\n\n"+
				"I currently know %d games. Use /games to list them.", len(games))
		t.send(msg.Chat.ID, text)

	case "games":
		games := t.library.Games()
		if len(games) == 0 {
			t.send(msg.Chat.ID, "No rulebooks are loaded yet.")
			return
		}
		t.send(msg.Chat.ID, "Available rulebooks:\n• "+strings.Join(games, "\n• "))

	case "id":
		t.send(msg.Chat.ID, fmt.Sprintf("Your user ID is %d.", userID))

	case "health":
		if !t.cfg.IsAdmin(userID) {
			t.send(msg.Chat.ID, "Sorry, that command is admin-only.")
			return
		}
		m := t.gov.Snapshot()
		t.send(msg.Chat.ID, fmt.Sprintf(
			"Uptime: %s\nSearch slots: %d/%d in use\nTotal searches: %d\nRate denials: %d\nAvg slot wait: %s\nRulebooks: %d",
			time.Since(t.started).Round(time.Second),
			m.ActiveSlots, m.MaxSlots, m.TotalAcquired, m.TotalDenied, m.AvgWait.Round(time.Millisecond),
			len(t.library.Files())))

	case "debug":
		t.mu.Lock()
		t.verbose[userID] = !t.verbose[userID]
		on := t.verbose[userID]
		t.mu.Unlock()
		if on {
			t.send(msg.Chat.ID, "Debug mode on: answers will include confidence and search details.")
		} else {
			t.send(msg.Chat.ID, "Debug mode off.")
		}

	default:
		t.send(msg.Chat.ID, "Unknown command. Just ask your rules question in plain text.")
	}
}

func (t *Telegram) handleQuestion(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID
	logging.Transport("message from user %d (%d chars)", userID, len(msg.Text))

	t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	rep := progress.NewReporter(t.cfg.ProgressDebounce())
	done := t.renderProgress(chatID, rep.Events())

	action, err := t.runner.RunTurn(ctx, userID, msg.Text, rep)
	<-done
	if err != nil {
		logging.Transport("turn for user %d failed: %v", userID, err)
	}
	t.deliver(chatID, userID, action)
}

func (t *Telegram) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Acknowledge immediately so the client stops its spinner.
	t.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID

	if cb.Data == callbackGameOther {
		t.send(chatID, "Please type the name of the game you're asking about.")
		return
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(cb.Data, callbackGamePrefix))
	if err != nil {
		logging.Transport("ignoring malformed callback %q from user %d", cb.Data, userID)
		return
	}

	// Freeze the tapped list so a second tap cannot re-select.
	t.bot.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, cb.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}))

	rep := progress.NewReporter(t.cfg.ProgressDebounce())
	done := t.renderProgress(chatID, rep.Events())

	action, err := t.runner.RunSelection(ctx, userID, idx, rep)
	<-done
	if err != nil {
		logging.Transport("selection for user %d failed: %v", userID, err)
	}
	t.deliver(chatID, userID, action)
}

// renderProgress consumes one turn's progress events: the first event
// becomes a message, later ones edit it in place, and the message is
// deleted once the sequence finalizes. The returned channel closes when
// rendering is done.
func (t *Telegram) renderProgress(chatID int64, events <-chan progress.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var msgID int
		for ev := range events {
			if msgID == 0 {
				sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, ev.Status))
				if err != nil {
					logging.Transport("progress send failed: %v", err)
					continue
				}
				msgID = sent.MessageID
			} else if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, ev.Status)); err != nil {
				logging.TransportDebug("progress edit failed: %v", err)
			}
		}
		if msgID != 0 {
			t.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
		}
	}()
	return done
}

func (t *Telegram) deliver(chatID, userID int64, action pipeline.Action) {
	switch action.Kind {
	case pipeline.ActionAskQuestion:
		t.send(chatID, action.Question)

	case pipeline.ActionPresentChoices:
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(action.Choices)+1)
		for i, c := range action.Choices {
			data := callbackGamePrefix + strconv.Itoa(i)
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(c.Name, data)))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Other / not listed", callbackGameOther)))
		msg := tgbotapi.NewMessage(chatID, action.Prompt)
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
		if _, err := t.bot.Send(msg); err != nil {
			logging.Transport("send choices failed: %v", err)
		}

	case pipeline.ActionAnswer:
		for _, c := range action.Chunks {
			t.send(chatID, c)
		}
		if t.isVerbose(userID) {
			t.send(chatID, verboseDetail(action))
		}

	case pipeline.ActionFailure:
		t.send(chatID, action.Notice)

	default:
		logging.Transport("dropping action with unknown kind %d", action.Kind)
	}
}

func (t *Telegram) send(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logging.Transport("send to chat %d failed: %v", chatID, err)
	}
}

func (t *Telegram) isVerbose(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.verbose[userID]
}

func verboseDetail(action pipeline.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 confidence=%.2f, %d cited searches", action.Confidence, len(action.Evidence))
	for _, obs := range action.Evidence {
		fmt.Fprintf(&b, "\n%s: %s %q → %s", obs.ID, obs.File, obs.Pattern, obs.Outcome)
	}
	return b.String()
}
