package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"

	"github.com/chorushq/chorus/internal/session"
)

// correctorPrompt instructs the model to clean transcription output without
// rewriting it.
const correctorPrompt = "You fix speech-to-text output. Correct obvious " +
	"transcription mistakes, punctuation and casing in the user's text. " +
	"Do not rephrase, translate, answer or add anything. Reply with the " +
	"corrected text only."

const defaultCorrectorTimeout = 10 * time.Second

// Completer produces a cleaned version of one line of transcribed text.
type Completer interface {
	CorrectText(ctx context.Context, text string) (string, error)
}

// LLM adapts an any-llm-go provider to Completer.
type LLM struct {
	Provider anyllm.Provider
	Model    string
}

var _ Completer = (*LLM)(nil)

// CorrectText asks the model for a cleaned version of text.
func (l *LLM) CorrectText(ctx context.Context, text string) (string, error) {
	resp, err := l.Provider.Completion(ctx, anyllm.CompletionParams{
		Model: l.Model,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleSystem, Content: correctorPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("transcript: cleanup completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("transcript: cleanup returned no choices")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// CorrectorOption configures a Corrector.
type CorrectorOption func(*Corrector)

// WithCorrectorTimeout caps one cleanup call.
func WithCorrectorTimeout(d time.Duration) CorrectorOption {
	return func(c *Corrector) { c.timeout = d }
}

// WithCorrectorLogger overrides the default logger.
func WithCorrectorLogger(log *slog.Logger) CorrectorOption {
	return func(c *Corrector) { c.log = log }
}

// Corrector runs each transcribed line through a cleanup pass before
// forwarding it. A failed or empty cleanup forwards the original text; the
// corrector never loses a line.
type Corrector struct {
	next    session.Publisher
	backend Completer
	timeout time.Duration
	log     *slog.Logger
}

var _ session.Publisher = (*Corrector)(nil)

// NewCorrector wraps next with a cleanup pass through backend.
func NewCorrector(next session.Publisher, backend Completer, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		next:    next,
		backend: backend,
		timeout: defaultCorrectorTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish cleans line.Text and forwards the line. Error markers and empty
// lines skip the model call.
func (c *Corrector) Publish(ctx context.Context, line session.Line) error {
	if line.Err != nil || strings.TrimSpace(line.Text) == "" {
		return c.next.Publish(ctx, line)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.backend.CorrectText(cctx, line.Text)
	if err != nil {
		c.log.Warn("transcript cleanup failed, keeping raw text",
			"user_id", line.UserID, "guild_id", line.GuildID, "seq", line.Seq, "error", err)
		return c.next.Publish(ctx, line)
	}
	if text = strings.TrimSpace(text); text != "" {
		line.Text = text
	}
	return c.next.Publish(ctx, line)
}
