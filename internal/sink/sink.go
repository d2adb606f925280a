// Package sink delivers released transcript lines to their consumers: the
// process log, live websocket subscribers, and whatever else is composed
// in. Sinks implement session.Publisher and may be fanned out with Multi.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/chorushq/chorus/internal/session"
)

// Log writes each line to a structured logger. The always-on default sink.
type Log struct {
	log *slog.Logger
}

var _ session.Publisher = (*Log)(nil)

// NewLog creates a Log sink. A nil logger uses the default.
func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log}
}

// Publish logs the line: transcribed text at info, failed segments at warn.
func (l *Log) Publish(ctx context.Context, line session.Line) error {
	if line.Err != nil {
		l.log.WarnContext(ctx, "segment failed",
			"label", line.Label, "guild_id", line.GuildID, "seq", line.Seq,
			"start", line.Start, "end", line.End, "error", line.Err)
		return nil
	}
	l.log.InfoContext(ctx, "transcript",
		"label", line.Label, "guild_id", line.GuildID, "seq", line.Seq,
		"start", line.Start, "end", line.End, "language", line.Language,
		"text", line.Text)
	return nil
}

type multi struct {
	pubs []session.Publisher
}

// Multi fans each line out to every given publisher. All of them see every
// line; their errors are joined.
func Multi(pubs ...session.Publisher) session.Publisher {
	return &multi{pubs: pubs}
}

func (m *multi) Publish(ctx context.Context, line session.Line) error {
	var errs []error
	for _, p := range m.pubs {
		if err := p.Publish(ctx, line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
