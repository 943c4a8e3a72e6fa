// Package tokens tracks per-conversation token usage.
package tokens

import (
	"context"

	"github.com/nunnarivu-labs/ishtar/internal/llm"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"
)

type Counter interface {
	CountTokens(ctx context.Context, model string, turns []llm.Turn) (int64, error)
}

type Accountant struct {
	counter Counter
}

func NewAccountant(counter Counter) *Accountant {
	return &Accountant{counter: counter}
}

// CountText counts only the textual parts of turns.
func (a *Accountant) CountText(ctx context.Context, model string, turns []llm.Turn) (int64, error) {
	textOnly := TextOnly(turns)
	if len(textOnly) == 0 {
		return 0, nil
	}
	return a.counter.CountTokens(ctx, model, textOnly)
}

// TextOnly strips file and inline parts, dropping turns left empty.
func TextOnly(turns []llm.Turn) []llm.Turn {
	var out []llm.Turn
	for _, t := range turns {
		var parts []llm.Part
		for _, p := range t.Parts {
			if p.IsText() && p.Text != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			out = append(out, llm.Turn{Role: t.Role, Parts: parts})
		}
	}
	return out
}

// Ledger accumulates the counter changes of one request.
type Ledger struct {
	Base      int64
	MultiTurn bool
	Text      int64
	Input     int64
	Output    int64
}

func NewLedger(conv *models.Conversation) *Ledger {
	return &Ledger{
		Base:      conv.TextTokenCountSinceLastSummary,
		MultiTurn: conv.ChatSettings.EnableMultiTurn,
	}
}

func (l *Ledger) AddText(n int64) {
	l.Text += n
}

func (l *Ledger) AddUsage(u llm.Usage) {
	l.Input += u.PromptTokens
	l.Output += u.Output()
}

// SinceSummary is the running total compared against the compaction threshold.
func (l *Ledger) SinceSummary() int64 {
	total := l.Base + l.Text
	if l.MultiTurn {
		total += l.Output
	}
	return total
}

func (l *Ledger) Delta() *models.CounterDelta {
	d := &models.CounterDelta{
		SinceSummaryTokens: l.Text,
		InputTokens:        l.Input,
		OutputTokens:       l.Output,
	}
	if l.MultiTurn {
		d.SinceSummaryTokens += l.Output
	}
	return d
}
