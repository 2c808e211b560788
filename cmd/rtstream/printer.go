package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rickgao/marketstream/internal/buffer"
	"github.com/rickgao/marketstream/internal/realtime"
)

// quote is the subset of a price payload the printer renders.
type quote struct {
	Price         *decimal.Decimal `json:"price"`
	Change        *decimal.Decimal `json:"change"`
	ChangePercent *decimal.Decimal `json:"change_percent"`
	Volume        *decimal.Decimal `json:"volume"`
}

// printer writes one line per data frame.
type printer struct {
	out     io.Writer
	raw     bool
	fmt     *message.Printer
	printed int64
}

func newPrinter(out io.Writer, raw bool) *printer {
	return &printer{
		out: out,
		raw: raw,
		fmt: message.NewPrinter(language.English),
	}
}

// run prints frames until ctx is done or q is closed and empty.
func (p *printer) run(ctx context.Context, q *buffer.Queue[realtime.Message]) error {
	for {
		msg, ok := q.Pop(ctx)
		if !ok {
			return nil
		}
		if _, err := io.WriteString(p.out, p.format(msg)+"\n"); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		p.printed++
	}
}

func (p *printer) format(msg realtime.Message) string {
	var b strings.Builder

	marker := " "
	if msg.Type == realtime.TypeInitialData {
		marker = "*"
	}
	fmt.Fprintf(&b, "%s %s %-10s %-8s", msg.ReceivedAt.Format("15:04:05.000"), marker, msg.Symbol, msg.DataType)

	var q quote
	if !p.raw && len(msg.Data) > 0 && json.Unmarshal(msg.Data, &q) == nil && q.Price != nil {
		b.WriteString(" " + q.Price.StringFixed(2))
		if q.Change != nil {
			sign := ""
			if q.Change.IsPositive() {
				sign = "+"
			}
			b.WriteString(" " + sign + q.Change.StringFixed(2))
		}
		if q.ChangePercent != nil {
			b.WriteString(" (" + q.ChangePercent.StringFixed(2) + "%)")
		}
		if q.Volume != nil {
			b.WriteString(p.fmt.Sprintf(" vol %d", q.Volume.IntPart()))
		}
	} else {
		b.WriteString(" " + compact(msg.Data))
	}

	if msg.Source != "" {
		b.WriteString(" [" + msg.Source + "]")
	}
	return b.String()
}

func compact(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
