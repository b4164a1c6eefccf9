package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/stellarbrain/coindepth/internal/model"
)

// Terminal displays generated snapshots, for watching a snapshot run
// without querying the store.
type Terminal struct {
	out io.Writer
}

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// NewTerminal returns a terminal display writing to out.
// Output writer is always os.Stdout except in case of testing where a file will be set as output.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// CommitSnapshots outputs snapshot rows to the terminal.
func (t *Terminal) CommitSnapshots(_ context.Context, data []model.OrderBookSnapshot) error {
	for _, s := range data {
		fmt.Fprintf(t.out, "%-10s%-10s%-6s%-6s%16f%8d%8d%20s\n",
			"Snapshot", s.SnapshotType, s.BuySymID, s.SellSymID,
			s.Spread, s.BidsCount, s.AsksCount,
			s.Timestamp.Local().Format(TerminalTimestamp))
	}
	return nil
}
