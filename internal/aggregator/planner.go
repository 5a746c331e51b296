package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
)

// Mode says which branch of the resume protocol produced a plan.
type Mode int

const (
	// ModeFresh: no recovery record, start at the first block.
	ModeFresh Mode = iota + 1
	// ModeNext: a different batch succeeded last, continue after its last block.
	ModeNext
	// ModeReplay: this batch was attempted before, rewind to where that attempt started.
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeNext:
		return "next"
	case ModeReplay:
		return "replay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Plan is where a batch attempt resumes writing.
type Plan struct {
	Mode     Mode
	Resume   block.Pointer
	LastTxid int64 // zero for ModeFresh
}

// Planner computes resume points from a partition's recovery record.
type Planner struct {
	state  *checkpoint.Manager
	limits block.Limits
	log    *slog.Logger
}

// NewPlanner creates a planner. log receives block category detail and may be nil.
func NewPlanner(state *checkpoint.Manager, limits block.Limits, log *slog.Logger) *Planner {
	if log == nil {
		log = logging.Discard()
	}
	return &Planner{state: state, limits: limits.Normalize(), log: log}
}

// Plan returns the resume point for an attempt of txid. A record whose
// referenced pointer is missing or malformed yields an error wrapping
// checkpoint.ErrInconsistent.
func (p *Planner) Plan(ctx context.Context, txid int64) (Plan, error) {
	last, ok, err := p.state.LastTxid(ctx)
	if err != nil {
		return Plan{}, err
	}
	if !ok {
		p.log.Info("first batch", "txid", txid)
		return Plan{Mode: ModeFresh, Resume: block.First}, nil
	}

	if txid != last {
		if txid < last {
			p.log.Warn("transaction id went backwards", "txid", txid, "last_txid", last)
		}
		lastBlock, err := p.state.LastBlock(ctx)
		if err != nil {
			return Plan{}, err
		}
		next := p.limits.Next(lastBlock)
		p.log.Info("new batch", "txid", txid, "last_txid", last, "last_block", lastBlock, "resume", next)
		return Plan{Mode: ModeNext, Resume: next, LastTxid: last}, nil
	}

	first, err := p.state.FirstBlock(ctx)
	if err != nil {
		return Plan{}, err
	}
	p.log.Info("replay", "txid", txid, "resume", first)
	return Plan{Mode: ModeReplay, Resume: first, LastTxid: last}, nil
}

// IsInconsistent reports whether err is a fatal recovery record inconsistency.
func IsInconsistent(err error) bool {
	return errors.Is(err, checkpoint.ErrInconsistent)
}
