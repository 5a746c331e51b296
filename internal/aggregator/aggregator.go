// Package aggregator places one partition's batches of messages into block
// blobs exactly once, resuming correctly after retried or failed attempts.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-block-writer/internal/block"
	"github.com/withObsrvr/obsrvr-block-writer/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
	"github.com/withObsrvr/obsrvr-block-writer/internal/metrics"
)

// ErrNotAccumulating is returned by Aggregate and Complete outside an attempt.
var ErrNotAccumulating = errors.New("aggregator: not accumulating")

// DefaultBatchLabelFormat labels log records with (partition, txid).
const DefaultBatchLabelFormat = "partition=%05d_Txid=%05d:"

// Operations reported in BatchError.
const (
	OpPlan    = "plan"
	OpUpload  = "upload"
	OpPersist = "persist"
)

// BatchError is a failed batch attempt. The batch must be redelivered with
// the same transaction id.
type BatchError struct {
	Partition int
	Txid      int64
	Op        string
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("partition %d txid %d: %s: %v", e.Partition, e.Txid, e.Op, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// State is the attempt state.
type State int

const (
	StateInit State = iota
	StateAccumulating
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAccumulating:
		return "accumulating"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a ByteAggregator.
type Options struct {
	Partition   int
	Limits      block.Limits
	Naming      block.Naming
	Checkpoints *checkpoint.Manager
	Uploader    block.Uploader

	// BatchLabelFormat takes (partition, txid). Empty uses DefaultBatchLabelFormat.
	BatchLabelFormat string

	Gate    *logging.Gate
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Batch summarizes a completed attempt.
type Batch struct {
	Txid      int64
	Mode      Mode
	Count     int64
	Dropped   int
	First     block.Pointer
	Last      block.Pointer
	Persisted bool
}

// ByteAggregator drives one partition's batch attempts. It is not safe for
// concurrent use; a partition runs one attempt at a time.
type ByteAggregator struct {
	partition int
	limits    block.Limits
	naming    block.Naming
	state     *checkpoint.Manager
	uploader  block.Uploader
	planner   *Planner
	label     string
	gate      *logging.Gate
	base      *slog.Logger
	metrics   *metrics.Metrics

	// Per attempt.
	status      State
	txid        int64
	plan        Plan
	first       block.Pointer
	current     *block.Block
	count       int64
	dropped     int
	needPersist bool
	log         *slog.Logger
	batchLog    *slog.Logger
	messageLog  *slog.Logger
	blockLog    *slog.Logger
	rolloverLog *slog.Logger
}

// New creates an aggregator for one partition.
func New(opts Options) *ByteAggregator {
	base := opts.Logger
	if base == nil {
		base = logging.Component("aggregator")
	}
	label := opts.BatchLabelFormat
	if label == "" {
		label = DefaultBatchLabelFormat
	}
	limits := opts.Limits.Normalize()
	return &ByteAggregator{
		partition: opts.Partition,
		limits:    limits,
		naming:    opts.Naming.WithDefaults(),
		state:     opts.Checkpoints,
		uploader:  opts.Uploader,
		planner:   NewPlanner(opts.Checkpoints, limits, opts.Gate.Logger(base, logging.CategoryBlock)),
		label:     label,
		gate:      opts.Gate,
		base:      base,
		metrics:   opts.Metrics,
		log:       base,
	}
}

// Partition returns the partition index.
func (a *ByteAggregator) Partition() int { return a.partition }

// State returns the attempt state.
func (a *ByteAggregator) State() State { return a.status }

// Prepare clears the partition's recovery record. It runs once when the
// partition's worker starts, before the first attempt.
func (a *ByteAggregator) Prepare(ctx context.Context) error {
	log := a.gate.Logger(a.base, logging.CategoryBatch)
	log.Info("prepare", "partition", a.partition, "keys", a.state.Keys().All())
	if err := a.state.Clear(ctx); err != nil {
		a.metrics.IncStateErrors("clear")
		return fmt.Errorf("prepare partition %d: %w", a.partition, err)
	}
	a.status = StateInit
	return nil
}

// Init starts an attempt of txid at the planned resume point. Any attempt in
// progress is abandoned.
func (a *ByteAggregator) Init(ctx context.Context, txid int64) error {
	a.txid = txid
	a.count = 0
	a.dropped = 0
	a.needPersist = false
	a.current = nil
	a.status = StateInit

	a.log = a.base.With("batch", fmt.Sprintf(a.label, a.partition, txid))
	a.batchLog = a.gate.Logger(a.log, logging.CategoryBatch)
	a.messageLog = a.gate.Logger(a.log, logging.CategoryMessage)
	a.blockLog = a.gate.Logger(a.log, logging.CategoryBlock)
	a.rolloverLog = a.gate.Logger(a.log, logging.CategoryRollover)

	plan, err := a.planner.Plan(ctx, txid)
	if err != nil {
		if IsInconsistent(err) {
			a.log.Error("resume inconsistency", "error", err)
		} else {
			a.metrics.IncStateErrors("get")
		}
		return a.fail(OpPlan, err)
	}
	if plan.Mode == ModeReplay {
		a.metrics.IncBatchRetries(a.partition)
	}

	a.plan = plan
	a.first = plan.Resume
	a.current = block.New(plan.Resume, a.limits.MaxBlockBytes)
	a.status = StateAccumulating
	a.batchLog.Info("init", "mode", plan.Mode, "resume", plan.Resume)
	return nil
}

// Aggregate appends msg to the current block, rolling over to the next block
// when it does not fit. Empty messages are skipped. Messages that can never
// fit a block are logged and dropped.
func (a *ByteAggregator) Aggregate(ctx context.Context, msg string) error {
	if a.status != StateAccumulating {
		return ErrNotAccumulating
	}
	if msg == "" {
		return nil
	}
	a.messageLog.Debug("message", "value", msg)

	data := block.Frame(msg)
	if !a.limits.Accepts(len(data)) {
		a.log.Error("message skipped: message size exceeds the size limit",
			"bytes", len(data), "limit", a.limits.MaxBlockBytes, "message", msg)
		a.dropped++
		a.metrics.IncMessagesDropped(a.partition)
		return nil
	}

	if !a.current.Fits(data) {
		if err := a.upload(ctx); err != nil {
			return a.fail(OpUpload, err)
		}
		a.needPersist = true
		next := a.limits.Next(a.current.Pointer)
		a.rolloverLog.Info("message does not fit current block; rollover to next block",
			"from", a.current.Pointer, "to", next)
		a.metrics.IncRollovers(a.partition)
		a.current = block.New(next, a.limits.MaxBlockBytes)
	}

	if err := a.current.Append(data); err != nil {
		return a.fail(OpUpload, err)
	}
	a.count++
	return nil
}

// Complete uploads the current block if it holds data and, when anything was
// uploaded during the attempt, persists the recovery record. It returns the
// number of accepted messages.
func (a *ByteAggregator) Complete(ctx context.Context) (int64, error) {
	if a.status != StateAccumulating {
		return 0, ErrNotAccumulating
	}

	if a.current.Len() > 0 {
		if err := a.upload(ctx); err != nil {
			return 0, a.fail(OpUpload, err)
		}
		a.needPersist = true
	}

	if a.needPersist {
		rec := checkpoint.Record{Txid: a.txid, FirstBlock: a.first, LastBlock: a.current.Pointer}
		start := time.Now()
		if err := a.state.Save(ctx, rec); err != nil {
			a.metrics.IncStateErrors("save")
			return 0, a.fail(OpPersist, err)
		}
		a.metrics.ObservePersistDuration(time.Since(start).Seconds())
		a.blockLog.Info("persisted state", "first_block", rec.FirstBlock, "last_block", rec.LastBlock)
	}

	a.status = StateComplete
	a.metrics.AddMessagesAccepted(a.partition, a.count)
	a.metrics.IncBatchesCompleted(a.partition, a.txid)
	a.batchLog.Info("complete", "message_count", a.count, "dropped", a.dropped)
	return a.count, nil
}

// ProcessBatch runs a whole attempt: Init, Aggregate for every message, then
// Complete.
func (a *ByteAggregator) ProcessBatch(ctx context.Context, txid int64, msgs []string) (Batch, error) {
	start := time.Now()
	defer func() {
		a.metrics.ObserveBatchDuration(a.partition, time.Since(start).Seconds())
	}()

	if err := a.Init(ctx, txid); err != nil {
		return Batch{}, err
	}
	for _, m := range msgs {
		if err := a.Aggregate(ctx, m); err != nil {
			return Batch{}, err
		}
	}
	count, err := a.Complete(ctx)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Txid:      txid,
		Mode:      a.plan.Mode,
		Count:     count,
		Dropped:   a.dropped,
		First:     a.first,
		Last:      a.current.Pointer,
		Persisted: a.needPersist,
	}, nil
}

func (a *ByteAggregator) upload(ctx context.Context) error {
	b := a.current
	if err := b.Upload(ctx, a.partition, a.naming, a.uploader); err != nil {
		return err
	}
	a.metrics.ObserveBlockUploaded(a.partition, b.Len())
	a.blockLog.Info("uploaded block",
		"blob", a.naming.Blob(a.partition, b.Blob),
		"block", a.naming.BlockName(b.Block),
		"bytes", b.Len())
	return nil
}

// fail ends the attempt and wraps err for redelivery.
func (a *ByteAggregator) fail(op string, err error) error {
	a.status = StateInit
	a.metrics.IncBatchesFailed(a.partition, op)
	a.log.Warn("batch attempt failed", "op", op, "error", err)
	return &BatchError{Partition: a.partition, Txid: a.txid, Op: op, Err: err}
}
