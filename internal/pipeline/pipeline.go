package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/executor"
	"github.com/bbelbuken/elontweetbot/internal/ledger"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/queue"
	"github.com/bbelbuken/elontweetbot/internal/risk"
	"github.com/bbelbuken/elontweetbot/internal/scorer"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

const sweepBatchSize = 100

// Pipeline wires posts through scoring, admission and execution. It is the
// queue's job handler; the periodic sweeps re-enqueue anything a dropped or
// failed job left behind, so the queue itself needs no durability.
type Pipeline struct {
	ledger *ledger.Ledger
	scorer *scorer.Scorer
	gate   *risk.Gate
	exec   *executor.Executor
	symbol string
	queue  *queue.Queue
}

func New(led *ledger.Ledger, sc *scorer.Scorer, gate *risk.Gate, exec *executor.Executor, symbol string, capacity, workers, shards int) *Pipeline {
	p := &Pipeline{
		ledger: led,
		scorer: sc,
		gate:   gate,
		exec:   exec,
		symbol: symbol,
	}
	p.queue = queue.New(p, capacity, workers, shards)
	return p
}

func (p *Pipeline) Start(ctx context.Context) { p.queue.Start(ctx) }
func (p *Pipeline) Close()                    { p.queue.Close() }

// Ingest stores a new post and queues it for scoring.
func (p *Pipeline) Ingest(ctx context.Context, post types.Post) error {
	if err := p.ledger.IngestPost(ctx, post); err != nil {
		return err
	}
	if err := p.queue.Enqueue(queue.Job{Kind: queue.KindScore, Post: post}); err != nil {
		// The scoring sweep will find it.
		logger.Warn(ctx, "Score job dropped, deferring to sweep", "post_id", post.ID, "error", err)
	}
	return nil
}

// HandleScore annotates a post and hands the resulting signal to admission.
// Scoring failures leave the post unscored for the next sweep.
func (p *Pipeline) HandleScore(ctx context.Context, post types.Post) error {
	score := post.SignalScore
	if !post.Scored {
		s, a, err := p.scorer.Score(ctx, post.Text)
		if err != nil {
			return err
		}
		score = s

		ok, err := p.ledger.AnnotatePost(ctx, post.ID, a.Sentiment, s)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug(ctx, "Post already annotated", "post_id", post.ID)
		}
	}

	p.enqueueAdmit(ctx, types.Signal{PostID: post.ID, Score: score, At: time.Now().UTC()}, "")
	return nil
}

// HandleAdmit runs the risk gate and queues execution for approvals.
func (p *Pipeline) HandleAdmit(ctx context.Context, sig types.Signal, token string) error {
	d, err := p.gate.Admit(ctx, sig, token)
	if err != nil {
		if errors.Is(err, risk.ErrUnknownToken) || errors.Is(err, risk.ErrTokenMismatch) {
			logger.Warn(ctx, "Invalid approval token on admission", "signal_id", sig.PostID, "error", err)
			return nil
		}
		return err
	}
	if !d.Approved {
		return nil
	}
	if err := p.queue.Enqueue(queue.Job{Kind: queue.KindExecute, Signal: sig, Symbol: p.symbol}); err != nil {
		// The signal is consumed; run inline rather than lose the order.
		logger.Warn(ctx, "Execute job dropped, running inline", "signal_id", sig.PostID)
		return p.exec.Execute(ctx, sig)
	}
	return nil
}

func (p *Pipeline) HandleExecute(ctx context.Context, sig types.Signal) error {
	return p.exec.Execute(ctx, sig)
}

func (p *Pipeline) HandleMonitor(ctx context.Context) error {
	return p.exec.MonitorOpenTrades(ctx)
}

func (p *Pipeline) enqueueAdmit(ctx context.Context, sig types.Signal, token string) {
	if err := p.queue.Enqueue(queue.Job{Kind: queue.KindAdmit, Signal: sig, Token: token}); err != nil {
		logger.Warn(ctx, "Admit job dropped, deferring to sweep", "signal_id", sig.PostID, "error", err)
	}
}

// SweepUnscored re-queues posts the scorer has not annotated yet.
func (p *Pipeline) SweepUnscored(ctx context.Context) error {
	posts, err := p.ledger.UnscoredPosts(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, post := range posts {
		if err := p.queue.Enqueue(queue.Job{Kind: queue.KindScore, Post: post}); err != nil {
			return fmt.Errorf("enqueue score sweep: %w", err)
		}
	}
	if len(posts) > 0 {
		logger.Debug(ctx, "Score sweep queued", "count", len(posts))
	}
	return nil
}

// SweepPendingSignals re-queues annotated posts whose signal was never
// consumed, including ones parked behind manual approval.
func (p *Pipeline) SweepPendingSignals(ctx context.Context) error {
	posts, err := p.ledger.PendingSignals(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, post := range posts {
		p.enqueueAdmit(ctx, types.Signal{PostID: post.ID, Score: post.SignalScore, At: post.CreatedAt}, "")
	}
	return nil
}

// EnqueueMonitor schedules one stop/target check over open trades.
func (p *Pipeline) EnqueueMonitor(ctx context.Context) {
	if err := p.queue.Enqueue(queue.Job{Kind: queue.KindMonitor}); err != nil {
		logger.Warn(ctx, "Monitor job dropped", "error", err)
	}
}

// ApproveToken grants a manual-override token and immediately re-admits the
// signal it belongs to.
func (p *Pipeline) ApproveToken(ctx context.Context, token string) error {
	signalID, err := p.gate.Approve(token)
	if err != nil {
		return err
	}
	post, err := p.ledger.GetPost(ctx, signalID)
	if err != nil {
		return err
	}
	p.enqueueAdmit(ctx, types.Signal{PostID: post.ID, Score: post.SignalScore, At: post.CreatedAt}, token)
	return nil
}
