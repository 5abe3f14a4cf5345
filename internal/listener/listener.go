// Package listener polls the factory contract for newly submitted requests
// and hands each one to the pipeline. Polling starts at the head block on
// startup: requests submitted while the service was down are picked up by
// resubmission or manual intake, never by rescanning history.
package listener

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

// Source is the chain surface the listener polls. Satisfied by *chain.Client.
type Source interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterRequestEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.RequestEvent, error)
}

// Processor consumes one request event. main wraps the pipeline in a Func.
type Processor interface {
	Handle(ctx context.Context, ev chain.RequestEvent)
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, ev chain.RequestEvent)

func (f Func) Handle(ctx context.Context, ev chain.RequestEvent) { f(ctx, ev) }

type Listener struct {
	src      Source
	proc     Processor
	reg      registry.Registry
	log      *zap.Logger
	interval time.Duration

	wg sync.WaitGroup
}

func New(cfg *config.Config, src Source, proc Processor, reg registry.Registry, log *zap.Logger) *Listener {
	return &Listener{
		src:      src,
		proc:     proc,
		reg:      reg,
		log:      log,
		interval: time.Duration(cfg.Pipeline.EventPollSec) * time.Second,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight request handlers
// to finish. Each new request is processed on its own goroutine so one slow
// pipeline run never delays intake of the next request.
func (l *Listener) Run(ctx context.Context) error {
	lastBlock, err := l.src.BlockNumber(ctx)
	if err != nil {
		return err
	}
	l.log.Info("listening for requests", zap.Uint64("from_block", lastBlock+1))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			lastBlock = l.poll(ctx, lastBlock)
		}
	}
}

// poll scans (lastBlock, head] and returns the new high-water mark. Scan
// errors leave the mark unchanged so the range is retried next tick.
func (l *Listener) poll(ctx context.Context, lastBlock uint64) uint64 {
	head, err := l.src.BlockNumber(ctx)
	if err != nil {
		l.log.Warn("fetch head block", zap.Error(err))
		return lastBlock
	}
	if head <= lastBlock {
		return lastBlock
	}

	evs, err := l.src.FilterRequestEvents(ctx, lastBlock+1, head)
	if err != nil {
		l.log.Warn("filter request events",
			zap.Uint64("from", lastBlock+1),
			zap.Uint64("to", head),
			zap.Error(err),
		)
		return lastBlock
	}

	for _, ev := range evs {
		l.dispatch(ctx, ev)
	}
	return head
}

// dispatch deduplicates via the registry and spawns a handler for first-seen
// requests. Log ranges can overlap across restarts and RPC retries; the seen
// marker makes redelivery harmless.
func (l *Listener) dispatch(ctx context.Context, ev chain.RequestEvent) {
	first, err := l.reg.MarkRequestSeen(ctx, ev.RequestID)
	if err != nil {
		l.log.Error("mark request seen", zap.Uint64("request", ev.RequestID), zap.Error(err))
		return
	}
	if !first {
		l.log.Debug("duplicate request event", zap.Uint64("request", ev.RequestID))
		return
	}

	l.log.Info("request received",
		zap.Uint64("request", ev.RequestID),
		zap.String("user", ev.User.Hex()),
		zap.Uint64("block", ev.Block),
	)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.proc.Handle(ctx, ev)
	}()
}
