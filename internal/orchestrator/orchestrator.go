// Package orchestrator is the single serialized writer between the
// feed listeners and the store. It executes actions in arrival order
// and commits in bounded batches.
package orchestrator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stellarbrain/coindepth/internal/action"
	"github.com/stellarbrain/coindepth/internal/connector"
	"github.com/stellarbrain/coindepth/internal/exchange"
	"github.com/stellarbrain/coindepth/internal/listener"
)

// Store is the transactional store the orchestrator writes through.
type Store interface {
	action.Store
	Commit(ctx context.Context) error
	Rollback() error
}

// Orchestrator fans listeners out and serializes their writes. Many
// listeners feed one store transaction, so OnEvent holds a mutex for
// the whole execute-and-maybe-commit step.
type Orchestrator struct {
	store          Store
	commitInterval int64

	mu sync.Mutex
	// rowsModified counts rows since the last commit; it resets to 0 on
	// every commit, so a commit happens at least every commitInterval
	// modified rows.
	rowsModified int64
	committed    int64

	listeners []*listener.Listener
}

// New builds an orchestrator committing every commitInterval modified rows.
func New(store Store, commitInterval int) *Orchestrator {
	return &Orchestrator{store: store, commitInterval: int64(commitInterval)}
}

// Add registers a listener to be driven by Run.
func (o *Orchestrator) Add(l *listener.Listener) {
	o.listeners = append(o.listeners, l)
}

// OnEvent executes the actions in order against the store and commits
// once the batch threshold is crossed. On an execute error the open
// transaction is rolled back and the error returned to the listener,
// which treats it as a broken epoch.
func (o *Orchestrator) OnEvent(ctx context.Context, actions []action.Action) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range actions {
		n, err := a.Execute(ctx, o.store)
		if err != nil {
			if rbErr := o.store.Rollback(); rbErr != nil {
				logErrStack(rbErr)
			}
			o.rowsModified = 0
			return err
		}
		o.rowsModified += n
	}
	if o.rowsModified >= o.commitInterval {
		if err := o.store.Commit(ctx); err != nil {
			return err
		}
		o.committed += o.rowsModified
		log.Debug().Int64("rows", o.rowsModified).Int64("total", o.committed).Msg("batch committed")
		o.rowsModified = 0
	}
	return nil
}

// Run drives all registered listeners until the context ends or Stop
// is called, then flushes the remaining uncommitted rows.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range o.listeners {
		l := l
		g.Go(func() error {
			return l.Run(ctx)
		})
	}
	err := g.Wait()
	if flushErr := o.flush(context.Background()); flushErr != nil {
		logErrStack(flushErr)
		if err == nil {
			err = flushErr
		}
	}
	log.Info().Int64("rows", o.CommittedRows()).Msg("ingestion finished")
	return err
}

// Stop asks every listener for a graceful stop. Run returns once they
// have drained.
func (o *Orchestrator) Stop() {
	for _, l := range o.listeners {
		l.Stop()
	}
}

// flush commits whatever is below the batch threshold.
func (o *Orchestrator) flush(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rowsModified == 0 {
		return nil
	}
	if err := o.store.Commit(ctx); err != nil {
		return err
	}
	o.committed += o.rowsModified
	o.rowsModified = 0
	return nil
}

// CommittedRows reports the total rows committed so far.
func (o *Orchestrator) CommittedRows() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

// FetchMarkets fans the one-shot market crawl out over the adapters,
// funnels their actions through OnEvent and commits the results in one
// go.
func (o *Orchestrator) FetchMarkets(ctx context.Context, adapters []exchange.Adapter, rest *connector.REST) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			actions, err := a.FetchMarkets(ctx, rest)
			if err != nil {
				return err
			}
			if err := o.OnEvent(ctx, actions); err != nil {
				return err
			}
			log.Info().Str("exchange", a.Exchange().Name).Msg("markets fetched")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return o.flush(ctx)
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
