// Package pipeline implements the Pipeline Dispatcher: it maps an Item
// to the set of pipelines registered for its runtime type and runs it
// through a global-middleware chain wrapping a per-type
// pre-middleware/pipelines/post-middleware core. Grounded on
// aioscraper's holders/pipeline.py PipelineHolder (registration API,
// container-per-type shape) and pipeline/dispatcher.py PipelineDispatcher
// (put_item's pre/pipelines/post order, strict-mode PipelineException,
// close-all-on-shutdown), generalized with the global-middleware wrapper
// chain spec.md adds on top of that. The fan-out/close-once shutdown
// idiom follows JakeFAU's internal/progress/hub.go.
package pipeline

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/scrapererr"
)

// Item is any scraped value submitted to the dispatcher. The
// dispatcher keys registrations by the item's runtime type.
type Item any

// Next advances a global middleware chain to whatever comes after it
// (the next global middleware, or the pre/pipelines/post core).
type Next func(ctx context.Context, item Item) (Item, error)

// GlobalMiddleware wraps the whole dispatch of one item.
type GlobalMiddleware func(ctx context.Context, item Item, next Next) (Item, error)

// ItemMiddleware transforms an item before (pre) or after (post) it
// passes through the registered pipelines for its type.
type ItemMiddleware func(ctx context.Context, item Item) (Item, error)

// Pipeline accepts items of one registered type and closes exactly
// once at shutdown.
type Pipeline interface {
	Accept(ctx context.Context, item Item) (Item, error)
	Close(ctx context.Context) error
}

// Observer receives one notification per Dispatch call, for metrics. A
// nil Observer is valid; Dispatcher no-ops in that case.
type Observer interface {
	ObservePipelineItem(typeName string, err error)
}

type container struct {
	pipelines []Pipeline
	pre       []ItemMiddleware
	post      []ItemMiddleware
}

// Dispatcher routes items to their registered pipelines. The zero
// value is not usable; use New.
type Dispatcher struct {
	strict   bool
	log      *zap.Logger
	observer Observer

	mu         sync.RWMutex
	containers map[reflect.Type]*container
	global     []GlobalMiddleware
	order      []Pipeline // registration order, across all types, for Close

	closeOnce sync.Once
	closeErr  error
}

// New builds a Dispatcher. In strict mode, Dispatch fails with
// UnknownItem for a type with no registered pipelines; otherwise it
// logs and passes the item through unmodified.
func New(strict bool, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{strict: strict, log: log, containers: make(map[reflect.Type]*container)}
}

// SetObserver attaches the metrics sink Dispatch reports every item's
// outcome to. Call it before the engine starts accepting work; it is
// not safe to call concurrently with Dispatch.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

func (d *Dispatcher) containerFor(sample Item) *container {
	t := reflect.TypeOf(sample)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[t]
	if !ok {
		c = &container{}
		d.containers[t] = c
	}
	return c
}

// Register adds pipelines to process items of sample's runtime type.
func (d *Dispatcher) Register(sample Item, pipelines ...Pipeline) {
	c := d.containerFor(sample)
	d.mu.Lock()
	c.pipelines = append(c.pipelines, pipelines...)
	d.order = append(d.order, pipelines...)
	d.mu.Unlock()
}

// RegisterPre adds a pre-pipeline middleware for sample's runtime type.
func (d *Dispatcher) RegisterPre(sample Item, mw ItemMiddleware) {
	c := d.containerFor(sample)
	d.mu.Lock()
	c.pre = append(c.pre, mw)
	d.mu.Unlock()
}

// RegisterPost adds a post-pipeline middleware for sample's runtime type.
func (d *Dispatcher) RegisterPost(sample Item, mw ItemMiddleware) {
	c := d.containerFor(sample)
	d.mu.Lock()
	c.post = append(c.post, mw)
	d.mu.Unlock()
}

// RegisterGlobal adds a middleware wrapping dispatch of every item,
// regardless of type, in registration order (first registered wraps
// outermost).
func (d *Dispatcher) RegisterGlobal(mw GlobalMiddleware) {
	d.mu.Lock()
	d.global = append(d.global, mw)
	d.mu.Unlock()
}

// Dispatch routes item through its type's registered middlewares and
// pipelines, wrapped by the global middleware chain, and returns the
// final item value.
func (d *Dispatcher) Dispatch(ctx context.Context, item Item) (Item, error) {
	typeName := itemTypeName(item)

	d.mu.RLock()
	globals := append([]GlobalMiddleware(nil), d.global...)
	d.mu.RUnlock()

	chain := Next(d.dispatchCore)
	for i := len(globals) - 1; i >= 0; i-- {
		mw, next := globals[i], chain
		chain = func(ctx context.Context, item Item) (Item, error) {
			return mw(ctx, item, next)
		}
	}
	result, err := chain(ctx, item)
	if d.observer != nil {
		d.observer.ObservePipelineItem(typeName, err)
	}
	return result, err
}

func itemTypeName(item Item) string {
	t := reflect.TypeOf(item)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

func (d *Dispatcher) dispatchCore(ctx context.Context, item Item) (Item, error) {
	t := reflect.TypeOf(item)
	d.mu.RLock()
	c, ok := d.containers[t]
	d.mu.RUnlock()
	if !ok {
		if d.strict {
			return item, &scrapererr.UnknownItem{TypeName: t.String()}
		}
		d.log.Warn("no pipeline registered for item type", zap.String("type", t.String()))
		return item, nil
	}

	item, stopped, err := runItemMiddlewares(ctx, c.pre, item)
	if err != nil || stopped {
		return item, err
	}

	for _, p := range c.pipelines {
		item, err = p.Accept(ctx, item)
		if err != nil {
			return item, err
		}
	}

	item, _, err = runItemMiddlewares(ctx, c.post, item)
	return item, err
}

func runItemMiddlewares(ctx context.Context, mws []ItemMiddleware, item Item) (Item, bool, error) {
	for _, mw := range mws {
		next, err := mw(ctx, item)
		if err == nil {
			item = next
			continue
		}
		if err == scrapererr.ErrStopMiddlewareProcessing {
			break
		}
		if err == scrapererr.ErrStopItemProcessing {
			return item, true, nil
		}
		return item, false, err
	}
	return item, false, nil
}

// Close calls every registered pipeline's Close exactly once, in
// registration order, shielded from ctx's cancellation so a shutdown
// signal cannot abort a pipeline's own flush logic. Close is
// idempotent; subsequent calls return the first call's result.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		shielded := context.WithoutCancel(ctx)
		d.mu.RLock()
		order := append([]Pipeline(nil), d.order...)
		d.mu.RUnlock()

		var errs error
		for _, p := range order {
			if err := p.Close(shielded); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		d.closeErr = errs
	})
	return d.closeErr
}
