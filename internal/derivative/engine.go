// Package derivative serves resized variants of uploaded images, generating
// each one the first time it is asked for.
//
// A derivative is ready when its flag is set in the record's registry. Ready
// derivatives resolve to their deterministic storage key without touching
// the lock manager. Missing ones are generated by at most one caller per
// (filename, size) at a time: callers in the same process share a single
// flight, and processes sharing the storage coordinate through the Locker.
// A caller that loses the lock race waits once for LockWait, re-reads the
// registry and gives up with ErrNotReady if the derivative is still missing.
//
// Every failure is reported as an error from Lookup and as a miss from
// Resolve. Nothing here panics into the caller.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"shopimg/internal/blob"
	"shopimg/internal/lock"
	"shopimg/internal/logging"
	"shopimg/internal/metrics"
	"shopimg/internal/models"
	"shopimg/internal/paths"
	"shopimg/internal/registry"
	"shopimg/internal/transform"
)

const component = "derivative"

var (
	ErrUnsupportedSize = errors.New("unsupported derivative size")
	ErrOriginalMissing = errors.New("original image missing from storage")
	ErrTransform       = errors.New("image transform failed")
	ErrStorageWrite    = errors.New("derivative write failed")
	ErrRegistry        = errors.New("derivative registry update failed")
	ErrNotReady        = errors.New("derivative is being generated elsewhere")
)

type Config struct {
	Sizes    map[string]models.Box
	LockWait time.Duration
}

type Option func(*Engine)

// WithMetrics reports resolve outcomes to m.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	sizes     map[string]models.Box
	wait      time.Duration
	blobs     blob.Backend
	locks     lock.Locker
	registry  *registry.Registry
	transform transform.Transformer
	metrics   metrics.Metrics
	group     singleflight.Group
}

func New(cfg Config, blobs blob.Backend, locks lock.Locker, reg *registry.Registry, tr transform.Transformer, opts ...Option) *Engine {
	sizes := make(map[string]models.Box, len(cfg.Sizes))
	for name, box := range cfg.Sizes {
		sizes[name] = box
	}
	e := &Engine{
		sizes:     sizes,
		wait:      cfg.LockWait,
		blobs:     blobs,
		locks:     locks,
		registry:  reg,
		transform: tr,
		metrics:   metrics.Noop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sizes lists the configured derivative sizes in sorted order.
func (e *Engine) Sizes() []string {
	names := make([]string, 0, len(e.sizes))
	for name := range e.sizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether size can be resolved, including "original".
func (e *Engine) Supports(size string) bool {
	if size == models.SizeOriginal {
		return true
	}
	_, ok := e.sizes[size]
	return ok
}

// Paths returns every storage key rec can occupy: the original and one per
// configured size, whether generated or not.
func (e *Engine) Paths(rec *models.ContentRecord) []string {
	keys := []string{paths.For(rec, models.SizeOriginal)}
	for _, size := range e.Sizes() {
		keys = append(keys, paths.For(rec, size))
	}
	return keys
}

// Resolve returns the storage key of size for rec, generating the derivative
// if needed. It reports false when the derivative is unavailable for any
// reason. rec is not modified; reload it to observe new flags.
func (e *Engine) Resolve(ctx context.Context, rec *models.ContentRecord, size string) (string, bool) {
	key, err := e.Lookup(ctx, rec, size)
	return key, err == nil
}

// Lookup is Resolve with the reason for a miss.
func (e *Engine) Lookup(ctx context.Context, rec *models.ContentRecord, size string) (string, error) {
	const op = "derivative.Lookup"

	if size == models.SizeOriginal {
		return e.original(ctx, rec)
	}
	if _, ok := e.sizes[size]; !ok {
		e.metrics.IncResolve(size, metrics.ResultUnsupported)
		return "", fmt.Errorf("%s: %w: %q", op, ErrUnsupportedSize, size)
	}
	if e.registry.IsGenerated(rec, size) {
		e.metrics.IncResolve(size, metrics.ResultHit)
		return paths.For(rec, size), nil
	}

	res, err := e.flight(ctx, rec, size)
	e.metrics.IncResolve(size, res.result)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return res.key, nil
}

// Warm resolves sizes (all configured sizes when empty) concurrently and
// returns how many are ready.
func (e *Engine) Warm(ctx context.Context, rec *models.ContentRecord, sizes ...string) (int, error) {
	if len(sizes) == 0 {
		sizes = e.Sizes()
	}

	errs := make([]error, len(sizes))
	var wg sync.WaitGroup
	for i, size := range sizes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Lookup(ctx, rec, size)
		}()
	}
	wg.Wait()

	ready := 0
	for _, err := range errs {
		if err == nil {
			ready++
		}
	}
	return ready, errors.Join(errs...)
}

func (e *Engine) original(ctx context.Context, rec *models.ContentRecord) (string, error) {
	const op = "derivative.original"

	key := paths.For(rec, models.SizeOriginal)
	ok, err := e.blobs.Exists(ctx, key)
	if err != nil {
		e.metrics.IncResolve(models.SizeOriginal, metrics.ResultFailed)
		logging.Error(component, "original lookup failed", "id", rec.ID, "key", key, "err", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		e.metrics.IncResolve(models.SizeOriginal, metrics.ResultFailed)
		logging.Error(component, "original missing", "id", rec.ID, "domain", rec.Domain, "key", key)
		return "", fmt.Errorf("%s: %w: %s", op, ErrOriginalMissing, key)
	}
	e.metrics.IncResolve(models.SizeOriginal, metrics.ResultOriginal)
	return key, nil
}

type flightResult struct {
	key    string
	result string
}

// flight collapses concurrent in-process callers for one derivative into a
// single attempt. The attempt is detached from the leader's cancellation so
// a write already under way is allowed to finish.
func (e *Engine) flight(ctx context.Context, rec *models.ContentRecord, size string) (flightResult, error) {
	id := string(rec.Domain) + "/" + paths.LockKey(rec.Filename, size)
	v, err, _ := e.group.Do(id, func() (interface{}, error) {
		res, err := e.attempt(context.WithoutCancel(ctx), rec, size)
		return res, err
	})
	res, _ := v.(flightResult)
	if res.result == "" {
		res.result = metrics.ResultFailed
	}
	return res, err
}

// attempt runs one lock-guarded generation and logs its failure.
func (e *Engine) attempt(ctx context.Context, rec *models.ContentRecord, size string) (res flightResult, err error) {
	work := *rec
	work.Generated = rec.Generated.Clone()
	key := paths.For(&work, size)

	var stack []byte
	defer func() {
		if r := recover(); r != nil {
			stack = debug.Stack()
			res = flightResult{result: metrics.ResultFailed}
			err = fmt.Errorf("%w: panic: %v", ErrTransform, r)
		}
		if err != nil && !errors.Is(err, ErrNotReady) {
			kv := []interface{}{"id", work.ID, "domain", work.Domain, "size", size, "filename", work.Filename, "err", err}
			if stack != nil {
				kv = append(kv, "stack", string(stack))
			}
			logging.Error(component, "derivative generation failed", kv...)
		}
	}()

	lockKey := paths.LockKey(work.Filename, size)
	tok, ok, err := e.locks.TryAcquire(ctx, lockKey)
	if err != nil {
		return flightResult{result: metrics.ResultFailed}, fmt.Errorf("acquire %s: %w", lockKey, err)
	}
	if !ok {
		return e.await(ctx, &work, size, key)
	}
	defer func() {
		if rerr := e.locks.Release(ctx, tok); rerr != nil {
			logging.Error(component, "lock release failed", "key", lockKey, "err", rerr)
		}
	}()

	// Another process may have finished between our flag read and the lock.
	if err := e.registry.Refresh(ctx, &work); err != nil {
		return flightResult{result: metrics.ResultFailed}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	if e.registry.IsGenerated(&work, size) {
		return flightResult{key: key, result: metrics.ResultHit}, nil
	}

	start := time.Now()
	if err := e.generate(ctx, &work, size, key); err != nil {
		return flightResult{result: metrics.ResultFailed}, err
	}
	e.metrics.ObserveGeneration(size, time.Since(start).Seconds())

	if err := e.registry.MarkGenerated(ctx, &work, size); err != nil {
		return flightResult{result: metrics.ResultFailed}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	logging.Info(component, "derivative generated", "id", work.ID, "size", size, "key", key)
	return flightResult{key: key, result: metrics.ResultGenerated}, nil
}

// await is the contended path: one bounded wait, then a fresh registry read.
func (e *Engine) await(ctx context.Context, rec *models.ContentRecord, size, key string) (flightResult, error) {
	logging.Info(component, "generation in progress elsewhere, waiting", "id", rec.ID, "size", size, "wait", e.wait)

	t := time.NewTimer(e.wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return flightResult{result: metrics.ResultContended}, ctx.Err()
	case <-t.C:
	}

	if err := e.registry.Refresh(ctx, rec); err != nil {
		return flightResult{result: metrics.ResultFailed}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	if e.registry.IsGenerated(rec, size) {
		return flightResult{key: key, result: metrics.ResultWaited}, nil
	}
	return flightResult{result: metrics.ResultContended}, ErrNotReady
}

// generate writes the derivative to a scratch key and moves it into place.
// On failure neither key is left behind.
func (e *Engine) generate(ctx context.Context, rec *models.ContentRecord, size, key string) error {
	original := paths.For(rec, models.SizeOriginal)
	data, err := e.blobs.Read(ctx, original)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOriginalMissing, original)
		}
		return fmt.Errorf("read original: %w", err)
	}

	out, err := e.transform.Transform(data, e.sizes[size])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransform, err)
	}

	tmp := paths.Temp()
	committed := false
	// Runs on the panic path too.
	defer func() {
		if !committed {
			e.discard(ctx, tmp)
		}
	}()
	if err := e.blobs.Write(ctx, tmp, out); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	if err := e.blobs.Move(ctx, tmp, key); err != nil {
		e.discard(ctx, key)
		return fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	committed = true
	return nil
}

func (e *Engine) discard(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := e.blobs.Delete(ctx, k); err != nil {
			logging.Error(component, "cleanup failed", "key", k, "err", err)
		}
	}
}
