package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/metrics"
)

const (
	// DefaultTxStaleAfter is how long a transaction may stay open before
	// the sweep evicts it.
	DefaultTxStaleAfter = 30 * time.Second

	// DefaultTxSweepInterval is how often the sweep runs.
	DefaultTxSweepInterval = 10 * time.Second

	// finishTimeout bounds COMMIT/ROLLBACK, which run even after shutdown
	// has been requested.
	finishTimeout = 10 * time.Second
)

// TxRegistryConfig tunes the staleness sweep.
type TxRegistryConfig struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// txHandle is one checked-out connection in explicit transaction mode.
// mu is held while a statement runs on conn.
type txHandle struct {
	mu        sync.Mutex
	conn      Conn
	createdAt time.Time
}

// TxRegistry maps opaque client ids to open transactions, so the caller
// that begins a transaction and the one that finishes it only need to share
// the id. Handles left open too long are rolled back by the sweep.
type TxRegistry struct {
	pool   ConnPool
	config TxRegistryConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	handles map[uuid.UUID]*txHandle
}

// NewTxRegistry creates a registry drawing connections from pool.
func NewTxRegistry(pool ConnPool, cfg TxRegistryConfig, logger *zap.Logger) *TxRegistry {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultTxStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultTxSweepInterval
	}

	return &TxRegistry{
		pool:    pool,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		handles: make(map[uuid.UUID]*txHandle),
	}
}

// Begin checks out a connection, starts a transaction on it and returns the
// client id that now owns it.
func (r *TxRegistry) Begin(ctx context.Context) (uuid.UUID, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: acquire connection: %w", ErrInfrastructure, err)
	}

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		conn.Release()
		return uuid.Nil, fmt.Errorf("%w: begin: %w", ErrInfrastructure, err)
	}

	clientID := uuid.New()

	r.mu.Lock()
	r.handles[clientID] = &txHandle{conn: conn, createdAt: r.now()}
	open := len(r.handles)
	r.mu.Unlock()

	metrics.SetTxHandles(open)
	r.logger.Debug("transaction started", zap.String("client_id", clientID.String()))

	return clientID, nil
}

// Commit commits and releases the transaction owned by clientID.
func (r *TxRegistry) Commit(ctx context.Context, clientID uuid.UUID) error {
	return r.finish(ctx, clientID, "COMMIT")
}

// Rollback rolls back and releases the transaction owned by clientID. It
// is safe to call on a transaction already aborted by a failed statement.
func (r *TxRegistry) Rollback(ctx context.Context, clientID uuid.UUID) error {
	return r.finish(ctx, clientID, "ROLLBACK")
}

// Use runs fn on the connection of the transaction owned by clientID.
// Statements on one handle are serialized.
func (r *TxRegistry) Use(ctx context.Context, clientID uuid.UUID, fn func(Conn) error) error {
	h := r.lookup(clientID)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrTxNotFound, clientID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// The handle may have been evicted while we waited for it.
	if r.lookup(clientID) != h {
		return fmt.Errorf("%w: %s", ErrTxNotFound, clientID)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return fn(h.conn)
}

// Len returns the number of open transactions.
func (r *TxRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *TxRegistry) lookup(clientID uuid.UUID) *txHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[clientID]
}

// detach removes the handle from the registry and returns it locked. It
// fails when a statement is running on the handle.
func (r *TxRegistry) detach(clientID uuid.UUID) (*txHandle, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[clientID]
	if !ok {
		return nil, len(r.handles), fmt.Errorf("%w: %s", ErrTxNotFound, clientID)
	}
	if !h.mu.TryLock() {
		return nil, len(r.handles), fmt.Errorf("%w: %s", ErrTxStillInUse, clientID)
	}

	delete(r.handles, clientID)
	return h, len(r.handles), nil
}

func (r *TxRegistry) finish(ctx context.Context, clientID uuid.UUID, stmt string) error {
	h, open, err := r.detach(clientID)
	if err != nil {
		return err
	}
	metrics.SetTxHandles(open)

	defer h.conn.Release()
	defer h.mu.Unlock()

	// Finishing must not be skipped because the worker is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if _, err := h.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInfrastructure, stmt, err)
	}

	r.logger.Debug("transaction finished",
		zap.String("client_id", clientID.String()),
		zap.String("statement", stmt),
		zap.Duration("held_for", r.now().Sub(h.createdAt)),
	)

	return nil
}

// Sweep evicts and rolls back every handle older than the staleness
// threshold. It returns the number of evicted handles.
func (r *TxRegistry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.config.StaleAfter)

	type evicted struct {
		id uuid.UUID
		h  *txHandle
	}
	var stale []evicted

	r.mu.Lock()
	for id, h := range r.handles {
		if h.createdAt.Before(cutoff) {
			delete(r.handles, id)
			stale = append(stale, evicted{id: id, h: h})
		}
	}
	open := len(r.handles)
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	metrics.SetTxHandles(open)

	for _, e := range stale {
		r.logger.Warn("evicting stale transaction",
			zap.String("client_id", e.id.String()),
			zap.Duration("age", r.now().Sub(e.h.createdAt)),
		)
		r.discard(ctx, e.h)
		metrics.RecordTxEvicted()
	}

	return len(stale)
}

// discard rolls back a handle that is no longer registered and releases
// its connection. Errors are logged only.
func (r *TxRegistry) discard(ctx context.Context, h *txHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer h.conn.Release()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if _, err := h.conn.Exec(ctx, "ROLLBACK"); err != nil {
		r.logger.Warn("rollback of evicted transaction failed", zap.Error(err))
	}
}

// RunSweeper sweeps every SweepInterval until ctx is cancelled.
func (r *TxRegistry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("transaction sweeper stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close rolls back every transaction still registered. Called once the
// workers have stopped.
func (r *TxRegistry) Close(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[uuid.UUID]*txHandle)
	r.mu.Unlock()
	metrics.SetTxHandles(0)

	for id, h := range handles {
		r.logger.Warn("rolling back open transaction on shutdown", zap.String("client_id", id.String()))
		r.discard(ctx, h)
	}
}
