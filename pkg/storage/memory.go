package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/chaincache/pkg/observability"
)

type tableRows map[string]map[string]Row // cache_key -> identity -> row

// Memory is a process-local Backend. Update transactions are serialized.
type Memory struct {
	mu     sync.RWMutex
	tables map[Table]tableRows
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	m := &Memory{tables: make(map[Table]tableRows)}
	for _, t := range Tables() {
		m.tables[t] = make(tableRows)
	}

	return m
}

// Start is a no-op
func (m *Memory) Start(_ context.Context) error {
	return nil
}

// Stop marks the backend closed
func (m *Memory) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// View runs fn against committed state
func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrBackendClosed
	}

	defer observability.ObserveStorageTx("memory", "view", time.Now())

	return fn(&memoryTx{store: m, readOnly: true})
}

// Update runs fn and applies its writes if it succeeds
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrBackendClosed
	}

	defer observability.ObserveStorageTx("memory", "update", time.Now())

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	tx.apply()

	return nil
}

type memoryOp struct {
	table  Table
	row    Row
	pred   Predicate
	delete bool
}

// memoryTx reads through its own pending writes so fn sees a consistent view
type memoryTx struct {
	store    *Memory
	readOnly bool
	ops      []memoryOp
}

func (tx *memoryTx) Insert(table Table, row Row) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if err := row.Range().Validate(); err != nil {
		return err
	}

	tx.ops = append(tx.ops, memoryOp{table: table, row: row})

	return nil
}

func (tx *memoryTx) Select(table Table, pred Predicate) ([]Row, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	view := tx.snapshot(table)
	rows := make([]Row, 0)

	for key, byID := range view {
		if pred.Key != "" && key != pred.Key {
			continue
		}

		for _, row := range byID {
			if pred.Match(row) {
				rows = append(rows, row)
			}
		}
	}

	SortRows(rows)

	return rows, nil
}

func (tx *memoryTx) Delete(table Table, pred Predicate) (int, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}

	rows, err := tx.Select(table, pred)
	if err != nil {
		return 0, err
	}

	tx.ops = append(tx.ops, memoryOp{table: table, pred: pred, delete: true})

	return len(rows), nil
}

// snapshot returns committed rows of table with pending ops applied
func (tx *memoryTx) snapshot(table Table) tableRows {
	committed := tx.store.tables[table]

	if len(tx.ops) == 0 {
		return committed
	}

	view := make(tableRows, len(committed))
	for key, byID := range committed {
		cp := make(map[string]Row, len(byID))
		for id, row := range byID {
			cp[id] = row
		}
		view[key] = cp
	}

	for _, op := range tx.ops {
		if op.table == table {
			applyOp(view, op)
		}
	}

	return view
}

func (tx *memoryTx) apply() {
	for _, op := range tx.ops {
		applyOp(tx.store.tables[op.table], op)
	}
}

func applyOp(rows tableRows, op memoryOp) {
	if !op.delete {
		byID, ok := rows[op.row.Key]
		if !ok {
			byID = make(map[string]Row)
			rows[op.row.Key] = byID
		}

		byID[op.row.Identity()] = op.row

		return
	}

	for key, byID := range rows {
		for id, row := range byID {
			if op.pred.Match(row) {
				delete(byID, id)
			}
		}

		if len(byID) == 0 {
			delete(rows, key)
		}
	}
}
