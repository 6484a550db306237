package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/commerce-core/internal/common"
)

// Mem is an in-memory driver with snapshot-rollback transactions. A single
// mutex is held for the whole of every transaction, which makes each
// transaction trivially serializable. It backs the test suites and doubles
// as the reference semantics for the operation surface.
type Mem struct {
	mu     sync.Mutex
	tables map[string][]Row

	// Bound records every session binding in order, for assertions.
	Bound []string
}

// NewMem returns an empty in-memory driver.
func NewMem() *Mem {
	return &Mem{tables: map[string][]Row{}}
}

// Seed inserts rows into a table without any interception.
func (m *Mem) Seed(entity string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[entity] = append(m.tables[entity], r.Clone())
	}
}

// Table returns a copy of the current rows of a table.
func (m *Mem) Table(entity string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]Row, len(m.tables[entity]))
	for i, r := range m.tables[entity] {
		rows[i] = r.Clone()
	}
	return rows
}

// BindTenant records the binding; the in-memory engine has no session layer.
func (m *Mem) BindTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bound = append(m.Bound, tenantID)
	return nil
}

// Dispatch executes one operation atomically.
func (m *Mem) Dispatch(ctx context.Context, op Op) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", common.ErrTxAborted, err)
	}
	return m.apply(op)
}

// InTx holds the driver lock for the duration of fn, snapshotting all
// tables first and restoring the snapshot when fn fails.
func (m *Mem) InTx(ctx context.Context, opts TxOptions, fn func(Driver) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string][]Row, len(m.tables))
	for name, rows := range m.tables {
		cp := make([]Row, len(rows))
		for i, r := range rows {
			cp[i] = r.Clone()
		}
		snapshot[name] = cp
	}

	err := fn(&memTx{m: m, ctx: ctx})
	if err == nil {
		err = ctx.Err()
		if err != nil {
			err = fmt.Errorf("%w: %v", common.ErrTxAborted, err)
		}
	}
	if err != nil {
		m.tables = snapshot
		return err
	}
	return nil
}

// memTx operates on the already-locked tables.
type memTx struct {
	m   *Mem
	ctx context.Context
}

func (t *memTx) BindTenant(_ context.Context, tenantID string) error {
	t.m.Bound = append(t.m.Bound, tenantID)
	return nil
}

func (t *memTx) Dispatch(ctx context.Context, op Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", common.ErrTxAborted, err)
	}
	return t.m.apply(op)
}

func (t *memTx) InTx(_ context.Context, _ TxOptions, fn func(Driver) error) error {
	// Already inside a transaction; nested scopes join it.
	return fn(t)
}

func (m *Mem) apply(op Op) (Result, error) {
	rows := m.tables[op.Entity]

	switch op.Kind {
	case FindUnique, FindFirst:
		for _, r := range rows {
			if matches(r, op.Filter) {
				return Result{Rows: []Row{r.Clone()}}, nil
			}
		}
		return Result{}, common.ErrNotFound

	case FindMany:
		var out []Row
		for _, r := range rows {
			if matches(r, op.Filter) {
				out = append(out, r.Clone())
			}
		}
		if op.OrderBy != "" {
			sortRows(out, op.OrderBy)
		}
		if op.Limit > 0 && len(out) > op.Limit {
			out = out[:op.Limit]
		}
		return Result{Rows: out}, nil

	case Count:
		var n int64
		for _, r := range rows {
			if matches(r, op.Filter) {
				n++
			}
		}
		return Result{Count: n}, nil

	case Aggregate:
		if op.Agg == nil || op.Agg.Sum == "" {
			return Result{}, errors.New("store: aggregate requires a sum column")
		}
		var sum float64
		for _, r := range rows {
			if matches(r, op.Filter) {
				sum += toFloat(r[op.Agg.Sum])
			}
		}
		return Result{Sum: sum}, nil

	case Create, CreateMany:
		for _, r := range op.Rows {
			m.tables[op.Entity] = append(m.tables[op.Entity], withID(r))
		}
		return Result{Affected: int64(len(op.Rows))}, nil

	case Update, UpdateMany:
		var affected int64
		for _, r := range rows {
			if !matches(r, op.Filter) {
				continue
			}
			for k, v := range op.Data {
				r[k] = v
			}
			affected++
			if op.Kind == Update {
				break
			}
		}
		return Result{Affected: affected}, nil

	case Delete, DeleteMany:
		kept := rows[:0]
		var affected int64
		for _, r := range rows {
			if matches(r, op.Filter) && (op.Kind == DeleteMany || affected == 0) {
				affected++
				continue
			}
			kept = append(kept, r)
		}
		m.tables[op.Entity] = kept
		return Result{Affected: affected}, nil

	case Upsert:
		if len(op.Rows) != 1 || op.Conflict == nil {
			return Result{}, errors.New("store: upsert requires one row and a conflict target")
		}
		incoming := op.Rows[0]
		target := Filter{}
		for _, c := range op.Conflict.Columns {
			target[c] = incoming[c]
		}
		for _, r := range rows {
			if !matches(r, target) {
				continue
			}
			if !op.Conflict.DoNothing {
				for k, v := range op.Conflict.Set {
					r[k] = v
				}
			}
			return Result{Affected: 1}, nil
		}
		m.tables[op.Entity] = append(m.tables[op.Entity], withID(incoming))
		return Result{Affected: 1}, nil
	}

	return Result{}, fmt.Errorf("store: unsupported operation %q", op.Kind)
}

func withID(r Row) Row {
	out := r.Clone()
	if _, ok := out["id"]; !ok {
		out["id"] = uuid.NewString()
	}
	return out
}

func matches(row Row, f Filter) bool {
	for col, want := range f {
		got, present := row[col]
		switch cond := want.(type) {
		case nil:
			if present && got != nil {
				return false
			}
		case notNull:
			if !present || got == nil {
				return false
			}
		case ltCond:
			if !present || !less(got, cond.v) {
				return false
			}
		case []any:
			found := false
			for _, candidate := range cond {
				if equal(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case []string:
			found := false
			for _, candidate := range cond {
				if equal(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !present || !equal(got, want) {
				return false
			}
		}
	}
	return true
}

func equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return normalize(a) == normalize(b)
}

func less(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Before(tb)
	}
	switch av := normalize(a).(type) {
	case int64:
		if bv, ok := normalize(b).(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := normalize(b).(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := normalize(b).(string); ok {
			return av < bv
		}
	}
	return false
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

func toFloat(v any) float64 {
	switch n := normalize(v).(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func sortRows(rows []Row, orderBy string) {
	col := orderBy
	desc := false
	if i := strings.IndexByte(orderBy, ' '); i > 0 {
		col = orderBy[:i]
		desc = strings.EqualFold(strings.TrimSpace(orderBy[i+1:]), "desc")
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return less(rows[j][col], rows[i][col])
		}
		return less(rows[i][col], rows[j][col])
	})
}
