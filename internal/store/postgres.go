package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noah-isme/commerce-core/internal/common"
)

// PostgresDriver executes operations against Postgres through GORM. Entity
// names map directly to table names; filters and payloads are column maps.
type PostgresDriver struct {
	db   *gorm.DB
	inTx bool
}

// OpenPostgres connects to the database and returns a driver.
func OpenPostgres(dsn string) (*PostgresDriver, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &PostgresDriver{db: db}, nil
}

// NewPostgres wraps an existing GORM handle.
func NewPostgres(db *gorm.DB) *PostgresDriver {
	return &PostgresDriver{db: db}
}

// BindTenant sets the tenant variable consumed by the row level security
// policies. The binding is applied only inside a transaction, where
// set_config(..., true) scopes it to that transaction. Outside one, a
// session-scoped setting would outlive the call on its pooled connection and
// leak into whichever query borrows that connection next, so single
// operations rely on the rewrite layer plus the policies' unset-variable
// fallback instead.
func (d *PostgresDriver) BindTenant(ctx context.Context, tenantID string) error {
	if !d.inTx {
		return nil
	}
	err := d.db.WithContext(ctx).Exec("SELECT set_config('app.tenant_id', ?, true)", tenantID).Error
	return translate(err)
}

// Dispatch executes a single operation.
func (d *PostgresDriver) Dispatch(ctx context.Context, op Op) (Result, error) {
	tx := d.db.WithContext(ctx).Table(op.Entity)
	tx = applyFilter(tx, op.Filter)

	switch op.Kind {
	case FindUnique, FindFirst:
		row := map[string]any{}
		if err := tx.Take(&row).Error; err != nil {
			return Result{}, translate(err)
		}
		return Result{Rows: []Row{Row(row)}}, nil

	case FindMany:
		if op.OrderBy != "" {
			tx = tx.Order(op.OrderBy)
		}
		if op.Limit > 0 {
			tx = tx.Limit(op.Limit)
		}
		var raw []map[string]any
		if err := tx.Find(&raw).Error; err != nil {
			return Result{}, translate(err)
		}
		rows := make([]Row, len(raw))
		for i, r := range raw {
			rows[i] = Row(r)
		}
		return Result{Rows: rows}, nil

	case Count:
		var n int64
		if err := tx.Count(&n).Error; err != nil {
			return Result{}, translate(err)
		}
		return Result{Count: n}, nil

	case Aggregate:
		if op.Agg == nil || op.Agg.Sum == "" {
			return Result{}, errors.New("store: aggregate requires a sum column")
		}
		var sum float64
		if err := tx.Select("COALESCE(SUM(" + op.Agg.Sum + "), 0)").Scan(&sum).Error; err != nil {
			return Result{}, translate(err)
		}
		return Result{Sum: sum}, nil

	case Create:
		if len(op.Rows) != 1 {
			return Result{}, errors.New("store: create requires exactly one row")
		}
		res := tx.Create(map[string]any(op.Rows[0]))
		return Result{Affected: res.RowsAffected}, translate(res.Error)

	case CreateMany:
		rows := make([]map[string]any, len(op.Rows))
		for i, r := range op.Rows {
			rows[i] = map[string]any(r)
		}
		res := tx.Create(rows)
		return Result{Affected: res.RowsAffected}, translate(res.Error)

	case Update, UpdateMany:
		res := tx.Updates(map[string]any(op.Data))
		return Result{Affected: res.RowsAffected}, translate(res.Error)

	case Delete, DeleteMany:
		res := tx.Delete(nil)
		return Result{Affected: res.RowsAffected}, translate(res.Error)

	case Upsert:
		if len(op.Rows) != 1 || op.Conflict == nil {
			return Result{}, errors.New("store: upsert requires one row and a conflict target")
		}
		cols := make([]clause.Column, len(op.Conflict.Columns))
		for i, c := range op.Conflict.Columns {
			cols[i] = clause.Column{Name: c}
		}
		oc := clause.OnConflict{Columns: cols, DoNothing: op.Conflict.DoNothing}
		if !op.Conflict.DoNothing {
			oc.DoUpdates = clause.Assignments(map[string]any(op.Conflict.Set))
		}
		res := tx.Clauses(oc).Create(map[string]any(op.Rows[0]))
		return Result{Affected: res.RowsAffected}, translate(res.Error)
	}

	return Result{}, fmt.Errorf("store: unsupported operation %q", op.Kind)
}

// InTx runs fn inside a single database transaction. With
// opts.Serializable the transaction runs at the serializable isolation
// level; opts.Timeout bounds the whole transaction and aborts it with a
// rollback on expiry.
func (d *PostgresDriver) InTx(ctx context.Context, opts TxOptions, fn func(Driver) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	sqlOpts := &sql.TxOptions{}
	if opts.Serializable {
		sqlOpts.Isolation = sql.LevelSerializable
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresDriver{db: tx, inTx: true})
	}, sqlOpts)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", common.ErrTxAborted, ctx.Err())
	}
	return translate(err)
}

func applyFilter(tx *gorm.DB, f Filter) *gorm.DB {
	if len(f) == 0 {
		return tx
	}
	eq := map[string]any{}
	for col, v := range f {
		switch cond := v.(type) {
		case notNull:
			tx = tx.Where(col + " IS NOT NULL")
		case ltCond:
			tx = tx.Where(col+" < ?", cond.v)
		default:
			eq[col] = v
		}
	}
	if len(eq) > 0 {
		tx = tx.Where(eq)
	}
	return tx
}

// translate maps storage engine failures onto the shared error taxonomy so
// raw driver codes never leak past this package.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", common.ErrConflict, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", common.ErrTxAborted, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", common.ErrTxAborted, err)
	}
	return err
}
