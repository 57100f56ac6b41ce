// Package warehouse serves the mock national sales warehouse the analysis
// backend queries. It is a seeded sqlite database standing in for the real
// data warehouse.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/datapella/backend/internal/logging"
)

// ErrDestructiveQuery rejects statements that would remove data.
var ErrDestructiveQuery = errors.New("destructive queries are not allowed")

// Row is one result record keyed by column name.
type Row map[string]any

// Warehouse wraps the sqlite connection.
type Warehouse struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating when needed) the warehouse at path and seeds it when
// empty. ":memory:" gives a private in-memory copy.
func Open(ctx context.Context, path string) (*Warehouse, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create warehouse directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	w := &Warehouse{db: db, log: logging.Module("warehouse").WithField("path", path)}
	if err := w.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// Close releases the database.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) init(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create warehouse tables: %w", err)
	}

	var count int
	if err := w.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM DIM_SOURCE_PRODUCT`).Scan(&count); err != nil {
		return fmt.Errorf("failed to inspect warehouse: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, p := range seedProducts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO DIM_SOURCE_PRODUCT (SOURCE_PRODUCT_ID, PRODUCT_BRAND, PRODUCT_NAME, CATEGORY, MANUFACTURER) VALUES (?, ?, ?, ?, ?)`,
			p.id, p.brand, p.name, p.category, p.manufacturer); err != nil {
			return fmt.Errorf("failed to seed product %s: %w", p.id, err)
		}
	}
	for _, s := range seedSales() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO FCT_SALES_NATIONAL_MTH (SOURCE_PRODUCT_ID, PERIOD_MONTH, REGION, UNITS, VALUE_LC) VALUES (?, ?, ?, ?, ?)`,
			s.productID, s.month, s.region, s.units, s.value); err != nil {
			return fmt.Errorf("failed to seed sales: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	w.log.WithField("products", len(seedProducts)).Info("warehouse seeded")
	return nil
}

// Execute runs a read query and returns its rows.
func (w *Warehouse) Execute(ctx context.Context, query string) ([]Row, error) {
	upper := strings.ToUpper(query)
	if strings.Contains(upper, "DROP") || strings.Contains(upper, "DELETE") {
		return nil, ErrDestructiveQuery
	}

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// SchemaInfo describes every table and its columns, one block per table.
func (w *Warehouse) SchemaInfo(ctx context.Context) (string, error) {
	tables, err := w.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for tables.Next() {
		var name string
		if err := tables.Scan(&name); err != nil {
			tables.Close()
			return "", err
		}
		names = append(names, name)
	}
	tables.Close()
	if err := tables.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, name := range names {
		cols, err := w.columns(ctx, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "Table: %s\nColumns: %s\n\n", name, strings.Join(cols, ", "))
	}
	return b.String(), nil
}

func (w *Warehouse) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		cols = append(cols, fmt.Sprintf("%s (%s)", name, colType))
	}
	return cols, rows.Err()
}
