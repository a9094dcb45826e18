package database

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type dumpTable struct {
	name    string
	columns []string
	orderBy string
	serial  string
}

// Parents come before children so the script restores with foreign keys on.
var dumpTables = []dumpTable{
	{name: "users", columns: []string{"id", "external_id", "created_at"}, orderBy: "id", serial: "id"},
	{name: "jokes", columns: []string{"id", "owner", "text", "author", "created_at"}, orderBy: "id", serial: "id"},
	{name: "pending_jokes", columns: []string{"seq", "owner", "text", "author", "created_at"}, orderBy: "seq", serial: "seq"},
	{name: "admins", columns: []string{"external_id", "display_name", "invited_by", "created_at"}, orderBy: "external_id"},
}

func (t dumpTable) selectQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(t.columns, ", "), t.name, t.orderBy)
}

// rowSource is the slice of a result set the dump writer needs; pgx.Rows
// satisfies it directly and sqlRows adapts *sql.Rows.
type rowSource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close()
}

type dumpQuerier func(ctx context.Context, query string) (rowSource, error)

// writeDump emits a script of INSERT statements wrapped in one transaction.
// epilogue, if set, is appended per table before COMMIT (Postgres uses it to
// resync identity sequences).
func writeDump(ctx context.Context, w io.Writer, driver string, query dumpQuerier, epilogue func(dumpTable) string) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "-- joke-bot %s dump\n", driver)
	fmt.Fprintf(bw, "-- created %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(bw, "BEGIN;")

	for _, table := range dumpTables {
		if err := dumpRows(ctx, bw, table, query); err != nil {
			return fmt.Errorf("failed to dump %s: %w", table.name, err)
		}
	}

	if epilogue != nil {
		for _, table := range dumpTables {
			if stmt := epilogue(table); stmt != "" {
				fmt.Fprintln(bw, stmt)
			}
		}
	}

	fmt.Fprintln(bw, "COMMIT;")
	return bw.Flush()
}

func dumpRows(ctx context.Context, w *bufio.Writer, table dumpTable, query dumpQuerier) error {
	rows, err := query(ctx, table.selectQuery())
	if err != nil {
		return err
	}
	defer rows.Close()

	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES (", table.name, strings.Join(table.columns, ", "))
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}

		literals := make([]string, len(values))
		for i, v := range values {
			lit, err := sqlLiteral(v)
			if err != nil {
				return fmt.Errorf("column %s: %w", table.columns[i], err)
			}
			literals[i] = lit
		}

		if _, err := fmt.Fprintf(w, "%s%s);\n", prefix, strings.Join(literals, ", ")); err != nil {
			return err
		}
	}
	return rows.Err()
}

const dumpTimeLayout = "2006-01-02 15:04:05.999999999-07:00"

func sqlLiteral(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return quoteString(x), nil
	case []byte:
		return "X'" + hex.EncodeToString(x) + "'", nil
	case time.Time:
		return quoteString(x.Format(dumpTimeLayout)), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// writeFileAtomic writes through a temp file so a failed dump never leaves a
// truncated script at path.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dump directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close dump file: %w", err)
	}

	return os.Rename(tmp, path)
}
