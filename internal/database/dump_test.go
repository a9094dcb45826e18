package database

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSQLLiteral(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"int64", int64(42), "42"},
		{"int32", int32(-7), "-7"},
		{"int", 3, "3"},
		{"float", 1.5, "1.5"},
		{"true", true, "TRUE"},
		{"false", false, "FALSE"},
		{"string", "hello", "'hello'"},
		{"quote", "it's", "'it''s'"},
		{"injection", "'); DROP TABLE jokes; --", "'''); DROP TABLE jokes; --'"},
		{"bytes", []byte{0xde, 0xad}, "X'dead'"},
		{"time", ts, "'2024-03-01 12:30:00+00:00'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sqlLiteral(tt.in)
			if err != nil {
				t.Fatalf("sqlLiteral() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("sqlLiteral(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}

	if _, err := sqlLiteral(struct{}{}); err == nil {
		t.Error("Expected error for unsupported type")
	}
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 {}

func TestWriteDump(t *testing.T) {
	data := map[string][][]any{
		"users": {{int64(1), int64(42), "2024-01-01 00:00:00"}},
		"jokes": {{int64(1), int64(1), "why did...", "alice", "2024-01-01 00:00:00"}},
	}

	query := func(_ context.Context, q string) (rowSource, error) {
		for table, rows := range data {
			if strings.Contains(q, "FROM "+table+" ") {
				return &fakeRows{rows: rows}, nil
			}
		}
		return &fakeRows{}, nil
	}

	var buf bytes.Buffer
	epilogue := func(t dumpTable) string {
		if t.serial == "" {
			return ""
		}
		return "-- resync " + t.name
	}
	if err := writeDump(context.Background(), &buf, "sqlite", query, epilogue); err != nil {
		t.Fatalf("writeDump() error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"BEGIN;\n",
		"INSERT INTO users (id, external_id, created_at) VALUES (1, 42, '2024-01-01 00:00:00');\n",
		"INSERT INTO jokes (id, owner, text, author, created_at) VALUES (1, 1, 'why did...', 'alice', '2024-01-01 00:00:00');\n",
		"-- resync pending_jokes\n",
		"COMMIT;\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "-- resync admins") {
		t.Error("admins has no serial column and must not be resynced")
	}
	if strings.Index(out, "INSERT INTO users") > strings.Index(out, "INSERT INTO jokes") {
		t.Error("users must be written before jokes")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "42.sql")

	err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "COMMIT;\n")
		return err
	})
	if err != nil {
		t.Fatalf("writeFileAtomic() error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(got) != "COMMIT;\n" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file must not survive a successful write")
	}
}

func TestWriteFileAtomicFailureKeepsOldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.sql")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := writeFileAtomic(path, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "old" {
		t.Errorf("previous dump was overwritten: %q", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file must be removed on failure")
	}
}
