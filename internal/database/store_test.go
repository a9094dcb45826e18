package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/queue"

	"github.com/jackc/pgx/v5/pgconn"
)

type storeFactory func(t *testing.T) JokeStore

func newSQLiteStore(t *testing.T) JokeStore {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "jokes.db"),
		QueryTimeout: 5 * time.Second,
	}
	store, err := NewSQLite(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newPostgresStore needs a disposable database; the schema is reset for
// every test.
func newPostgresStore(t *testing.T) JokeStore {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres store tests")
	}
	conn, err := pgconn.ParseConfig(url)
	if err != nil {
		t.Fatalf("invalid TEST_DATABASE_URL: %v", err)
	}

	cfg := config.DatabaseConfig{
		Driver:         config.DriverPostgres,
		Host:           conn.Host,
		Port:           int(conn.Port),
		User:           conn.User,
		Password:       conn.Password,
		Name:           conn.Database,
		SSLMode:        "disable",
		MaxConnections: 8,
		MinConnections: 1,
		ConnectTimeout: 5 * time.Second,
		QueryTimeout:   5 * time.Second,
	}
	store, err := NewPostgres(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewPostgres() error: %v", err)
	}
	if err := store.ResetSchema(context.Background()); err != nil {
		t.Fatalf("ResetSchema() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newSQLiteStore)
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, newPostgresStore)
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s JokeStore)
	}{
		{"EnsureUserIdempotent", testEnsureUserIdempotent},
		{"EnsureUserConcurrent", testEnsureUserConcurrent},
		{"UserAtPosition", testUserAtPosition},
		{"RecordAndList", testRecordAndList},
		{"UserScenario", testUserScenario},
		{"RandomJokeEmpty", testRandomJokeEmpty},
		{"InjectionIsData", testInjectionIsData},
		{"DeleteJokesByUser", testDeleteJokesByUser},
		{"DeleteAllJokes", testDeleteAllJokes},
		{"PendingOrder", testPendingOrder},
		{"PopEmptiesQueue", testPopEmptiesQueue},
		{"RemoveAndDrainPending", testRemoveAndDrainPending},
		{"Admins", testAdmins},
		{"InvalidInput", testInvalidInput},
		{"DumpRestores", testDumpRestores},
		{"ResetSchema", testResetSchema},
		{"PendingIdentityAcrossReset", testPendingIdentityAcrossReset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testEnsureUserIdempotent(t *testing.T, s JokeStore) {
	ctx := context.Background()

	first, err := s.EnsureUser(ctx, 42)
	if err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}
	second, err := s.EnsureUser(ctx, 42)
	if err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}
	if first != second {
		t.Errorf("EnsureUser returned %d then %d for the same user", first, second)
	}

	other, err := s.EnsureUser(ctx, 43)
	if err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}
	if other == first {
		t.Error("Different users must get different surrogate ids")
	}

	count, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers() error: %v", err)
	}
	if count != 2 {
		t.Errorf("CountUsers() = %d, want 2", count)
	}
}

func testEnsureUserConcurrent(t *testing.T, s JokeStore) {
	ctx := context.Background()

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = s.EnsureUser(ctx, 777)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got id %d, want %d", i, ids[i], ids[0])
		}
	}

	count, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers() error: %v", err)
	}
	if count != 1 {
		t.Errorf("CountUsers() = %d, want 1", count)
	}
}

func testUserAtPosition(t *testing.T, s JokeStore) {
	ctx := context.Background()

	for _, id := range []int64{300, 100, 200} {
		if _, err := s.EnsureUser(ctx, id); err != nil {
			t.Fatalf("EnsureUser(%d) error: %v", id, err)
		}
	}

	tests := []struct {
		position int
		want     int64
		wantErr  error
	}{
		{1, 300, nil},
		{2, 100, nil},
		{3, 200, nil},
		{4, 0, ErrNotFound},
		{0, 0, ErrNotFound},
		{-1, 0, ErrNotFound},
	}

	for _, tt := range tests {
		got, err := s.UserAtPosition(ctx, tt.position)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("UserAtPosition(%d) error = %v, want %v", tt.position, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("UserAtPosition(%d) = %d, want %d", tt.position, got, tt.want)
		}
	}

	ids, err := s.ExternalUserIDs(ctx)
	if err != nil {
		t.Fatalf("ExternalUserIDs() error: %v", err)
	}
	if !slices.Equal(ids, []int64{300, 100, 200}) {
		t.Errorf("ExternalUserIDs() = %v", ids)
	}
}

func testRecordAndList(t *testing.T, s JokeStore) {
	ctx := context.Background()

	for _, text := range []string{"first", "second"} {
		if err := s.RecordJoke(ctx, text, "alice", 5); err != nil {
			t.Fatalf("RecordJoke(%q) error: %v", text, err)
		}
	}
	if err := s.RecordJoke(ctx, "other", "bob", 6); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}

	texts, err := s.JokesByUser(ctx, 5)
	if err != nil {
		t.Fatalf("JokesByUser() error: %v", err)
	}
	if !slices.Equal(texts, []string{"first", "second"}) {
		t.Errorf("JokesByUser(5) = %v", texts)
	}

	total, err := s.CountJokes(ctx)
	if err != nil {
		t.Fatalf("CountJokes() error: %v", err)
	}
	if total != 3 {
		t.Errorf("CountJokes() = %d, want 3", total)
	}

	// Reads never register users.
	none, err := s.JokesByUser(ctx, 999)
	if err != nil {
		t.Fatalf("JokesByUser() error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("JokesByUser(999) = %v, want empty", none)
	}
	users, _ := s.CountUsers(ctx)
	if users != 2 {
		t.Errorf("CountUsers() = %d, want 2", users)
	}
}

func testUserScenario(t *testing.T, s JokeStore) {
	ctx := context.Background()

	if _, err := s.EnsureUser(ctx, 42); err != nil {
		t.Fatalf("EnsureUser() error: %v", err)
	}
	if err := s.RecordJoke(ctx, "why did...", "alice", 42); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}

	if n, _ := s.CountJokesByUser(ctx, 42); n != 1 {
		t.Errorf("CountJokesByUser(42) = %d, want 1", n)
	}
	if n, _ := s.CountUsers(ctx); n != 1 {
		t.Errorf("CountUsers() = %d, want 1", n)
	}
	if has, _ := s.HasPending(ctx); !has {
		t.Error("HasPending() = false, want true")
	}

	joke, ok, err := s.RandomJoke(ctx)
	if err != nil || !ok {
		t.Fatalf("RandomJoke() = %v, %v", ok, err)
	}
	if joke.Text != "why did..." || joke.Author != "alice" {
		t.Errorf("RandomJoke() = %+v", joke)
	}

	if err := s.PopOldestPending(ctx); err != nil {
		t.Fatalf("PopOldestPending() error: %v", err)
	}
	if has, _ := s.HasPending(ctx); has {
		t.Error("HasPending() = true after pop, want false")
	}
}

func testRandomJokeEmpty(t *testing.T, s JokeStore) {
	_, ok, err := s.RandomJoke(context.Background())
	if err != nil {
		t.Fatalf("RandomJoke() error on empty table: %v", err)
	}
	if ok {
		t.Error("RandomJoke() reported a joke on an empty table")
	}
}

func testInjectionIsData(t *testing.T, s JokeStore) {
	ctx := context.Background()
	const payload = "'); DROP TABLE jokes; --"

	if err := s.RecordJoke(ctx, "harmless", "alice", 1); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	if err := s.RecordJoke(ctx, payload, payload, 2); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}

	texts, err := s.JokesByUser(ctx, 2)
	if err != nil {
		t.Fatalf("JokesByUser() error: %v", err)
	}
	if len(texts) != 1 || texts[0] != payload {
		t.Errorf("JokesByUser(2) = %q, want [%q]", texts, payload)
	}

	if n, _ := s.CountJokes(ctx); n != 2 {
		t.Errorf("CountJokes() = %d, want 2", n)
	}
	if texts, _ := s.JokesByUser(ctx, 1); len(texts) != 1 || texts[0] != "harmless" {
		t.Errorf("other rows changed: %q", texts)
	}
}

func testDeleteJokesByUser(t *testing.T, s JokeStore) {
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if err := s.RecordJoke(ctx, text, "", 10); err != nil {
			t.Fatalf("RecordJoke() error: %v", err)
		}
	}
	if err := s.RecordJoke(ctx, "keep", "", 11); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}

	deleted, err := s.DeleteJokesByUser(ctx, 10)
	if err != nil {
		t.Fatalf("DeleteJokesByUser() error: %v", err)
	}
	if deleted != 3 {
		t.Errorf("DeleteJokesByUser() = %d, want 3", deleted)
	}

	texts, _ := s.JokesByUser(ctx, 10)
	if len(texts) != 0 {
		t.Errorf("JokesByUser(10) = %v, want empty", texts)
	}

	// The user's unsent submissions go with their jokes.
	p, ok, err := s.PeekOldestPending(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekOldestPending() = %v, %v", ok, err)
	}
	if p.Text != "keep" {
		t.Errorf("oldest pending = %q, want keep", p.Text)
	}

	again, err := s.DeleteJokesByUser(ctx, 12345)
	if err != nil || again != 0 {
		t.Errorf("DeleteJokesByUser(unknown) = %d, %v", again, err)
	}
}

func testDeleteAllJokes(t *testing.T, s JokeStore) {
	ctx := context.Background()

	if err := s.RecordJoke(ctx, "x", "", 1); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	if err := s.DeleteAllJokes(ctx); err != nil {
		t.Fatalf("DeleteAllJokes() error: %v", err)
	}

	if n, _ := s.CountJokes(ctx); n != 0 {
		t.Errorf("CountJokes() = %d, want 0", n)
	}
	if has, _ := s.HasPending(ctx); has {
		t.Error("pending queue must be cleared with the jokes")
	}
	if n, _ := s.CountUsers(ctx); n != 1 {
		t.Errorf("users must survive a purge, CountUsers() = %d", n)
	}
}

func testPendingOrder(t *testing.T, s JokeStore) {
	ctx := context.Background()

	want := []string{"one", "two", "three"}
	for i, text := range want {
		if err := s.RecordJoke(ctx, text, "", int64(i+1)); err != nil {
			t.Fatalf("RecordJoke() error: %v", err)
		}
	}

	var got []string
	for {
		p, ok, err := s.PeekOldestPending(ctx)
		if err != nil {
			t.Fatalf("PeekOldestPending() error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, p.Text)
		if err := s.PopOldestPending(ctx); err != nil {
			t.Fatalf("PopOldestPending() error: %v", err)
		}
	}

	if !slices.Equal(got, want) {
		t.Errorf("pending order = %v, want %v", got, want)
	}
}

func testPopEmptiesQueue(t *testing.T, s JokeStore) {
	ctx := context.Background()

	const n = 4
	for i := range n {
		if err := s.RecordJoke(ctx, "joke", "", int64(i+1)); err != nil {
			t.Fatalf("RecordJoke() error: %v", err)
		}
	}

	for range n {
		if err := s.PopOldestPending(ctx); err != nil {
			t.Fatalf("PopOldestPending() error: %v", err)
		}
	}
	if has, _ := s.HasPending(ctx); has {
		t.Error("queue not empty after N pops")
	}

	if err := s.PopOldestPending(ctx); err != nil {
		t.Errorf("pop on empty queue must be a no-op, got %v", err)
	}
	if _, ok, err := s.PeekOldestPending(ctx); ok || err != nil {
		t.Errorf("PeekOldestPending() on empty queue = %v, %v", ok, err)
	}
}

func testRemoveAndDrainPending(t *testing.T, s JokeStore) {
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if err := s.RecordJoke(ctx, text, "", 1); err != nil {
			t.Fatalf("RecordJoke() error: %v", err)
		}
	}

	oldest, _, _ := s.PeekOldestPending(ctx)
	if err := s.RemovePending(ctx, oldest.Seq); err != nil {
		t.Fatalf("RemovePending() error: %v", err)
	}
	// Removing an already delivered row is harmless.
	if err := s.RemovePending(ctx, oldest.Seq); err != nil {
		t.Fatalf("RemovePending() twice error: %v", err)
	}

	next, _, _ := s.PeekOldestPending(ctx)
	if next.Text != "b" {
		t.Errorf("oldest after remove = %q, want b", next.Text)
	}

	drained, err := s.DrainPending(ctx)
	if err != nil {
		t.Fatalf("DrainPending() error: %v", err)
	}
	if drained != 2 {
		t.Errorf("DrainPending() = %d, want 2", drained)
	}
	if n, _ := s.CountJokes(ctx); n != 3 {
		t.Errorf("drain must not touch jokes, CountJokes() = %d", n)
	}
}

func testAdmins(t *testing.T, s JokeStore) {
	ctx := context.Background()

	admins, err := s.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("ListAdmins() error: %v", err)
	}
	if len(admins) != 0 {
		t.Errorf("ListAdmins() = %v, want empty", admins)
	}

	if err := s.AddAdmin(ctx, 100, "carol", 1); err != nil {
		t.Fatalf("AddAdmin() error: %v", err)
	}
	if err := s.AddAdmin(ctx, 200, "dave", 100); err != nil {
		t.Fatalf("AddAdmin() error: %v", err)
	}

	if ok, _ := s.IsAdmin(ctx, 100); !ok {
		t.Error("IsAdmin(100) = false")
	}
	if ok, _ := s.IsAdmin(ctx, 300); ok {
		t.Error("IsAdmin(300) = true")
	}
	if ok, _ := s.IsAdminName(ctx, "dave"); !ok {
		t.Error("IsAdminName(dave) = false")
	}

	if err := s.AddAdmin(ctx, 100, "someone", 1); !errors.Is(err, ErrConstraint) {
		t.Errorf("duplicate id: expected ErrConstraint, got %v", err)
	}
	if err := s.AddAdmin(ctx, 300, "carol", 1); !errors.Is(err, ErrConstraint) {
		t.Errorf("duplicate name: expected ErrConstraint, got %v", err)
	}

	admins, err = s.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("ListAdmins() error: %v", err)
	}
	if len(admins) != 2 {
		t.Fatalf("ListAdmins() returned %d admins, want 2", len(admins))
	}
	if admins[1].DisplayName != "dave" || admins[1].InvitedBy != 100 {
		t.Errorf("admins[1] = %+v", admins[1])
	}

	if err := s.RemoveAdmin(ctx, 100); err != nil {
		t.Fatalf("RemoveAdmin() error: %v", err)
	}
	if ok, _ := s.IsAdmin(ctx, 100); ok {
		t.Error("IsAdmin(100) = true after removal")
	}
	if err := s.RemoveAdmin(ctx, 100); err != nil {
		t.Errorf("RemoveAdmin() of absent admin must be a no-op, got %v", err)
	}
}

func testInvalidInput(t *testing.T, s JokeStore) {
	ctx := context.Background()

	checks := map[string]error{
		"EnsureUser":  func() error { _, err := s.EnsureUser(ctx, 0); return err }(),
		"RecordJoke":  s.RecordJoke(ctx, "", "alice", 1),
		"JokesByUser": func() error { _, err := s.JokesByUser(ctx, -1); return err }(),
		"AddAdmin":    s.AddAdmin(ctx, 5, "", 1),
		"IsAdminName": func() error { _, err := s.IsAdminName(ctx, ""); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", op, err)
		}
	}

	if n, _ := s.CountUsers(ctx); n != 0 {
		t.Errorf("rejected input must not write, CountUsers() = %d", n)
	}
}

func testDumpRestores(t *testing.T, s JokeStore) {
	ctx := context.Background()

	if err := s.RecordJoke(ctx, "it's a joke", "o'brien", 42); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	if err := s.RecordJoke(ctx, "'); DROP TABLE jokes; --", "", 43); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	if err := s.AddAdmin(ctx, 100, "carol", 1); err != nil {
		t.Fatalf("AddAdmin() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "dumps", "42.sql")
	if err := s.DumpToFile(ctx, path); err != nil {
		t.Fatalf("DumpToFile() error: %v", err)
	}

	script, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	if err := s.ResetSchema(ctx); err != nil {
		t.Fatalf("ResetSchema() error: %v", err)
	}
	if err := execScript(ctx, s, string(script)); err != nil {
		t.Fatalf("restoring dump failed: %v\n%s", err, script)
	}

	texts, _ := s.JokesByUser(ctx, 42)
	if len(texts) != 1 || texts[0] != "it's a joke" {
		t.Errorf("restored JokesByUser(42) = %q", texts)
	}
	if n, _ := s.CountJokes(ctx); n != 2 {
		t.Errorf("restored CountJokes() = %d, want 2", n)
	}
	if ok, _ := s.IsAdminName(ctx, "carol"); !ok {
		t.Error("restored admins missing carol")
	}

	// New rows must not collide with restored ids.
	if err := s.RecordJoke(ctx, "after restore", "", 44); err != nil {
		t.Fatalf("RecordJoke() after restore error: %v", err)
	}
}

func execScript(ctx context.Context, s JokeStore, script string) error {
	switch store := s.(type) {
	case *sqliteStore:
		_, err := store.db.ExecContext(ctx, script)
		return err
	case *postgresStore:
		_, err := store.pool.Exec(ctx, script)
		return err
	default:
		return errors.New("unknown store type")
	}
}

func testResetSchema(t *testing.T, s JokeStore) {
	ctx := context.Background()

	if err := s.RecordJoke(ctx, "gone soon", "", 1); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	if err := s.AddAdmin(ctx, 100, "carol", 1); err != nil {
		t.Fatalf("AddAdmin() error: %v", err)
	}

	if err := s.ResetSchema(ctx); err != nil {
		t.Fatalf("ResetSchema() error: %v", err)
	}

	if n, _ := s.CountJokes(ctx); n != 0 {
		t.Errorf("CountJokes() = %d after reset", n)
	}
	if n, _ := s.CountUsers(ctx); n != 0 {
		t.Errorf("CountUsers() = %d after reset", n)
	}
	if ok, _ := s.IsAdmin(ctx, 100); ok {
		t.Error("admins survived reset")
	}

	version, err := s.Migrator().Version(ctx)
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if version != 1 {
		t.Errorf("Version() = %d, want 1", version)
	}
}

// Seq restarts at 1 after a reset; the queue id of the new row must still
// differ from the one published before the reset.
func testPendingIdentityAcrossReset(t *testing.T, s JokeStore) {
	ctx := context.Background()

	peek := func() string {
		t.Helper()
		p, ok, err := s.PeekOldestPending(ctx)
		if err != nil || !ok {
			t.Fatalf("PeekOldestPending() = %v, %v", ok, err)
		}
		if err := s.RemovePending(ctx, p.Seq); err != nil {
			t.Fatalf("RemovePending() error: %v", err)
		}
		return queue.JokeMsgID(p.Seq, p.CreatedAt)
	}

	if err := s.RecordJoke(ctx, "before reset", "alice", 1); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	before := peek()

	if err := s.ResetSchema(ctx); err != nil {
		t.Fatalf("ResetSchema() error: %v", err)
	}

	if err := s.RecordJoke(ctx, "after reset", "alice", 1); err != nil {
		t.Fatalf("RecordJoke() error: %v", err)
	}
	after := peek()

	if before == after {
		t.Errorf("pending rows before and after reset share queue id %q", before)
	}
}
