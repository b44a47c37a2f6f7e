package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/agentworkforce/convosync/internal/convstate"
)

// fakeSQLConn records every statement the adapter issues. Query results are
// served from the snapshots slice, one row per entry.
type fakeSQLConn struct {
	mu        sync.Mutex
	execs     []string
	queries   []string
	commits   int
	rollbacks int
	snapshots []string
}

func (c *fakeSQLConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c *fakeSQLConn) Close() error { return nil }

func (c *fakeSQLConn) Begin() (driver.Tx, error) { return &fakeSQLTx{conn: c}, nil }

func (c *fakeSQLConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &fakeSQLTx{conn: c}, nil
}

func (c *fakeSQLConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	return driver.RowsAffected(1), nil
}

func (c *fakeSQLConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	return &fakeSQLRows{snapshots: append([]string(nil), c.snapshots...)}, nil
}

func (c *fakeSQLConn) recordedExec(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stmt := range c.execs {
		if strings.Contains(stmt, fragment) {
			return true
		}
	}
	return false
}

func (c *fakeSQLConn) lastQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queries) == 0 {
		return ""
	}
	return c.queries[len(c.queries)-1]
}

func (c *fakeSQLConn) commitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

type fakeSQLTx struct{ conn *fakeSQLConn }

func (t *fakeSQLTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.commits++
	return nil
}

func (t *fakeSQLTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.rollbacks++
	return nil
}

type fakeSQLRows struct {
	snapshots []string
	pos       int
}

func (r *fakeSQLRows) Columns() []string { return []string{"snapshot"} }

func (r *fakeSQLRows) Close() error { return nil }

func (r *fakeSQLRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.snapshots) {
		return io.EOF
	}
	dest[0] = r.snapshots[r.pos]
	r.pos++
	return nil
}

type fakeSQLConnector struct{ conn *fakeSQLConn }

func (c *fakeSQLConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }

func (c *fakeSQLConnector) Driver() driver.Driver { return fakeSQLDriver{} }

type fakeSQLDriver struct{}

func (fakeSQLDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open through the connector")
}

func newFakePostgres(t *testing.T, conn *fakeSQLConn) *PostgresRemote {
	t.Helper()
	remote, err := NewPostgresRemote("postgres://sync-test")
	if err != nil {
		t.Fatalf("new postgres remote: %v", err)
	}
	remote.openDB = func(string, string) (*sql.DB, error) {
		return sql.OpenDB(&fakeSQLConnector{conn: conn}), nil
	}
	return remote
}

func snapshotRow(t *testing.T, conv convstate.Conversation) string {
	t.Helper()
	payload, err := json.Marshal(conv)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return string(payload)
}

func TestPostgresGetAllFiltersTombstonedIDs(t *testing.T) {
	conn := &fakeSQLConn{}
	conn.snapshots = []string{
		snapshotRow(t, convstate.Conversation{
			ID: "c1", Title: "kept", CreatedAt: 1, LastModified: 1,
			Messages: []convstate.Message{},
		}),
	}
	remote := newFakePostgres(t, conn)

	set, err := remote.GetAll(context.Background(), convstate.AuthenticatedOwner("u1"))
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if _, ok := set.Conversations["c1"]; !ok {
		t.Fatalf("snapshot row not decoded: %v", set.Order)
	}
	query := conn.lastQuery()
	if !strings.Contains(query, postgresTombstonesTable) || !strings.Contains(query, "IS NULL") {
		t.Fatalf("read does not exclude tombstoned ids:\n%s", query)
	}
}

func TestPostgresUpsertGuardsAgainstTombstones(t *testing.T) {
	conn := &fakeSQLConn{}
	remote := newFakePostgres(t, conn)

	conv := convstate.Conversation{
		ID: "c1", Title: "revived", CreatedAt: 1, LastModified: 5,
		Messages: []convstate.Message{},
	}
	if _, err := remote.Upsert(context.Background(), convstate.AuthenticatedOwner("u1"), conv); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !conn.recordedExec("WHERE NOT EXISTS") {
		t.Fatalf("upsert can resurrect a deleted conversation: %v", conn.execs)
	}
	if !conn.recordedExec("DELETE FROM " + postgresTombstonesTable) {
		t.Fatalf("an edit newer than the deletion cannot lift the tombstone: %v", conn.execs)
	}
	if got := conn.commitCount(); got != 1 {
		t.Fatalf("expected one committed transaction, got %d", got)
	}
}

func TestPostgresDeleteWritesTombstone(t *testing.T) {
	conn := &fakeSQLConn{}
	remote := newFakePostgres(t, conn)

	if err := remote.Delete(context.Background(), convstate.AuthenticatedOwner("u1"), "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !conn.recordedExec("INSERT INTO " + postgresTombstonesTable) {
		t.Fatalf("delete left no tombstone: %v", conn.execs)
	}
	if got := conn.commitCount(); got != 1 {
		t.Fatalf("expected one committed transaction, got %d", got)
	}
}
