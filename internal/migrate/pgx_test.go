package migrate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgresContainer starts a PostgreSQL container and returns its URI.
// It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
		cancel()
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	uri := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	// the container may report ready before it accepts connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, err := pgx.Connect(pctx, uri)
		if err == nil {
			err = conn.Ping(pctx)
			_ = conn.Close(pctx)
		}
		pcancel()
		if err == nil {
			return uri
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPgxEngineAgainstPostgres(t *testing.T) {
	uri := startPostgresContainer(t)
	ctx := context.Background()

	src := FSSource(fstest.MapFS{
		"1_schema.sql": {Data: []byte("CREATE TABLE items(id int primary key); CREATE TABLE tags(name text);")},
		"2_seed.sql":   {Data: []byte("INSERT INTO items VALUES (1), (2);")},
	})
	r := &Runner{}
	applied, err := r.Apply(ctx, uri, src)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %v", applied)
	}

	again, err := r.Apply(ctx, uri, src)
	if err != nil || len(again) != 0 {
		t.Fatalf("second run should be a no-op: %v %v", again, err)
	}

	bad := FSSource(fstest.MapFS{
		"1_schema.sql": {Data: []byte("CREATE TABLE items(id int primary key); CREATE TABLE tags(name text);")},
		"2_seed.sql":   {Data: []byte("INSERT INTO items VALUES (1), (2);")},
		"3_broken.sql": {Data: []byte("INSERT INTO items VALUES (3); SELEC oops;")},
	})
	_, err = r.Apply(ctx, uri, bad)
	var mfe *MigrationFailedError
	if !errors.As(err, &mfe) || mfe.MigrationID != "3_broken" {
		t.Fatalf("expected failure on 3_broken, got %v", err)
	}

	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close(ctx) }()
	var n int
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("failed migration must roll back its own statements, items = %d", n)
	}
	eng, err := NewPgxEngine(ctx, uri)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = eng.Close(ctx) }()
	recs, err := eng.Applied(ctx)
	if err != nil || len(recs) != 2 || recs[0].ID != "1_schema" || recs[1].Version != 2 {
		t.Fatalf("bookkeeping rows = %+v, %v", recs, err)
	}
}
