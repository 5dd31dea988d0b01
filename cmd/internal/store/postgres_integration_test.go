package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when WAMUX_TEST_DATABASE_URL / WAMUX_TEST_NATS_URL are set.
// This keeps local "go test ./..." fast & deterministic without external services.

func TestPostgres_Contract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("WAMUX_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("WAMUX_TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	schema := fmt.Sprintf("wamux_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	b, err := NewPostgres(pool, WithSchema(schema))
	require.NoError(t, err)
	require.NoError(t, b.EnsureSchema(ctx))

	runBackendContract(t, b)
}

func TestPostgres_RejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	_, err := NewPostgres(nil)
	require.Error(t, err)

	_, err = NewPostgres(&pgxpool.Pool{}, WithSchema("bad schema"))
	require.Error(t, err)

	_, err = NewPostgres(&pgxpool.Pool{}, WithTable(""))
	require.Error(t, err)
}

func TestNATS_Contract(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("WAMUX_TEST_NATS_URL"))
	if url == "" {
		t.Skip("WAMUX_TEST_NATS_URL not set; skipping nats integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	bucket := fmt.Sprintf("wamux_it_%d", time.Now().UnixNano())
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, Storage: jetstream.MemoryStorage})
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })

	b, err := NewNATS(kv)
	require.NoError(t, err)

	runBackendContract(t, b)
}
