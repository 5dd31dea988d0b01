package lock

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	for _, id := range []string{"it-", "u1@s.whatsapp.net-", "a+b-", "a b-", "x/y=z.-"} {
		key := Key(id + suffix)
		t.Run(id, func(t *testing.T) {
			_, held, err := b.Holder(ctx, key)
			require.NoError(t, err)
			assert.False(t, held)

			ok, err := b.Acquire(ctx, key, "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			owner, held, err := b.Holder(ctx, key)
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, "a", owner)

			ok, err = b.Acquire(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.Acquire(ctx, key, "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "same owner re-claim")

			ok, err = b.Extend(ctx, key, "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.Extend(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Release(ctx, key, "b"))
			ok, err = b.Acquire(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "non-owner release must not delete")

			require.NoError(t, b.Release(ctx, key, "a"))
			_, held, err = b.Holder(ctx, key)
			require.NoError(t, err)
			assert.False(t, held)

			ok, err = b.Acquire(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestNATSLockKey_Alphabet(t *testing.T) {
	t.Parallel()

	valid := regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)
	seen := make(map[string]string)
	for _, id := range []string{"u1", "u1@s.whatsapp.net", "a+b", "a b", "a:b", "a.b", "ünï", "a_b"} {
		k := natsLockKey(Key(id))
		assert.Regexp(t, valid, k, id)
		if other, dup := seen[k]; dup {
			t.Fatalf("ids %q and %q map to the same key %q", other, id, k)
		}
		seen[k] = id
	}
}

func TestMemory_Contract(t *testing.T) {
	t.Parallel()
	runBackendContract(t, NewMemory())
}

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

	schema := fmt.Sprintf("wamux_lock_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	b, err := NewPostgres(pool, WithSchema(schema))
	require.NoError(t, err)
	require.NoError(t, b.EnsureSchema(ctx))

	runBackendContract(t, b)

	// Expired rows can be taken over.
	key := Key("expiring")
	ok, err := b.Acquire(ctx, key, "a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)
	ok, err = b.Acquire(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	_, err := NewPostgres(nil)
	require.Error(t, err)
	_, err = NewPostgres(&pgxpool.Pool{}, WithSchema("drop table;"))
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

	bucket := fmt.Sprintf("wamux_lock_it_%d", time.Now().UnixNano())
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     time.Minute,
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })

	b, err := NewNATS(kv)
	require.NoError(t, err)

	runBackendContract(t, b)
}
