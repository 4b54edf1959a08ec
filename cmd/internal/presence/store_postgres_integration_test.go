package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SV_DATABASE_URL is set.

func TestPostgresStore_IsOnline(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenPresenceSchema(t)
	defer pool.Close()

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()

	seedProfile(t, pool, schema, "alice", 27.7, 85.3, now.Add(-time.Minute))
	seedProfile(t, pool, schema, "bob", 27.7, 85.3, now.Add(-time.Hour))
	seedTabSession(t, pool, schema, "bob", now.Add(-30*time.Second), true)
	seedTabSession(t, pool, schema, "carol", now.Add(-30*time.Second), false)

	tests := []struct {
		username string
		want     bool
	}{
		{"alice", true},  // recent location update
		{"bob", true},    // stale location, active tab
		{"carol", false}, // inactive tab only
		{"nobody", false},
	}
	for _, tc := range tests {
		got, err := store.IsOnline(ctx, tc.username, now)
		if err != nil {
			t.Fatalf("IsOnline(%s): %v", tc.username, err)
		}
		if got != tc.want {
			t.Fatalf("IsOnline(%s)=%v, want %v", tc.username, got, tc.want)
		}
	}
}

func TestPostgresStore_NearbyUsers(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenPresenceSchema(t)
	defer pool.Close()

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()

	// Kathmandu city center and points around it.
	seedProfile(t, pool, schema, "alice", 27.7172, 85.3240, now.Add(-time.Minute))
	seedProfile(t, pool, schema, "close", 27.7200, 85.3300, now.Add(-time.Minute))  // <1 km
	seedProfile(t, pool, schema, "far", 28.2096, 83.9856, now.Add(-time.Minute))    // Pokhara, ~140 km
	seedProfile(t, pool, schema, "stale", 27.7200, 85.3300, now.Add(-time.Hour))    // recent once, not now

	users, err := store.NearbyUsers(ctx, "alice", 27.7172, 85.3240, 10, now)
	if err != nil {
		t.Fatalf("NearbyUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("nearby=%#v, want exactly the close user", users)
	}
	if users[0].Username != "close" || !users[0].Online {
		t.Fatalf("nearby user mismatch: %#v", users[0])
	}
	if users[0].DistanceKM <= 0 || users[0].DistanceKM > 10 {
		t.Fatalf("distance out of range: %f", users[0].DistanceKM)
	}
}

func mustOpenPresenceSchema(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SV_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SV_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	schema := "sv_presence_it_" + randomHex(8)
	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		pool.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  username             TEXT PRIMARY KEY,
  full_name            TEXT,
  profile_picture      TEXT,
  location_lat         DOUBLE PRECISION,
  location_lng         DOUBLE PRECISION,
  last_location_update TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %s (
  id            BIGSERIAL PRIMARY KEY,
  username      TEXT NOT NULL,
  last_activity TIMESTAMPTZ NOT NULL,
  is_active     BOOLEAN NOT NULL DEFAULT true
);
`, pgIdent(schema, "user_profiles"), pgIdent(schema, "tab_sessions"))

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	return pool, schema
}

func seedProfile(t *testing.T, pool *pgxpool.Pool, schema, username string, lat, lng float64, lastUpdate time.Time) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "user_profiles")+` (username, location_lat, location_lng, last_location_update)
		 VALUES ($1, $2, $3, $4)`,
		username, lat, lng, lastUpdate,
	); err != nil {
		t.Fatalf("seed profile %s: %v", username, err)
	}
}

func seedTabSession(t *testing.T, pool *pgxpool.Pool, schema, username string, lastActivity time.Time, active bool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "tab_sessions")+` (username, last_activity, is_active)
		 VALUES ($1, $2, $3)`,
		username, lastActivity, active,
	); err != nil {
		t.Fatalf("seed tab session %s: %v", username, err)
	}
}

func randomHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
