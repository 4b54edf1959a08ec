package presence

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NearbyUser is one result of a nearby-users query.
type NearbyUser struct {
	Username   string
	DistanceKM float64
	Online     bool
}

// PostgresStore answers presence queries from user_profiles and tab_sessions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	window time.Duration
}

// StoreOption configures PostgresStore behavior.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema (default: "studverse").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRE.MatchString(schema) {
			return errors.New("presence: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithOnlineWindow overrides the trailing online window.
func WithOnlineWindow(window time.Duration) StoreOption {
	return func(s *PostgresStore) error {
		if window <= 0 {
			return errors.New("presence: non-positive window")
		}
		s.window = window
		return nil
	}
}

// NewPostgresStore constructs a presence store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "studverse",
		window: DefaultOnlineWindow,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("presence: nil pool")
	}
	return st, nil
}

// IsOnline reports whether username is online per the union signal.
func (s *PostgresStore) IsOnline(ctx context.Context, username string, now time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("presence: nil store")
	}

	profiles := pgIdent(s.schema, "user_profiles")
	tabs := pgIdent(s.schema, "tab_sessions")

	var lastTab, lastLoc *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT MAX(last_activity) FROM `+tabs+` WHERE username = $1 AND is_active),
		        (SELECT last_location_update FROM `+profiles+` WHERE username = $1)`,
		username,
	).Scan(&lastTab, &lastLoc)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return Online(lastTab, lastLoc, now, s.window), nil
}

// NearbyUsers returns users within radiusKM of (lat, lng), excluding
// username itself. Candidates are bounded in SQL by the location-update
// window; the exact distance filter runs in Go.
func (s *PostgresStore) NearbyUsers(ctx context.Context, username string, lat, lng, radiusKM float64, now time.Time) ([]NearbyUser, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("presence: nil store")
	}
	if radiusKM <= 0 {
		radiusKM = DefaultNearbyRadiusKM
	}

	profiles := pgIdent(s.schema, "user_profiles")

	rows, err := s.pool.Query(ctx,
		`SELECT username, location_lat, location_lng, last_location_update
		   FROM `+profiles+`
		  WHERE username <> $1
		    AND location_lat IS NOT NULL
		    AND location_lng IS NOT NULL
		    AND last_location_update > $2`,
		username, now.Add(-s.window),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NearbyUser
	for rows.Next() {
		var (
			name     string
			clat     float64
			clng     float64
			lastLoc  time.Time
			distance float64
		)
		if err := rows.Scan(&name, &clat, &clng, &lastLoc); err != nil {
			return nil, err
		}

		distance = Distance(lat, lng, clat, clng)
		if distance > radiusKM {
			continue
		}

		out = append(out, NearbyUser{
			Username:   name,
			DistanceKM: distance,
			Online:     Online(nil, &lastLoc, now, s.window),
		})
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
