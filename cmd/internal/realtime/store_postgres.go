package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-pair transactional advisory locks so two sessions racing to
//   create the same conversation resolve to exactly one row; the unique
//   constraint on the normalized pair backs this up.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "studverse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "studverse",
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// AppendDirectBatch writes a drained batch in a single transaction.
func (s *PostgresStore) AppendDirectBatch(ctx context.Context, writes []DirectWrite) ([]DirectWriteResult, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if len(writes) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	results := make([]DirectWriteResult, 0, len(writes))
	for _, w := range writes {
		res, err := appendDirectTx(ctx, tx, conversations, messages, w)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

func appendDirectTx(ctx context.Context, tx pgx.Tx, conversations, messages string, w DirectWrite) (DirectWriteResult, error) {
	userA, userB := w.Sender, w.Receiver
	if userA > userB {
		userA, userB = userB, userA
	}

	// Serialize find-or-create per unordered pair. hashtextextended reduces
	// collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userA+"|"+userB); err != nil {
		return DirectWriteResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	now := w.SentAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		convID  int64
		created bool
	)
	err := tx.QueryRow(ctx,
		`INSERT INTO `+conversations+` (user_a, user_b, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_a, user_b) DO NOTHING
		 RETURNING id`,
		userA, userB, now,
	).Scan(&convID)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx,
			`SELECT id FROM `+conversations+` WHERE user_a = $1 AND user_b = $2`,
			userA, userB,
		).Scan(&convID); err != nil {
			return DirectWriteResult{}, fmt.Errorf("find conversation: %w", err)
		}
	default:
		return DirectWriteResult{}, fmt.Errorf("create conversation: %w", err)
	}

	var msgID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender, content, sent_at, is_read)
		 VALUES ($1, $2, $3, $4, false)
		 RETURNING id`,
		convID, w.Sender, w.Body, now,
	).Scan(&msgID); err != nil {
		return DirectWriteResult{}, fmt.Errorf("insert message: %w", err)
	}

	if !created {
		if _, err := tx.Exec(ctx,
			`UPDATE `+conversations+` SET updated_at = $2 WHERE id = $1`,
			convID, now,
		); err != nil {
			return DirectWriteResult{}, fmt.Errorf("touch conversation: %w", err)
		}
	}

	return DirectWriteResult{ConversationID: convID, MessageRowID: msgID, NewConversation: created}, nil
}

// AppendGroupMessage writes one group message synchronously.
func (s *PostgresStore) AppendGroupMessage(ctx context.Context, in GroupWrite) (StoredGroupMessage, error) {
	if s == nil || s.pool == nil {
		return StoredGroupMessage{}, errors.New("realtime: nil store")
	}
	if in.GroupID <= 0 || strings.TrimSpace(in.Sender) == "" {
		return StoredGroupMessage{}, errors.New("realtime: invalid group write")
	}
	if err := ctx.Err(); err != nil {
		return StoredGroupMessage{}, err
	}

	now := in.SentAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewStoredMessageID(now)
	if err != nil {
		return StoredGroupMessage{}, err
	}

	groupMessages := pgIdent(s.schema, "group_messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+groupMessages+` (id, group_id, sender, message, attachment, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.GroupID, in.Sender, in.Body, nullable(in.Attachment), now,
	); err != nil {
		return StoredGroupMessage{}, fmt.Errorf("insert group message: %w", err)
	}

	return StoredGroupMessage{
		ID:         id,
		GroupID:    in.GroupID,
		Sender:     in.Sender,
		Body:       in.Body,
		Attachment: in.Attachment,
		SentAt:     now,
	}, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *PostgresStore) ListConversations(ctx context.Context, username string) ([]ConversationSummary, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("realtime: missing username")
	}

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id,
		        CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END,
		        c.updated_at,
		        COUNT(m.id) FILTER (WHERE NOT m.is_read AND m.sender <> $1)
		   FROM `+conversations+` c
		   LEFT JOIN `+messages+` m ON m.conversation_id = c.id
		  WHERE c.user_a = $1 OR c.user_b = $1
		  GROUP BY c.id
		  ORDER BY c.updated_at DESC`,
		username,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ID, &c.Participant, &c.UpdatedAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages ordered by time ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]StoredDirectMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, sender, content, sent_at, is_read
		   FROM (SELECT id, conversation_id, sender, content, sent_at, is_read
		           FROM `+messages+`
		          WHERE conversation_id = $1
		          ORDER BY sent_at DESC, id DESC
		          LIMIT $2) newest
		  ORDER BY sent_at ASC, id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredDirectMessage
	for rows.Next() {
		var m StoredDirectMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &m.SentAt, &m.Read); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesRead flags messages addressed to username as read.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, conversationID int64, username string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET is_read = true
		  WHERE conversation_id = $1 AND sender <> $2 AND NOT is_read`,
		conversationID, username,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Profile resolves sender profile fields for delivered frames.
func (s *PostgresStore) Profile(ctx context.Context, username string) (Profile, error) {
	if s == nil || s.pool == nil {
		return Profile{}, errors.New("realtime: nil store")
	}

	profiles := pgIdent(s.schema, "user_profiles")

	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(full_name, ''), COALESCE(profile_picture, '')
		   FROM `+profiles+` WHERE username = $1`,
		username,
	).Scan(&p.FullName, &p.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return p, nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
