package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Schema drift:
//   - sender_role and client_token are optional denormalized columns. When a
//     deployment has not provisioned them yet, statements touching them fail
//     with undefined_column; the store reports *SchemaError and the two-tier
//     wrappers retry once with the minimal field set.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "talent").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "talent",
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// InsertMessage appends a message, retrying once with the minimal field set
// when the optional columns are unprovisioned.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("chat: nil store")
	}
	if in.MatchID == "" || in.SenderID == "" {
		return Message{}, ErrInvalidInput
	}
	in.Content = NormalizeContent(in.Content)
	if in.Content == "" {
		return Message{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	return InsertWithFallback(ctx, in, s.insertOnce)
}

func (s *PostgresStore) insertOnce(ctx context.Context, in InsertMessageInput) (Message, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")

	m := Message{
		ID:          id,
		MatchID:     in.MatchID,
		SenderID:    in.SenderID,
		SenderRole:  in.SenderRole,
		Content:     in.Content,
		IsSystem:    in.IsSystem,
		ClientToken: in.ClientToken,
	}

	// created_at is server-assigned: it is the ordering key for the thread.
	if in.SenderRole == "" && in.ClientToken == "" {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO `+messages+` (id, match_id, sender_id, content, is_system)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			id, in.MatchID, in.SenderID, in.Content, in.IsSystem,
		).Scan(&m.CreatedAt)
	} else {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO `+messages+` (id, match_id, sender_id, sender_role, content, is_system, client_token)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''))
			 RETURNING created_at`,
			id, in.MatchID, in.SenderID, string(in.SenderRole), in.Content, in.IsSystem, in.ClientToken,
		).Scan(&m.CreatedAt)
	}
	if err != nil {
		return Message{}, classifyPGErr(err)
	}
	return m, nil
}

// FetchMessages returns messages ordered by created_at ASC (ties broken by
// id ASC; ids are ULIDs, so the order is stable across re-fetches), excluding
// rows soft-deleted for the viewer.
func (s *PostgresStore) FetchMessages(ctx context.Context, in FetchMessagesInput) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if in.MatchID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultInitialPage
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}

	out, err := s.fetchOnce(ctx, in, limit, offset, true)
	if err != nil && IsSchemaError(err) {
		out, err = s.fetchOnce(ctx, in, limit, offset, false)
	}
	return out, err
}

func (s *PostgresStore) fetchOnce(ctx context.Context, in FetchMessagesInput, limit, offset int, full bool) ([]Message, error) {
	messages := pgIdent(s.schema, "messages")

	cols := `id, match_id, sender_id, ''::text, content, created_at, read_at, deleted_by, is_system, ''::text`
	if full {
		cols = `id, match_id, sender_id, COALESCE(sender_role, ''), content, created_at, read_at, deleted_by, is_system, COALESCE(client_token, '')`
	}

	var (
		rows pgx.Rows
		err  error
	)

	if in.Latest {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+` FROM (
			    SELECT * FROM `+messages+`
			     WHERE match_id = $1
			       AND NOT ($2 = ANY(deleted_by))
			     ORDER BY created_at DESC, id DESC
			     LIMIT $3
			 ) latest
			 ORDER BY created_at ASC, id ASC`,
			in.MatchID, in.ViewerID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+cols+`
			   FROM `+messages+`
			  WHERE match_id = $1
			    AND NOT ($2 = ANY(deleted_by))
			  ORDER BY created_at ASC, id ASC
			  LIMIT $3 OFFSET $4`,
			in.MatchID, in.ViewerID, limit, offset,
		)
	}
	if err != nil {
		return nil, classifyPGErr(err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(
			&m.ID,
			&m.MatchID,
			&m.SenderID,
			&role,
			&m.Content,
			&m.CreatedAt,
			&m.ReadAt,
			&m.DeletedBy,
			&m.IsSystem,
			&m.ClientToken,
		); err != nil {
			return nil, err
		}
		m.SenderRole = Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPGErr(err)
	}
	return msgs, nil
}

// MarkRead stamps read_at on all currently unread messages addressed to the
// viewer. Idempotent: re-running it touches nothing.
func (s *PostgresStore) MarkRead(ctx context.Context, matchID, viewerID string, now time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if matchID == "" || viewerID == "" {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_at = $3
		  WHERE match_id = $1
		    AND sender_id <> $2
		    AND read_at IS NULL`,
		matchID, viewerID, now,
	)
	return err
}

// SoftDelete adds viewerID to the message's deleted_by set. Idempotent.
func (s *PostgresStore) SoftDelete(ctx context.Context, messageID, viewerID string) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if messageID == "" || viewerID == "" {
		return ErrInvalidInput
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET deleted_by = array_append(deleted_by, $2)
		  WHERE id = $1
		    AND NOT ($2 = ANY(deleted_by))`,
		messageID, viewerID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows means either the viewer already deleted it (idempotent
	// success) or the message does not exist.
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+messages+` WHERE id = $1`, messageID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// classifyPGErr maps undefined_column to *SchemaError so the two-tier
// wrappers can retry with the minimal field set. Everything else passes
// through unchanged.
func classifyPGErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42703" {
		return &SchemaError{Err: err}
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
