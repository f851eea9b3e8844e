package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Connect opens a pgx pool and pings it before handing it out.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

func (p *PostgresStore) Close() { p.pool.Close() }

type scanner interface {
	Scan(dest ...any) error
}

const sessionCols = `id, tenant_id, display_name, provider_session_name, status, phone_number,
	status_changed_at, optimistic, qr_expires_at, created_at, updated_at`

func scanSession(row scanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TenantID, &s.DisplayName, &s.ProviderSessionName, &s.Status, &s.PhoneNumber,
		&s.StatusChangedAt, &s.Optimistic, &s.QRExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

const conversationCols = `id, tenant_id, session_id, contact_phone, last_message_at, unread_count,
	is_archived, seq, created_at, updated_at`

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.SessionID, &c.ContactPhone, &c.LastMessageAt, &c.UnreadCount,
		&c.IsArchived, &c.Seq, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

const messageCols = `id, conversation_id, session_id, provider_message_id, from_phone, to_phone, content,
	type, is_inbound, status, ts, seq, created_at`

func scanMessage(row scanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SessionID, &m.ProviderMessageID, &m.From, &m.To, &m.Content,
		&m.Type, &m.IsInbound, &m.Status, &m.Timestamp, &m.Seq, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session, cred *WebhookCredential) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var retired bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM retired_tokens WHERE token=$1)`, cred.Token).Scan(&retired); err != nil {
		return err
	}
	if retired {
		return ErrConflict
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO sessions (id, tenant_id, display_name, provider_session_name, status, phone_number,
			status_changed_at, optimistic, qr_expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.DisplayName, s.ProviderSessionName, s.Status, s.PhoneNumber,
		s.StatusChangedAt, s.Optimistic, s.QRExpiresAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO webhook_credentials (token, session_id, tenant_id, sealed_secret)
		 VALUES ($1,$2,$3,$4) RETURNING created_at`,
		cred.Token, cred.SessionID, cred.TenantID, cred.SealedSecret,
	).Scan(&cred.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1`, id))
}

func (p *PostgresStore) ListSessions(ctx context.Context, tenantID string) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateSession(ctx context.Context, id string, fn SessionMutator) (*Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	changed, err := fn(s)
	if err != nil {
		return nil, err
	}
	if !changed {
		return s, tx.Commit(ctx)
	}

	err = tx.QueryRow(ctx,
		`UPDATE sessions SET status=$2, phone_number=$3, status_changed_at=$4, optimistic=$5,
			qr_expires_at=$6, display_name=$7, provider_session_name=$8, updated_at=NOW()
		 WHERE id=$1 RETURNING updated_at`,
		id, s.Status, s.PhoneNumber, s.StatusChangedAt, s.Optimistic, s.QRExpiresAt, s.DisplayName, s.ProviderSessionName,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return s, tx.Commit(ctx)
}

func (p *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO retired_tokens (token, session_id)
		 SELECT token, session_id FROM webhook_credentials WHERE session_id=$1
		 ON CONFLICT (token) DO NOTHING`, id)
	if err != nil {
		return err
	}
	// credentials, conversations and messages go with the cascade
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) IsSessionRetired(ctx context.Context, id string) (bool, error) {
	var retired bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM retired_tokens WHERE session_id=$1)
		    AND NOT EXISTS (SELECT 1 FROM sessions WHERE id=$1)`, id).Scan(&retired)
	return retired, err
}

func (p *PostgresStore) ResolveToken(ctx context.Context, token string) (*WebhookCredential, error) {
	var c WebhookCredential
	err := p.pool.QueryRow(ctx,
		`SELECT token, session_id, tenant_id, sealed_secret, created_at
		   FROM webhook_credentials WHERE token=$1`, token,
	).Scan(&c.Token, &c.SessionID, &c.TenantID, &c.SealedSecret, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (p *PostgresStore) RotateCredential(ctx context.Context, next *WebhookCredential) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var retired bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM retired_tokens WHERE token=$1)`, next.Token).Scan(&retired); err != nil {
		return err
	}
	if retired {
		return ErrConflict
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO retired_tokens (token, session_id)
		 SELECT token, session_id FROM webhook_credentials WHERE session_id=$1
		 ON CONFLICT (token) DO NOTHING`, next.SessionID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM webhook_credentials WHERE session_id=$1`, next.SessionID); err != nil {
		return err
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO webhook_credentials (token, session_id, tenant_id, sealed_secret)
		 VALUES ($1,$2,$3,$4) RETURNING created_at`,
		next.Token, next.SessionID, next.TenantID, next.SealedSecret,
	).Scan(&next.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) UpsertMessage(ctx context.Context, in MessageUpsert) (*UpsertResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, session_id, contact_phone)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tenant_id, session_id, contact_phone) DO NOTHING`,
		uuid.NewString(), in.Key.TenantID, in.Key.SessionID, in.Key.ContactPhone)
	if err != nil {
		return nil, mapErr(err)
	}

	// the row lock serializes writers of this conversation only
	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations
		  WHERE tenant_id=$1 AND session_id=$2 AND contact_phone=$3 FOR UPDATE`,
		in.Key.TenantID, in.Key.SessionID, in.Key.ContactPhone))
	if err != nil {
		return nil, err
	}

	msg := in.Message
	msg.ID = uuid.NewString()
	msg.ConversationID = conv.ID
	msg.SessionID = in.Key.SessionID
	msg.Seq = conv.Seq + 1

	inserted, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, session_id, provider_message_id, from_phone, to_phone,
			content, type, is_inbound, status, ts, seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (session_id, provider_message_id) DO NOTHING
		 RETURNING `+messageCols,
		msg.ID, msg.ConversationID, msg.SessionID, msg.ProviderMessageID, msg.From, msg.To,
		msg.Content, msg.Type, msg.IsInbound, msg.Status, msg.Timestamp, msg.Seq))
	if errors.Is(err, ErrNotFound) {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageCols+` FROM messages WHERE session_id=$1 AND provider_message_id=$2`,
			in.Key.SessionID, msg.ProviderMessageID))
		if err != nil {
			return nil, err
		}
		return &UpsertResult{Conversation: *conv, Message: *existing}, tx.Commit(ctx)
	}
	if err != nil {
		return nil, err
	}

	unread := 0
	if msg.IsInbound {
		unread = 1
	}
	conv, err = scanConversation(tx.QueryRow(ctx,
		`UPDATE conversations
		    SET seq=$2,
		        last_message_at=GREATEST(last_message_at, $3),
		        unread_count=unread_count+$4,
		        updated_at=NOW()
		  WHERE id=$1
		 RETURNING `+conversationCols,
		conv.ID, msg.Seq, msg.Timestamp, unread))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &UpsertResult{Conversation: *conv, Message: *inserted, Created: true}, nil
}

func (p *PostgresStore) UpdateMessageStatus(ctx context.Context, sessionID, providerMessageID string, status MessageStatus) (*Message, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var convID string
	err = tx.QueryRow(ctx,
		`SELECT conversation_id FROM messages WHERE session_id=$1 AND provider_message_id=$2`,
		sessionID, providerMessageID).Scan(&convID)
	if err != nil {
		return nil, false, mapErr(err)
	}
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT seq FROM conversations WHERE id=$1 FOR UPDATE`, convID).Scan(&seq); err != nil {
		return nil, false, mapErr(err)
	}
	msg, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE session_id=$1 AND provider_message_id=$2`,
		sessionID, providerMessageID))
	if err != nil {
		return nil, false, err
	}
	if !statusAdvances(msg.Status, status) {
		return msg, false, tx.Commit(ctx)
	}

	seq++
	if _, err := tx.Exec(ctx, `UPDATE conversations SET seq=$2, updated_at=NOW() WHERE id=$1`, convID, seq); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET status=$2, seq=$3 WHERE id=$1`, msg.ID, status, seq); err != nil {
		return nil, false, err
	}
	msg.Status = status
	msg.Seq = seq
	return msg, true, tx.Commit(ctx)
}

func (p *PostgresStore) EnsureContact(ctx context.Context, tenantID, phone string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO contacts (tenant_id, phone) VALUES ($1,$2) ON CONFLICT (tenant_id, phone) DO NOTHING`,
		tenantID, phone)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) GetContact(ctx context.Context, tenantID, phone string) (*Contact, error) {
	var c Contact
	err := p.pool.QueryRow(ctx,
		`SELECT tenant_id, phone, name, tags, created_at FROM contacts WHERE tenant_id=$1 AND phone=$2`,
		tenantID, phone).Scan(&c.TenantID, &c.Phone, &c.Name, &c.Tags, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (p *PostgresStore) SaveContact(ctx context.Context, c *Contact) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO contacts (tenant_id, phone, name, tags) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (tenant_id, phone) DO UPDATE SET name=EXCLUDED.name, tags=EXCLUDED.tags`,
		c.TenantID, c.Phone, c.Name, tags)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error) {
	return scanConversation(p.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id=$1 AND tenant_id=$2`, id, tenantID))
}

func (p *PostgresStore) ListConversations(ctx context.Context, tenantID string, f ConversationFilter) ([]Conversation, error) {
	query := `SELECT ` + conversationCols + ` FROM conversations WHERE tenant_id=$1`
	args := []any{tenantID}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		query += fmt.Sprintf(" AND session_id=$%d", len(args))
	}
	if f.Archived != nil {
		args = append(args, *f.Archived)
		query += fmt.Sprintf(" AND is_archived=$%d", len(args))
	}
	args = append(args, clampLimit(f.Limit, 50, 500))
	query += fmt.Sprintf(" ORDER BY last_message_at DESC NULLS LAST, created_at DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListMessagesSince(ctx context.Context, tenantID, conversationID string, since int64, limit int) ([]Message, error) {
	if _, err := p.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		  WHERE conversation_id=$1 AND seq > $2
		  ORDER BY seq LIMIT $3`,
		conversationID, since, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkConversationRead(ctx context.Context, tenantID, conversationID string, seen int64) (*Conversation, error) {
	conv, err := scanConversation(p.pool.QueryRow(ctx,
		`UPDATE conversations SET unread_count=0, updated_at=NOW()
		  WHERE id=$1 AND tenant_id=$2 AND seq <= $3
		 RETURNING `+conversationCols,
		conversationID, tenantID, seen))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	current, err := p.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	return current, ErrStale
}

func (p *PostgresStore) SetConversationArchived(ctx context.Context, tenantID, conversationID string, archived bool) (*Conversation, error) {
	return scanConversation(p.pool.QueryRow(ctx,
		`UPDATE conversations SET is_archived=$3, updated_at=NOW()
		  WHERE id=$1 AND tenant_id=$2
		 RETURNING `+conversationCols,
		conversationID, tenantID, archived))
}

func (p *PostgresStore) RecordDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	return p.pool.QueryRow(ctx,
		`INSERT INTO dead_letters (id, tenant_id, session_id, event_id, event_type, attempts, last_error, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING failed_at`,
		dl.ID, dl.TenantID, dl.SessionID, dl.EventID, dl.EventType, dl.Attempts, dl.LastError, dl.Payload,
	).Scan(&dl.FailedAt)
}

func (p *PostgresStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]DeadLetter, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, event_id, event_type, attempts, last_error, payload, failed_at
		   FROM dead_letters WHERE tenant_id=$1 ORDER BY failed_at DESC LIMIT $2`,
		tenantID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SessionID, &d.EventID, &d.EventType, &d.Attempts,
			&d.LastError, &d.Payload, &d.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
