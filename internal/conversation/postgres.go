package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists rooms and messages in PostgreSQL. Room uniqueness
// rests on the direct_key and post_id unique constraints; read receipts on
// the (message_id, user_id) primary key of message_reads.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationSelect = `
	SELECT c.id, c.kind, COALESCE(c.post_id, ''), c.last_activity, c.created_at,
	       ARRAY(SELECT p.user_id FROM conversation_participants p WHERE p.conversation_id = c.id ORDER BY p.user_id)
	FROM conversations c`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanConversation(row interface{ Scan(...interface{}) error }) (*Conversation, error) {
	var c Conversation
	var kind string
	if err := row.Scan(&c.ID, &kind, &c.PostID, &c.LastActivity, &c.CreatedAt, pq.Array(&c.Participants)); err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	if c.Participants == nil {
		c.Participants = []string{}
	}
	return &c, nil
}

func getConversation(ctx context.Context, q queryer, where string, arg interface{}) (*Conversation, error) {
	conv, err := scanConversation(q.QueryRowContext(ctx, conversationSelect+` WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// EnsureDirect inserts the room if its direct_key is new and then reads back
// whichever row won.
func (s *PostgresStore) EnsureDirect(ctx context.Context, a, b string, now time.Time) (Conversation, error) {
	key := directKey(a, b)
	return s.ensure(ctx, now,
		`INSERT INTO conversations (id, kind, direct_key, last_activity, created_at)
		 VALUES ($1, 'direct', $2, $3, $3)
		 ON CONFLICT (direct_key) DO NOTHING`,
		key, `c.direct_key = $1`, a, b)
}

// EnsurePost inserts the room if postID is new and adds userID to it.
func (s *PostgresStore) EnsurePost(ctx context.Context, postID, userID string, now time.Time) (Conversation, error) {
	return s.ensure(ctx, now,
		`INSERT INTO conversations (id, kind, post_id, last_activity, created_at)
		 VALUES ($1, 'post', $2, $3, $3)
		 ON CONFLICT (post_id) DO NOTHING`,
		postID, `c.post_id = $1`, userID)
}

func (s *PostgresStore) ensure(ctx context.Context, now time.Time, insert, key, where string, participants ...string) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insert, uuid.NewString(), key, now); err != nil {
		return Conversation{}, fmt.Errorf("conversation: insert room: %w", err)
	}

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT c.id FROM conversations c WHERE `+where, key).Scan(&id); err != nil {
		return Conversation{}, fmt.Errorf("conversation: select room: %w", err)
	}

	for _, p := range participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			id, p, now)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation: add participant: %w", err)
		}
	}

	conv, err := getConversation(ctx, tx, `c.id = $1`, id)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: reload room: %w", err)
	}
	if conv == nil {
		return Conversation{}, ErrRoomNotFound
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("conversation: commit: %w", err)
	}
	return *conv, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	conv, err := getConversation(ctx, s.db, `c.id::text = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) FindByPost(ctx context.Context, postID string) (*Conversation, error) {
	conv, err := getConversation(ctx, s.db, `c.post_id = $1`, postID)
	if err != nil {
		return nil, fmt.Errorf("conversation: find by post: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, convID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID)
	if err != nil {
		return false, fmt.Errorf("conversation: remove participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conversation: remove participant: %w", err)
	}
	return n > 0, nil
}

// AddMessage inserts the message and bumps last_activity in one transaction.
func (s *PostgresStore) AddMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, author_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.Body, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("conversation: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("conversation: bump activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("conversation: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, convID string, beforeSeq int64, limit int) ([]Message, error) {
	const query = `
		SELECT m.id, m.seq, m.conversation_id, m.author_id, m.body, m.created_at,
		       ARRAY(SELECT r.user_id FROM message_reads r WHERE r.message_id = m.id ORDER BY r.user_id)
		FROM messages m
		WHERE m.conversation_id = $1 AND ($2::bigint = 0 OR m.seq < $2::bigint)
		ORDER BY m.seq DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, convID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.AuthorID, &m.Body, &m.CreatedAt, pq.Array(&m.ReadBy)); err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		if m.ReadBy == nil {
			m.ReadBy = []string{}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}

	// Oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// MarkRead inserts the missing read rows and advances the last-seen pointer.
// Concurrent calls for the same user insert each read row once; the pointer
// only moves forward.
func (s *PostgresStore) MarkRead(ctx context.Context, convID, userID string, at time.Time) (Receipt, error) {
	rc := Receipt{ConversationID: convID, UserID: userID, MessageIDs: []string{}, ReadAt: at}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("conversation: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2::text, $3::timestamptz
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.author_id <> $2
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id`,
		convID, userID, at)
	if err != nil {
		return Receipt{}, fmt.Errorf("conversation: insert reads: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Receipt{}, fmt.Errorf("conversation: scan read: %w", err)
		}
		rc.MessageIDs = append(rc.MessageIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Receipt{}, fmt.Errorf("conversation: insert reads: %w", err)
	}
	rows.Close()

	var moved sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE conversation_participants p
		SET last_seen_message_id = latest.id, last_read_at = $3
		FROM (
			SELECT id, seq FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT 1
		) latest
		WHERE p.conversation_id = $1 AND p.user_id = $2
		  AND latest.seq > COALESCE((SELECT seq FROM messages WHERE id = p.last_seen_message_id), 0)
		RETURNING latest.id`,
		convID, userID, at).Scan(&moved)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, fmt.Errorf("conversation: advance pointer: %w", err)
	}

	var pointer sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT last_seen_message_id FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID).Scan(&pointer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, fmt.Errorf("conversation: read pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("conversation: commit: %w", err)
	}

	rc.LastSeenMessageID = pointer.String
	rc.Changed = len(rc.MessageIDs) > 0 || moved.Valid
	return rc, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, convID, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.author_id <> $2
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $2)`

	var n int
	if err := s.db.QueryRowContext(ctx, query, convID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("conversation: unread count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	query := conversationSelect + `
		WHERE EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
		ORDER BY c.last_activity DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan room: %w", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}
	return out, nil
}
