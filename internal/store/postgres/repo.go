package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/store"
)

const messageColumns = `
	id, conversation_id, sender_id, sender_display_name,
	body, attachments, created_at, edited_at, deleted_at, version`

type Repository struct {
	DB *sql.DB
}

func Open(ctx context.Context, dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{DB: db}, nil
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) getter(tx *sql.Tx) queryable {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r *Repository) Insert(ctx context.Context, draft domain.Draft) (*domain.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	attachments, err := json.Marshal(nonNil(draft.Attachments))
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, sender_display_name, body, attachments)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		draft.ConversationID,
		draft.SenderID,
		draft.SenderDisplayName,
		draft.Body,
		attachments,
	)
	return scanMessage(row)
}

func (r *Repository) Update(ctx context.Context, conversationID, messageID, body string, version int64) (*domain.Message, error) {
	if len(body) > domain.MaxBodySize {
		return nil, domain.ErrMessageTooLarge
	}

	var out *domain.Message
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getForUpdate(ctx, tx, conversationID, messageID)
		if err != nil {
			return err
		}
		// domain rules decide conflict vs. deleted vs. invalid
		if err := current.Edit(body, version, time.Now()); err != nil {
			return err
		}

		row := r.getter(tx).QueryRowContext(ctx, `
			UPDATE messages
			SET body = $3, edited_at = now(), version = version + 1
			WHERE id = $1 AND conversation_id = $2 AND version = $4
			RETURNING `+messageColumns,
			messageID, conversationID, body, version,
		)
		out, err = scanMessage(row)
		if errors.Is(err, domain.ErrMessageNotFound) {
			return domain.ErrOptimisticLockConflict
		}
		return err
	})
	return out, err
}

func (r *Repository) SoftDelete(ctx context.Context, conversationID, messageID string) (*domain.Message, error) {
	var out *domain.Message
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getForUpdate(ctx, tx, conversationID, messageID)
		if err != nil {
			return err
		}
		// Already deleted? idempotent no-op
		if current.IsDeleted {
			out = current
			return nil
		}

		row := r.getter(tx).QueryRowContext(ctx, `
			UPDATE messages
			SET deleted_at = now(), version = version + 1
			WHERE id = $1
			RETURNING `+messageColumns,
			messageID,
		)
		out, err = scanMessage(row)
		return err
	})
	return out, err
}

func (r *Repository) Get(ctx context.Context, messageID string) (*domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)
	return scanMessage(row)
}

func (r *Repository) List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*domain.Message, error) {
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		  AND deleted_at IS NULL
		  AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	store.Reverse(messages)
	return messages, nil
}

func (r *Repository) Close() error {
	return r.DB.Close()
}

func (r *Repository) getForUpdate(ctx context.Context, tx *sql.Tx, conversationID, messageID string) (*domain.Message, error) {
	row := r.getter(tx).QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1 AND conversation_id = $2
		FOR UPDATE
	`, messageID, conversationID)
	return scanMessage(row)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var msg domain.Message
	var attachments []byte
	var editedAt, deletedAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.SenderDisplayName,
		&msg.Body,
		&attachments,
		&msg.CreatedAt,
		&editedAt,
		&deletedAt,
		&msg.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, err
		}
	}
	if editedAt.Valid {
		msg.IsEdited = true
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.IsDeleted = true
		msg.DeletedAt = &deletedAt.Time
	}
	return &msg, nil
}

func nonNil(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}
