package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const NotifyChannel = "message_changes"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_id     TEXT NOT NULL,
		sender_id           TEXT NOT NULL,
		sender_display_name TEXT NOT NULL DEFAULT '',
		body                TEXT NOT NULL DEFAULT '',
		attachments         JSONB NOT NULL DEFAULT '[]',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		edited_at           TIMESTAMPTZ,
		deleted_at          TIMESTAMPTZ,
		version             BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
		ON messages (conversation_id, created_at DESC)`,
	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
			'op', TG_OP,
			'id', NEW.id,
			'conversation_id', NEW.conversation_id,
			'deleted', NEW.deleted_at IS NOT NULL AND (TG_OP = 'INSERT' OR OLD.deleted_at IS NULL)
		)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE FUNCTION notify_message_change()`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}
