package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            thread_id UUID NOT NULL,
            sender_type TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            recipient_type TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            content TEXT NOT NULL,
            subject TEXT NOT NULL DEFAULT '',
            case_id TEXT NOT NULL DEFAULT '',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            read_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_created
            ON messages (thread_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parties
            ON messages (sender_id, recipient_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id UUID PRIMARY KEY,
            message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            filename TEXT NOT NULL,
            size BIGINT NOT NULL,
            mime_type TEXT NOT NULL,
            url TEXT NOT NULL,
            uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message
            ON attachments (message_id);`,
		`CREATE TABLE IF NOT EXISTS documents (
            id UUID PRIMARY KEY,
            case_id TEXT NOT NULL,
            name TEXT NOT NULL,
            mime_type TEXT NOT NULL,
            size BIGINT NOT NULL,
            url TEXT NOT NULL,
            uploaded_by TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		// Change feed for the realtime delivery bus. Row payloads go out on
		// a single NOTIFY channel; the bus filters per table. pg_notify
		// raises an error past ~8000 bytes and the trigger runs inside the
		// writing transaction, so oversized rows fall back to an id-only
		// payload the bus resolves with a fetch instead of failing the write.
		`CREATE OR REPLACE FUNCTION notify_record_change() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
            kind TEXT;
            payload TEXT;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD; kind := 'delete';
            ELSIF TG_OP = 'UPDATE' THEN
                rec := NEW; kind := 'update';
            ELSE
                rec := NEW; kind := 'insert';
            END IF;
            payload := json_build_object(
                'kind', kind, 'table', TG_TABLE_NAME, 'record', row_to_json(rec))::text;
            IF octet_length(payload) >= 7800 THEN
                payload := json_build_object(
                    'kind', kind, 'table', TG_TABLE_NAME,
                    'record', json_build_object('id', rec.id))::text;
            END IF;
            PERFORM pg_notify('record_changes', payload);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
		`CREATE TRIGGER messages_notify
            AFTER INSERT OR UPDATE OR DELETE ON messages
            FOR EACH ROW EXECUTE FUNCTION notify_record_change();`,
		`DROP TRIGGER IF EXISTS documents_notify ON documents;`,
		`CREATE TRIGGER documents_notify
            AFTER INSERT OR UPDATE OR DELETE ON documents
            FOR EACH ROW EXECUTE FUNCTION notify_record_change();`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
