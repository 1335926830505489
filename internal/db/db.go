package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"dm-sync/internal/logger"
)

// NotifyChannel carries {op, conversation_id, id} for every message row change.
const NotifyChannel = "dm_messages"

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

// Ids compare bytewise, matching the cursor and pair ordering done in Go.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT COLLATE "C" PRIMARY KEY,
            user1_id TEXT COLLATE "C" NOT NULL,
            user2_id TEXT COLLATE "C" NOT NULL,
            participants JSONB NOT NULL DEFAULT '{}'::jsonb,
            last_message_preview TEXT,
            last_message_sender_id TEXT,
            last_message_at TIMESTAMPTZ,
            unread_for_other BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE(user1_id, user2_id),
            CHECK (user1_id < user2_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversations_user1_idx ON conversations (user1_id);`,
	`CREATE INDEX IF NOT EXISTS conversations_user2_idx ON conversations (user2_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id TEXT COLLATE "C" PRIMARY KEY,
            conversation_id TEXT COLLATE "C" NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            image_url TEXT NOT NULL DEFAULT '',
            read BOOLEAN NOT NULL DEFAULT FALSE,
            edited BOOLEAN NOT NULL DEFAULT FALSE,
            reactions JSONB NOT NULL DEFAULT '{}'::jsonb,
            reply_to JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            CHECK (text <> '' OR image_url <> '')
        );`,
	`ALTER TABLE messages ALTER COLUMN id TYPE TEXT COLLATE "C";`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx ON messages (conversation_id, created_at DESC, id DESC);`,
	`CREATE INDEX IF NOT EXISTS messages_reply_target_idx ON messages (conversation_id, (reply_to->>'targetId')) WHERE reply_to IS NOT NULL;`,
	`CREATE OR REPLACE FUNCTION dm_notify_message() RETURNS trigger AS $$
        BEGIN
            IF TG_OP = 'DELETE' THEN
                PERFORM pg_notify('` + NotifyChannel + `', json_build_object('op', 'removed', 'conversation_id', OLD.conversation_id, 'id', OLD.id)::text);
                RETURN OLD;
            END IF;
            PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
                'op', CASE WHEN TG_OP = 'INSERT' THEN 'added' ELSE 'modified' END,
                'conversation_id', NEW.conversation_id,
                'id', NEW.id)::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
        FOR EACH ROW EXECUTE FUNCTION dm_notify_message();`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	logger.Log.Info("database_migrations_applied", zap.Int("statements", len(migrations)))
	return nil
}
