package database

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaDDL is applied idempotently at startup. Counter maintenance for the
// statistics row lives in triggers so that application code never writes the
// counters directly; the reconciler corrects drift.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
    id              BIGSERIAL PRIMARY KEY,
    username        TEXT NOT NULL,
    email           TEXT NOT NULL,
    password_hash   TEXT NOT NULL,
    role            TEXT NOT NULL CHECK (role IN ('admin', 'biller', 'dispatcher')),
    failed_logins   INT NOT NULL DEFAULT 0,
    lockout_until   TIMESTAMPTZ,
    totp_secret     TEXT,
    totp_enabled    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT users_totp_secret_present CHECK (NOT totp_enabled OR totp_secret IS NOT NULL)
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_key ON users (LOWER(username));
CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_key ON users (LOWER(email));

CREATE TABLE IF NOT EXISTS bags (
    id          BIGSERIAL PRIMARY KEY,
    qr_id       TEXT NOT NULL CHECK (length(qr_id) BETWEEN 1 AND 64),
    type        TEXT NOT NULL CHECK (type IN ('parent', 'child')),
    owner_id    BIGINT REFERENCES users(id),
    notes       TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at  TIMESTAMPTZ
);
-- qr uniqueness considers live rows only; soft-deleted rows keep history.
CREATE UNIQUE INDEX IF NOT EXISTS bags_qr_id_key ON bags (qr_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS bags_owner_idx ON bags (owner_id);

CREATE TABLE IF NOT EXISTS links (
    id          BIGSERIAL PRIMARY KEY,
    parent_id   BIGINT NOT NULL REFERENCES bags(id),
    child_id    BIGINT NOT NULL REFERENCES bags(id),
    created_by  BIGINT REFERENCES users(id),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT links_parent_child_key UNIQUE (parent_id, child_id)
);
-- a child hangs off at most one parent
CREATE UNIQUE INDEX IF NOT EXISTS links_child_id_key ON links (child_id);
CREATE INDEX IF NOT EXISTS links_parent_idx ON links (parent_id);

CREATE TABLE IF NOT EXISTS scans (
    id              BIGSERIAL PRIMARY KEY,
    user_id         BIGINT NOT NULL REFERENCES users(id),
    parent_bag_id   BIGINT REFERENCES bags(id),
    child_bag_id    BIGINT REFERENCES bags(id),
    scanned_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    elapsed_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
    CONSTRAINT scans_one_side CHECK (
        (parent_bag_id IS NOT NULL) <> (child_bag_id IS NOT NULL)
    )
);
CREATE INDEX IF NOT EXISTS scans_user_time_idx ON scans (user_id, scanned_at);

CREATE TABLE IF NOT EXISTS bills (
    id                BIGSERIAL PRIMARY KEY,
    bill_id           TEXT NOT NULL,
    parent_bag_count  INT NOT NULL CHECK (parent_bag_count >= 1),
    total_weight_kg   DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (total_weight_kg >= 0),
    expected_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'empty' CHECK (status IN ('empty', 'in_progress', 'completed')),
    created_by        BIGINT REFERENCES users(id),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT bills_bill_id_key UNIQUE (bill_id)
);

CREATE TABLE IF NOT EXISTS bill_bags (
    bill_id     BIGINT NOT NULL REFERENCES bills(id),
    bag_id      BIGINT NOT NULL REFERENCES bags(id),
    attached_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (bill_id, bag_id)
);
CREATE INDEX IF NOT EXISTS bill_bags_bag_idx ON bill_bags (bag_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id            BIGSERIAL PRIMARY KEY,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    actor_id      BIGINT,
    action        TEXT NOT NULL,
    target_kind   TEXT,
    target_id     TEXT,
    ip            TEXT,
    request_id    TEXT,
    before_state  TEXT,
    after_state   TEXT,
    detail        TEXT
);
CREATE INDEX IF NOT EXISTS audit_actor_time_idx ON audit_log (actor_id, created_at);
CREATE INDEX IF NOT EXISTS audit_action_time_idx ON audit_log (action, created_at);
CREATE INDEX IF NOT EXISTS audit_request_idx ON audit_log (request_id);

CREATE TABLE IF NOT EXISTS statistics_cache (
    id                 INT PRIMARY KEY CHECK (id = 1),
    total_bags         BIGINT NOT NULL DEFAULT 0,
    parent_bags        BIGINT NOT NULL DEFAULT 0,
    child_bags         BIGINT NOT NULL DEFAULT 0,
    total_links        BIGINT NOT NULL DEFAULT 0,
    total_scans        BIGINT NOT NULL DEFAULT 0,
    scans_today        BIGINT NOT NULL DEFAULT 0,
    scans_this_hour    BIGINT NOT NULL DEFAULT 0,
    active_users_today BIGINT NOT NULL DEFAULT 0,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
INSERT INTO statistics_cache (id) VALUES (1) ON CONFLICT (id) DO NOTHING;
`

// triggerDDL wires counter maintenance. Soft delete of a bag is an UPDATE of
// deleted_at, so the bag trigger fires on UPDATE too.
const triggerDDL = `
CREATE OR REPLACE FUNCTION tt_bags_counter() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'INSERT' THEN
        UPDATE statistics_cache SET
            total_bags  = total_bags + 1,
            parent_bags = parent_bags + CASE WHEN NEW.type = 'parent' THEN 1 ELSE 0 END,
            child_bags  = child_bags  + CASE WHEN NEW.type = 'child'  THEN 1 ELSE 0 END,
            updated_at  = now()
        WHERE id = 1;
        RETURN NEW;
    ELSIF TG_OP = 'UPDATE' AND OLD.deleted_at IS NULL AND NEW.deleted_at IS NOT NULL THEN
        UPDATE statistics_cache SET
            total_bags  = total_bags - 1,
            parent_bags = parent_bags - CASE WHEN NEW.type = 'parent' THEN 1 ELSE 0 END,
            child_bags  = child_bags  - CASE WHEN NEW.type = 'child'  THEN 1 ELSE 0 END,
            updated_at  = now()
        WHERE id = 1;
        RETURN NEW;
    ELSIF TG_OP = 'DELETE' THEN
        IF OLD.deleted_at IS NULL THEN
            UPDATE statistics_cache SET
                total_bags  = total_bags - 1,
                parent_bags = parent_bags - CASE WHEN OLD.type = 'parent' THEN 1 ELSE 0 END,
                child_bags  = child_bags  - CASE WHEN OLD.type = 'child'  THEN 1 ELSE 0 END,
                updated_at  = now()
            WHERE id = 1;
        END IF;
        RETURN OLD;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tt_bags_counter_trg ON bags;
CREATE TRIGGER tt_bags_counter_trg
    AFTER INSERT OR UPDATE OF deleted_at OR DELETE ON bags
    FOR EACH ROW EXECUTE FUNCTION tt_bags_counter();

CREATE OR REPLACE FUNCTION tt_links_counter() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'INSERT' THEN
        UPDATE statistics_cache SET total_links = total_links + 1, updated_at = now() WHERE id = 1;
        RETURN NEW;
    ELSIF TG_OP = 'DELETE' THEN
        UPDATE statistics_cache SET total_links = total_links - 1, updated_at = now() WHERE id = 1;
        RETURN OLD;
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tt_links_counter_trg ON links;
CREATE TRIGGER tt_links_counter_trg
    AFTER INSERT OR DELETE ON links
    FOR EACH ROW EXECUTE FUNCTION tt_links_counter();

CREATE OR REPLACE FUNCTION tt_scans_counter() RETURNS trigger AS $$
BEGIN
    UPDATE statistics_cache SET
        total_scans     = total_scans + 1,
        scans_today     = scans_today + CASE WHEN NEW.scanned_at::date = now()::date THEN 1 ELSE 0 END,
        scans_this_hour = scans_this_hour + CASE WHEN date_trunc('hour', NEW.scanned_at) = date_trunc('hour', now()) THEN 1 ELSE 0 END,
        updated_at      = now()
    WHERE id = 1;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tt_scans_counter_trg ON scans;
CREATE TRIGGER tt_scans_counter_trg
    AFTER INSERT ON scans
    FOR EACH ROW EXECUTE FUNCTION tt_scans_counter();
`

// EnsureSchema creates tables, indexes, and counter triggers. Safe to run on
// every boot.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, ddl := range []string{schemaDDL, triggerDDL} {
		if _, err := db.sql.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema: %w", classify(err))
		}
	}
	slog.Info("[database] schema ensured")
	return nil
}
