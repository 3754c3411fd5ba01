package store

import "database/sql"

// Schema is the relational layout the worker reads and writes. Production
// databases are migrated by the control plane; the worker applies it
// idempotently for development and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    traits_json TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flows (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    goal       TEXT NOT NULL DEFAULT '',
    start_url  TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
    flow_id  TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    label    TEXT NOT NULL DEFAULT '',
    blob_key TEXT NOT NULL,
    PRIMARY KEY (flow_id, position)
);

CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    flow_id     TEXT NOT NULL REFERENCES flows(id),
    mode        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'PENDING',
    config_json TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS episodes (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    persona_id TEXT NOT NULL REFERENCES personas(id),
    status     TEXT NOT NULL DEFAULT 'PENDING',
    reason     TEXT NOT NULL DEFAULT '',
    step_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes(run_id, status);
CREATE INDEX IF NOT EXISTS idx_episodes_status_updated ON episodes(status, updated_at);

CREATE TABLE IF NOT EXISTS step_traces (
    episode_id       TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
    step_index       INTEGER NOT NULL,
    observation_json TEXT NOT NULL DEFAULT '{}',
    reasoning_json   TEXT NOT NULL DEFAULT '{}',
    action_json      TEXT,
    screenshot_key   TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (episode_id, step_index)
);

CREATE TABLE IF NOT EXISTS findings (
    id                TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    rank              INTEGER NOT NULL,
    issue             TEXT NOT NULL,
    evidence          TEXT NOT NULL DEFAULT '',
    severity          REAL NOT NULL,
    frequency         INTEGER NOT NULL,
    affected_personas TEXT NOT NULL DEFAULT '[]',
    element_ref       TEXT NOT NULL DEFAULT '',
    screen_index      INTEGER NOT NULL,
    screen_label      TEXT NOT NULL DEFAULT '',
    avg_friction      REAL NOT NULL DEFAULT 0,
    avg_dropoff_risk  REAL NOT NULL DEFAULT 0,
    recommended_fix   TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id, rank);

CREATE TABLE IF NOT EXISTS reports (
    run_id       TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
    report_json  TEXT NOT NULL,
    generated_at INTEGER NOT NULL
);
`

// ApplySchema creates every table the worker needs.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
