package sqlite

const schema = `
-- Projects table
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    description TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL,
    pinned_ref_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Membership table. The core consumes a membership predicate; rows are
-- written by the enclosing application (owner is enrolled on create).
CREATE TABLE IF NOT EXISTS project_members (
    project_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, user_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Refs (branches). tip_ordinal is -1 until the first append. The ref
-- named 'main' is the project's trunk.
CREATE TABLE IF NOT EXISTS refs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    tip_commit_id TEXT DEFAULT '',
    tip_ordinal INTEGER NOT NULL DEFAULT -1,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    previous_response_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (project_id, name),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_refs_project ON refs(project_id);

-- Commits. parent2 is set only on merge commits; a commit with zero
-- parents is a ref root.
CREATE TABLE IF NOT EXISTS commits (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    parent1 TEXT DEFAULT '',
    parent2 TEXT DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_commits_project ON commits(project_id);

-- Nodes. The authoritative node JSON lives in payload; the indexed
-- columns exist for querying. Nodes are insert-only.
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    role TEXT DEFAULT '',
    created_on_ref_id TEXT NOT NULL,
    merge_from_ref_id TEXT DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    ts_ms INTEGER NOT NULL,
    payload TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (commit_id) REFERENCES commits(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_nodes_commit ON nodes(commit_id);
CREATE INDEX IF NOT EXISTS idx_nodes_project_kind ON nodes(project_id, kind);

-- Artefacts: immutable canvas versions. Exactly one row per commit per
-- kind; content_hash is lowercase hex SHA-256 of the UTF-8 content.
CREATE TABLE IF NOT EXISTS artefacts (
    project_id TEXT NOT NULL,
    commit_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'canvas_md',
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    origin_ref_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, commit_id, kind),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (commit_id) REFERENCES commits(id) ON DELETE CASCADE
);

-- Artefact drafts: the mutable editor buffer per (ref, user). Never
-- part of history; never seeds history reads.
CREATE TABLE IF NOT EXISTS artefact_drafts (
    project_id TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, ref_id, user_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    FOREIGN KEY (ref_id) REFERENCES refs(id) ON DELETE CASCADE
);

-- Commit order: the dense per-ref linearization starting at ordinal 0.
CREATE TABLE IF NOT EXISTS commit_order (
    project_id TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL CHECK(ordinal >= 0),
    commit_id TEXT NOT NULL,
    PRIMARY KEY (project_id, ref_id, ordinal),
    FOREIGN KEY (ref_id) REFERENCES refs(id) ON DELETE CASCADE,
    FOREIGN KEY (commit_id) REFERENCES commits(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_commit_order_commit ON commit_order(project_id, ref_id, commit_id);

-- Ref leases: one row per ref; treated as absent when expired.
CREATE TABLE IF NOT EXISTS ref_leases (
    project_id TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    holder_user TEXT NOT NULL,
    holder_session TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    PRIMARY KEY (project_id, ref_id),
    FOREIGN KEY (ref_id) REFERENCES refs(id) ON DELETE CASCADE
);

-- Per-user project preferences (current ref projection).
CREATE TABLE IF NOT EXISTS project_user_prefs (
    project_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    current_ref_id TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, user_id),
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Stars: user-mutable, not provenance; never creates commits.
CREATE TABLE IF NOT EXISTS stars (
    project_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    starred_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project_id, node_id),
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
);

-- Config table (for storing settings like provider defaults)
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Metadata table (for internal state like the schema version)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
