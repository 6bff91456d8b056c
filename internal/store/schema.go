package store

// The tables keep the full record as a JSON object column next to the indexed
// key columns, so listing queries never deserialize more than they return.
// created_at is stored as unix nanoseconds to keep ordering portable between
// postgres and sqlite.

const CreateSBOMTableSQL = `
CREATE TABLE IF NOT EXISTS sboms (
    id VARCHAR(253) PRIMARY KEY,
    owner VARCHAR(253) NOT NULL,
    project_id VARCHAR(253),
    created_at BIGINT NOT NULL,
    object TEXT NOT NULL
);
`

const CreateSBOMOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sboms_owner ON sboms (owner);
`

const CreateSBOMProjectIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sboms_project_created ON sboms (project_id, created_at);
`

const CreateProjectTableSQL = `
CREATE TABLE IF NOT EXISTS projects (
    owner VARCHAR(253) NOT NULL,
    project_id VARCHAR(253) NOT NULL,
    created_at BIGINT NOT NULL,
    object TEXT NOT NULL,
    PRIMARY KEY (owner, project_id)
);
`

// sbomSchema is the row shape of the sboms table.
// Note: the struct fields must be exported in order to work with sqlx.
type sbomSchema struct {
	ID        string  `db:"id"`
	Owner     string  `db:"owner"`
	ProjectID *string `db:"project_id"`
	CreatedAt int64   `db:"created_at"`
	Object    []byte  `db:"object"`
}

// projectSchema is the row shape of the projects table.
type projectSchema struct {
	Owner     string `db:"owner"`
	ProjectID string `db:"project_id"`
	CreatedAt int64  `db:"created_at"`
	Object    []byte `db:"object"`
}
