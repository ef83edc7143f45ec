package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second

	postgresWorkspacesTable = "canvas_workspaces"
	postgresContainersTable = "canvas_containers"
	postgresPortsTable      = "canvas_ports"
	postgresReferencesTable = "canvas_references"
	postgresLocksTable      = "canvas_locks"
	postgresProjectsTable   = "projects"
	postgresTracksTable     = "tracks"
)

// pqUniqueViolation is the SQLSTATE postgres reports when a unique index
// cannot be built over rows that already collide.
const pqUniqueViolation = "23505"

// ErrReferenceIndexPending means the reference uniqueness index could not be
// built because duplicate rows exist. Reads and repairs keep working; new
// references are refused until the repair job has removed the duplicates.
var ErrReferenceIndexPending = errors.New("reference uniqueness index pending: duplicate references exist, run the repair job")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresTables struct {
	workspaces string
	containers string
	ports      string
	references string
	locks      string
	projects   string
	tracks     string
}

func defaultPostgresTables() postgresTables {
	return postgresTables{
		workspaces: postgresWorkspacesTable,
		containers: postgresContainersTable,
		ports:      postgresPortsTable,
		references: postgresReferencesTable,
		locks:      postgresLocksTable,
		projects:   postgresProjectsTable,
		tracks:     postgresTracksTable,
	}
}

// PostgresStore owns the canvas tables and reads the canonical projects and
// tracks tables, which are maintained elsewhere. Reference uniqueness per
// (workspace, entity) is a unique index, and reference inserts skip
// conflicting rows instead of failing the batch. Archiving a container
// deletes its references in the same transaction.
type PostgresStore struct {
	dsn    string
	tables postgresTables
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	indexMu       sync.Mutex
	entityIndexed bool
}

func NewPostgresStore(dsn string) (canvas.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, canvas.ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		tables: defaultPostgresTables(),
		openDB: sql.Open,
	}, nil
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return canvas.ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range p.schemaStatements() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("apply canvas schema: %w", err)
				return
			}
		}
		if err := p.ensureEntityIndex(ctx, db); err != nil && !errors.Is(err, ErrReferenceIndexPending) {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

// ensureEntityIndex builds the (workspace, entity) unique index on first use.
// A collision leaves the store usable for reads and repair, and the build is
// retried on the next reference insert.
func (p *PostgresStore) ensureEntityIndex(ctx context.Context, db *sql.DB) error {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	if p.entityIndexed {
		return nil
	}
	stmt := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (workspace_id, entity_type, entity_id)`,
		quoteIdent(p.tables.references+"_entity_uq"), quoteIdent(p.tables.references))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %v", ErrReferenceIndexPending, err)
		}
		return fmt.Errorf("create reference index: %w", err)
	}
	p.entityIndexed = true
	return nil
}

func (p *PostgresStore) schemaStatements() []string {
	t := p.tables
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdent(t.workspaces)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				x DOUBLE PRECISION NOT NULL DEFAULT 0,
				y DOUBLE PRECISION NOT NULL DEFAULT 0,
				width DOUBLE PRECISION NOT NULL DEFAULT 0,
				height DOUBLE PRECISION NOT NULL DEFAULT 0,
				ghost BOOLEAN NOT NULL DEFAULT FALSE,
				title TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				archived_at TIMESTAMPTZ
			)`, quoteIdent(t.containers)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (workspace_id, created_at)`,
			quoteIdent(t.containers+"_workspace_idx"), quoteIdent(t.containers)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				container_id TEXT NOT NULL,
				kind TEXT NOT NULL DEFAULT '',
				label TEXT NOT NULL DEFAULT ''
			)`, quoteIdent(t.ports)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (container_id)`,
			quoteIdent(t.ports+"_container_idx"), quoteIdent(t.ports)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				container_id TEXT NOT NULL,
				is_primary BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdent(t.references)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (container_id)`,
			quoteIdent(t.references+"_container_idx"), quoteIdent(t.references)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				workspace_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				acquired_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`, quoteIdent(t.locks)),
	}
}

func (p *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (canvas.Workspace, error) {
	if err := p.ensureReady(); err != nil {
		return canvas.Workspace{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, project_id, name, created_at FROM %s WHERE id = $1`, quoteIdent(p.tables.workspaces))
	var ws canvas.Workspace
	err := p.db.QueryRowContext(ctx, query, workspaceID).Scan(&ws.ID, &ws.ProjectID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Workspace{}, fmt.Errorf("workspace %s: %w", workspaceID, canvas.ErrNotFound)
	}
	if err != nil {
		return canvas.Workspace{}, err
	}
	return ws, nil
}

func (p *PostgresStore) GetProject(ctx context.Context, projectID string) (canvas.Project, error) {
	if err := p.ensureReady(); err != nil {
		return canvas.Project{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, owner_id, COALESCE(name, '') FROM %s WHERE id = $1`, quoteIdent(p.tables.projects))
	var project canvas.Project
	err := p.db.QueryRowContext(ctx, query, projectID).Scan(&project.ID, &project.OwnerID, &project.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Project{}, fmt.Errorf("project %s: %w", projectID, canvas.ErrNotFound)
	}
	if err != nil {
		return canvas.Project{}, err
	}
	return project, nil
}

func (p *PostgresStore) ListTracks(ctx context.Context, projectID string) ([]canvas.Track, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, project_id, COALESCE(parent_id, ''), COALESCE(title, ''), order_index
		FROM %s
		WHERE project_id = $1
		ORDER BY order_index ASC, id ASC`, quoteIdent(p.tables.tracks))
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canvas.Track
	for rows.Next() {
		var t canvas.Track
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.OrderIndex); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const containerColumns = `id, workspace_id, x, y, width, height, ghost, title, body, metadata, created_at, updated_at, archived_at`

func (p *PostgresStore) ListContainers(ctx context.Context, workspaceID string) ([]canvas.Container, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE workspace_id = $1 AND archived_at IS NULL ORDER BY created_at ASC, id ASC`,
		containerColumns, quoteIdent(p.tables.containers))
	return p.queryContainers(ctx, query, workspaceID)
}

func (p *PostgresStore) ListNonGhostContainers(ctx context.Context, workspaceID string) ([]canvas.Container, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ghost = FALSE AND archived_at IS NULL AND ($1 = '' OR workspace_id = $1) ORDER BY created_at ASC, id ASC`,
		containerColumns, quoteIdent(p.tables.containers))
	return p.queryContainers(ctx, query, workspaceID)
}

func (p *PostgresStore) GetContainers(ctx context.Context, containerIDs []string) ([]canvas.Container, error) {
	if len(containerIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY created_at ASC, id ASC`,
		containerColumns, quoteIdent(p.tables.containers))
	return p.queryContainers(ctx, query, pq.Array(containerIDs))
}

func (p *PostgresStore) queryContainers(ctx context.Context, query string, args ...any) ([]canvas.Container, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canvas.Container
	for rows.Next() {
		var (
			c          canvas.Container
			metadata   []byte
			archivedAt sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.X, &c.Y, &c.Width, &c.Height, &c.Ghost, &c.Title, &c.Body,
			&metadata, &c.CreatedAt, &c.UpdatedAt, &archivedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of container %s: %w", c.ID, err)
			}
		}
		if archivedAt.Valid {
			at := archivedAt.Time
			c.ArchivedAt = &at
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertContainers(ctx context.Context, containers []canvas.Container) ([]canvas.Container, error) {
	if len(containers) == 0 {
		return nil, nil
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	const cols = 12
	values := make([]string, 0, len(containers))
	args := make([]any, 0, len(containers)*cols)
	for i, c := range containers {
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, err
		}
		values = append(values, placeholders(i*cols, cols))
		args = append(args, c.ID, c.WorkspaceID, c.X, c.Y, c.Width, c.Height, c.Ghost, c.Title, c.Body,
			string(metadata), c.CreatedAt, c.UpdatedAt)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, workspace_id, x, y, width, height, ghost, title, body, metadata, created_at, updated_at)
		VALUES %s`, quoteIdent(p.tables.containers), strings.Join(values, ", "))
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return append([]canvas.Container(nil), containers...), nil
}

func (p *PostgresStore) DeleteContainers(ctx context.Context, containerIDs []string) error {
	if len(containerIDs) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, quoteIdent(p.tables.containers))
	_, err := p.db.ExecContext(ctx, query, pq.Array(containerIDs))
	return err
}

func (p *PostgresStore) ArchiveContainers(ctx context.Context, containerIDs []string, at time.Time) error {
	if len(containerIDs) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	archive := fmt.Sprintf(`UPDATE %s SET archived_at = $2, updated_at = $2 WHERE id = ANY($1) AND archived_at IS NULL`,
		quoteIdent(p.tables.containers))
	if _, err := tx.ExecContext(ctx, archive, pq.Array(containerIDs), at); err != nil {
		return err
	}
	release := fmt.Sprintf(`DELETE FROM %s WHERE container_id = ANY($1)`, quoteIdent(p.tables.references))
	if _, err := tx.ExecContext(ctx, release, pq.Array(containerIDs)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListPorts(ctx context.Context, containerIDs []string) ([]canvas.Port, error) {
	if len(containerIDs) == 0 {
		return nil, nil
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, container_id, kind, label FROM %s WHERE container_id = ANY($1) ORDER BY id ASC`,
		quoteIdent(p.tables.ports))
	rows, err := p.db.QueryContext(ctx, query, pq.Array(containerIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canvas.Port
	for rows.Next() {
		var port canvas.Port
		if err := rows.Scan(&port.ID, &port.ContainerID, &port.Kind, &port.Label); err != nil {
			return nil, err
		}
		out = append(out, port)
	}
	return out, rows.Err()
}

const referenceColumns = `id, workspace_id, entity_type, entity_id, container_id, is_primary, created_at`

func (p *PostgresStore) ListReferences(ctx context.Context, workspaceID string) ([]canvas.Reference, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR workspace_id = $1) ORDER BY created_at ASC, id ASC`,
		referenceColumns, quoteIdent(p.tables.references))
	return p.queryReferences(ctx, query, workspaceID)
}

func (p *PostgresStore) ListReferencesByContainers(ctx context.Context, containerIDs []string) ([]canvas.Reference, error) {
	if len(containerIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE container_id = ANY($1) ORDER BY created_at ASC, id ASC`,
		referenceColumns, quoteIdent(p.tables.references))
	return p.queryReferences(ctx, query, pq.Array(containerIDs))
}

func (p *PostgresStore) InsertReferences(ctx context.Context, refs []canvas.Reference) ([]canvas.Reference, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	indexCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	err := p.ensureEntityIndex(indexCtx, p.db)
	cancel()
	if err != nil {
		return nil, err
	}
	const cols = 7
	values := make([]string, 0, len(refs))
	args := make([]any, 0, len(refs)*cols)
	for i, ref := range refs {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, ref.ID, ref.WorkspaceID, ref.EntityType, ref.EntityID, ref.ContainerID, ref.Primary, ref.CreatedAt)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES %s
		ON CONFLICT DO NOTHING
		RETURNING %s`, quoteIdent(p.tables.references), referenceColumns, strings.Join(values, ", "), referenceColumns)
	return p.queryReferences(ctx, query, args...)
}

func (p *PostgresStore) queryReferences(ctx context.Context, query string, args ...any) ([]canvas.Reference, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []canvas.Reference
	for rows.Next() {
		var ref canvas.Reference
		if err := rows.Scan(&ref.ID, &ref.WorkspaceID, &ref.EntityType, &ref.EntityID, &ref.ContainerID, &ref.Primary, &ref.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteReferencesByContainers(ctx context.Context, containerIDs []string) (int, error) {
	if len(containerIDs) == 0 {
		return 0, nil
	}
	if err := p.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE container_id = ANY($1)`, quoteIdent(p.tables.references))
	res, err := p.db.ExecContext(ctx, query, pq.Array(containerIDs))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *PostgresStore) ActiveLock(ctx context.Context, workspaceID string, now time.Time) (*canvas.CanvasLock, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT workspace_id, owner_id, acquired_at, expires_at FROM %s WHERE workspace_id = $1 AND expires_at > $2`,
		quoteIdent(p.tables.locks))
	var lock canvas.CanvasLock
	err := p.db.QueryRowContext(ctx, query, workspaceID, now).Scan(&lock.WorkspaceID, &lock.OwnerID, &lock.AcquiredAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (p *PostgresStore) UpsertLock(ctx context.Context, lock canvas.CanvasLock, now time.Time) (canvas.CanvasLock, error) {
	if err := p.ensureReady(); err != nil {
		return canvas.CanvasLock{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	table := quoteIdent(p.tables.locks)
	query := fmt.Sprintf(`
		INSERT INTO %s AS l (workspace_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id)
		DO UPDATE SET owner_id = EXCLUDED.owner_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE l.owner_id = EXCLUDED.owner_id OR l.expires_at <= $5
		RETURNING workspace_id, owner_id, acquired_at, expires_at`, table)
	var out canvas.CanvasLock
	err := p.db.QueryRowContext(ctx, query, lock.WorkspaceID, lock.OwnerID, lock.AcquiredAt, lock.ExpiresAt, now).
		Scan(&out.WorkspaceID, &out.OwnerID, &out.AcquiredAt, &out.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.CanvasLock{}, canvas.ErrLockHeld
	}
	if err != nil {
		return canvas.CanvasLock{}, err
	}
	return out, nil
}

func (p *PostgresStore) DeleteLock(ctx context.Context, workspaceID, ownerID string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = $1 AND owner_id = $2`, quoteIdent(p.tables.locks))
	res, err := p.db.ExecContext(ctx, query, workspaceID, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(offset, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func quoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}
