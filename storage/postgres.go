package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"board-api/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is the subset of database/sql used by Postgres. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres stores cards, audit records, members and profile status in
// PostgreSQL. Version checks are compare-and-set updates on the version
// column.
type Postgres struct {
	db DBTX
}

// NewPostgres wraps an open database handle.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens dsn with the pgx driver and applies the embedded
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migration error: %w", err)
	}
	return NewPostgres(db), db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

const cardColumns = `id, workspace_id, list_id, title, task, sort_order, version, due_date, labels, style, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (domain.Card, error) {
	var (
		c      domain.Card
		due    sql.NullTime
		labels []byte
		style  []byte
	)
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.ListID, &c.Title, &c.Task, &c.Order, &c.Version,
		&due, &labels, &style, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	if due.Valid {
		d := due.Time.UTC()
		c.DueDate = &d
	}
	c.Labels = []domain.Label{}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &c.Labels); err != nil {
			return c, fmt.Errorf("decode labels of %s: %w", c.ID, err)
		}
	}
	c.Style = domain.Style{BackgroundType: domain.BackgroundDefault}
	if len(style) > 0 {
		if err := json.Unmarshal(style, &c.Style); err != nil {
			return c, fmt.Errorf("decode style of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (p *Postgres) GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &c, nil
}

func (p *Postgres) ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE workspace_id = $1 AND list_id = $2 ORDER BY sort_order, id COLLATE "C"`,
		workspaceID, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to select cards: %w", err)
	}
	defer rows.Close()

	out := []domain.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE workspace_id = $1 AND list_id = $2 ORDER BY sort_order DESC, id COLLATE "C" DESC LIMIT 1`,
		workspaceID, listID)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &c, nil
}

func (p *Postgres) HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cards WHERE workspace_id = $1 AND list_id = $2 AND id <> $3)`,
		workspaceID, listID, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (p *Postgres) InsertCard(ctx context.Context, card domain.Card) error {
	labels, style, err := encodeCardJSON(card)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		card.ID, card.WorkspaceID, card.ListID, card.Title, card.Task, card.Order, card.Version,
		nullTime(card.DueDate), labels, style, card.CreatedAt, card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateCardIfVersion applies patch only when the stored version still
// equals expected at write time.
func (p *Postgres) UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error) {
	c, err := p.GetCard(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if c.Version != expected {
		return nil, fmt.Errorf("card %s at version %d: %w", id, c.Version, domain.ErrVersionMismatch)
	}
	return p.compareAndSet(ctx, *c, patch)
}

// UpdateCard applies patch regardless of version, re-reading when a
// concurrent writer lands between read and write.
func (p *Postgres) UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error) {
	for attempt := 0; ; attempt++ {
		c, err := p.GetCard(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}
		out, err := p.compareAndSet(ctx, *c, patch)
		if err == nil || !errors.Is(err, domain.ErrVersionMismatch) || attempt >= maxETagRetries {
			return out, err
		}
	}
}

func (p *Postgres) compareAndSet(ctx context.Context, c domain.Card, patch domain.CardPatch) (*domain.Card, error) {
	expected := c.Version
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	patch.Apply(&c)
	labels, style, err := encodeCardJSON(c)
	if err != nil {
		return nil, err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE cards SET list_id = $3, title = $4, task = $5, sort_order = $6, version = $7,
			due_date = $8, labels = $9, style = $10, updated_at = $11
		WHERE workspace_id = $1 AND id = $2 AND version = $12`,
		c.WorkspaceID, c.ID, c.ListID, c.Title, c.Task, c.Order, c.Version,
		nullTime(c.DueDate), labels, style, c.UpdatedAt, expected)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return &c, nil
	case 0:
		return nil, fmt.Errorf("card %s: %w", c.ID, domain.ErrVersionMismatch)
	default:
		return nil, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (p *Postgres) DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	row := p.db.QueryRowContext(ctx,
		`DELETE FROM cards WHERE workspace_id = $1 AND id = $2 RETURNING `+cardColumns, workspaceID, id)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &c, nil
}

// AppendAudit inserts rec into audit_log.
func (p *Postgres) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, details, performed_by, workspace_id, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, string(rec.Action), rec.Details, rec.PerformedBy, rec.WorkspaceID, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListAudit returns a page of a workspace's audit records, newest first.
func (p *Postgres) ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, action, details, performed_by, workspace_id, recorded_at FROM audit_log
		WHERE workspace_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2 OFFSET $3`,
		workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit records: %w", err)
	}
	defer rows.Close()

	out := []domain.AuditRecord{}
	for rows.Next() {
		var (
			rec    domain.AuditRecord
			action string
		)
		if err := rows.Scan(&rec.ID, &action, &rec.Details, &rec.PerformedBy, &rec.WorkspaceID, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Action = domain.AuditAction(action)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetUserStatus upserts the presence status of a user.
func (p *Postgres) SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_status (user_id, status, changed_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status, changed_at = EXCLUDED.changed_at`,
		userID, string(status))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// SetMember grants role to a user in a workspace.
func (p *Postgres) SetMember(ctx context.Context, workspaceID, userID string, role domain.Role) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		workspaceID, userID, string(role))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// MemberRole returns the role of a user in a workspace.
func (p *Postgres) MemberRole(ctx context.Context, workspaceID, userID string) (domain.Role, error) {
	var role string
	err := p.db.QueryRowContext(ctx,
		`SELECT role FROM workspace_members WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("member %s of %s: %w", userID, workspaceID, domain.ErrNotFound)
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return domain.Role(role), nil
}

func encodeCardJSON(c domain.Card) ([]byte, []byte, error) {
	labels := c.Labels
	if labels == nil {
		labels = []domain.Label{}
	}
	lb, err := json.Marshal(labels)
	if err != nil {
		return nil, nil, err
	}
	sb, err := json.Marshal(c.Style)
	if err != nil {
		return nil, nil, err
	}
	return lb, sb, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
