package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"board-api/domain"
)

func newPostgresWithMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

var cardCols = []string{"id", "workspace_id", "list_id", "title", "task", "sort_order", "version", "due_date", "labels", "style", "created_at", "updated_at"}

func cardRow(id, list, order string, version int64) []driver.Value {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []driver.Value{id, "w", list, "title", "task", order, version, nil, []byte(`[{"id":"l1","name":"x","color":"#ffffff"}]`), []byte(`{"backgroundType":"default","backgroundColor":null}`), ts, ts}
}

func TestPostgresGetCard(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM cards WHERE workspace_id = $1 AND id = $2`)).
		WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 3)...))

	c, err := p.GetCard(context.Background(), "w", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version)
	assert.Equal(t, "i", c.Order)
	require.Len(t, c.Labels, 1)
	assert.Equal(t, domain.BackgroundDefault, c.Style.BackgroundType)
	assert.Nil(t, c.DueDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCardNotFound(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE`).WithArgs("w", "nope").WillReturnError(sql.ErrNoRows)

	_, err := p.GetCard(context.Background(), "w", "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresUpdateIfVersionSuccess(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 2)...))
	mock.ExpectExec(`UPDATE cards SET .* WHERE workspace_id = \$1 AND id = \$2 AND version = \$12`).
		WithArgs("w", "c1", "done", "title", "task", "k", int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	list, order := "done", "k"
	c, err := p.UpdateCardIfVersion(context.Background(), "w", "c1", 2, domain.CardPatch{ListID: &list, Order: &order})
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version)
	assert.Equal(t, "done", c.ListID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateIfVersionStaleRead(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 5)...))

	title := "x"
	_, err := p.UpdateCardIfVersion(context.Background(), "w", "c1", 2, domain.CardPatch{Title: &title})
	require.ErrorIs(t, err, domain.ErrVersionMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateIfVersionLostRace(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 2)...))
	mock.ExpectExec(`UPDATE cards SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	title := "x"
	_, err := p.UpdateCardIfVersion(context.Background(), "w", "c1", 2, domain.CardPatch{Title: &title})
	require.ErrorIs(t, err, domain.ErrVersionMismatch)
}

func TestPostgresUpdateCardRetriesRace(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 2)...))
	mock.ExpectExec(`UPDATE cards SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 3)...))
	mock.ExpectExec(`UPDATE cards SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	order := "m"
	c, err := p.UpdateCard(context.Background(), "w", "c1", domain.CardPatch{Order: &order})
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateDBError(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 2)...))
	mock.ExpectExec(`UPDATE cards SET`).WillReturnError(errors.New("db is down"))

	title := "x"
	_, err := p.UpdateCardIfVersion(context.Background(), "w", "c1", 2, domain.CardPatch{Title: &title})
	require.Error(t, err)
	assert.Regexp(t, `db error: .*db is down`, err.Error())
	assert.False(t, errors.Is(err, domain.ErrVersionMismatch))
}

func TestPostgresListCards(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM cards WHERE workspace_id = \$1 AND list_id = \$2 ORDER BY sort_order`).
		WithArgs("w", "todo").
		WillReturnRows(sqlmock.NewRows(cardCols).
			AddRow(cardRow("a", "todo", "c", 0)...).
			AddRow(cardRow("b", "todo", "k", 1)...))

	cards, err := p.ListCards(context.Background(), "w", "todo")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "a", cards[0].ID)
	assert.Equal(t, "b", cards[1].ID)
}

func TestPostgresLastCardEmpty(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`ORDER BY sort_order DESC`).WithArgs("w", "todo").WillReturnRows(sqlmock.NewRows(cardCols))

	c, err := p.LastCard(context.Background(), "w", "todo")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPostgresHasOtherCards(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("w", "todo", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := p.HasOtherCards(context.Background(), "w", "todo", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresDeleteCard(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`DELETE FROM cards WHERE workspace_id = \$1 AND id = \$2 RETURNING`).WithArgs("w", "c1").
		WillReturnRows(sqlmock.NewRows(cardCols).AddRow(cardRow("c1", "todo", "i", 2)...))
	mock.ExpectQuery(`DELETE FROM cards`).WithArgs("w", "c1").WillReturnError(sql.ErrNoRows)

	c, err := p.DeleteCard(context.Background(), "w", "c1")
	require.NoError(t, err)
	assert.Equal(t, "title", c.Title)

	_, err = p.DeleteCard(context.Background(), "w", "c1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresAudit(t *testing.T) {
	p, mock := newPostgresWithMock(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("a1", "MOVE", "moved", "alice", "w", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM audit_log\s+WHERE workspace_id = \$1 ORDER BY recorded_at DESC, id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("w", int64(10), int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "details", "performed_by", "workspace_id", "recorded_at"}).
			AddRow("a1", "MOVE", "moved", "alice", "w", ts))

	require.NoError(t, p.AppendAudit(context.Background(), domain.AuditRecord{
		ID: "a1", Action: domain.AuditMove, Details: "moved", PerformedBy: "alice", WorkspaceID: "w", Timestamp: ts,
	}))
	recs, err := p.ListAudit(context.Background(), "w", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.AuditMove, recs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMemberRole(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT role FROM workspace_members`).WithArgs("w", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("viewer"))
	mock.ExpectQuery(`SELECT role FROM workspace_members`).WithArgs("w", "u2").WillReturnError(sql.ErrNoRows)

	role, err := p.MemberRole(context.Background(), "w", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, role)

	_, err = p.MemberRole(context.Background(), "w", "u2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresSetUserStatus(t *testing.T) {
	p, mock := newPostgresWithMock(t)

	mock.ExpectExec(`INSERT INTO user_status .* ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs("u1", "offline").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.SetUserStatus(context.Background(), "u1", domain.StatusOffline))
	require.NoError(t, mock.ExpectationsWereMet())
}
