package users

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/samber/oops"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteUserColumns = `id, email, password_record, blocked, created_at, updated_at`

// SQLiteRepository implements Repository on a modernc.org/sqlite database.
// Timestamps are stored as UTC unix milliseconds.
type SQLiteRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (id, email, password_record, blocked, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		 RETURNING ` + sqliteUserColumns

	row := r.db.QueryRowContext(ctx, query,
		user.ID, user.Email, user.PasswordRecord, user.Blocked, toMillis(user.CreatedAt), toMillis(user.UpdatedAt))

	created, err := scanSQLiteUser(row)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, oops.Code("USER_EMAIL_TAKEN").With("email", user.Email).Wrap(common.ErrorAlreadyExists)
		}
		return nil, oops.Code("USER_CREATE_FAILED").With("operation", "insert user").Wrap(err)
	}
	return created, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + sqliteUserColumns + ` FROM users WHERE id = ?1`
	return r.getOne(ctx, "get user by id", query, "id", id)
}

func (r *SQLiteRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + sqliteUserColumns + ` FROM users WHERE email = ?1`
	return r.getOne(ctx, "get user by email", query, "email", email)
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + sqliteUserColumns + ` FROM users ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "list users").Wrap(err)
	}
	defer rows.Close()

	result := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, oops.Code("USER_LIST_FAILED").With("operation", "scan user").Wrap(err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "iterate users").Wrap(err)
	}
	return result, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	query :=
		`UPDATE users SET
		   email = COALESCE(?2, email),
		   password_record = COALESCE(?3, password_record),
		   blocked = COALESCE(?4, blocked),
		   updated_at = ?5
		 WHERE id = ?1
		 RETURNING ` + sqliteUserColumns

	row := r.db.QueryRowContext(ctx, query, id, upd.Email, upd.PasswordRecord, upd.Blocked, toMillis(r.now()))

	u, err := scanSQLiteUser(row)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, oops.Code("USER_NOT_FOUND").With("id", id).Wrap(common.ErrorNotFound)
	case isSQLiteUniqueViolation(err):
		return nil, oops.Code("USER_EMAIL_TAKEN").With("id", id).Wrap(common.ErrorAlreadyExists)
	default:
		return nil, oops.Code("USER_UPDATE_FAILED").With("operation", "update user").With("id", id).Wrap(err)
	}
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) (*models.User, error) {
	query := `DELETE FROM users WHERE id = ?1 RETURNING ` + sqliteUserColumns
	return r.getOne(ctx, "delete user by id", query, "id", id)
}

func (r *SQLiteRepository) DeleteByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `DELETE FROM users WHERE email = ?1 RETURNING ` + sqliteUserColumns
	return r.getOne(ctx, "delete user by email", query, "email", email)
}

func (r *SQLiteRepository) getOne(ctx context.Context, op, query, key, value string) (*models.User, error) {
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(common.ErrorNotFound)
		}
		return nil, oops.Code("USER_QUERY_FAILED").With("operation", op).With(key, value).Wrap(err)
	}
	return u, nil
}

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordRecord, &u.Blocked, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
