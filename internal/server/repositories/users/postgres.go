package users

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

const pgUserColumns = `id, email, password_record, blocked, created_at, updated_at`

// PostgresRepository implements Repository on PostgreSQL through the pgx
// database/sql driver.
type PostgresRepository struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (id, email, password_record, blocked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING ` + pgUserColumns

	row := r.db.QueryRowContext(ctx, query,
		user.ID, user.Email, user.PasswordRecord, user.Blocked, user.CreatedAt, user.UpdatedAt)

	created, err := scanUser(row)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, oops.Code("USER_EMAIL_TAKEN").With("email", user.Email).Wrap(common.ErrorAlreadyExists)
		}
		return nil, oops.Code("USER_CREATE_FAILED").With("operation", "insert user").Wrap(err)
	}
	return created, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + pgUserColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, "get user by id", query, "id", id)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + pgUserColumns + ` FROM users WHERE email = $1`
	return r.getOne(ctx, "get user by email", query, "email", email)
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + pgUserColumns + ` FROM users ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, oops.Code("USER_LIST_FAILED").With("operation", "list users").Wrap(err)
	}
	defer rows.Close()

	result := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
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

func (r *PostgresRepository) Update(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	query :=
		`UPDATE users SET
		   email = COALESCE($2, email),
		   password_record = COALESCE($3, password_record),
		   blocked = COALESCE($4, blocked),
		   updated_at = $5
		 WHERE id = $1
		 RETURNING ` + pgUserColumns

	row := r.db.QueryRowContext(ctx, query, id, upd.Email, upd.PasswordRecord, upd.Blocked, r.now().UTC())

	u, err := scanUser(row)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, oops.Code("USER_NOT_FOUND").With("id", id).Wrap(common.ErrorNotFound)
	case isPgUniqueViolation(err):
		return nil, oops.Code("USER_EMAIL_TAKEN").With("id", id).Wrap(common.ErrorAlreadyExists)
	default:
		return nil, oops.Code("USER_UPDATE_FAILED").With("operation", "update user").With("id", id).Wrap(err)
	}
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (*models.User, error) {
	query := `DELETE FROM users WHERE id = $1 RETURNING ` + pgUserColumns
	return r.getOne(ctx, "delete user by id", query, "id", id)
}

func (r *PostgresRepository) DeleteByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `DELETE FROM users WHERE email = $1 RETURNING ` + pgUserColumns
	return r.getOne(ctx, "delete user by email", query, "email", email)
}

func (r *PostgresRepository) getOne(ctx context.Context, op, query, key, value string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, oops.Code("USER_NOT_FOUND").With(key, value).Wrap(common.ErrorNotFound)
		}
		return nil, oops.Code("USER_QUERY_FAILED").With("operation", op).With(key, value).Wrap(err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordRecord, &u.Blocked, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
