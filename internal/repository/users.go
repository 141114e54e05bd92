package repository

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
)

var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves accounts from the users table. It backs both
// handshake authentication and recipient validation in the router.
type UserDirectory struct {
	db  *sql.DB
	log *zap.Logger
}

func NewUserDirectory(db *sql.DB, log *zap.Logger) *UserDirectory {
	return &UserDirectory{db: db, log: log}
}

// Lookup returns the account for userID, or ErrUserNotFound.
func (d *UserDirectory) Lookup(ctx context.Context, userID int64) (*authn.Account, error) {
	account := &authn.Account{}
	var role string
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, email, role, active
		FROM users WHERE id = $1`,
		userID,
	).Scan(&account.ID, &account.Username, &account.Email, &role, &account.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	account.Role = authn.Role(role)
	return account, nil
}

// ListAdmins returns the ids of all active admin accounts.
func (d *UserDirectory) ListAdmins(ctx context.Context) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM users WHERE role = $1 AND active`,
		string(authn.RoleAdmin),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			d.log.Error("error closing rows", zap.Error(cerr))
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
