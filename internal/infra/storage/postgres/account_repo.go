package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stablr/paycore/internal/core/domain"
	"github.com/stablr/paycore/internal/infra/storage"
)

// AccountRepo implements storage.AccountRepository using PostgreSQL.
type AccountRepo struct {
	db *DB
}

// NewAccountRepo creates a new PostgreSQL account repository.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

type accountRow struct {
	ID             string    `db:"id"`
	Chain          string    `db:"chain"`
	Address        string    `db:"address"`
	AllowOverdraft bool      `db:"allow_overdraft"`
	Halted         bool      `db:"halted"`
	Deactivated    bool      `db:"deactivated"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:             r.ID,
		Chain:          domain.ChainID(r.Chain),
		Address:        r.Address,
		AllowOverdraft: r.AllowOverdraft,
		Halted:         r.Halted,
		Deactivated:    r.Deactivated,
		CreatedAt:      r.CreatedAt,
	}
}

// Create persists a new account.
func (r *AccountRepo) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO ledger_accounts (id, chain, address, allow_overdraft, halted, deactivated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		string(account.Chain),
		account.Address,
		account.AllowOverdraft,
		account.Halted,
		account.Deactivated,
		account.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

// Get retrieves an account by id.
func (r *AccountRepo) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM ledger_accounts WHERE id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toDomain(), nil
}

// GetByAddress retrieves an account by (chain, address).
func (r *AccountRepo) GetByAddress(ctx context.Context, chain domain.ChainID, address string) (*domain.Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM ledger_accounts WHERE chain = $1 AND address = $2`,
		string(chain), address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by address: %w", err)
	}
	return row.toDomain(), nil
}

// SetHalted flips the halted flag.
func (r *AccountRepo) SetHalted(ctx context.Context, accountID string, halted bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ledger_accounts SET halted = $2 WHERE id = $1`, accountID, halted)
	if err != nil {
		return fmt.Errorf("failed to set halted: %w", err)
	}
	return nil
}

// Deactivate marks an account deactivated.
func (r *AccountRepo) Deactivate(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ledger_accounts SET deactivated = TRUE WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	return nil
}

// mapError translates driver errors to storage sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrDuplicateKey
	}
	return err
}
