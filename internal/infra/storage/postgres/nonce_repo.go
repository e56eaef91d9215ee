package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stablr/paycore/internal/core/domain"
)

// NonceRepo implements storage.NonceRepository using PostgreSQL.
type NonceRepo struct {
	db *DB
}

// NewNonceRepo creates a new PostgreSQL nonce repository.
func NewNonceRepo(db *DB) *NonceRepo {
	return &NonceRepo{db: db}
}

type nonceRow struct {
	Chain        string `db:"chain"`
	Address      string `db:"address"`
	NextNonce    int64  `db:"next_nonce"`
	InFlightJSON []byte `db:"in_flight_json"`
}

func (r nonceRow) toDomain() (*domain.NonceState, error) {
	var inFlight []uint64
	if len(r.InFlightJSON) > 0 {
		if err := json.Unmarshal(r.InFlightJSON, &inFlight); err != nil {
			return nil, fmt.Errorf("invalid in_flight for %s/%s: %w", r.Chain, r.Address, err)
		}
	}
	state := &domain.NonceState{
		Chain:     domain.ChainID(r.Chain),
		Address:   r.Address,
		NextNonce: uint64(r.NextNonce),
		InFlight:  make(map[uint64]struct{}, len(inFlight)),
	}
	for _, n := range inFlight {
		state.InFlight[n] = struct{}{}
	}
	return state, nil
}

// Get retrieves nonce state, or nil when the address is new.
func (r *NonceRepo) Get(ctx context.Context, chain domain.ChainID, address string) (*domain.NonceState, error) {
	var row nonceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT chain, address, next_nonce, in_flight_json FROM nonce_state WHERE chain = $1 AND address = $2`,
		string(chain), address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce state: %w", err)
	}
	return row.toDomain()
}

// Save upserts nonce state.
func (r *NonceRepo) Save(ctx context.Context, state *domain.NonceState) error {
	inFlight, err := json.Marshal(state.InFlightList())
	if err != nil {
		return fmt.Errorf("marshal in_flight: %w", err)
	}
	query := `
		INSERT INTO nonce_state (chain, address, next_nonce, in_flight_json, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (chain, address) DO UPDATE SET
			next_nonce = EXCLUDED.next_nonce,
			in_flight_json = EXCLUDED.in_flight_json,
			updated_at = now()
	`
	_, err = r.db.ExecContext(ctx, query,
		string(state.Chain), state.Address, int64(state.NextNonce), inFlight)
	if err != nil {
		return fmt.Errorf("failed to save nonce state: %w", err)
	}
	return nil
}

// List returns all persisted nonce states.
func (r *NonceRepo) List(ctx context.Context) ([]*domain.NonceState, error) {
	var rows []nonceRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT chain, address, next_nonce, in_flight_json FROM nonce_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nonce states: %w", err)
	}
	out := make([]*domain.NonceState, 0, len(rows))
	for _, row := range rows {
		state, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}
