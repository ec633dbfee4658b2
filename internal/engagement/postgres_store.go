package engagement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists mirror records in PostgreSQL. Amounts are stored as
// decimal strings in wei.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createContractTablesSQL = `
CREATE TABLE IF NOT EXISTS engagement_contracts (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    bid_id TEXT NOT NULL,
    contract_address TEXT NOT NULL UNIQUE,
    total_wei TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS engagement_milestones (
    contract_id TEXT NOT NULL REFERENCES engagement_contracts(id),
    position INT NOT NULL,
    description TEXT NOT NULL,
    amount_wei TEXT NOT NULL,
    deadline BIGINT NOT NULL,
    state TEXT NOT NULL,
    PRIMARY KEY (contract_id, position)
);
CREATE INDEX IF NOT EXISTS idx_engagement_contracts_job ON engagement_contracts (job_id);
`

const uniqueViolationCode = "23505"

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createContractTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, record *Contract) error {
	if err := record.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO engagement_contracts (id, job_id, bid_id, contract_address, total_wei, created_at, updated_at)
VALUES ($1, $2, $3, lower($4), $5, $6, $7)
`, record.ID, record.JobID, record.BidID, record.ContractAddress, record.TotalWei.String(), createdAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: %s", ErrDuplicateAddress, record.ContractAddress)
		}
		return err
	}

	for i, m := range record.Milestones {
		_, err = tx.Exec(ctx, `
INSERT INTO engagement_milestones (contract_id, position, description, amount_wei, deadline, state)
VALUES ($1, $2, $3, $4, $5, $6)
`, record.ID, i, m.Description, m.AmountWei.String(), m.Deadline, string(m.State))
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	return p.getWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetByAddress(ctx context.Context, contractAddress string) (*Contract, error) {
	return p.getWhere(ctx, "contract_address = lower($1)", contractAddress)
}

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg string) (*Contract, error) {
	row := p.pool.QueryRow(ctx, `
SELECT id, job_id, bid_id, contract_address, total_wei, created_at, updated_at
FROM engagement_contracts
WHERE `+where, arg)

	record, err := scanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
		}
		return nil, err
	}

	if err := p.loadMilestones(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Contract, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, job_id, bid_id, contract_address, total_wei, created_at, updated_at
FROM engagement_contracts
WHERE job_id = $1
ORDER BY created_at
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		record, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, record := range out {
		if err := p.loadMilestones(ctx, record); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) UpdateMilestoneState(ctx context.Context, contractID string, milestoneIndex int, next MilestoneState) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `
SELECT state FROM engagement_milestones
WHERE contract_id = $1 AND position = $2
FOR UPDATE
`, contractID, milestoneIndex).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: contract %s milestone %d", ErrNotFound, contractID, milestoneIndex)
		}
		return err
	}

	if !ValidTransition(MilestoneState(current), next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if err := p.writeState(ctx, tx, contractID, milestoneIndex, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) ReconcileMilestoneState(ctx context.Context, contractAddress string, milestoneIndex int, confirmed MilestoneState) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var contractID, current string
	err = tx.QueryRow(ctx, `
SELECT m.contract_id, m.state
FROM engagement_milestones m
JOIN engagement_contracts c ON c.id = m.contract_id
WHERE c.contract_address = lower($1) AND m.position = $2
FOR UPDATE OF m
`, contractAddress, milestoneIndex).Scan(&contractID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: address %s milestone %d", ErrNotFound, contractAddress, milestoneIndex)
		}
		return err
	}

	if MilestoneState(current) == confirmed {
		return tx.Commit(ctx)
	}
	if err := p.writeState(ctx, tx, contractID, milestoneIndex, confirmed); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) writeState(ctx context.Context, tx pgx.Tx, contractID string, milestoneIndex int, state MilestoneState) error {
	if _, err := tx.Exec(ctx, `
UPDATE engagement_milestones SET state = $3
WHERE contract_id = $1 AND position = $2
`, contractID, milestoneIndex, string(state)); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
UPDATE engagement_contracts SET updated_at = $2 WHERE id = $1
`, contractID, time.Now().UTC())
	return err
}

func (p *PostgresStore) loadMilestones(ctx context.Context, record *Contract) error {
	rows, err := p.pool.Query(ctx, `
SELECT description, amount_wei, deadline, state
FROM engagement_milestones
WHERE contract_id = $1
ORDER BY position
`, record.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         Milestone
			amountStr string
			stateStr  string
		)
		if err := rows.Scan(&m.Description, &amountStr, &m.Deadline, &stateStr); err != nil {
			return err
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return fmt.Errorf("corrupt amount %q for contract %s", amountStr, record.ID)
		}
		m.AmountWei = amount
		state, err := ParseMilestoneState(stateStr)
		if err != nil {
			return fmt.Errorf("corrupt state for contract %s: %w", record.ID, err)
		}
		m.State = state
		record.Milestones = append(record.Milestones, m)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContract(row rowScanner) (*Contract, error) {
	var (
		record   Contract
		totalStr string
	)
	if err := row.Scan(&record.ID, &record.JobID, &record.BidID, &record.ContractAddress,
		&totalStr, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(totalStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt total %q for contract %s", totalStr, record.ID)
	}
	record.TotalWei = total
	return &record, nil
}
