package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aman-zulfiqar/anchor-dex/internal/models"
	"github.com/aman-zulfiqar/anchor-dex/internal/storage"
)

// Store implements storage.Store using PostgreSQL.
type Store struct {
	pool *Pool
}

// NewStore creates a new Store.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const poolColumns = `
	address, token_a, token_b, lp_token_address, fee_bps, creator, status, kind,
	reserve_a::text, reserve_b::text, total_lp_supply::text, created_at, updated_at`

// InsertPool adds a pool. The partial unique indexes enforce one primary pool
// per pair and one anchor pool per creator and pair.
func (s *Store) InsertPool(ctx context.Context, p *models.Pool) error {
	query := `
		INSERT INTO pools (
			address, token_a, token_b, lp_token_address, fee_bps, creator, status, kind,
			reserve_a, reserve_b, total_lp_supply, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric, $11::text::numeric, $12, $13)
	`

	_, err := s.pool.Exec(ctx, query,
		p.Address, p.TokenA, p.TokenB, p.LPTokenAddress, int(p.FeeBps), p.Creator,
		string(p.Status), string(p.Kind),
		amountParam(p.ReserveA), amountParam(p.ReserveB), amountParam(p.TotalLPSupply),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

func (s *Store) GetPool(ctx context.Context, address string) (*models.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE address = $1`, address)
	p, err := scanPool(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *Store) FindPools(ctx context.Context, tokenA, tokenB string) ([]*models.Pool, error) {
	a, b := models.CanonicalPair(tokenA, tokenB)
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+`
		FROM pools
		WHERE token_a = $1 AND token_b = $2
		ORDER BY created_at ASC, address ASC
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("find pools: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

func (s *Store) ListPools(ctx context.Context) ([]*models.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at ASC, address ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()
	return scanPools(rows)
}

func (s *Store) UpdatePoolStatus(ctx context.Context, address string, status models.PoolStatus) error {
	return s.execOne(ctx, "update pool status",
		`UPDATE pools SET status = $2, updated_at = now() WHERE address = $1`, address, string(status))
}

func (s *Store) UpdatePoolFee(ctx context.Context, address string, feeBps uint16) error {
	return s.execOne(ctx, "update pool fee",
		`UPDATE pools SET fee_bps = $2, updated_at = now() WHERE address = $1`, address, int(feeBps))
}

func (s *Store) UpdateReserves(ctx context.Context, address string, reserveA, reserveB *big.Int) error {
	return s.execOne(ctx, "update reserves", `
		UPDATE pools
		SET reserve_a = $2::text::numeric, reserve_b = $3::text::numeric, updated_at = now()
		WHERE address = $1
	`, address, amountParam(reserveA), amountParam(reserveB))
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, pool, user string) (*models.LPPosition, error) {
	var (
		pos    models.LPPosition
		shares string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT pool_address, user_address, shares::text, updated_at
		FROM lp_positions
		WHERE pool_address = $1 AND user_address = $2
	`, pool, user).Scan(&pos.PoolAddress, &pos.UserAddress, &shares, &pos.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	if pos.Shares, err = parseAmount(shares); err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *Store) ListPositions(ctx context.Context, pool string) ([]*models.LPPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pool_address, user_address, shares::text, updated_at
		FROM lp_positions
		WHERE pool_address = $1
		ORDER BY user_address ASC
	`, pool)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []*models.LPPosition
	for rows.Next() {
		var (
			pos    models.LPPosition
			shares string
		)
		if err := rows.Scan(&pos.PoolAddress, &pos.UserAddress, &shares, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if pos.Shares, err = parseAmount(shares); err != nil {
			return nil, err
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

const settlementColumns = `
	transaction_id, kind, user_address, pool_address, state, leg1_status, leg2_status,
	params, result, failure_reason, attempts, created_at, updated_at,
	leg1_signature, leg2_signatures`

func (s *Store) CreateSettlement(ctx context.Context, st *models.Settlement) error {
	params, result, err := encodeSettlement(st)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
	`,
		st.TransactionID, string(st.Kind), st.UserAddress, st.PoolAddress, string(st.State),
		string(st.Leg1Status), string(st.Leg2Status), params, result, st.FailureReason,
		st.Attempts, st.CreatedAt, st.UpdatedAt,
		st.Params.Leg1Signature, leg2Signatures(st),
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (s *Store) GetSettlement(ctx context.Context, transactionID string) (*models.Settlement, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE transaction_id = $1`, transactionID)
	st, err := scanSettlement(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return st, nil
}

func (s *Store) GetSettlementByLeg1(ctx context.Context, signature string) (*models.Settlement, error) {
	if signature == "" {
		return nil, storage.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE leg1_signature = $1`, signature)
	st, err := scanSettlement(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get settlement by leg 1: %w", err)
	}
	return st, nil
}

func (s *Store) ListOpenSettlements(ctx context.Context, pool string) ([]*models.Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE pool_address = $1 AND state IN ($2, $3)
		ORDER BY created_at ASC
	`, pool, string(models.StateLeg1Confirmed), string(models.StateLeg2Pending))
	if err != nil {
		return nil, fmt.Errorf("list open settlements: %w", err)
	}
	defer rows.Close()

	var out []*models.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSettlement(ctx context.Context, st *models.Settlement) error {
	return updateSettlement(ctx, s.pool, st)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateSettlement(ctx context.Context, db execer, st *models.Settlement) error {
	params, result, err := encodeSettlement(st)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE settlements
		SET state = $2, leg1_status = $3, leg2_status = $4, params = $5, result = $6,
		    failure_reason = $7, attempts = $8, updated_at = $9, leg2_signatures = $10
		WHERE transaction_id = $1
	`,
		st.TransactionID, string(st.State), string(st.Leg1Status), string(st.Leg2Status),
		params, result, st.FailureReason, st.Attempts, st.UpdatedAt, leg2Signatures(st),
	)
	if err != nil {
		return fmt.Errorf("update settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailSettlement(ctx context.Context, st *models.Settlement, r *models.Reconciliation) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("marshal reconciliation params: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateSettlement(ctx, tx, st); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reconciliations (
			transaction_id, kind, pool_address, user_address, params, reason, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO UPDATE
		SET reason = EXCLUDED.reason, status = EXCLUDED.status, resolved_at = NULL
	`, r.TransactionID, string(r.Kind), r.PoolAddress, r.UserAddress, params, r.Reason, string(r.Status), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListReconciliations(ctx context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, kind, pool_address, user_address, params, reason, status, created_at, resolved_at
		FROM reconciliations
		WHERE $1 = '' OR status = $1
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []*models.Reconciliation
	for rows.Next() {
		var (
			r      models.Reconciliation
			params []byte
			kind   string
			st     string
		)
		if err := rows.Scan(&r.TransactionID, &kind, &r.PoolAddress, &r.UserAddress, &params, &r.Reason, &st, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return nil, fmt.Errorf("unmarshal reconciliation params: %w", err)
		}
		r.Kind = models.SettlementKind(kind)
		r.Status = models.ReconciliationStatus(st)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) ResolveReconciliation(ctx context.Context, transactionID string, at time.Time) error {
	return s.execOne(ctx, "resolve reconciliation", `
		UPDATE reconciliations SET status = $2, resolved_at = $3 WHERE transaction_id = $1
	`, transactionID, string(models.ReconciliationResolved), at)
}

const swapColumns = `
	id, settlement_id, pool_address, user_address, token_in, token_out,
	amount_in::text, amount_out::text, fee_collected::text, protocol_fee::text,
	protocol_fee_token, created_at, swept, swept_at`

func (s *Store) ListUnswept(ctx context.Context) ([]*models.SwapRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+swapColumns+`
		FROM swap_records
		WHERE NOT swept AND protocol_fee > 0
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unswept: %w", err)
	}
	defer rows.Close()
	return scanSwaps(rows)
}

func (s *Store) MarkSwept(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE swap_records SET swept = true, swept_at = $2
		WHERE id = ANY($1) AND NOT swept
	`, ids, at)
	if err != nil {
		return fmt.Errorf("mark swept: %w", err)
	}
	return nil
}

func (s *Store) ListSwaps(ctx context.Context, pool string, since time.Time) ([]*models.SwapRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+swapColumns+`
		FROM swap_records
		WHERE pool_address = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
	`, pool, since)
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	defer rows.Close()
	return scanSwaps(rows)
}

// PoolVolume sums the swap ledger in SQL, split by input side.
func (s *Store) PoolVolume(ctx context.Context, pool *models.Pool, since time.Time) (*models.PoolVolume, error) {
	var (
		count                                  int64
		volA, volB, feeA, feeB, protoA, protoB string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*),
			COALESCE(sum(amount_in) FILTER (WHERE token_in = $2), 0)::text,
			COALESCE(sum(amount_in) FILTER (WHERE token_in <> $2), 0)::text,
			COALESCE(sum(fee_collected) FILTER (WHERE token_in = $2), 0)::text,
			COALESCE(sum(fee_collected) FILTER (WHERE token_in <> $2), 0)::text,
			COALESCE(sum(protocol_fee) FILTER (WHERE token_in = $2), 0)::text,
			COALESCE(sum(protocol_fee) FILTER (WHERE token_in <> $2), 0)::text
		FROM swap_records
		WHERE pool_address = $1 AND created_at >= $3
	`, pool.Address, pool.TokenA, since).Scan(&count, &volA, &volB, &feeA, &feeB, &protoA, &protoB)
	if err != nil {
		return nil, fmt.Errorf("pool volume: %w", err)
	}

	v := models.NewPoolVolume(pool.Address, since)
	v.SwapCount = uint64(count)
	for dst, src := range map[*big.Int]string{
		v.VolumeA: volA, v.VolumeB: volB, v.FeesA: feeA, v.FeesB: feeB, v.ProtocolA: protoA, v.ProtocolB: protoB,
	} {
		x, err := parseAmount(src)
		if err != nil {
			return nil, err
		}
		dst.Set(x)
	}
	return v, nil
}

// CommitSettlement applies reserves, positions, the swap record and the
// settlement state in one transaction. The pool row is locked for the
// duration so concurrent commits from other instances serialize.
func (s *Store) CommitSettlement(ctx context.Context, c *storage.Commit) error {
	if c == nil || c.Settlement == nil {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var addr string
	if err := tx.QueryRow(ctx, `SELECT address FROM pools WHERE address = $1 FOR UPDATE`, c.PoolAddress).Scan(&addr); err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("commit pool %s: %w", c.PoolAddress, storage.ErrNotFound)
		}
		return fmt.Errorf("lock pool: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE pools
		SET reserve_a = $2::text::numeric, reserve_b = $3::text::numeric,
		    total_lp_supply = $4::text::numeric, updated_at = now()
		WHERE address = $1
	`, c.PoolAddress, amountParam(c.ReserveA), amountParam(c.ReserveB), amountParam(c.TotalLPSupply))
	if err != nil {
		return fmt.Errorf("update reserves: %w", err)
	}

	if len(c.Positions) > 0 {
		batch := &pgx.Batch{}
		for _, pos := range c.Positions {
			batch.Queue(`
				INSERT INTO lp_positions (pool_address, user_address, shares, updated_at)
				VALUES ($1, $2, $3::text::numeric, now())
				ON CONFLICT (pool_address, user_address) DO UPDATE
				SET shares = EXCLUDED.shares, updated_at = EXCLUDED.updated_at
			`, pos.PoolAddress, pos.UserAddress, amountParam(pos.Shares))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert positions: %w", err)
		}
	}

	if r := c.Swap; r != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO swap_records (
				id, settlement_id, pool_address, user_address, token_in, token_out,
				amount_in, amount_out, fee_collected, protocol_fee, protocol_fee_token,
				created_at, swept, swept_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9::text::numeric,
				$10::text::numeric, $11, $12, $13, $14)
		`,
			r.ID, r.SettlementID, r.PoolAddress, r.UserAddress, r.TokenIn, r.TokenOut,
			amountParam(r.AmountIn), amountParam(r.AmountOut), amountParam(r.FeeCollected),
			amountParam(r.ProtocolFee), r.ProtocolFeeToken, r.Timestamp, r.Swept, r.SweptAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert swap record: %w", err)
		}
	}

	if err := updateSettlement(ctx, tx, c.Settlement); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// leg2Signatures never returns nil so the NOT NULL array column accepts it.
func leg2Signatures(st *models.Settlement) []string {
	if st.Leg2Signatures == nil {
		return []string{}
	}
	return st.Leg2Signatures
}

func encodeSettlement(st *models.Settlement) ([]byte, []byte, error) {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal settlement params: %w", err)
	}
	var result []byte
	if st.Result != nil {
		if result, err = json.Marshal(st.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal settlement result: %w", err)
		}
	}
	return params, result, nil
}

func scanPool(row pgx.Row) (*models.Pool, error) {
	var (
		p                  models.Pool
		fee                int
		status, kind       string
		resA, resB, supply string
	)
	if err := row.Scan(
		&p.Address, &p.TokenA, &p.TokenB, &p.LPTokenAddress, &fee, &p.Creator, &status, &kind,
		&resA, &resB, &supply, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.FeeBps = uint16(fee)
	p.Status = models.PoolStatus(status)
	p.Kind = models.PoolKind(kind)

	var err error
	if p.ReserveA, err = parseAmount(resA); err != nil {
		return nil, err
	}
	if p.ReserveB, err = parseAmount(resB); err != nil {
		return nil, err
	}
	if p.TotalLPSupply, err = parseAmount(supply); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPools(rows pgx.Rows) ([]*models.Pool, error) {
	var out []*models.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSettlement(row pgx.Row) (*models.Settlement, error) {
	var (
		st                      models.Settlement
		kind, state, leg1, leg2 string
		params, result          []byte
		leg1Signature           string
	)
	if err := row.Scan(
		&st.TransactionID, &kind, &st.UserAddress, &st.PoolAddress, &state, &leg1, &leg2,
		&params, &result, &st.FailureReason, &st.Attempts, &st.CreatedAt, &st.UpdatedAt,
		&leg1Signature, &st.Leg2Signatures,
	); err != nil {
		return nil, err
	}
	if len(st.Leg2Signatures) == 0 {
		st.Leg2Signatures = nil
	}
	st.Kind = models.SettlementKind(kind)
	st.State = models.SettlementState(state)
	st.Leg1Status = models.LegStatus(leg1)
	st.Leg2Status = models.LegStatus(leg2)

	if err := json.Unmarshal(params, &st.Params); err != nil {
		return nil, fmt.Errorf("unmarshal settlement params: %w", err)
	}
	if len(result) > 0 {
		st.Result = &models.SettlementResult{}
		if err := json.Unmarshal(result, st.Result); err != nil {
			return nil, fmt.Errorf("unmarshal settlement result: %w", err)
		}
	}
	return &st, nil
}

func scanSwaps(rows pgx.Rows) ([]*models.SwapRecord, error) {
	var out []*models.SwapRecord
	for rows.Next() {
		var (
			r                            models.SwapRecord
			amtIn, amtOut, fee, protoFee string
		)
		if err := rows.Scan(
			&r.ID, &r.SettlementID, &r.PoolAddress, &r.UserAddress, &r.TokenIn, &r.TokenOut,
			&amtIn, &amtOut, &fee, &protoFee, &r.ProtocolFeeToken, &r.Timestamp, &r.Swept, &r.SweptAt,
		); err != nil {
			return nil, fmt.Errorf("scan swap record: %w", err)
		}
		var err error
		if r.AmountIn, err = parseAmount(amtIn); err != nil {
			return nil, err
		}
		if r.AmountOut, err = parseAmount(amtOut); err != nil {
			return nil, err
		}
		if r.FeeCollected, err = parseAmount(fee); err != nil {
			return nil, err
		}
		if r.ProtocolFee, err = parseAmount(protoFee); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
