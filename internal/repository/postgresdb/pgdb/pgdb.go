// Package pgdb keeps the repository in postgres.
package pgdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/common/log"
	"github.com/catalyst-network/catalyst/internal/metrics"
	"github.com/catalyst-network/catalyst/internal/repository"
	"github.com/catalyst-network/catalyst/internal/repository/postgresdb/database"
)

// Store represents access to the postgres database for deployment management.
type Store struct {
	log log.Logger
	db  *sqlx.DB
}

// NewStore returns a store over an already migrated database.
func NewStore(l log.Logger, db *sqlx.DB) *Store {
	return &Store{log: l.Named("pgStore"), db: db}
}

// Close closes the database.
func (p *Store) Close() error {
	return p.db.Close()
}

// Commit implements the Deployments interface.
func (p *Store) Commit(ctx context.Context, c *repository.Commit) error {
	ctx, span := metrics.NewSpan(ctx, "pgStore.Commit")
	defer span.End()

	d := c.Deployment
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}

	return database.WithinTran(ctx, p.log, p.db, func(ctx context.Context, tx *sqlx.Tx) error {
		const insert = `
	INSERT INTO deployments
		(entity_id, entity_type, entity_timestamp, local_timestamp, deployer_address, overwritten_by, body)
	VALUES
		($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (entity_id) DO NOTHING`

		res, err := tx.ExecContext(ctx, insert, d.ID, string(d.Type), d.Timestamp, d.AuditInfo.LocalTimestamp,
			d.DeployedBy, nullable(d.AuditInfo.OverwrittenBy), body)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return repository.ErrDeploymentExists
		}

		if len(c.Overwritten) > 0 {
			const overwrite = `
	UPDATE deployments SET overwritten_by = $1 WHERE entity_id = ANY($2)`
			if _, err := tx.ExecContext(ctx, overwrite, d.ID, pq.Array(c.Overwritten)); err != nil {
				return err
			}
			const deactivate = `
	UPDATE pointers SET active_entity_id = NULL WHERE active_entity_id = ANY($1)`
			if _, err := tx.ExecContext(ctx, deactivate, pq.Array(c.Overwritten)); err != nil {
				return err
			}
		}

		if c.Active {
			const activate = `
	INSERT INTO pointers
		(entity_type, pointer, last_entity_id, active_entity_id)
	SELECT $1, unnest($2::text[]), $3, $3
	ON CONFLICT (entity_type, pointer) DO UPDATE
		SET last_entity_id = EXCLUDED.last_entity_id, active_entity_id = EXCLUDED.active_entity_id`
			_, err := tx.ExecContext(ctx, activate, string(d.Type), pq.Array(d.LowerPointers()), d.ID)
			return err
		}
		if len(c.Last) > 0 {
			const last = `
	INSERT INTO pointers
		(entity_type, pointer, last_entity_id)
	SELECT $1, unnest($2::text[]), $3
	ON CONFLICT (entity_type, pointer) DO UPDATE
		SET last_entity_id = EXCLUDED.last_entity_id`
			_, err := tx.ExecContext(ctx, last, string(d.Type), pq.Array(lower(c.Last)), d.ID)
			return err
		}
		return nil
	})
}

// Deployment implements the Deployments interface.
func (p *Store) Deployment(ctx context.Context, entityID string) (*entity.Deployment, error) {
	const query = `
	SELECT
		body, overwritten_by
	FROM
		deployments
	WHERE
		entity_id = $1`

	var row dbDeployment
	if err := p.db.GetContext(ctx, &row, query, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrDeploymentNotFound
		}
		return nil, err
	}
	return toDeployment(row)
}

// Deployments implements the Deployments interface.
func (p *Store) Deployments(ctx context.Context, entityIDs []string) ([]*entity.Deployment, error) {
	const query = `
	SELECT
		body, overwritten_by
	FROM
		deployments
	WHERE
		entity_id = ANY($1)`

	return p.selectDeployments(ctx, query, pq.Array(entityIDs))
}

// DeploymentsSince implements the Deployments interface.
func (p *Store) DeploymentsSince(ctx context.Context, localTimestamp int64, limit int) ([]*entity.Deployment, error) {
	ctx, span := metrics.NewSpan(ctx, "pgStore.DeploymentsSince")
	defer span.End()

	const query = `
	SELECT
		body, overwritten_by
	FROM
		deployments
	WHERE
		local_timestamp > $1
	ORDER BY
		local_timestamp ASC, id ASC
	LIMIT $2`

	// a NULL limit means no limit
	l := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	return p.selectDeployments(ctx, query, localTimestamp, l)
}

func (p *Store) selectDeployments(ctx context.Context, query string, args ...interface{}) ([]*entity.Deployment, error) {
	var rows []dbDeployment
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*entity.Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := toDeployment(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// PointerStates implements the Deployments interface.
func (p *Store) PointerStates(ctx context.Context, t entity.Type, pointers []string) (map[string]repository.PointerState, error) {
	const query = `
	SELECT
		pointer, last_entity_id, active_entity_id
	FROM
		pointers
	WHERE
		entity_type = $1 AND pointer = ANY($2)`

	var rows []dbPointer
	if err := p.db.SelectContext(ctx, &rows, query, string(t), pq.Array(lower(pointers))); err != nil {
		return nil, err
	}
	out := make(map[string]repository.PointerState, len(rows))
	for _, r := range rows {
		out[r.Pointer] = toPointerState(r)
	}
	return out, nil
}

// ActivePointers implements the Deployments interface.
func (p *Store) ActivePointers(ctx context.Context, t entity.Type) ([]string, error) {
	const query = `
	SELECT
		pointer
	FROM
		pointers
	WHERE
		entity_type = $1 AND active_entity_id IS NOT NULL
	ORDER BY
		pointer`

	var out []string
	err := p.db.SelectContext(ctx, &out, query, string(t))
	return out, err
}

// HistorySize implements the Deployments interface.
func (p *Store) HistorySize(ctx context.Context) (int64, error) {
	const query = `SELECT COUNT(*) FROM deployments`

	var n int64
	err := p.db.GetContext(ctx, &n, query)
	return n, err
}

// LastLocalTimestamp implements the Deployments interface.
func (p *Store) LastLocalTimestamp(ctx context.Context) (int64, error) {
	const query = `SELECT COALESCE(MAX(local_timestamp), 0) FROM deployments`

	var ts int64
	err := p.db.GetContext(ctx, &ts, query)
	return ts, err
}

// SaveFailure implements the FailedDeployments interface.
func (p *Store) SaveFailure(ctx context.Context, f *entity.FailedDeployment) error {
	const query = `
	INSERT INTO failed_deployments
		(entity_type, entity_id, origin_timestamp, origin_server_url, failure_timestamp, reason, error_description)
	VALUES
		(:entity_type, :entity_id, :origin_timestamp, :origin_server_url, :failure_timestamp, :reason, :error_description)
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		origin_timestamp = EXCLUDED.origin_timestamp,
		origin_server_url = EXCLUDED.origin_server_url,
		failure_timestamp = EXCLUDED.failure_timestamp,
		reason = EXCLUDED.reason,
		error_description = EXCLUDED.error_description`

	_, err := p.db.NamedExecContext(ctx, query, f)
	return err
}

// DeleteFailure implements the FailedDeployments interface.
func (p *Store) DeleteFailure(ctx context.Context, t entity.Type, entityID string) error {
	const query = `DELETE FROM failed_deployments WHERE entity_type = $1 AND entity_id = $2`

	_, err := p.db.ExecContext(ctx, query, string(t), entityID)
	return err
}

const failureColumns = `entity_type, entity_id, origin_timestamp, origin_server_url, failure_timestamp, reason, error_description`

// Failure implements the FailedDeployments interface.
func (p *Store) Failure(ctx context.Context, t entity.Type, entityID string) (*entity.FailedDeployment, error) {
	const query = `SELECT ` + failureColumns + ` FROM failed_deployments WHERE entity_type = $1 AND entity_id = $2`

	var f entity.FailedDeployment
	if err := p.db.GetContext(ctx, &f, query, string(t), entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrFailureNotFound
		}
		return nil, err
	}
	return &f, nil
}

// AllFailures implements the FailedDeployments interface.
func (p *Store) AllFailures(ctx context.Context) ([]*entity.FailedDeployment, error) {
	const query = `SELECT ` + failureColumns + ` FROM failed_deployments ORDER BY failure_timestamp DESC, entity_id`

	var out []*entity.FailedDeployment
	err := p.db.SelectContext(ctx, &out, query)
	return out, err
}

// lower is the pointer set as indexed. Postgres refuses an upsert touching
// the same row twice, so repeated pointers must not reach it.
func lower(ss []string) []string {
	return entity.UniqueLower(ss)
}
