package pgdb

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/catalyst-network/catalyst/common/entity"
	"github.com/catalyst-network/catalyst/internal/repository"
)

// dbDeployment is a deployment row. The body keeps the full deployment, while
// overwritten_by is the only column updated after insertion.
type dbDeployment struct {
	Body          []byte         `db:"body"`
	OverwrittenBy sql.NullString `db:"overwritten_by"`
}

func toDeployment(row dbDeployment) (*entity.Deployment, error) {
	var d entity.Deployment
	if err := json.Unmarshal(row.Body, &d); err != nil {
		return nil, fmt.Errorf("decoding deployment: %w", err)
	}
	d.AuditInfo.OverwrittenBy = row.OverwrittenBy.String
	return &d, nil
}

type dbPointer struct {
	Pointer string         `db:"pointer"`
	Last    string         `db:"last_entity_id"`
	Active  sql.NullString `db:"active_entity_id"`
}

func toPointerState(row dbPointer) repository.PointerState {
	return repository.PointerState{Pointer: row.Pointer, Last: row.Last, Active: row.Active.String}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
