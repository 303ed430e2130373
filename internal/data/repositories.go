package data

import (
	"context"
	"database/sql"
	"errors"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/stream"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicate      = errors.New("record already exists")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// CameraRepository persists the fleet so a restart restores it.
type CameraRepository interface {
	Create(ctx context.Context, c *stream.CameraConfig) error
	Delete(ctx context.Context, cameraID string) error
	List(ctx context.Context) ([]stream.CameraConfig, error)
}

// RelationshipRepository persists the monitor topology.
type RelationshipRepository interface {
	Upsert(ctx context.Context, rel correlate.MonitorRelationship) error
	List(ctx context.Context) ([]correlate.MonitorRelationship, error)
}
