package data

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/technosupport/apex-engine/internal/stream"
)

// CameraModel is the Postgres-backed camera repository.
type CameraModel struct {
	DB DBTX
}

func (m CameraModel) Create(ctx context.Context, c *stream.CameraConfig) error {
	query := `
		INSERT INTO cameras (
			camera_id, source_url, target_fps, width, height,
			buffer_depth, auto_reconnect, detection_enabled
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := m.DB.ExecContext(ctx, query,
		c.CameraID, c.SourceURL, c.TargetFPS, c.Width, c.Height,
		c.BufferDepth, c.AutoReconnect, c.DetectionEnabled,
	)
	if err != nil {
		var pqErr *pq.Error
		// 23505 = unique_violation
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (m CameraModel) Delete(ctx context.Context, cameraID string) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM cameras WHERE camera_id = $1`, cameraID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m CameraModel) List(ctx context.Context) ([]stream.CameraConfig, error) {
	query := `
		SELECT camera_id, source_url, target_fps, width, height,
		       buffer_depth, auto_reconnect, detection_enabled
		FROM cameras
		ORDER BY camera_id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.CameraConfig
	for rows.Next() {
		var c stream.CameraConfig
		if err := rows.Scan(
			&c.CameraID, &c.SourceURL, &c.TargetFPS, &c.Width, &c.Height,
			&c.BufferDepth, &c.AutoReconnect, &c.DetectionEnabled,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
