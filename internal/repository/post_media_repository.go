package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
)

type PostMediaRepository interface {
	ListAssets(ctx context.Context, postID int64) ([]*models.MediaAsset, error)
}

type postMediaRepository struct {
	db *sql.DB
}

func NewPostMediaRepository(db *sql.DB) PostMediaRepository {
	return &postMediaRepository{db: db}
}

// ListAssets returns the media attached to a post in display order.
func (r *postMediaRepository) ListAssets(ctx context.Context, postID int64) ([]*models.MediaAsset, error) {
	query := `
		SELECT ma.id, ma.user_id, ma.file_name, ma.file_type, ma.file_size, ma.file_url, ma.thumbnail_url, ma.created_at
		FROM post_media pm
		JOIN media_assets ma ON ma.id = pm.asset_id
		WHERE pm.post_id = $1
		ORDER BY pm.display_order
	`

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var assets []*models.MediaAsset
	for rows.Next() {
		var ma models.MediaAsset
		if err := rows.Scan(&ma.ID, &ma.UserID, &ma.FileName, &ma.FileType, &ma.FileSize,
			&ma.FileURL, &ma.ThumbnailURL, &ma.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		assets = append(assets, &ma)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return assets, nil
}
