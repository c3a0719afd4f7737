package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
)

type SelectedAccountRepository interface {
	ListByPostID(ctx context.Context, postID int64) ([]*models.SelectedAccount, error)
	ListAccounts(ctx context.Context, postID int64) ([]*models.SocialAccount, error)
}

type selectedAccountRepository struct {
	db *sql.DB
}

func NewSelectedAccountRepository(db *sql.DB) SelectedAccountRepository {
	return &selectedAccountRepository{db: db}
}

func (r *selectedAccountRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.SelectedAccount, error) {
	query := "SELECT post_id, account_id, created_at FROM selected_accounts WHERE post_id = $1 ORDER BY account_id"

	rows, err := r.db.QueryContext(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var accounts []*models.SelectedAccount
	for rows.Next() {
		var sa models.SelectedAccount
		if err := rows.Scan(&sa.PostID, &sa.AccountID, &sa.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		accounts = append(accounts, &sa)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return accounts, nil
}

// ListAccounts returns the non-deleted accounts a post fans out to.
func (r *selectedAccountRepository) ListAccounts(ctx context.Context, postID int64) ([]*models.SocialAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM social_accounts
		WHERE is_deleted = FALSE
			AND id IN (SELECT account_id FROM selected_accounts WHERE post_id = $1)
		ORDER BY id`

	return collectAccounts(r.db.QueryContext(ctx, query, postID))
}
