package api

import (
	"context"
	"time"

	"github.com/pulselabs/pulse/auth"
	"github.com/pulselabs/pulse/db"
	"github.com/pulselabs/pulse/db/repository"
)

// userStore adapts the user gateway to the slice of persistence the
// auth service needs.
type userStore struct {
	users *repository.Repository[db.User, *db.User]
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	return s.users.GetFirst(ctx, repository.FirstParams{
		Filters: map[string]any{"email__eq": email},
	})
}

func (s *userStore) Get(ctx context.Context, id int64) (*db.User, error) {
	return s.users.Get(ctx, id)
}

// sessionStore adapts the refresh-token gateway.
type sessionStore struct {
	tokens *repository.Repository[db.RefreshToken, *db.RefreshToken]
}

func (s *sessionStore) Save(ctx context.Context, token *db.RefreshToken) error {
	_, err := s.tokens.Create(ctx, token)
	return err
}

func (s *sessionStore) Active(ctx context.Context) ([]db.RefreshToken, error) {
	res, err := s.tokens.List(ctx, repository.ListParams{
		Limit: repository.MaxLimit,
		Filters: map[string]any{
			"revoked_at__isnull": true,
			"expires_at__gt":     time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (s *sessionStore) ActiveForUser(ctx context.Context, userID int64) ([]db.RefreshToken, error) {
	res, err := s.tokens.List(ctx, repository.ListParams{
		Limit:   repository.MaxLimit,
		OrderBy: "created_at",
		Order:   "desc",
		Filters: map[string]any{
			"user_id__eq":        userID,
			"revoked_at__isnull": true,
			"expires_at__gt":     time.Now().UTC(),
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (s *sessionStore) Revoke(ctx context.Context, id int64) error {
	_, err := s.tokens.Update(ctx, id, map[string]any{"revoked_at": time.Now().UTC()})
	return err
}

var (
	_ auth.UserStore    = (*userStore)(nil)
	_ auth.SessionStore = (*sessionStore)(nil)
)
