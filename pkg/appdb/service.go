// Package appdb is a read-only view of the inherited web app's settings
// database. The core consults it for exactly two things: which users have
// auto-send enabled, and what their delivery addresses are.
package appdb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// User mirrors the subset of the app's user table the core needs. The app
// owns this schema; never write through this model.
type User struct {
	bun.BaseModel `bun:"table:user,alias:u"`

	ID         int    `bun:",pk"`
	Name       string `bun:"name"`
	Email      string `bun:"email"`
	KindleMail string `bun:"kindle_mail"`
	AutoSend   bool   `bun:"auto_send"`
}

// DeliveryAddresses splits the comma-separated kindle_mail column. The UI
// allows multiple addresses per user.
func (u *User) DeliveryAddresses() []string {
	if u.KindleMail == "" {
		return nil
	}
	parts := strings.Split(u.KindleMail, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

// ListAutoSendUsers returns users with auto-send enabled and at least one
// delivery address configured.
func (svc *Service) ListAutoSendUsers(ctx context.Context) ([]*User, error) {
	users := []*User{}

	err := svc.db.
		NewSelect().
		Model(&users).
		Where("u.auto_send = ?", true).
		Where("u.kindle_mail IS NOT NULL").
		Where("u.kindle_mail != ''").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return users, nil
}

// RetrieveUser looks a user up by id. Delivery settings are re-read at
// dispatch time; they may have changed since the job was scheduled.
func (svc *Service) RetrieveUser(ctx context.Context, id int) (*User, error) {
	user := &User{}

	err := svc.db.
		NewSelect().
		Model(user).
		Where("u.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("User")
		}
		return nil, errors.WithStack(err)
	}

	return user, nil
}
