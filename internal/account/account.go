// Package account is the slice of the user directory the market core
// depends on: identity flags and registration. Authentication lives
// elsewhere; callers arrive here already identified.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-market/internal/model"
	"github.com/atmx/spread-market/internal/phase"
	"github.com/atmx/spread-market/internal/store"
)

// Identity answers the two questions the lifecycle asks about a caller.
type Identity interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Directory is the store-backed Identity.
type Directory struct {
	store store.Store
	clock phase.Clock
}

// NewDirectory creates a Directory over st.
func NewDirectory(st store.Store, clock phase.Clock) *Directory {
	return &Directory{store: st, clock: clock}
}

func (d *Directory) IsVerified(ctx context.Context, userID string) (bool, error) {
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsVerified, nil
}

func (d *Directory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsAdmin, nil
}

// Lookup returns the user or model.ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, userID string) (*model.User, error) {
	return d.store.GetUser(ctx, userID)
}

// RequireAdmin returns model.ErrForbidden unless userID is a known admin.
func (d *Directory) RequireAdmin(ctx context.Context, userID string) error {
	return RequireAdmin(ctx, d, userID)
}

// RequireAdmin returns model.ErrForbidden unless id reports userID as an
// admin.
func RequireAdmin(ctx context.Context, id Identity, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: caller identity required", model.ErrForbidden)
	}
	ok, err := id.IsAdmin(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: unknown user %s", model.ErrForbidden, userID)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: admin privileges required", model.ErrForbidden)
	}
	return nil
}

// Resolve returns a copy of u whose verified and admin flags come from id.
// Eligibility rules read the copy; u itself is left untouched.
func Resolve(ctx context.Context, id Identity, u *model.User) (*model.User, error) {
	verified, err := id.IsVerified(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", u.ID, err)
	}
	admin, err := id.IsAdmin(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("admin check %s: %w", u.ID, err)
	}
	cp := *u
	cp.IsVerified = verified
	cp.IsAdmin = admin
	return &cp, nil
}

// Registration describes a new user.
type Registration struct {
	ID         string // optional; generated when empty
	Username   string
	IsVerified bool
	IsAdmin    bool
	Balance    decimal.Decimal
}

// Register creates a user. The opening balance is journaled.
func (d *Directory) Register(ctx context.Context, r Registration) (*model.User, error) {
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" {
		return nil, fmt.Errorf("%w: username is required", model.ErrValidation)
	}
	if r.Balance.IsNegative() {
		return nil, fmt.Errorf("%w: opening balance cannot be negative", model.ErrValidation)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	u := &model.User{
		ID:         r.ID,
		Username:   r.Username,
		IsVerified: r.IsVerified,
		IsAdmin:    r.IsAdmin,
		Balance:    r.Balance.Round(2),
		CreatedAt:  d.clock.Now(),
	}
	if err := d.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

var _ Identity = (*Directory)(nil)
