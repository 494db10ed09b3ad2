// Package session issues identities and carries the per-connection user
// context through every core call.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/potshot/pool-engine/internal/kv"
	"github.com/potshot/pool-engine/internal/ledger"
	"github.com/potshot/pool-engine/internal/model"
)

const maxDisplayName = 32

// Session identifies the user acting in a call.
type Session struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin"`
}

// IdentityProvider issues stable, opaque user ids.
type IdentityProvider interface {
	Issue(ctx context.Context) (string, error)
}

// UUIDProvider issues random UUIDs.
type UUIDProvider struct{}

func (UUIDProvider) Issue(context.Context) (string, error) {
	return uuid.NewString(), nil
}

// Options configures a Manager.
type Options struct {
	StartingBalance int64
	// AdminNames are display names granted the admin role.
	AdminNames []string
	// AdminToken, when set, must accompany a join under an admin name.
	// Without it anyone choosing an admin name becomes admin.
	AdminToken string
}

// Manager runs the join flow and resolves returning users.
type Manager struct {
	kv     *kv.Client
	ledger *ledger.Ledger
	ids    IdentityProvider
	opts   Options
	admins map[string]bool
	now    func() time.Time
}

// NewManager returns a Manager. A nil ids selects UUIDProvider.
func NewManager(c *kv.Client, l *ledger.Ledger, ids IdentityProvider, opts Options) *Manager {
	if ids == nil {
		ids = UUIDProvider{}
	}
	admins := make(map[string]bool, len(opts.AdminNames))
	for _, n := range opts.AdminNames {
		admins[strings.ToLower(strings.TrimSpace(n))] = true
	}
	if len(admins) > 0 && opts.AdminToken == "" {
		slog.Warn("admin names are not protected by an admin token", "names", opts.AdminNames)
	}
	return &Manager{
		kv:     c,
		ledger: l,
		ids:    ids,
		opts:   opts,
		admins: admins,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Join issues a new identity for displayName, records the user, and opens
// the starting balance. adminToken is checked only for admin names, and
// only when the Manager is configured with a token.
func (m *Manager) Join(ctx context.Context, displayName, adminToken string) (*Session, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, model.Invalid("display name is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		return nil, model.Invalid("display name longer than %d characters", maxDisplayName)
	}
	if m.admins[strings.ToLower(name)] && m.opts.AdminToken != "" &&
		subtle.ConstantTimeCompare([]byte(adminToken), []byte(m.opts.AdminToken)) != 1 {
		return nil, fmt.Errorf("display name %q is reserved: %w", name, model.ErrForbidden)
	}

	id, err := m.ids.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue identity: %w", err)
	}

	u := model.User{ID: id, DisplayName: name, JoinedAt: m.now()}
	_, err = m.kv.Update(ctx, model.UserPath(id), func(cur kv.Entry) ([]byte, error) {
		if cur.Exists() {
			return nil, kv.ErrNoChange
		}
		return json.Marshal(u)
	})
	if err != nil {
		return nil, fmt.Errorf("record user %s: %w", id, err)
	}

	if _, err := m.ledger.Open(ctx, id, m.opts.StartingBalance); err != nil {
		return nil, err
	}

	sess := m.sessionFor(&u)
	slog.Info("session joined", "user", id, "admin", sess.Admin)
	return sess, nil
}

// Resume returns the session for an existing user.
func (m *Manager) Resume(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, model.Invalid("user id is required")
	}
	e, err := m.kv.Get(ctx, model.UserPath(userID))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !e.Exists() {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	u, err := model.ParseUser(e.Value)
	if err != nil {
		return nil, err
	}
	return m.sessionFor(u), nil
}

func (m *Manager) sessionFor(u *model.User) *Session {
	return &Session{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Admin:       m.admins[strings.ToLower(u.DisplayName)],
	}
}
