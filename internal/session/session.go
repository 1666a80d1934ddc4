// Package session provides the identity every job operation is scoped to.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// ErrNotAuthenticated is returned when no usable user identity is available.
var ErrNotAuthenticated = errors.New("not authenticated")

// Accessor returns the current user. Implementations fail with
// ErrNotAuthenticated when the identity is absent or malformed.
type Accessor interface {
	CurrentUser(ctx context.Context) (models.UserRef, error)
}

// --- request context ---

type contextKey struct{}

// WithUser returns a context carrying the session identity.
func WithUser(ctx context.Context, u models.UserRef) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// FromContext returns the identity stored by WithUser.
func FromContext(ctx context.Context) (models.UserRef, bool) {
	u, ok := ctx.Value(contextKey{}).(models.UserRef)
	return u, ok
}

// ContextAccessor reads the identity placed in the context by the API
// authentication middleware.
type ContextAccessor struct{}

func (ContextAccessor) CurrentUser(ctx context.Context) (models.UserRef, error) {
	u, ok := FromContext(ctx)
	if !ok || strings.TrimSpace(u.UserUID) == "" {
		return models.UserRef{}, ErrNotAuthenticated
	}
	return u, nil
}

// --- persisted userData ---

// FileAccessor reads the userData record persisted after login.
type FileAccessor struct {
	Path string
}

// NewFileAccessor returns a FileAccessor for path.
func NewFileAccessor(path string) *FileAccessor {
	return &FileAccessor{Path: path}
}

// DefaultPath returns the userData location under the user's config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "simconsole", "userData.json")
}

func (a *FileAccessor) CurrentUser(_ context.Context) (models.UserRef, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return models.UserRef{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	var u models.UserRef
	if err := json.Unmarshal(data, &u); err != nil {
		return models.UserRef{}, fmt.Errorf("%w: malformed userData: %v", ErrNotAuthenticated, err)
	}
	if strings.TrimSpace(u.UserUID) == "" {
		return models.UserRef{}, fmt.Errorf("%w: userData has no user_uid", ErrNotAuthenticated)
	}
	return u, nil
}

// Save persists u as the current identity.
func (a *FileAccessor) Save(u models.UserRef) error {
	if strings.TrimSpace(u.UserUID) == "" {
		return fmt.Errorf("user_uid is required")
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o700); err != nil {
		return fmt.Errorf("create userData dir: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode userData: %w", err)
	}
	if err := os.WriteFile(a.Path, data, 0o600); err != nil {
		return fmt.Errorf("write userData: %w", err)
	}
	return nil
}

// Clear removes the persisted identity. A missing file is not an error.
func (a *FileAccessor) Clear() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove userData: %w", err)
	}
	return nil
}

// Static always returns the same identity.
type Static models.UserRef

func (s Static) CurrentUser(_ context.Context) (models.UserRef, error) {
	if strings.TrimSpace(s.UserUID) == "" {
		return models.UserRef{}, ErrNotAuthenticated
	}
	return models.UserRef(s), nil
}

var (
	_ Accessor = ContextAccessor{}
	_ Accessor = (*FileAccessor)(nil)
	_ Accessor = Static{}
)
