package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/simconsole/internal/api/middleware"
	"github.com/kiranshivaraju/simconsole/internal/api/response"
	"github.com/kiranshivaraju/simconsole/internal/store"
	"github.com/kiranshivaraju/simconsole/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "sc_"

var validScopes = map[string]bool{"jobs": true, "read": true, "admin": true}

// Accounts serves user signup and API key management.
type Accounts struct {
	store store.Store
	cost  int
	now   func() time.Time
}

// NewAccounts creates the account handlers. bcryptCost of 0 uses the
// bcrypt default.
func NewAccounts(s store.Store, bcryptCost int) *Accounts {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Accounts{store: s, cost: bcryptCost, now: time.Now}
}

type createdKey struct {
	*models.APIKey
	// Key is the raw key, returned only once.
	Key string `json:"key"`
}

type signupResponse struct {
	User   *models.User `json:"user"`
	APIKey createdKey   `json:"api_key"`
}

// CreateUser handles POST /api/v1/admin/users.
func (h *Accounts) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string   `json:"username"`
		Scopes   []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "username is required", nil)
		return
	}
	scopes, ok := normalizeScopes(req.Scopes)
	if !ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scopes must be jobs, read or admin", nil)
		return
	}

	now := h.now().UTC()
	user := &models.User{ID: uuid.New(), Username: req.Username, CreatedAt: now, UpdatedAt: now}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			response.Error(w, http.StatusConflict, "USERNAME_TAKEN", "username already exists", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user", nil)
		return
	}

	key, err := h.issueKey(r, user.ID, "default", scopes)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
		return
	}
	response.Created(w, signupResponse{User: user, APIKey: key})
}

// CreateKey handles POST /api/v1/keys: a new key for the caller.
func (h *Accounts) CreateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}
	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
		return
	}
	scopes, valid := normalizeScopes(req.Scopes)
	if !valid {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "scopes must be jobs, read or admin", nil)
		return
	}

	key, err := h.issueKey(r, userID, strings.TrimSpace(req.Name), scopes)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
		return
	}
	response.Created(w, key)
}

// ListKeys handles GET /api/v1/keys.
func (h *Accounts) ListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}
	keys, err := h.store.ListAPIKeys(r.Context(), userID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", nil)
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	response.JSON(w, keys)
}

// RevokeKey handles DELETE /api/v1/keys/{keyID}.
func (h *Accounts) RevokeKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
		return
	}
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyID must be a UUID", nil)
		return
	}
	if err := h.store.RevokeAPIKey(r.Context(), keyID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key", nil)
		return
	}
	response.JSON(w, map[string]string{"revoked": keyID.String()})
}

func (h *Accounts) issueKey(r *http.Request, userID uuid.UUID, name string, scopes []string) (createdKey, error) {
	raw, err := generateRawKey()
	if err != nil {
		return createdKey{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), h.cost)
	if err != nil {
		return createdKey{}, err
	}
	now := h.now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		return createdKey{}, err
	}
	return createdKey{APIKey: key, Key: raw}, nil
}

func generateRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return rawKeyPrefix + hex.EncodeToString(b), nil
}

func normalizeScopes(in []string) ([]string, bool) {
	if len(in) == 0 {
		return []string{"jobs", "read"}, true
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if !validScopes[s] {
			return nil, false
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, true
}
