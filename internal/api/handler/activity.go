package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/simconsole/internal/api/response"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/internal/store"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

// NewActivityHandler returns an http.HandlerFunc for GET /api/v1/activity.
func NewActivityHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := session.FromContext(r.Context())
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Not authenticated", nil)
			return
		}

		q := r.URL.Query()
		filter := store.ActivityFilter{
			UserID:  user.UserUID,
			JobType: q.Get("job_type"),
			Kind:    q.Get("kind"),
			Page:    atoiOr(q.Get("page"), 1),
			Limit:   atoiOr(q.Get("limit"), 20),
		}
		if since := q.Get("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
				return
			}
			filter.Since = t
		}
		if filter.Page < 1 {
			filter.Page = 1
		}
		if filter.Limit < 1 || filter.Limit > 100 {
			filter.Limit = 20
		}

		events, total, err := s.ListActivity(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list activity", nil)
			return
		}
		if events == nil {
			events = []*models.ActivityEvent{}
		}
		response.Collection(w, events, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
