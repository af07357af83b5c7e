package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/G-Research/Pulp-manager/pkg/storage"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeStoreError maps storage errors onto API statuses.
func writeStoreError(w http.ResponseWriter, err error, notFoundDetail string) {
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, notFoundDetail)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// idParam parses a numeric URL parameter. A second return of false means
// a 400 has already been written.
func idParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" "+raw)
		return 0, false
	}
	return id, true
}

// Query parameters with reserved meaning; everything else is a filter.
var reservedParams = map[string]bool{
	"sort_by":   true,
	"order_by":  true,
	"page":      true,
	"page_size": true,
}

// parseListQuery turns list-endpoint query params into a storage query.
// Unreserved params pass straight through as filter grammar keys. A
// second return of false means a 400 has already been written.
func (s *Server) parseListQuery(w http.ResponseWriter, r *http.Request) (storage.Query, bool) {
	values := r.URL.Query()

	q := storage.Query{
		Filters:  map[string]interface{}{},
		SortBy:   values.Get("sort_by"),
		OrderBy:  values.Get("order_by"),
		Page:     1,
		PageSize: s.cfg.Paging.DefaultPageSize,
	}
	if page, err := strconv.Atoi(values.Get("page")); err == nil && page > 0 {
		q.Page = page
	}
	if size, err := strconv.Atoi(values.Get("page_size")); err == nil && size > 0 {
		if max := s.cfg.Paging.MaxPageSize; max > 0 && size > max {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("page_size %d larger than maximum %d", size, max))
			return storage.Query{}, false
		}
		q.PageSize = size
	}

	for key := range values {
		if reservedParams[key] {
			continue
		}
		q.Filters[key] = values.Get(key)
	}
	return q, true
}
