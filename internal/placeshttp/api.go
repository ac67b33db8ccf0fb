// Package placeshttp serves the public places endpoints under /api.
package placeshttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/places-proxy/internal/httpmw"
	"github.com/keithlinneman/places-proxy/internal/log"
)

// Places is the upstream lookup the handlers relay. *places.Client implements it.
type Places interface {
	Autocomplete(ctx context.Context, input string) (json.RawMessage, error)
	Details(ctx context.Context, placeID string) (json.RawMessage, error)
}

// API implements httpserver APIRoutes for the places endpoints.
type API struct {
	places Places
}

func NewAPI(p Places) *API {
	return &API{places: p}
}

// RegisterRoutes attaches the handlers relative to the /api mount point.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("places.autocomplete")).Post("/places/autocomplete", api.autocomplete)
	r.With(httpmw.Scope("places.details")).Post("/places/details", api.details)
}

type autocompleteRequest struct {
	Input string `json:"input"`
}

type detailsRequest struct {
	PlaceID string `json:"place_id"`
}

func (api *API) autocomplete(w http.ResponseWriter, r *http.Request) {
	var req autocompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Input == "" {
		httpmw.WriteError(w, http.StatusBadRequest, "Input is required")
		return
	}

	body, err := api.places.Autocomplete(r.Context(), req.Input)
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "autocomplete lookup failed")
		httpmw.WriteError(w, http.StatusInternalServerError, "Failed to fetch suggestions")
		return
	}
	writeRaw(w, body)
}

func (api *API) details(w http.ResponseWriter, r *http.Request) {
	var req detailsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PlaceID == "" {
		httpmw.WriteError(w, http.StatusBadRequest, "Place ID is required")
		return
	}

	body, err := api.places.Details(r.Context(), req.PlaceID)
	if err != nil {
		log.FromContext(r.Context()).Error(r.Context(), err, "place details lookup failed")
		httpmw.WriteError(w, http.StatusInternalServerError, "Failed to fetch place details")
		return
	}
	writeRaw(w, body)
}

// decodeBody reads a JSON object into dst. An empty body decodes to the zero value
// so the handler reports the missing field rather than a parse error.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		httpmw.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	httpmw.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
	return false
}

// writeRaw relays the upstream JSON unchanged
func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
