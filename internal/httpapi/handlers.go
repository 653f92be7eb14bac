package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/glimte/productbridge/catalog"
	"github.com/glimte/productbridge/contracts"
	"github.com/go-chi/chi/v5"
)

// Handlers adapts catalog.Service to HTTP
type Handlers struct {
	svc    *catalog.Service
	logger *slog.Logger
}

func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.svc.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing product id"})
		return
	}

	product, err := h.svc.GetByID(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, product)
}

func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	product, ok := h.decodeProduct(w, r, true)
	if !ok {
		return
	}
	h.command(w, r, product, contracts.ActionCreated, http.StatusCreated)
}

func (h *Handlers) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	product, ok := h.decodeProduct(w, r, true)
	if !ok {
		return
	}
	product.ID = chi.URLParam(r, "id")
	h.command(w, r, product, contracts.ActionUpdated, http.StatusOK)
}

func (h *Handlers) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	product, ok := h.decodeProduct(w, r, false)
	if !ok {
		return
	}
	product.ID = chi.URLParam(r, "id")
	h.command(w, r, product, contracts.ActionDeleted, http.StatusOK)
}

// command submits through the gateway when there is one and otherwise
// publishes fire-and-forget, answering 202 with the emitted event
func (h *Handlers) command(w http.ResponseWriter, r *http.Request, product contracts.Product, action contracts.Action, status int) {
	ctx := r.Context()

	if !h.svc.CanCommand() {
		event, err := h.svc.Publish(ctx, product, action)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, event)
		return
	}

	var (
		reply contracts.Product
		err   error
	)
	switch action {
	case contracts.ActionCreated:
		reply, err = h.svc.Create(ctx, product)
	case contracts.ActionUpdated:
		reply, err = h.svc.Update(ctx, product.ID, product)
	default:
		reply, err = h.svc.Delete(ctx, product.ID, product)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, reply)
}

func (h *Handlers) decodeProduct(w http.ResponseWriter, r *http.Request, required bool) (contracts.Product, bool) {
	var product contracts.Product
	err := json.NewDecoder(r.Body).Decode(&product)
	if err == nil || (!required && errors.Is(err, io.EOF)) {
		return product, true
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
	return contracts.Product{}, false
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusFor maps service errors onto HTTP status codes
func StatusFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, contracts.ErrMalformedVersion):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrTimeout), errors.Is(err, contracts.ErrTooManyPending):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
