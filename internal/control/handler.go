// Package control serves the worker control channel over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"offlinegate/internal/lifecycle"
	"offlinegate/internal/logging"
)

// maxMessageBytes bounds a control message body.
const maxMessageBytes = 4 << 10

// Controller is the part of the lifecycle controller the channel drives.
type Controller interface {
	HandleMessage(ctx context.Context, msg lifecycle.Message) error
	Status(ctx context.Context) (lifecycle.Status, error)
}

type Handler struct {
	prefix     string
	controller Controller
	logger     logging.Logger
}

// NewHandler serves POST {prefix}/message and GET {prefix}/status.
func NewHandler(prefix string, c Controller, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		prefix:     "/" + strings.Trim(prefix, "/"),
		controller: c,
		logger:     logger,
	}
}

// Prefix is the path the handler should be mounted under, with a trailing
// slash.
func (h *Handler) Prefix() string {
	return h.prefix + "/"
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, h.prefix) {
	case "/message":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.message(w, r)
	case "/status":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.status(w, r, http.StatusOK)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) message(w http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes))
	if err := dec.Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	if err := h.controller.HandleMessage(r.Context(), msg); err != nil {
		if errors.Is(err, lifecycle.ErrUnknownMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log(r).Error("control message failed", "type", msg.Type, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log(r).Info("control message handled", "type", msg.Type)
	h.status(w, r, http.StatusAccepted)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, code int) {
	st, err := h.controller.Status(r.Context())
	if err != nil {
		h.log(r).Error("read worker status", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, code, st)
}

func (h *Handler) log(r *http.Request) logging.Logger {
	return logging.FromContext(r.Context(), h.logger)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
