package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/docservice"
	"github.com/starford/mkb/internal/query"
)

// Handler holds API route handlers.
type Handler struct {
	svc *docservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service) *Handler {
	return &Handler{svc: svc}
}

// QueryRequest is the POST /api/query body.
type QueryRequest struct {
	Query  string `json:"query"`
	Format string `json:"format,omitempty"` // json | table | markdown
}

// RunQuery handles POST /api/query: MKQL in, the wire-format JSON result
// out (or a rendered table/markdown string).
func (h *Handler) RunQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeBody(r.Body, &req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be {\"query\": \"SELECT ...\"}"))
		return
	}

	result, err := h.svc.Executor().Query(r.Context(), req.Query)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	switch req.Format {
	case "", "json":
		if result.Rows == nil {
			result.Rows = [][]any{}
		}
		if result.Warnings == nil {
			result.Warnings = []string{}
		}
		writeJSON(w, http.StatusOK, result)
	case "table", "markdown":
		out, ferr := query.FormatResult(result, query.Format(req.Format))
		if ferr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(ferr.Error()))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(out))
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("format must be json, table, or markdown"))
	}
}

// ContextRequest is the POST /api/context body.
type ContextRequest struct {
	Query  string `json:"query"`
	Window int    `json:"window"`
	Format string `json:"format,omitempty"`
}

// AssembleContext handles POST /api/context: run the query and pack the
// results into a token-budgeted LLM context string.
func (h *Handler) AssembleContext(w http.ResponseWriter, r *http.Request) {
	var req ContextRequest
	if err := decodeBody(r.Body, &req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be {\"query\": ..., \"window\": n}"))
		return
	}

	result, err := h.svc.Executor().Query(r.Context(), req.Query)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	window := req.Window
	if window == 0 {
		window = result.Formatting.Window
	}
	format := req.Format
	if format == "" {
		format = result.Formatting.Format
	}
	assembled := query.Assemble(result.Docs, query.AssembleOpts{Window: window, Format: format})
	writeJSON(w, http.StatusOK, assembled)
}

// GetDocument handles GET /api/documents/{id}.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := h.svc.Store().PathByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("document not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	doc, err := h.svc.Vault().Read(path)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          doc.ID,
		"type":        doc.Type,
		"title":       doc.Title,
		"path":        doc.Path,
		"observed_at": doc.Temporal.ObservedAt,
		"valid_until": doc.Temporal.ValidUntil,
		"precision":   doc.Temporal.Precision,
		"confidence":  doc.Confidence,
		"tags":        doc.Tags,
		"links":       doc.Links,
		"fields":      doc.Fields,
		"body":        doc.Body,
	})
}

// GetGraph handles GET /api/graph?center=<id>&depth=<n>.
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	center := r.URL.Query().Get("center")
	if center == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("center query parameter is required"))
		return
	}
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	if depth == 0 {
		depth = 2
	}
	g, err := h.svc.Graph(r.Context(), center, depth)
	if err != nil {
		slog.Error("graph failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// ViewRequest is the POST /api/views body.
type ViewRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Query       string `json:"query"`
}

// SaveView handles POST /api/views.
func (h *Handler) SaveView(w http.ResponseWriter, r *http.Request) {
	var req ViewRequest
	if err := decodeBody(r.Body, &req); err != nil || req.Name == "" || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body must be {\"name\": ..., \"query\": ...}"))
		return
	}
	view, err := h.svc.SaveView(req.Name, req.Description, req.Query)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListViews handles GET /api/views.
func (h *Handler) ListViews(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListViews()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if views == nil {
		views = []docservice.SavedView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"views": views})
}

// RunView handles GET /api/views/{name}/run.
func (h *Handler) RunView(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.LoadView(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("view not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	result, err := h.svc.Executor().Query(r.Context(), view.Query)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeQueryError maps the error taxonomy to HTTP statuses: compile errors
// are the caller's fault, runtime errors are ours.
func writeQueryError(w http.ResponseWriter, err error) {
	var parse *apperr.ParseError
	switch {
	case errors.As(err, &parse):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrIndexUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrCancelled), errors.Is(err, apperr.ErrDeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, errorBody(err.Error()))
	default:
		slog.Error("query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("query runtime error"))
	}
}
