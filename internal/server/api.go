package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/knoguchi/promptrelay/internal/llm"
	"github.com/knoguchi/promptrelay/internal/relay"
	"github.com/knoguchi/promptrelay/internal/repository"
	"github.com/knoguchi/promptrelay/internal/service"
)

const maxBodyBytes = 1 << 20

// ModelRegistry is the registry surface exposed over HTTP.
type ModelRegistry interface {
	ListActive(ctx context.Context) ([]*repository.Model, error)
	ListAll(ctx context.Context) ([]*repository.Model, error)
	GetByID(ctx context.Context, id int64) (*repository.Model, error)
	GetDefault(ctx context.Context) (*repository.Model, error)
	Create(ctx context.Context, in service.CreateModelInput) (*repository.Model, error)
	Update(ctx context.Context, id int64, in service.UpdateModelInput) (*repository.Model, error)
	Delete(ctx context.Context, id int64) error
	SetDefault(ctx context.Context, id int64) (*repository.Model, error)
}

// Relay is the generation surface exposed over HTTP.
type Relay interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Start(ctx context.Context, req relay.StreamRequest) (string, error)
	ActiveSessions() int
	CurrentModel() *relay.CurrentModel
}

// SubscriberCounter reports connected push subscribers.
type SubscriberCounter interface {
	Count() int
}

// API holds the REST handlers.
type API struct {
	models      ModelRegistry
	relay       Relay
	subscribers SubscriberCounter
	logger      *slog.Logger
}

// NewAPI creates the REST handlers. subscribers may be nil.
func NewAPI(models ModelRegistry, r Relay, subscribers SubscriberCounter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		models:      models,
		relay:       r,
		subscribers: subscribers,
		logger:      logger.With("component", "api"),
	}
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/ai-models", func(r chi.Router) {
		r.Get("/", a.listActive)
		r.Post("/", a.createModel)
		r.Get("/all", a.listAll)
		r.Get("/default", a.getDefault)
		r.Get("/current", a.getCurrent)
		r.Post("/set-current", a.setCurrent)
		r.Get("/{id}", a.getModel)
		r.Put("/{id}", a.updateModel)
		r.Delete("/{id}", a.deleteModel)
		r.Post("/{id}/set-default", a.setDefault)
	})

	for _, prefix := range []string{"/gemini", "/generate"} {
		r.Post(prefix, a.generate)
		r.Post(prefix+"/stream", a.startStream)
	}
	r.Get("/streams", a.streams)
}

// modelResponse is the wire form of a registry entry.
type modelResponse struct {
	ID           int64     `json:"id"`
	ModelID      string    `json:"modelId"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"isActive"`
	IsDefault    bool      `json:"isDefault"`
	Provider     string    `json:"provider"`
	Version      string    `json:"version"`
	MaxTokens    int       `json:"maxTokens"`
	Temperature  float64   `json:"temperature"`
	DisplayOrder int       `json:"displayOrder"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toModelResponse(m *repository.Model) modelResponse {
	return modelResponse{
		ID:           m.ID,
		ModelID:      m.ModelID,
		Name:         m.Name,
		Description:  m.Description,
		IsActive:     m.IsActive,
		IsDefault:    m.IsDefault,
		Provider:     m.Provider,
		Version:      m.Version,
		MaxTokens:    m.MaxTokens,
		Temperature:  m.Temperature,
		DisplayOrder: m.DisplayOrder,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func toModelList(models []*repository.Model) []modelResponse {
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, toModelResponse(m))
	}
	return out
}

func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	models, err := a.models.ListActive(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelList(models))
}

func (a *API) listAll(w http.ResponseWriter, r *http.Request) {
	models, err := a.models.ListAll(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelList(models))
}

func (a *API) getDefault(w http.ResponseWriter, r *http.Request) {
	m, err := a.models.GetDefault(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

func (a *API) getModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.models.GetByID(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

func (a *API) createModel(w http.ResponseWriter, r *http.Request) {
	var in service.CreateModelInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.models.Create(r.Context(), in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/ai-models/%d", m.ID))
	writeJSON(w, http.StatusCreated, toModelResponse(m))
}

func (a *API) updateModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var in service.UpdateModelInput
	if err := decodeJSON(r, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.models.Update(r.Context(), id, in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

func (a *API) deleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.models.Delete(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setDefault(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.models.SetDefault(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(m))
}

func (a *API) getCurrent(w http.ResponseWriter, r *http.Request) {
	m := a.relay.CurrentModel().Get()
	writeJSON(w, http.StatusOK, toModelResponse(&m))
}

type setCurrentRequest struct {
	ModelID string `json:"modelId"`
}

func (a *API) setCurrent(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.relay.CurrentModel().Set(r.Context(), req.ModelID)
	if errors.Is(err, repository.ErrNotFound) {
		// an unknown model id is a bad selection, not a missing resource
		err = fmt.Errorf("%w: model %q is not registered", relay.ErrBadRequest, strings.TrimSpace(req.ModelID))
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toModelResponse(&m))
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (a *API) generate(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" && r.ContentLength != 0 {
		var req generateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
		prompt = req.Prompt
	}

	text, err := a.relay.Generate(r.Context(), prompt)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Response: text})
}

type streamAccepted struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

func (a *API) startStream(w http.ResponseWriter, r *http.Request) {
	var req relay.StreamRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := a.relay.Start(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamAccepted{Status: "streaming started", SessionID: id})
}

type streamsResponse struct {
	Active      int `json:"active"`
	Subscribers int `json:"subscribers"`
}

func (a *API) streams(w http.ResponseWriter, r *http.Request) {
	resp := streamsResponse{Active: a.relay.ActiveSessions()}
	if a.subscribers != nil {
		resp.Subscribers = a.subscribers.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps err onto a status code. Unexpected errors are logged and not echoed.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable:
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	case status == http.StatusBadGateway:
		a.logger.WarnContext(r.Context(), "provider call failed", "path", r.URL.Path, "error", err)
		msg = "upstream provider error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInactiveModel),
		errors.Is(err, relay.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, llm.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", relay.ErrBadRequest, raw)
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", relay.ErrBadRequest)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", relay.ErrBadRequest, err)
	}
	return nil
}
