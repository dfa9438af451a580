package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messageexchange/api/internal/auth"
	"messageexchange/api/internal/sequence"
	"messageexchange/api/internal/store"
)

var (
	namespacePattern = regexp.MustCompile(`^[\w|\-]+$`)
	tracer           = otel.Tracer("messageexchange/api/internal/app")
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	validate := validator.New()
	_ = validate.RegisterValidation("namespace", func(fl validator.FieldLevel) bool {
		return namespacePattern.MatchString(fl.Field().String())
	})
	return &HTTPServer{service: service, corsOrigin: corsOrigin, validate: validate}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Route("/{municipalityId}/{namespace}/conversations", func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)

		r.Route("/{conversationId}", func(r chi.Router) {
			r.Use(s.requireUUIDParam("conversationId"))
			r.Get("/", s.handleGetConversation)
			r.Patch("/", s.handleUpdateConversation)
			r.Delete("/", s.handleDeleteConversation)

			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleCreateMessage)
			r.With(s.requireUUIDParam("messageId")).Delete("/messages/{messageId}", s.handleDeleteMessage)
		})
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, ok := s.pageFromQuery(w, r)
	if !ok {
		return
	}
	result, err := s.service.ListConversations(r.Context(), tenantFrom(r), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":       conversationsResponse(result.Content),
		"page":          result.Page,
		"size":          result.Size,
		"totalElements": result.TotalElements,
		"totalPages":    result.TotalPages,
	})
}

func (s *HTTPServer) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body ConversationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tenant := tenantFrom(r)
	created, err := s.service.CreateConversation(r.Context(), tenant, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/%s/%s/conversations/%s", tenant.MunicipalityID, tenant.Namespace, created.ID))
	writeJSON(w, http.StatusCreated, conversationResponse(created))
}

func (s *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.GetConversation(r.Context(), tenantFrom(r), chi.URLParam(r, "conversationId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(item))
}

func (s *HTTPServer) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	actor, ok := sentBy(w, r)
	if !ok {
		return
	}
	var body ConversationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	updated, err := s.service.UpdateConversation(r.Context(), tenantFrom(r), chi.URLParam(r, "conversationId"), body, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(updated))
}

func (s *HTTPServer) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteConversation(r.Context(), tenantFrom(r), chi.URLParam(r, "conversationId")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request) {
	reader, ok := sentBy(w, r)
	if !ok {
		return
	}
	page, ok := s.pageFromQuery(w, r)
	if !ok {
		return
	}
	result, err := s.service.ListMessages(r.Context(), tenantFrom(r), chi.URLParam(r, "conversationId"), page, reader)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":       messagesResponse(result.Content),
		"page":          result.Page,
		"size":          result.Size,
		"totalElements": result.TotalElements,
		"totalPages":    result.TotalPages,
	})
}

func (s *HTTPServer) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sender, ok := sentBy(w, r)
	if !ok {
		return
	}
	var body MessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tenant := tenantFrom(r)
	conversationID := chi.URLParam(r, "conversationId")
	created, err := s.service.CreateMessage(r.Context(), tenant, conversationID, body, sender)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/%s/%s/conversations/%s/messages/%s", tenant.MunicipalityID, tenant.Namespace, conversationID, created.ID))
	writeJSON(w, http.StatusCreated, messageResponse(created))
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteMessage(r.Context(), tenantFrom(r), chi.URLParam(r, "conversationId"), chi.URLParam(r, "messageId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tenantKey struct{}

type tenantParams struct {
	MunicipalityID string `validate:"required,len=4,number"`
	Namespace      string `validate:"required,namespace"`
}

func (s *HTTPServer) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params := tenantParams{
			MunicipalityID: chi.URLParam(r, "municipalityId"),
			Namespace:      chi.URLParam(r, "namespace"),
		}
		if err := s.validate.Struct(params); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid tenant", validationDetails(err))
			return
		}
		tenant := sequence.TenantKey{Namespace: params.Namespace, MunicipalityID: params.MunicipalityID}
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("tenant.namespace", tenant.Namespace),
			attribute.String("tenant.municipality_id", tenant.MunicipalityID),
		)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func (s *HTTPServer) requireUUIDParam(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.validate.Var(chi.URLParam(r, name), "required,uuid"); err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", name+" must be a UUID", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tenantFrom(r *http.Request) sequence.TenantKey {
	tenant, _ := r.Context().Value(tenantKey{}).(sequence.TenantKey)
	return tenant
}

func (s *HTTPServer) pageFromQuery(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	page := store.Page{Number: 0, Size: s.service.cfg.DefaultPageSize}
	query := r.URL.Query()
	var err error
	if raw := query.Get("page"); raw != "" {
		if page.Number, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "page must be a number", nil)
			return store.Page{}, false
		}
	}
	if raw := query.Get("size"); raw != "" {
		if page.Size, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "size must be a number", nil)
			return store.Page{}, false
		}
	}
	if err := s.validate.Var(page.Number, "gte=0"); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "page must not be negative", nil)
		return store.Page{}, false
	}
	if err := s.validate.Var(page.Size, fmt.Sprintf("gte=1,lte=%d", s.service.cfg.MaxPageSize)); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("size must be between 1 and %d", s.service.cfg.MaxPageSize), nil)
		return store.Page{}, false
	}
	return page, true
}

func sentBy(w http.ResponseWriter, r *http.Request) (*store.Identifier, bool) {
	identity, err := auth.ParseSentBy(r.Header.Get(auth.HeaderSentBy))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SENT_BY", "X-Sent-By must look like 'type=adAccount; joe01doe'", nil)
		return nil, false
	}
	return identity, true
}

func validationDetails(err error) any {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	details := make([]map[string]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, map[string]string{
			"field": fieldErr.Field(),
			"rule":  fieldErr.Tag(),
		})
	}
	return details
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		log.Printf("app: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
		} else {
			next.ServeHTTP(writer, r)
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.Int("http.status_code", writer.status),
		)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Sent-By")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Location, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, sequence.ErrStorageUnavailable) {
		return http.StatusServiceUnavailable, "SEQUENCE_UNAVAILABLE", "Sequence number could not be allocated", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
