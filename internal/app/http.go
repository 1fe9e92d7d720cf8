package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"catalog/api/internal/catalog"
	"catalog/api/internal/query"
	"catalog/api/internal/rbac"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.With(zap.String("component", "http"))}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	token := bearerToken(r)
	if token == "" && r.URL.Path == "/api/catalog/live" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	session, err := s.session(r.Context(), token)
	if err != nil {
		s.fail(w, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "catalog":
		s.handleCatalog(w, r, session, parts[2:])
	case "feed":
		if r.Method != http.MethodGet || len(parts) != 2 {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.FeedStatus())
	case "views":
		if len(parts) != 3 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		s.handleView(w, r, session, parts[2])
	case "documents":
		s.handleDocuments(w, r, session, parts[2:])
	case "categories":
		if len(parts) != 3 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		s.handleCategory(w, r, session, parts[2])
	case "tags":
		if len(parts) != 3 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		s.handleTag(w, r, session, parts[2])
	case "users":
		if len(parts) != 4 || parts[3] != "role" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		s.handleUserRole(w, r, session, parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// session resolves the caller. No token means a guest; a bad token is an
// error rather than a silent downgrade.
func (s *HTTPServer) session(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return GuestSession(), nil
	}
	return s.service.SessionFromToken(ctx, token)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	for name, ping := range map[string]func(context.Context) error{
		"store": s.service.Ping,
		"roles": s.service.PingRoles,
	} {
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	checks["feed"] = map[string]any{"status": string(s.service.FeedStatus().Phase)}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCatalog(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		state := stateFromQuery(r)
		writeJSON(w, http.StatusOK, s.service.Catalog(session, state, query.ParseMode(r.URL.Query().Get("mode"))))

	case len(parts) == 1 && parts[0] == "state" && r.Method == http.MethodPost:
		var body stateRequest
		if err := decodeValidated(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		var mode *query.Mode
		if body.Mode != "" {
			m := query.ParseMode(body.Mode)
			mode = &m
		}
		result, err := s.service.ApplyView(r.Context(), session, body.ViewID, mode, body.all()...)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 1 && parts[0] == "facets" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.Facets(session))

	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		report, err := s.service.CatalogHealth(session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case len(parts) == 1 && parts[0] == "live" && r.Method == http.MethodGet:
		s.serveLive(w, r, session)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// stateFromQuery mirrors the filter state in query parameters. Set-valued
// parameters may repeat or hold comma-separated values.
func stateFromQuery(r *http.Request) query.State {
	values := r.URL.Query()
	state := query.DefaultState()
	state.Search = values.Get("q")
	state.Categories = listParam(values["category"])
	state.Tags = listParam(values["tag"])
	for _, role := range listParam(values["role"]) {
		state.Roles = append(state.Roles, rbac.Role(strings.ToLower(role)))
	}
	if sort := values.Get("sort"); sort != "" {
		state.Sort = query.SortBy(sort)
	}
	if view := values.Get("view"); view != "" {
		state.View = query.ViewMode(view)
	}
	if page, err := strconv.Atoi(values.Get("page")); err == nil {
		state.Page = page
	}
	return state.Normalize()
}

func listParam(raw []string) []string {
	var out []string
	for _, value := range raw {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (s *HTTPServer) handleView(w http.ResponseWriter, r *http.Request, session Session, viewID string) {
	switch r.Method {
	case http.MethodGet:
		result, err := s.service.ApplyView(r.Context(), session, viewID, nil)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := s.service.CloseView(session, viewID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if err := requireAdmin(session); err != nil {
			s.fail(w, err)
			return
		}
		fields, err := decodeFields(r, &documentInput{})
		if err != nil {
			s.fail(w, err)
			return
		}
		id, err := s.service.CreateDocument(r.Context(), session, fields)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}

	documentID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(r.Context(), session, documentID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPatch:
			if err := requireAdmin(session); err != nil {
				s.fail(w, err)
				return
			}
			fields, err := decodeFields(r, &documentPatch{})
			if err != nil {
				s.fail(w, err)
				return
			}
			if err := s.service.UpdateDocument(r.Context(), session, documentID, fields); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			report, err := s.service.DeleteDocument(r.Context(), session, documentID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "attachments": report})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "access" && r.Method == http.MethodGet:
		access, err := s.service.DocumentAccess(session, documentID, rbac.Role(r.URL.Query().Get("as")))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, access)

	case len(parts) == 3 && parts[1] == "content" && r.Method == http.MethodPut:
		if err := requireAdmin(session); err != nil {
			s.fail(w, err)
			return
		}
		raw, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var content any
		if err := json.Unmarshal(raw, &content); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
			return
		}
		if err := s.service.UpdateContent(r.Context(), session, documentID, parts[2], content); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "attachments" && r.Method == http.MethodGet:
		files, err := s.service.ListAttachments(r.Context(), session, documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": files})

	case len(parts) == 2 && parts[1] == "attachments" && r.Method == http.MethodPost:
		defer r.Body.Close()
		file, err := s.service.UploadAttachment(r.Context(), session, documentID, r.URL.Query().Get("name"), r.Body, r.ContentLength, r.Header.Get("Content-Type"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, file)

	case len(parts) == 2 && parts[1] == "thumbnail" && r.Method == http.MethodPut:
		defer r.Body.Close()
		url, err := s.service.SetThumbnail(r.Context(), session, documentID, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"thumbnailUrl": url})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleCategory(w http.ResponseWriter, r *http.Request, session Session, categoryID string) {
	switch r.Method {
	case http.MethodPut:
		if err := requireAdmin(session); err != nil {
			s.fail(w, err)
			return
		}
		var body categoryInput
		if err := decodeValidated(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		category := body.category(categoryID)
		if err := s.service.PutCategory(r.Context(), session, category); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, category)
	case http.MethodDelete:
		if err := s.service.DeleteCategory(r.Context(), session, categoryID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleTag(w http.ResponseWriter, r *http.Request, session Session, tagID string) {
	switch r.Method {
	case http.MethodPut:
		if err := requireAdmin(session); err != nil {
			s.fail(w, err)
			return
		}
		var body tagInput
		if err := decodeValidated(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		tag := catalog.Tag{ID: tagID, Name: body.Name, Color: body.Color}
		if err := s.service.PutTag(r.Context(), session, tag); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tag)
	case http.MethodDelete:
		if err := s.service.DeleteTag(r.Context(), session, tagID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleUserRole(w http.ResponseWriter, r *http.Request, session Session, userID string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if err := requireAdmin(session); err != nil {
		s.fail(w, err)
		return
	}
	var body roleInput
	if err := decodeValidated(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	role := rbac.Role(body.Role)
	if err := s.service.SetUserRole(r.Context(), session, userID, role); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "role": role})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
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

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
