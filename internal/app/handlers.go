package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
	"github.com/Nemesis1804/Projet3-ROUGE/internal/store"
)

const bcryptCost = 12

// authTimeout bounds login/register requests. Expiry surfaces as a network
// error, never an authentication failure.
const authTimeout = 8 * time.Second

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/auth/register", a.handleRegister)
	mux.HandleFunc("/auth/login", a.handleLogin)
	mux.HandleFunc("/auth/logout", a.handleLogout)
	mux.HandleFunc("/admin/users", a.handleUsers)
	mux.HandleFunc("/admin/users/", a.handleUserByID)
	mux.HandleFunc("/logs", a.handleCreateLog)
	mux.HandleFunc("/ws", a.hub.ServeHTTP)
	mux.HandleFunc("/", a.handleRoot)

	return a.withCORS(mux)
}

// handleRoot keeps clients that dial ws://host:port/ working: a websocket
// upgrade on the bare path goes to the hub, anything else is a 404.
func (a *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
		a.hub.ServeHTTP(w, r)
		return
	}
	a.sendJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
}

func (a *App) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) sendError(w http.ResponseWriter, code int, msg string) {
	a.sendJSON(w, code, map[string]string{"error": msg})
}

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// authenticate resolves the bearer token to the calling user. A missing or
// forged token and a token whose user has since been deleted both produce
// 401, but the latter is logged at warn level since it points at an admin
// action racing a live session.
func (a *App) authenticate(r *http.Request) (model.User, int, string) {
	token := bearerToken(r)
	if token == "" {
		return model.User{}, http.StatusUnauthorized, "Missing token"
	}

	userID, err := a.sessions.Validate(token)
	if err != nil {
		return model.User{}, http.StatusUnauthorized, "Invalid token"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	user, err := a.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("session references deleted user", "userId", userID)
		return model.User{}, http.StatusUnauthorized, "User not found"
	}
	if err != nil {
		a.logger.Error("auth user lookup failed", "error", err)
		return model.User{}, http.StatusInternalServerError, "Server error"
	}
	return user, 0, ""
}

func (a *App) requireAdmin(w http.ResponseWriter, r *http.Request) (model.User, bool) {
	me, code, msg := a.authenticate(r)
	if code != 0 {
		a.sendError(w, code, msg)
		return model.User{}, false
	}
	if me.Role != model.RoleAdmin {
		a.sendError(w, http.StatusForbidden, "Admin only")
		return model.User{}, false
	}
	return me, true
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.sendJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "projet3-relay",
		"port":    a.cfg.HTTPPort,
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	database := false
	var dbError *string
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		msg := err.Error()
		dbError = &msg
	} else {
		database = true
	}

	link := a.bridge.Status()

	var lastMessageAt *int64
	if link.LastMessageAt != nil {
		ms := link.LastMessageAt.UnixMilli()
		lastMessageAt = &ms
	}
	var lastError *string
	if link.LastError != "" {
		lastError = &link.LastError
	}

	a.sendJSON(w, http.StatusOK, map[string]any{
		"api":      true,
		"database": database,
		"dbError":  dbError,

		"mqtt":              link.Connected,
		"mqttUrl":           orNil(a.cfg.MQTTURL),
		"mqttTopic":         orNil(a.cfg.MQTTTopic),
		"mqttMessages":      link.Messages,
		"lastMqttMessageAt": lastMessageAt,
		"lastMqttTopic":     orNil(link.LastTopic),
		"mqttLastError":     lastError,

		"timestamp": time.Now().UnixMilli(),
	})
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type credentialsRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
	Role      string `json:"role"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		a.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	fn := strings.TrimSpace(req.FirstName)
	ln := strings.TrimSpace(req.LastName)
	if fn == "" || ln == "" || req.Password == "" {
		a.sendError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	if len(req.Password) < 3 {
		a.sendError(w, http.StatusBadRequest, "Password too short")
		return
	}
	if isLockoutAdmin(fn, ln) {
		a.sendError(w, http.StatusForbidden, "This account is reserved (anti-lockout).")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	defer cancel()

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		a.logger.Error("hash password failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	created, err := a.store.CreateUser(ctx, model.User{
		FirstName:    fn,
		LastName:     ln,
		Role:         model.RoleUser,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrDuplicate) {
		a.sendError(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		a.logger.Error("create user failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	token, err := a.sessions.Issue(created.ID)
	if err != nil {
		a.logger.Error("issue token failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	a.sendJSON(w, http.StatusOK, map[string]any{"token": token, "user": created.Summary()})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		a.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	fn := strings.TrimSpace(req.FirstName)
	ln := strings.TrimSpace(req.LastName)
	if fn == "" || ln == "" || req.Password == "" {
		a.sendError(w, http.StatusBadRequest, "Missing fields")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	defer cancel()

	user, err := a.store.UserByName(ctx, fn, ln)
	if errors.Is(err, store.ErrNotFound) {
		a.sendError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		a.logger.Error("login user lookup failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		a.sendError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := a.sessions.Issue(user.ID)
	if err != nil {
		a.logger.Error("issue token failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	a.sendJSON(w, http.StatusOK, map[string]any{"token": token, "user": user.Summary()})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := bearerToken(r)
	if token == "" {
		a.sendError(w, http.StatusUnauthorized, "Missing token")
		return
	}

	a.sessions.Revoke(token)
	a.sendJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		a.logger.Error("list users failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	summaries := make([]model.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, u.Summary())
	}
	a.sendJSON(w, http.StatusOK, summaries)
}

func (a *App) createUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}

	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		a.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	fn := strings.TrimSpace(req.FirstName)
	ln := strings.TrimSpace(req.LastName)
	if fn == "" || ln == "" || req.Password == "" {
		a.sendError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	if isLockoutAdmin(fn, ln) {
		a.sendError(w, http.StatusForbidden, "This account is reserved (anti-lockout).")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		a.logger.Error("hash password failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	created, err := a.store.CreateUser(ctx, model.User{
		FirstName:    fn,
		LastName:     ln,
		Role:         model.ParseRole(req.Role),
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrDuplicate) {
		a.sendError(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		a.logger.Error("create user failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	a.sendJSON(w, http.StatusOK, created.Summary())
}

var userIDPath = regexp.MustCompile(`^/admin/users/([^/]+)$`)

type patchUserRequest struct {
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

func (a *App) handleUserByID(w http.ResponseWriter, r *http.Request) {
	m := userIDPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		a.sendError(w, http.StatusNotFound, "Not found")
		return
	}
	userID := m[1]

	if r.Method != http.MethodPatch && r.Method != http.MethodDelete {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	me, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	target, err := a.store.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		a.sendError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		a.logger.Error("target user lookup failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	if r.Method == http.MethodDelete {
		if isLockoutAdmin(target.FirstName, target.LastName) {
			a.sendError(w, http.StatusForbidden, "Cannot delete anti-lockout admin.")
			return
		}
		if target.ID == me.ID {
			a.sendError(w, http.StatusForbidden, "You cannot delete your own account.")
			return
		}

		if err := a.store.DeleteUser(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.sendError(w, http.StatusNotFound, "User not found")
				return
			}
			a.logger.Error("delete user failed", "error", err)
			a.sendError(w, http.StatusInternalServerError, "Server error")
			return
		}
		a.sendJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	var req patchUserRequest
	if err := readJSON(r, &req); err != nil {
		a.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var role model.Role
	if req.Role != nil {
		role = model.ParseRole(*req.Role)
		if isLockoutAdmin(target.FirstName, target.LastName) && role != model.RoleAdmin {
			a.sendError(w, http.StatusForbidden, "Cannot change role of anti-lockout admin.")
			return
		}
	}

	var hash string
	if req.Password != nil && *req.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcryptCost)
		if err != nil {
			a.logger.Error("hash password failed", "error", err)
			a.sendError(w, http.StatusInternalServerError, "Server error")
			return
		}
		hash = string(h)
	}

	if role == "" && hash == "" {
		a.sendError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	if err := a.store.UpdateUser(ctx, userID, role, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.sendError(w, http.StatusNotFound, "User not found")
			return
		}
		a.logger.Error("update user failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	resp := map[string]any{"id": userID}
	if role != "" {
		resp["role"] = role
	}
	a.sendJSON(w, http.StatusOK, resp)
}

type createLogRequest struct {
	Status string `json:"status"`
}

func (a *App) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createLogRequest
	if err := readJSON(r, &req); err != nil {
		a.sendError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	status := strings.TrimSpace(req.Status)
	if status == "" {
		a.sendJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "Missing status"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := a.store.InsertLog(ctx, model.LogEntry{Status: status})
	if err != nil {
		a.logger.Error("insert log failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "Server error")
		return
	}

	if a.cfg.Debug {
		a.logger.Debug("log inserted", "id", id, "status", status)
	}
	a.sendJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}
