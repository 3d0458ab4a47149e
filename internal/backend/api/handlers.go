package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/db"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/backend/websocket"
	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

type contextKey string

const (
	userContextKey contextKey = "user"
	cookieName                = "auth_token"
)

type Handlers struct {
	db       *db.DB
	hub      *websocket.Hub
	secret   []byte
	ttl      time.Duration
	log      zerolog.Logger
	upgrader gorilla.Upgrader
}

func NewHandlers(database *db.DB, hub *websocket.Hub, secret string, ttl time.Duration, logger zerolog.Logger) *Handlers {
	return &Handlers{
		db:     database,
		hub:    hub,
		secret: []byte(secret),
		ttl:    ttl,
		log:    logger.With().Str("component", "api").Logger(),
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes returns the complete HTTP surface of the server.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", h.HandleLogin)
	mux.HandleFunc("POST /auth/signup", h.HandleSignup)
	mux.HandleFunc("POST /auth/google", h.HandleGoogle)

	mux.Handle("GET /users", h.WithAuth(http.HandlerFunc(h.HandleUsers)))
	mux.Handle("GET /users/me", h.WithAuth(http.HandlerFunc(h.HandleMe)))
	mux.Handle("GET /chat/conversations", h.WithAuth(http.HandlerFunc(h.HandleConversations)))
	mux.Handle("GET /chat/messages/{id}", h.WithAuth(http.HandlerFunc(h.HandleMessages)))

	logged := h.WithCORS(LogRequests(h.log, mux))

	// the socket skips the logging writer, which cannot be hijacked
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/socket" {
			h.HandleSocket(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// Middleware

func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the user from the bearer token, the token query
// parameter or the auth cookie, in that order.
func (h *Handlers) authenticate(r *http.Request) (*models.User, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		return nil, errors.New("no token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, errors.New("invalid user id in token")
	}
	return h.db.GetUserByID(userID)
}

func (h *Handlers) issueToken(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(h.ttl).Unix(),
	})
	return token.SignedString(h.secret)
}

// Auth handlers

func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	user, err := h.db.CreateUser(strings.TrimSpace(req.Name), req.Email, string(hashedPassword), "")
	if errors.Is(err, db.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("creating user")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.log.Info().Str("user_id", user.ID).Msg("user signed up")
	writeEnvelope(w, http.StatusCreated, "User created successfully", user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acc, err := h.db.GetUserByEmail(req.Email)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.log.Error().Err(err).Msg("looking up user")
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if acc.Password == "" || bcrypt.CompareHashAndPassword([]byte(acc.Password), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.respondWithToken(w, acc.ID)
}

// HandleGoogle signs in with a Google ID token. The development server reads
// the credential's claims without checking Google's signature.
func (h *Handlers) HandleGoogle(w http.ResponseWriter, r *http.Request) {
	var req models.GoogleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(req.Token, claims); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	email, _ := claims["email"].(string)
	if email == "" {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	picture, _ := claims["picture"].(string)

	user, err := h.db.UpsertUser(name, email, picture)
	if err != nil {
		h.log.Error().Err(err).Msg("upserting google user")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.respondWithToken(w, user.ID)
}

func (h *Handlers) respondWithToken(w http.ResponseWriter, userID string) {
	tokenString, err := h.issueToken(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.ttl.Seconds()),
	})
	h.log.Info().Str("user_id", userID).Msg("user logged in")
	writeEnvelope(w, http.StatusOK, "Login successful", models.TokenData{Token: tokenString})
}

// User handlers

func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.GetAllUsers()
	if err != nil {
		h.log.Error().Err(err).Msg("listing users")
		writeError(w, http.StatusInternalServerError, "Failed to get users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Conversation handlers

func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversations, err := h.db.GetUserConversations(user.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("fetching conversations")
		writeError(w, http.StatusInternalServerError, "Failed to fetch conversations")
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversationID := r.PathValue("id")

	messages, err := h.db.GetConversationMessages(conversationID, user.ID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", conversationID).Msg("fetching messages")
		writeError(w, http.StatusInternalServerError, "Failed to fetch messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// WebSocket handler

func (h *Handlers) HandleSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("socket rejected")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if id := r.URL.Query().Get("userId"); id != "" && id != user.ID {
		writeError(w, http.StatusForbidden, "userId does not match token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := websocket.NewClient(h.hub, conn, user.ID)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEnvelope[T any](w http.ResponseWriter, status int, message string, data T) {
	writeJSON(w, status, models.Envelope[T]{StatusCode: status, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.Envelope[any]{StatusCode: status, Message: message})
}
