package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type DB struct {
	*sql.DB
	now func() time.Time
}

// Account is a user together with its password hash. Google accounts have no
// password.
type Account struct {
	models.User
	Password string
}

func NewDB(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &DB{DB: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at DATETIME NOT NULL,
			UNIQUE (user_a, user_b),
			FOREIGN KEY (user_a) REFERENCES users(id),
			FOREIGN KEY (user_b) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_conversation ON messages (conversation_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// User methods

func (db *DB) CreateUser(name, email, passwordHash, avatar string) (*models.User, error) {
	user := &models.User{
		ID:     uuid.NewString(),
		Name:   name,
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Avatar: avatar,
	}
	_, err := db.Exec(
		"INSERT INTO users (id, name, email, password, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Name, user.Email, passwordHash, user.Avatar, db.now(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UpsertUser returns the user registered under email, creating it without a
// password if it does not exist yet.
func (db *DB) UpsertUser(name, email, avatar string) (*models.User, error) {
	acc, err := db.GetUserByEmail(email)
	if err == nil {
		return &acc.User, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return db.CreateUser(name, email, "", avatar)
}

func (db *DB) GetUserByEmail(email string) (*Account, error) {
	acc := &Account{}
	err := db.QueryRow(`
		SELECT id, name, email, password, avatar
		FROM users
		WHERE email = ?
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&acc.ID, &acc.Name, &acc.Email, &acc.Password, &acc.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return acc, nil
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	var user models.User
	err := db.QueryRow(
		"SELECT id, name, email, avatar FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.Name, &user.Email, &user.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &user, nil
}

// GetAllUsers returns every registered user ordered by name.
func (db *DB) GetAllUsers() ([]models.User, error) {
	rows, err := db.Query(`
		SELECT id, name, email, avatar
		FROM users
		ORDER BY name COLLATE NOCASE, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Conversation methods

// GetOrCreateConversation returns the id of the conversation between two
// users, creating it if needed. The pair is stored in sorted order so there is
// one row per pair regardless of who wrote first.
func (db *DB) GetOrCreateConversation(userID1, userID2 string) (string, error) {
	a, b := userID1, userID2
	if b < a {
		a, b = b, a
	}

	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow("SELECT id FROM conversations WHERE user_a = ? AND user_b = ?", a, b).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("failed to query existing conversation: %w", err)
	}

	id = uuid.NewString()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, user_a, user_b, last_message, last_message_at)
		VALUES (?, ?, ?, '', ?)
	`, id, a, b, db.now()); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// GetConversation returns the conversation as seen by viewerID: User is the
// other participant. ErrNotFound is returned when the viewer is not part of it.
func (db *DB) GetConversation(conversationID, viewerID string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := db.QueryRow(`
		SELECT c.id, c.last_message, c.last_message_at, u.id, u.name, u.email, u.avatar
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE c.id = ? AND (c.user_a = ? OR c.user_b = ?)
	`, viewerID, conversationID, viewerID, viewerID).Scan(
		&conv.ID, &conv.LastMessage, &conv.LastMessageAt,
		&conv.User.ID, &conv.User.Name, &conv.User.Email, &conv.User.Avatar,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return conv, nil
}

// GetUserConversations lists the conversations of userID that have at least
// one message, most recent first.
func (db *DB) GetUserConversations(userID string) ([]models.Conversation, error) {
	rows, err := db.Query(`
		SELECT c.id, c.last_message, c.last_message_at, u.id, u.name, u.email, u.avatar
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
		WHERE (c.user_a = ? OR c.user_b = ?)
		AND EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id)
		ORDER BY c.last_message_at DESC
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	convs := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.LastMessage, &c.LastMessageAt, &c.User.ID, &c.User.Name, &c.User.Email, &c.User.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

// Message methods

// SaveMessage stores a message and moves the conversation's last-message
// fields to it.
func (db *DB) SaveMessage(conversationID, senderID, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Message:   content,
		CreatedAt: db.now(),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, conversationID, senderID, content, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?
		WHERE id = ?
	`, content, msg.CreatedAt, conversationID); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	sender, err := db.GetUserByID(senderID)
	if err != nil {
		return nil, err
	}
	msg.Sender = *sender
	msg.Conversation.ID = conversationID
	return msg, nil
}

// GetConversationMessages returns the history of a conversation in
// chronological order, each message carrying the conversation as seen by
// viewerID.
func (db *DB) GetConversationMessages(conversationID, viewerID string) ([]models.Message, error) {
	conv, err := db.GetConversation(conversationID, viewerID)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT m.id, m.content, m.created_at, u.id, u.name, u.email, u.avatar
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at, m.rowid
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg := models.Message{Conversation: *conv}
		if err := rows.Scan(&msg.ID, &msg.Message, &msg.CreatedAt, &msg.Sender.ID, &msg.Sender.Name, &msg.Sender.Email, &msg.Sender.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
