package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIURL      = "http://localhost:3000"
	DefaultSocketEvent = "receiveMessage"
	DefaultTokenTTL    = 7 * 24 * time.Hour

	// DefaultSocketProtocol is the framing of the production backend. The dev
	// server speaks "json".
	DefaultSocketProtocol = "socketio"
)

// Client is the configuration of the chat client.
type Client struct {
	APIURL         string
	DataDir        string
	SocketEvent    string
	SocketProtocol string
	LogLevel       string
}

// Server is the configuration of the development backend.
type Server struct {
	ServerAddress string
	DatabaseURL   string
	JWTSecret     string
	TokenTTL      time.Duration
	LogLevel      string
}

// LoadEnvFile loads variables from a .env file in the working directory, if
// one exists. Variables already set in the environment win.
func LoadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

func LoadClient() *Client {
	return &Client{
		APIURL:         getEnv("CHAT_API_URL", DefaultAPIURL),
		DataDir:        getEnv("CHAT_DATA_DIR", defaultDataDir()),
		SocketEvent:    getEnv("CHAT_SOCKET_EVENT", DefaultSocketEvent),
		SocketProtocol: getEnv("CHAT_SOCKET_PROTOCOL", DefaultSocketProtocol),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// TokenPath is the SQLite file holding the auth cookie.
func (c *Client) TokenPath() string {
	return filepath.Join(c.DataDir, "cookies.db")
}

func (c *Client) LogPath() string {
	return filepath.Join(c.DataDir, "chat.log")
}

func LoadServer() *Server {
	return &Server{
		ServerAddress: getEnv("SERVER_ADDRESS", ":3000"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://data/devserver.db"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-key"),
		TokenTTL:      getDuration("TOKEN_TTL", DefaultTokenTTL),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

// CleanDatabasePath returns a filesystem path from the database URL, relative
// paths being resolved against the working directory.
func (c *Server) CleanDatabasePath() (string, error) {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if dbPath == ":memory:" || filepath.IsAbs(dbPath) {
		return dbPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, dbPath), nil
}

// UpdateDatabasePath updates the database path, keeping the sqlite:// prefix
// if it was present.
func (c *Server) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "secure-chat")
	}
	return filepath.Join(".", ".secure-chat")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
