package database

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"cctv-monitor/pkg/models"
)

// ErrUserNotFound is returned by user mutations that matched no row.
var ErrUserNotFound = errors.New("user not found")

// argon2Params holds the parameters for the Argon2id hashing algorithm.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

var params = &argon2Params{
	memory:      64 * 1024,
	iterations:  3,
	parallelism: 4,
	saltLength:  16,
	keyLength:   32,
}

var db *sql.DB

const schema = `
CREATE TABLE IF NOT EXISTS users (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"username" TEXT NOT NULL UNIQUE,
	"password_hash" TEXT NOT NULL,
	"is_admin" INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"job_type" TEXT NOT NULL,
	"payload" TEXT,
	"status" TEXT NOT NULL DEFAULT 'pending',
	"error" TEXT,
	"created_at" DATETIME DEFAULT CURRENT_TIMESTAMP,
	"updated_at" DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS update_jobs_updated_at
AFTER UPDATE ON jobs
FOR EACH ROW
BEGIN
	UPDATE jobs SET updated_at = CURRENT_TIMESTAMP WHERE id = OLD.id;
END;`

// InitDB opens monitor.db below dataDir and creates the users and jobs tables.
// The event list itself lives in the JSON event store, not here.
func InitDB(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", filepath.Join(dataDir, "monitor.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY between the worker and handlers.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	db = conn
	zap.L().Info("Database initialized", zap.String("path", filepath.Join(dataDir, "monitor.db")))
	return nil
}

// HashPassword generates an Argon2id hash of the password.
// The format is: $argon2id$v=19$m=<memory>,t=<iterations>,p=<parallelism>$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, params.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.iterations, params.memory, params.parallelism, params.keyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	format := "$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s"
	return fmt.Sprintf(format, argon2.Version, params.memory, params.iterations, params.parallelism, b64Salt, b64Hash), nil
}

// CheckPasswordHash compares a password with an Argon2id hash.
func CheckPasswordHash(password, hash string) bool {
	log := zap.L()
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		log.Warn("Invalid password hash format")
		return false
	}

	var version int
	_, err := fmt.Sscanf(parts[2], "v=%d", &version)
	if err != nil || version != argon2.Version {
		log.Warn("Incompatible Argon2 version")
		return false
	}

	p := &argon2Params{}
	_, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism)
	if err != nil {
		log.Warn("Failed to parse Argon2 params", zap.Error(err))
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.Warn("Failed to decode salt", zap.Error(err))
		return false
	}

	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.Warn("Failed to decode hash", zap.Error(err))
		return false
	}
	p.keyLength = uint32(len(decodedHash))

	comparisonHash := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, p.keyLength)
	return subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1
}

// UserExists checks if a user exists in the database.
func UserExists(username string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateUser creates a new operator account.
func CreateUser(username, password string, isAdmin bool) error {
	exists, err := UserExists(username)
	if err != nil {
		return fmt.Errorf("failed to check if user exists: %w", err)
	}
	if exists {
		return fmt.Errorf("user '%s' already exists", username)
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = db.Exec("INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, ?)", username, passwordHash, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	zap.L().Info("Created user", zap.String("username", username), zap.Bool("admin", isAdmin))
	return nil
}

// CheckUserCredentials verifies a user's credentials and returns the user on success.
func CheckUserCredentials(username, password string) (*models.User, bool) {
	var (
		user         models.User
		isAdminInt   int
		passwordHash string
	)
	err := db.QueryRow("SELECT id, username, is_admin, password_hash FROM users WHERE username = ?", username).
		Scan(&user.ID, &user.Username, &isAdminInt, &passwordHash)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			zap.L().Error("Failed to load user", zap.String("username", username), zap.Error(err))
		}
		return nil, false
	}
	if !CheckPasswordHash(password, passwordHash) {
		return nil, false
	}
	user.IsAdmin = isAdminInt == 1
	return &user, true
}

// GetUserByUsername returns (nil, nil) when the user does not exist.
func GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	var isAdminInt int
	err := db.QueryRow("SELECT id, username, is_admin FROM users WHERE username = ?", username).Scan(&user.ID, &user.Username, &isAdminInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	user.IsAdmin = isAdminInt == 1
	return &user, nil
}

// GetAllUsers retrieves all users ordered by name.
func GetAllUsers() ([]models.User, error) {
	rows, err := db.Query("SELECT id, username, is_admin FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var user models.User
		var isAdminInt int
		if err := rows.Scan(&user.ID, &user.Username, &isAdminInt); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		user.IsAdmin = isAdminInt == 1
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during user rows iteration: %w", err)
	}
	return users, nil
}

// DeleteUser deletes a user from the database.
func DeleteUser(username string) error {
	result, err := db.Exec("DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	zap.L().Info("Deleted user", zap.String("username", username))
	return nil
}

// UpdateUserPassword replaces a user's password hash.
func UpdateUserPassword(username, newPassword string) error {
	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash new password: %w", err)
	}
	result, err := db.Exec("UPDATE users SET password_hash = ? WHERE username = ?", passwordHash, username)
	if err != nil {
		return fmt.Errorf("failed to update password for user '%s': %w", username, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	zap.L().Info("Updated password", zap.String("username", username))
	return nil
}

// EnsureAdmin creates the admin account on first start.
func EnsureAdmin(password string) error {
	exists, err := UserExists("admin")
	if err != nil {
		return fmt.Errorf("failed to check for admin user: %w", err)
	}
	if exists {
		return nil
	}
	if password == "" {
		return errors.New("ADMIN_PASSWORD must be set to create the initial admin user")
	}
	return CreateUser("admin", password, true)
}

// GetDB returns the database connection pool.
func GetDB() *sql.DB {
	return db
}
