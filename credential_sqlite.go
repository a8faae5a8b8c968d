package netbroker

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SqliteBackend is a password Backend with a hostname allow-list,
// grounded directly on original_source/msl/network/database.py's
// HostnamesTable and UsersTable schemas. It uses the pure-Go
// modernc.org/sqlite driver through database/sql rather than a
// cgo-backed one, the way bureau-foundation-bureau/lib/sqlitepool
// sets up its own pool around the same driver.
type SqliteBackend struct {
	db *sql.DB
}

func OpenSqliteBackend(path string) (*SqliteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	b := &SqliteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SqliteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hostnames (hostname TEXT NOT NULL, UNIQUE(hostname))`,
		`CREATE TABLE IF NOT EXISTS users (
			pid INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			key BLOB NOT NULL,
			salt BLOB NOT NULL,
			is_admin BOOLEAN NOT NULL,
			UNIQUE(username)
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *SqliteBackend) Close() error { return b.db.Close() }

func (b *SqliteBackend) Mode() AuthMode { return AuthPassword }

func (b *SqliteBackend) CheckHostname(hostname string) bool {
	var exists int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM hostnames WHERE hostname = ?`, hostname).Scan(&exists)
	return err == nil && exists > 0
}

// CheckFingerprint is always false: a sqlite-backed Manager
// authenticates by username/password, not by certificate pinning.
func (b *SqliteBackend) CheckFingerprint(string) bool { return false }

func (b *SqliteBackend) InsertHostname(hostname string) error {
	_, err := b.db.Exec(`INSERT OR IGNORE INTO hostnames VALUES (?)`, hostname)
	return err
}

func (b *SqliteBackend) DeleteHostname(hostname string) error {
	res, err := b.db.Exec(`DELETE FROM hostnames WHERE hostname = ?`, hostname)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hostname %q is not in the table", hostname)
	}
	return nil
}

func (b *SqliteBackend) Hostnames() ([]string, error) {
	rows, err := b.db.Query(`SELECT hostname FROM hostnames`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InsertUser adds a new user with a freshly-generated salt, matching
// UsersTable.insert's validation (empty passwords rejected, duplicate
// usernames rejected).
func (b *SqliteBackend) InsertUser(username, password string, isAdmin bool) error {
	if password == "" {
		return fmt.Errorf("the password cannot be an empty string")
	}
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	key := HashPassword(password, salt)

	_, err = b.db.Exec(`INSERT INTO users (username, key, salt, is_admin) VALUES (?, ?, ?, ?)`,
		username, key, salt, isAdmin)
	if err != nil {
		return fmt.Errorf("a user with the name %q already exists", username)
	}
	return nil
}

func (b *SqliteBackend) DeleteUser(username string) error {
	res, err := b.db.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q is not in the table", username)
	}
	return nil
}

func (b *SqliteBackend) Usernames() ([]string, error) {
	rows, err := b.db.Query(`SELECT username FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (b *SqliteBackend) IsUserAdmin(username string) (bool, error) {
	var isAdmin bool
	row := b.db.QueryRow(`SELECT is_admin FROM users WHERE username = ?`, username)
	if err := row.Scan(&isAdmin); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return isAdmin, nil
}

func (b *SqliteBackend) Authenticate(username, password string) (bool, error) {
	var key, salt []byte
	var isAdmin bool

	row := b.db.QueryRow(`SELECT key, salt, is_admin FROM users WHERE username = ?`, username)
	if err := row.Scan(&key, &salt, &isAdmin); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrAuthenticationFailed("unknown username or password")
		}
		return false, err
	}
	if !VerifyPassword(password, salt, key) {
		return false, ErrAuthenticationFailed("unknown username or password")
	}
	return isAdmin, nil
}
