package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// sqlite-backed durable store and permission resolver. one row per sheet
// holding the serialized canonical document; grants live in
// sheet_permissions with the sheet owner implicit from sheets.user_id

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	role TEXT NOT NULL DEFAULT 'editor',
	created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sheets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT 'Untitled',
	content TEXT NOT NULL,
	created_at TEXT DEFAULT (datetime('now')),
	updated_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sheets_user_id ON sheets(user_id);

CREATE TABLE IF NOT EXISTS sheet_permissions (
	sheet_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	permission TEXT NOT NULL,
	created_at TEXT DEFAULT (datetime('now')),
	PRIMARY KEY (sheet_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_sheet_permissions_user ON sheet_permissions(user_id);
`

// elevated role with implicit owner-equivalent access
const RoleAdmin = "admin"

type SqliteStore struct {
	db *sql.DB
}

func OpenSqliteStore(dsn string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY under concurrent flushes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db: db,
	}, nil
}

// DurableStore

func (self *SqliteStore) LoadCanonical(ctx context.Context, sheetId Id) (*CanonicalDocument, bool, error) {
	var name string
	var content []byte
	err := self.db.QueryRowContext(
		ctx,
		`SELECT name, content FROM sheets WHERE id = ?`,
		sheetId.String(),
	).Scan(&name, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	doc, err := DecodeCanonicalDocument(name, content)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (self *SqliteStore) SaveCanonical(ctx context.Context, sheetId Id, doc *CanonicalDocument) error {
	content, err := doc.EncodeJson()
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO sheets (id, name, content) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE
			SET name = excluded.name, content = excluded.content, updated_at = datetime('now')`,
		sheetId.String(),
		doc.Name,
		content,
	)
	return err
}

// PermissionResolver

func (self *SqliteStore) ResolvePermission(ctx context.Context, sheetId Id, userId Id) (Permission, error) {
	var ownerId string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT user_id FROM sheets WHERE id = ?`,
		sheetId.String(),
	).Scan(&ownerId)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionNone, nil
	}
	if err != nil {
		return PermissionNone, err
	}
	if ownerId == userId.String() {
		return PermissionOwner, nil
	}

	var permissionStr string
	err = self.db.QueryRowContext(
		ctx,
		`SELECT permission FROM sheet_permissions WHERE sheet_id = ? AND user_id = ?`,
		sheetId.String(),
		userId.String(),
	).Scan(&permissionStr)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionNone, nil
	}
	if err != nil {
		return PermissionNone, err
	}
	switch permission := Permission(permissionStr); permission {
	case PermissionOwner, PermissionEdit, PermissionView:
		return permission, nil
	default:
		return PermissionNone, fmt.Errorf("unknown permission %q", permissionStr)
	}
}

func (self *SqliteStore) IsElevated(ctx context.Context, userId Id) (bool, error) {
	var role string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT role FROM users WHERE id = ?`,
		userId.String(),
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role == RoleAdmin, nil
}

// administrative helpers, used by tooling and tests

func (self *SqliteStore) CreateUser(ctx context.Context, userId Id, username string, role string) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO users (id, username, role) VALUES (?, ?, ?)`,
		userId.String(),
		username,
		role,
	)
	return err
}

func (self *SqliteStore) CreateSheet(ctx context.Context, sheetId Id, ownerUserId Id, name string) error {
	doc := NewCanonicalDocument(name)
	content, err := doc.EncodeJson()
	if err != nil {
		return err
	}
	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO sheets (id, user_id, name, content) VALUES (?, ?, ?, ?)`,
		sheetId.String(),
		ownerUserId.String(),
		name,
		content,
	)
	return err
}

func (self *SqliteStore) GrantPermission(ctx context.Context, sheetId Id, userId Id, permission Permission) error {
	_, err := self.db.ExecContext(
		ctx,
		`INSERT INTO sheet_permissions (sheet_id, user_id, permission) VALUES (?, ?, ?)
			ON CONFLICT(sheet_id, user_id) DO UPDATE SET permission = excluded.permission`,
		sheetId.String(),
		userId.String(),
		string(permission),
	)
	return err
}

func (self *SqliteStore) RevokePermission(ctx context.Context, sheetId Id, userId Id) error {
	_, err := self.db.ExecContext(
		ctx,
		`DELETE FROM sheet_permissions WHERE sheet_id = ? AND user_id = ?`,
		sheetId.String(),
		userId.String(),
	)
	return err
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}
