package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateAccount creates a new account.
func (db *DB) CreateAccount(account *Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt

	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode account settings: %w", err)
	}
	folders, err := json.Marshal(account.ScanFolders)
	if err != nil {
		return fmt.Errorf("failed to encode scan folders: %w", err)
	}

	query := `INSERT INTO accounts (id, label, type, settings, scan_folders, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query, account.ID, account.Label, account.Type,
		string(settings), string(folders), account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByID returns an account by its ID.
func (db *DB) GetAccountByID(id string) (*Account, error) {
	query := `SELECT id, label, type, settings, scan_folders, created_at, updated_at
		FROM accounts WHERE id = ?`

	return scanAccount(db.conn.QueryRow(query, id))
}

// ListAccounts returns all accounts ordered by label.
func (db *DB) ListAccounts() ([]*Account, error) {
	query := `SELECT id, label, type, settings, scan_folders, created_at, updated_at
		FROM accounts ORDER BY label`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// ListAccountsByType returns all accounts of the given type.
func (db *DB) ListAccountsByType(at AccountType) ([]*Account, error) {
	query := `SELECT id, label, type, settings, scan_folders, created_at, updated_at
		FROM accounts WHERE type = ? ORDER BY label`

	rows, err := db.conn.Query(query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccountFromRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// UpdateAccount updates an existing account.
func (db *DB) UpdateAccount(account *Account) error {
	account.UpdatedAt = time.Now().UTC()

	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode account settings: %w", err)
	}
	folders, err := json.Marshal(account.ScanFolders)
	if err != nil {
		return fmt.Errorf("failed to encode scan folders: %w", err)
	}

	query := `UPDATE accounts SET label = ?, type = ?, settings = ?, scan_folders = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, account.Label, account.Type,
		string(settings), string(folders), account.UpdatedAt, account.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAccount deletes an account by its ID. Mappings and tracked events
// referencing the account are removed by the cascading foreign keys.
func (db *DB) DeleteAccount(id string) error {
	result, err := db.conn.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// CreateMapping creates a new sync mapping.
func (db *DB) CreateMapping(mapping *SyncMapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	mapping.CreatedAt = time.Now().UTC()
	mapping.UpdatedAt = mapping.CreatedAt

	query := `INSERT INTO sync_mappings
		(id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, mapping.ID, mapping.IMAPAccountID, mapping.IMAPFolder,
		mapping.CalDAVAccountID, mapping.CalendarURL, mapping.CalendarName,
		mapping.CreatedAt, mapping.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mapping for folder already exists", ErrDuplicate)
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	return nil
}

// GetMappingByID returns a sync mapping by its ID.
func (db *DB) GetMappingByID(id string) (*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name, created_at, updated_at
		FROM sync_mappings WHERE id = ?`

	return scanMapping(db.conn.QueryRow(query, id))
}

// ListMappings returns all sync mappings.
func (db *DB) ListMappings() ([]*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name, created_at, updated_at
		FROM sync_mappings ORDER BY imap_account_id, imap_folder`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*SyncMapping
	for rows.Next() {
		mapping := &SyncMapping{}
		var name sql.NullString
		err := rows.Scan(&mapping.ID, &mapping.IMAPAccountID, &mapping.IMAPFolder,
			&mapping.CalDAVAccountID, &mapping.CalendarURL, &name,
			&mapping.CreatedAt, &mapping.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mapping.CalendarName = name.String
		mappings = append(mappings, mapping)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// ResolveMapping returns the mapping for a (source account, folder) pair.
// The lookup is an exact match; unmapped folders return ErrNotFound.
func (db *DB) ResolveMapping(accountID, folder string) (*SyncMapping, error) {
	query := `SELECT id, imap_account_id, imap_folder, caldav_account_id, calendar_url, calendar_name, created_at, updated_at
		FROM sync_mappings WHERE imap_account_id = ? AND imap_folder = ?`

	return scanMapping(db.conn.QueryRow(query, accountID, folder))
}

// UpdateMapping updates an existing sync mapping.
func (db *DB) UpdateMapping(mapping *SyncMapping) error {
	mapping.UpdatedAt = time.Now().UTC()

	query := `UPDATE sync_mappings SET imap_account_id = ?, imap_folder = ?, caldav_account_id = ?,
		calendar_url = ?, calendar_name = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, mapping.IMAPAccountID, mapping.IMAPFolder,
		mapping.CalDAVAccountID, mapping.CalendarURL, mapping.CalendarName,
		mapping.UpdatedAt, mapping.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mapping for folder already exists", ErrDuplicate)
		}
		return fmt.Errorf("failed to update mapping: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteMapping deletes a sync mapping by its ID.
func (db *DB) DeleteMapping(id string) error {
	result, err := db.conn.Exec(`DELETE FROM sync_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row *sql.Row) (*Account, error) {
	account, err := scanAccountFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return account, err
}

func scanAccountFromRows(rows *sql.Rows) (*Account, error) {
	return scanAccountFrom(rows)
}

func scanAccountFrom(row rowScanner) (*Account, error) {
	account := &Account{}
	var settings string
	var folders sql.NullString

	err := row.Scan(&account.ID, &account.Label, &account.Type, &settings, &folders,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	if err := json.Unmarshal([]byte(settings), &account.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode account settings: %w", err)
	}
	if folders.Valid && folders.String != "" {
		if err := json.Unmarshal([]byte(folders.String), &account.ScanFolders); err != nil {
			return nil, fmt.Errorf("failed to decode scan folders: %w", err)
		}
	}

	return account, nil
}

func scanMapping(row *sql.Row) (*SyncMapping, error) {
	mapping := &SyncMapping{}
	var name sql.NullString

	err := row.Scan(&mapping.ID, &mapping.IMAPAccountID, &mapping.IMAPFolder,
		&mapping.CalDAVAccountID, &mapping.CalendarURL, &name,
		&mapping.CreatedAt, &mapping.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	mapping.CalendarName = name.String
	return mapping, nil
}
