package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AccountsStore holds per-address upload limits in MySQL. It backs the
// optional authorize step of the upload workflow and the administrative
// upload-limit endpoints.
type AccountsStore struct {
	db *sql.DB
}

// NewAccountsStore opens the database and ensures the users table exists.
func NewAccountsStore(dsn string) (*AccountsStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// uploadlimit is in GB
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS users (
		address VARCHAR(42) PRIMARY KEY,
		uploadlimit INT NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &AccountsStore{db: db}, nil
}

// Close closes the database connection.
func (a *AccountsStore) Close() error {
	return a.db.Close()
}

// UploadLimit returns the upload limit in GB for the address. The boolean
// is false when the address has no account.
func (a *AccountsStore) UploadLimit(ctx context.Context, address string) (int, bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.upload_limit",
		trace.WithAttributes(attribute.String("address", address)),
	)
	defer span.End()

	var limit int
	err := a.db.QueryRowContext(ctx,
		`SELECT uploadlimit FROM users WHERE address = ?`,
		strings.ToLower(address),
	).Scan(&limit)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return 0, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("failed to query upload limit: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true), attribute.Int("limit_gb", limit))
	return limit, true, nil
}

// SetUploadLimit creates or updates the account for the address.
func (a *AccountsStore) SetUploadLimit(ctx context.Context, address string, limitGB int) error {
	ctx, span := tracer.Start(ctx, "mysql.set_upload_limit",
		trace.WithAttributes(
			attribute.String("address", address),
			attribute.Int("limit_gb", limitGB),
		),
	)
	defer span.End()

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO users (address, uploadlimit) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE uploadlimit = VALUES(uploadlimit)`,
		strings.ToLower(address), limitGB,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set upload limit: %w", err)
	}
	return nil
}
