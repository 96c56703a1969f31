// Package store persists per-tenant, per-provider credential records.
//
// Records are keyed by (tenant_id, provider) and held in SQLite. Sensitive
// fields (per the provider field schema) are encrypted with the process-wide
// cipher before they touch the database; structural fields such as endpoint
// URLs are stored in clear. The store never decrypts on Get; decryption is
// the resolver's job. List decrypts only to derive masked previews and never
// returns a full secret.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyrail/keyrail/internal/cipher"
	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/schema"
)

var tracer = krotel.Tracer("github.com/keyrail/keyrail/internal/store")

// ValidationError reports every problem with a submitted field set, not just
// the first. It is user-fixable and non-retryable.
type ValidationError struct {
	Provider string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid credentials for provider %s: %s", e.Provider, strings.Join(e.Problems, "; "))
}

// Record is a stored tenant credential. Sensitive field values are ciphertext.
type Record struct {
	TenantID string
	Provider string
	Fields   map[string]string
	SetAt    time.Time
}

// Summary is the display-safe view of a record returned by List. MaskedKey
// shows only the trailing characters of the decrypted secret.
type Summary struct {
	Provider         string    `json:"provider"`
	MaskedKey        string    `json:"masked_key"`
	FieldsSet        []string  `json:"fields_set"`
	EncryptionStatus string    `json:"encryption_status"`
	SetAt            time.Time `json:"set_at"`
}

// Store manages encrypted tenant credential records.
type Store struct {
	db     *sql.DB
	cipher *cipher.Cipher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens the credential store at dbPath. The cipher is used to encrypt
// sensitive fields on write and to derive masked previews on list.
func New(dbPath string, c *cipher.Cipher) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening credentials database: %w", err)
	}

	schemaSQL := `
	CREATE TABLE IF NOT EXISTS tenant_credentials (
		tenant_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		fields_json TEXT NOT NULL,
		set_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, provider)
	);

	CREATE INDEX IF NOT EXISTS idx_tenant_credentials_tenant ON tenant_credentials(tenant_id);
	`
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{
		db:     db,
		cipher: c,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// keyLock returns the mutex serializing writes for one (tenant, provider) key.
// Writes to different keys proceed concurrently.
func (s *Store) keyLock(tenantID, provider string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "\x00" + provider
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Put validates fields against the provider field schema, encrypts sensitive
// fields, and writes the record, overwriting any existing record for the same
// (tenant_id, provider). Validation failures return a *ValidationError
// listing every problem; nothing is persisted on failure.
func (s *Store) Put(ctx context.Context, tenantID, provider string, fields map[string]string) error {
	provider = schema.Canonicalize(provider)
	ctx, span := tracer.Start(ctx, "credentials.put",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", provider),
		))
	defer span.End()

	fs, err := schema.Lookup(provider)
	if err != nil {
		return &ValidationError{Provider: provider, Problems: []string{err.Error()}}
	}
	if problems := fs.Validate(fields); len(problems) > 0 {
		return &ValidationError{Provider: provider, Problems: problems}
	}

	stored := make(map[string]string, len(fields))
	for name, value := range fields {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if fs.IsSensitive(name) {
			ct, err := s.cipher.Encrypt(value)
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("encrypting %s: %w", name, err)
			}
			stored[name] = ct
		} else {
			stored[name] = value
		}
	}

	fieldsJSON, err := json.Marshal(stored)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshaling fields: %w", err)
	}

	lock := s.keyLock(tenantID, provider)
	lock.Lock()
	defer lock.Unlock()

	query := `
		INSERT INTO tenant_credentials (tenant_id, provider, fields_json, set_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, provider) DO UPDATE SET
			fields_json = excluded.fields_json,
			set_at = excluded.set_at
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, provider, string(fieldsJSON), time.Now().UTC()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Get returns the stored record with sensitive fields still encrypted, or
// (nil, false, nil) when no record exists. A missing record is not an error.
func (s *Store) Get(ctx context.Context, tenantID, provider string) (*Record, bool, error) {
	provider = schema.Canonicalize(provider)
	ctx, span := tracer.Start(ctx, "credentials.get",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", provider),
		))
	defer span.End()

	var fieldsJSON string
	var setAt time.Time
	query := `SELECT fields_json, set_at FROM tenant_credentials WHERE tenant_id = ? AND provider = ?`
	err := s.db.QueryRowContext(ctx, query, tenantID, provider).Scan(&fieldsJSON, &setAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("querying credentials: %w", err)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("unmarshaling fields: %w", err)
	}

	return &Record{
		TenantID: tenantID,
		Provider: provider,
		Fields:   fields,
		SetAt:    setAt,
	}, true, nil
}

// List returns one display-safe summary per configured provider for the
// tenant. Secret values are masked; a record whose secret cannot be decrypted
// is reported with encryption_status "unreadable" rather than omitted, so an
// operator can see that the record needs to be re-set.
func (s *Store) List(ctx context.Context, tenantID string) ([]Summary, error) {
	ctx, span := tracer.Start(ctx, "credentials.list",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	query := `SELECT provider, fields_json, set_at FROM tenant_credentials WHERE tenant_id = ? ORDER BY provider`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		var provider, fieldsJSON string
		var setAt time.Time
		if err := rows.Scan(&provider, &fieldsJSON, &setAt); err != nil {
			continue
		}

		var fields map[string]string
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			continue
		}

		results = append(results, s.summarize(provider, fields, setAt))
	}
	return results, rows.Err()
}

func (s *Store) summarize(provider string, fields map[string]string, setAt time.Time) Summary {
	fieldsSet := make([]string, 0, len(fields))
	for name := range fields {
		fieldsSet = append(fieldsSet, name)
	}
	sort.Strings(fieldsSet)

	summary := Summary{
		Provider:         provider,
		FieldsSet:        fieldsSet,
		EncryptionStatus: "plaintext",
		SetAt:            setAt,
	}

	ct, ok := fields[schema.FieldAPIKey]
	if !ok {
		// Providers without an api_key field (e.g. ollama) have nothing to mask.
		return summary
	}
	if !cipher.IsEncrypted(ct) {
		summary.MaskedKey = MaskSecret(ct)
		return summary
	}

	summary.EncryptionStatus = "encrypted"
	plaintext, err := s.cipher.Decrypt(ct)
	if err != nil {
		summary.EncryptionStatus = "unreadable"
		return summary
	}
	summary.MaskedKey = MaskSecret(plaintext)
	return summary
}

// Delete removes the record for (tenant_id, provider). Returns true when a
// record was removed, false when none existed. Idempotent.
func (s *Store) Delete(ctx context.Context, tenantID, provider string) (bool, error) {
	provider = schema.Canonicalize(provider)
	ctx, span := tracer.Start(ctx, "credentials.delete",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("llm.provider", provider),
		))
	defer span.End()

	lock := s.keyLock(tenantID, provider)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE tenant_id = ? AND provider = ?`, tenantID, provider)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("deleting credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting credentials: %w", err)
	}
	return n > 0, nil
}

// MaskSecret renders a display-safe preview of a secret: a mask prefix plus
// at most the last 4 characters. The output can never reconstruct the secret.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "..." + secret[len(secret)-4:]
}
