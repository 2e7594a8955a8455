// Package store persists form submissions to Postgres with field-level
// encryption of the sensitive columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	submissionsTableName = "form_submissions"
	operationTimeout     = 5 * time.Second
	maxStoredErrorLength = 2000
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Submission is a registration record. Phone and IDNumber are plaintext in
// memory only; at rest they are AES-GCM ciphertext.
type Submission struct {
	ID           string
	Type         string // "consumer" or "industry"
	Name         string
	Phone        string
	Title        string
	Company      string
	IDType       string
	IDNumber     string
	BusinessType string
	Department   string
	ProofURLs    []string
	TraceID      string
	Status       Status
	RecordID     string
	LastError    string
	CreatedAt    time.Time
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Store struct {
	dsn     string
	cipher  *FieldCipher
	openDB  sqlOpenFunc
	timeout time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewStore(dsn string, cipher *FieldCipher) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if cipher == nil {
		return nil, errors.New("field cipher is required")
	}
	return &Store{
		dsn:     dsn,
		cipher:  cipher,
		openDB:  sql.Open,
		timeout: operationTimeout,
	}, nil
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		query := `
			CREATE TABLE IF NOT EXISTS ` + submissionsTableName + ` (
				id TEXT PRIMARY KEY,
				attendee_type TEXT NOT NULL,
				name TEXT NOT NULL,
				phone_enc TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				company TEXT NOT NULL DEFAULT '',
				id_type TEXT NOT NULL DEFAULT '',
				id_number_enc TEXT NOT NULL DEFAULT '',
				business_type TEXT NOT NULL DEFAULT '',
				department TEXT NOT NULL DEFAULT '',
				proof_urls TEXT NOT NULL DEFAULT '[]',
				trace_id TEXT NOT NULL DEFAULT '',
				sync_status TEXT NOT NULL DEFAULT 'PENDING',
				record_id TEXT NOT NULL DEFAULT '',
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *Store) Insert(ctx context.Context, sub *Submission) error {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return errors.New("submission id is required")
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	phoneEnc, err := s.cipher.Encrypt(sub.Phone)
	if err != nil {
		return err
	}
	idNumberEnc, err := s.cipher.Encrypt(sub.IDNumber)
	if err != nil {
		return err
	}
	proofURLs, err := json.Marshal(sub.ProofURLs)
	if err != nil {
		return err
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+submissionsTableName+`
			(id, attendee_type, name, phone_enc, title, company, id_type, id_number_enc,
			 business_type, department, proof_urls, trace_id, sync_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sub.ID, sub.Type, sub.Name, phoneEnc, sub.Title, sub.Company, sub.IDType, idNumberEnc,
		sub.BusinessType, sub.Department, string(proofURLs), sub.TraceID, string(StatusPending), createdAt)
	return err
}

// FindByID returns the submission with sensitive fields decrypted, or
// (nil, nil) when no row exists.
func (s *Store) FindByID(ctx context.Context, id string) (*Submission, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, attendee_type, name, phone_enc, title, company, id_type, id_number_enc,
		       business_type, department, proof_urls, trace_id, sync_status, record_id,
		       last_error, created_at
		FROM `+submissionsTableName+` WHERE id = $1`, id)

	var sub Submission
	var phoneEnc, idNumberEnc, proofURLs, status string
	err := row.Scan(&sub.ID, &sub.Type, &sub.Name, &phoneEnc, &sub.Title, &sub.Company,
		&sub.IDType, &idNumberEnc, &sub.BusinessType, &sub.Department, &proofURLs,
		&sub.TraceID, &status, &sub.RecordID, &sub.LastError, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	if sub.Phone, err = s.cipher.Decrypt(phoneEnc); err != nil {
		return nil, err
	}
	if sub.IDNumber, err = s.cipher.Decrypt(idNumberEnc); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(proofURLs), &sub.ProofURLs); err != nil {
		sub.ProofURLs = nil
	}
	return &sub, nil
}

// MarkSuccess records the external record id and clears any prior error.
func (s *Store) MarkSuccess(ctx context.Context, id, recordID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+submissionsTableName+`
		SET sync_status = $2, record_id = $3, last_error = ''
		WHERE id = $1`, id, string(StatusSuccess), recordID)
	return err
}

// MarkFailed stores the failure with the error message truncated to a bounded
// length. Terminal and transient failures share this status; only the retry
// schedule distinguishes them.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+submissionsTableName+`
		SET sync_status = $2, last_error = $3
		WHERE id = $1`, id, string(StatusFailed), TruncateError(message))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TruncateError bounds stored error text to 2000 runes, not bytes: a
// multi-byte message may occupy more than 2000 bytes in the column. The
// byte-length check is only a fast path; byte length never undercounts
// runes, so it cannot change the outcome.
func TruncateError(message string) string {
	if len(message) <= maxStoredErrorLength {
		return message
	}
	runes := []rune(message)
	if len(runes) <= maxStoredErrorLength {
		return message
	}
	return string(runes[:maxStoredErrorLength])
}
