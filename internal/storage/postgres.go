package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/golang/glog"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres error codes the store maps to sentinel errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresStore persists documents in PostgreSQL. Snapshot and transaction
// fields are stored as protobuf blobs.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, applies pending migrations and checks the
// connection.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()

		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an already migrated database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate new: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		glog.Info("migration: no changes to apply")

		return nil
	}

	glog.Info("migration: applied successfully")

	return nil
}

// Close releases the database handle.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// CreateDocument creates a new document with the given ID.
func (p *PostgresStore) CreateDocument(docID string) error {
	_, err := p.db.Exec(`INSERT INTO documents (id) VALUES ($1)`, docID)
	if pqCode(err) == pqUniqueViolation {
		return ErrDocumentExists
	}

	return err
}

// DocumentExists checks if a document exists.
func (p *PostgresStore) DocumentExists(docID string) (bool, error) {
	var exists bool

	err := p.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, docID).Scan(&exists)

	return exists, err
}

// DeleteDocument removes a document; snapshots and transactions cascade.
func (p *PostgresStore) DeleteDocument(docID string) error {
	res, err := p.db.Exec(`DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrDocumentNotFound
	}

	return nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (p *PostgresStore) requireDocument(q rowQuerier, docID string) error {
	var exists bool
	if err := q.QueryRow(`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, docID).Scan(&exists); err != nil {
		return err
	}

	if !exists {
		return ErrDocumentNotFound
	}

	return nil
}

// SaveSnapshot upserts the snapshot and prunes the transactions it covers.
func (p *PostgresStore) SaveSnapshot(docID string, revision int, fields Fields) error {
	blob, err := EncodeFields(fields)
	if err != nil {
		return err
	}

	tx, err := p.db.Begin()
	if err != nil {
		return err
	}

	defer func() { _ = tx.Rollback() }()

	if err := p.requireDocument(tx, docID); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO document_snapshots (doc_id, revision, fields, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (doc_id) DO UPDATE
		SET revision = EXCLUDED.revision, fields = EXCLUDED.fields, created_at = EXCLUDED.created_at
	`, docID, revision, blob); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		DELETE FROM document_transactions WHERE doc_id = $1 AND revision <= $2
	`, docID, revision); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadSnapshot retrieves the latest snapshot for a document.
func (p *PostgresStore) LoadSnapshot(docID string) (Snapshot, error) {
	if err := p.requireDocument(p.db, docID); err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{DocID: docID}

	var blob []byte

	err := p.db.QueryRow(`
		SELECT revision, fields, created_at
		FROM document_snapshots
		WHERE doc_id = $1
	`, docID).Scan(&snapshot.Revision, &blob, &snapshot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrSnapshotNotFound
	}

	if err != nil {
		return Snapshot{}, err
	}

	if snapshot.Fields, err = DecodeFields(blob); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}

// AppendTransaction adds a transaction to the document's log.
func (p *PostgresStore) AppendTransaction(docID string, t Transaction) error {
	forward, err := EncodeFields(t.Forward)
	if err != nil {
		return err
	}

	reverse, err := EncodeFields(t.Reverse)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`
		INSERT INTO document_transactions (id, doc_id, revision, kind, user_id, forward, reverse, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID.String(), docID, t.Revision, string(t.Kind), t.UserID, forward, reverse, t.CreatedAt)

	switch pqCode(err) {
	case pqForeignKeyViolation:
		return ErrDocumentNotFound
	case pqUniqueViolation:
		return ErrRevisionConflict
	}

	return err
}

// LoadTransactions retrieves all transactions after the given revision.
func (p *PostgresStore) LoadTransactions(docID string, sinceRevision int) ([]Transaction, error) {
	if err := p.requireDocument(p.db, docID); err != nil {
		return nil, err
	}

	rows, err := p.db.Query(`
		SELECT id, revision, kind, user_id, forward, reverse, created_at
		FROM document_transactions
		WHERE doc_id = $1 AND revision > $2
		ORDER BY revision ASC
	`, docID, sinceRevision)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction

	for rows.Next() {
		var (
			id, kind         string
			forward, reverse []byte
		)

		t := Transaction{DocID: docID}
		if err := rows.Scan(&id, &t.Revision, &kind, &t.UserID, &forward, &reverse, &t.CreatedAt); err != nil {
			return nil, err
		}

		t.Kind = TxKind(kind)

		if t.ID, err = ulid.Parse(id); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", id, err)
		}

		if t.Forward, err = DecodeFields(forward); err != nil {
			return nil, err
		}

		if t.Reverse, err = DecodeFields(reverse); err != nil {
			return nil, err
		}

		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// LatestRevision returns the highest revision recorded in the transaction
// log or the snapshot.
func (p *PostgresStore) LatestRevision(docID string) (int, error) {
	if err := p.requireDocument(p.db, docID); err != nil {
		return 0, err
	}

	var revision int

	err := p.db.QueryRow(`
		SELECT GREATEST(
			COALESCE((SELECT MAX(revision) FROM document_transactions WHERE doc_id = $1), 0),
			COALESCE((SELECT revision FROM document_snapshots WHERE doc_id = $1), 0)
		)
	`, docID).Scan(&revision)

	return revision, err
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
