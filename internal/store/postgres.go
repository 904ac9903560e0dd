package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore はPostgreSQLのdocumentsテーブルを使用したStoreの実装。
// 前提条件の検証はSELECT ... FOR UPDATEで行を固定した上で同一SQLトランザクション内で行う。
// versionはシーケンスdocument_versionsから採番する。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get はドキュメントを1件取得する。
func (s *PostgresStore) Get(ctx context.Context, ref Ref) (*Document, error) {
	doc := &Document{Ref: ref}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		ref.Collection, ref.ID,
	).Scan(&data, &doc.Version, &doc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", ref, err)
	}
	doc.Data = data
	return doc, nil
}

// List はコレクション内の全ドキュメントをID順で返す。
func (s *PostgresStore) List(ctx context.Context, collection string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, version, updated_at FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents in %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{Ref: Ref{Collection: collection}}
		var data []byte
		if err := rows.Scan(&doc.Ref.ID, &data, &doc.Version, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Commit は前提条件を検証した上で全ての書き込みを1つのSQLトランザクションで適用する。
func (s *PostgresStore) Commit(ctx context.Context, preconditions []Precondition, writes []Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range preconditions {
		var version int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			p.Ref.Collection, p.Ref.ID,
		).Scan(&version)
		if err == sql.ErrNoRows {
			version = 0
		} else if err != nil {
			return classifyError(fmt.Errorf("failed to lock document %s: %w", p.Ref, err))
		}
		if version != p.Version {
			return ErrConflict
		}
	}

	for _, w := range writes {
		if err := applyWrite(ctx, tx, w); err != nil {
			return classifyError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w Write) error {
	switch w.Op {
	case OpCreate:
		result, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data, version, created_at, updated_at)
			 VALUES ($1, $2, $3, nextval('document_versions'), now(), now())
			 ON CONFLICT (collection, id) DO NOTHING`,
			w.Ref.Collection, w.Ref.ID, []byte(w.Data),
		)
		if err != nil {
			return fmt.Errorf("failed to insert document %s: %w", w.Ref, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
	case OpSet:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data, version, created_at, updated_at)
			 VALUES ($1, $2, $3, nextval('document_versions'), now(), now())
			 ON CONFLICT (collection, id) DO UPDATE SET
			     data = EXCLUDED.data,
			     version = EXCLUDED.version,
			     updated_at = now()`,
			w.Ref.Collection, w.Ref.ID, []byte(w.Data),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", w.Ref, err)
		}
	case OpDelete:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = $1 AND id = $2`,
			w.Ref.Collection, w.Ref.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete document %s: %w", w.Ref, err)
		}
	default:
		return fmt.Errorf("unknown write op %d for %s", w.Op, w.Ref)
	}
	return nil
}

// 競合として扱うSQLSTATE。
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// classifyError は並行更新に起因するPostgreSQLのエラーをErrConflictに変換する。
func classifyError(err error) error {
	if errors.Is(err, ErrConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
