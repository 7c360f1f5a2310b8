package eventstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tronlabs/tron/internal/observability"
	"github.com/tronlabs/tron/internal/storage"
	"github.com/tronlabs/tron/pkg/models"
)

// BlobStore is the content-addressed binary store beneath the event log.
// Blobs are keyed by the SHA-256 of their original content; storing the same
// bytes twice returns the existing id with a bumped refcount. Content is
// gzipped when that shrinks it.
type BlobStore struct {
	db      *storage.DB
	metrics *observability.Metrics
}

// Store writes content and returns its blob. On a hash hit the existing
// blob's ref_count is incremented and returned; inserted reports whether a
// new row was written.
func (b *BlobStore) Store(ctx context.Context, content []byte, mimeType string) (*models.Blob, bool, error) {
	if len(content) == 0 {
		return nil, false, fmt.Errorf("blob content is empty")
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var (
		blob     *models.Blob
		inserted bool
	)
	err := storage.WithTx(ctx, b.db.DB, func(tx *sql.Tx) error {
		existing, err := b.getByHashTx(ctx, tx, hash)
		if err == nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?`, existing.ID); err != nil {
				return fmt.Errorf("failed to increment blob refcount: %w", err)
			}
			existing.RefCount++
			blob = existing
			return nil
		}
		if !errors.Is(err, ErrBlobNotFound) {
			return err
		}

		stored, compression := compressBlob(content)
		now := time.Now().UTC()
		blob = &models.Blob{
			ID:             storage.NewID("blob"),
			Hash:           hash,
			MimeType:       mimeType,
			SizeOriginal:   int64(len(content)),
			SizeCompressed: int64(len(stored)),
			Compression:    compression,
			RefCount:       1,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (id, hash, mime_type, content, size_original, size_compressed, compression, ref_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			blob.ID, blob.Hash, storage.NullString(blob.MimeType), stored,
			blob.SizeOriginal, blob.SizeCompressed, string(blob.Compression), blob.RefCount,
			storage.FormatTime(now),
		); err != nil {
			return fmt.Errorf("failed to insert blob: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if inserted && b.metrics != nil {
		b.metrics.BlobBytesStored.Add(float64(len(content)))
	}
	return blob, inserted, nil
}

// compressBlob gzips content and keeps the smaller representation.
func compressBlob(content []byte) ([]byte, models.BlobCompression) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(content); err != nil {
		return content, models.CompressionNone
	}
	if err := w.Close(); err != nil {
		return content, models.CompressionNone
	}
	if buf.Len() >= len(content) {
		return content, models.CompressionNone
	}
	return buf.Bytes(), models.CompressionGzip
}

// GetContent returns the original (decompressed) bytes of a blob.
func (b *BlobStore) GetContent(ctx context.Context, id string) ([]byte, error) {
	var (
		content     []byte
		compression string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT content, compression FROM blobs WHERE id = ?`, id).Scan(&content, &compression)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob content: %w", err)
	}
	if models.BlobCompression(compression) != models.CompressionGzip {
		return content, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob gzip stream: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return out, nil
}

// GetByID returns the blob's metadata without its content.
func (b *BlobStore) GetByID(ctx context.Context, id string) (*models.Blob, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, hash, mime_type, size_original, size_compressed, compression, ref_count, created_at
		FROM blobs WHERE id = ?`, id)
	blob, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return blob, nil
}

// GetByHash returns the blob's metadata by content hash.
func (b *BlobStore) GetByHash(ctx context.Context, hash string) (*models.Blob, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, hash, mime_type, size_original, size_compressed, compression, ref_count, created_at
		FROM blobs WHERE hash = ?`, hash)
	blob, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob by hash: %w", err)
	}
	return blob, nil
}

func (b *BlobStore) getByHashTx(ctx context.Context, tx *sql.Tx, hash string) (*models.Blob, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, hash, mime_type, size_original, size_compressed, compression, ref_count, created_at
		FROM blobs WHERE hash = ?`, hash)
	blob, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob by hash: %w", err)
	}
	return blob, nil
}

// IncrementRefCount adds one reference to the blob.
func (b *BlobStore) IncrementRefCount(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment blob refcount: %w", err)
	}
	return blobRowAffected(res)
}

// DecrementRefCount drops one reference, clamped at zero.
func (b *BlobStore) DecrementRefCount(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE blobs SET ref_count = MAX(ref_count - 1, 0) WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to decrement blob refcount: %w", err)
	}
	return blobRowAffected(res)
}

// DeleteUnreferenced removes blobs whose ref_count has reached zero and
// returns how many were deleted. The maintenance sweep calls this.
func (b *BlobStore) DeleteUnreferenced(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref_count <= 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unreferenced blobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func blobRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func scanBlob(row rowScanner) (*models.Blob, error) {
	var (
		blob        models.Blob
		mimeType    sql.NullString
		compression string
		created     string
	)
	if err := row.Scan(
		&blob.ID, &blob.Hash, &mimeType,
		&blob.SizeOriginal, &blob.SizeCompressed, &compression, &blob.RefCount, &created,
	); err != nil {
		return nil, err
	}
	blob.MimeType = storage.StringValue(mimeType)
	blob.Compression = models.BlobCompression(compression)
	var err error
	if blob.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	return &blob, nil
}
