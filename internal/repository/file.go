package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nebula-cp/nebula/internal/model"
	"github.com/nebula-cp/nebula/internal/store"
)

// FileRepository provides CRUD for files and their attachments.
type FileRepository struct {
	db store.Querier
}

// NewFileRepository creates a FileRepository.
func NewFileRepository(db store.Querier) *FileRepository {
	return &FileRepository{db: db}
}

// Create inserts a new file record.
func (r *FileRepository) Create(ctx context.Context, f *model.File) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	f.ID = uuid.New()
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err = r.db.Exec(ctx, store.Q("files/insert"),
		f.ID, f.Filename, f.FilePath, f.MimeType, f.SizeBytes, f.Checksum,
		f.StatusID, tagsOrEmpty(f.Tags), meta, f.CreatedAt, f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Update rewrites a file's mutable fields.
func (r *FileRepository) Update(ctx context.Context, f *model.File) error {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	f.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, store.Q("files/update"),
		f.ID, f.Filename, f.FilePath, f.MimeType, f.SizeBytes, f.Checksum,
		f.StatusID, tagsOrEmpty(f.Tags), meta, f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a file by id.
func (r *FileRepository) Get(ctx context.Context, id uuid.UUID) (*model.File, error) {
	rows, err := r.db.Query(ctx, store.Q("files/get"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanFile(rows)
}

// List returns files, newest first.
func (r *FileRepository) List(ctx context.Context, limit, offset int) ([]*model.File, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, store.Q("files/list"), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Count returns the total number of files.
func (r *FileRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, store.Q("files/count")).Scan(&n)
	return n, err
}

// FindByPath returns the id of the file stored at path.
func (r *FileRepository) FindByPath(ctx context.Context, path string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, store.Q("files/by_path"), path).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

// Attachments returns the node references a file is attached to.
func (r *FileRepository) Attachments(ctx context.Context, fileID uuid.UUID) ([]model.NodeRef, error) {
	rows, err := r.db.Query(ctx, store.Q("files/attachments"), fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NodeRef
	for rows.Next() {
		var nt, id string
		if err := rows.Scan(&nt, &id); err != nil {
			return nil, err
		}
		out = append(out, model.NodeRef{Type: model.NodeType(nt), ID: id})
	}
	return out, rows.Err()
}

// Attach links a file to a node. Idempotent.
func (r *FileRepository) Attach(ctx context.Context, fileID uuid.UUID, node model.NodeRef) error {
	_, err := r.db.Exec(ctx, store.Q("files/attach"), fileID, string(node.Type), node.ID)
	return err
}

// Detach removes a file-node link.
func (r *FileRepository) Detach(ctx context.Context, fileID uuid.UUID, node model.NodeRef) error {
	_, err := r.db.Exec(ctx, store.Q("files/detach"), fileID, string(node.Type), node.ID)
	return err
}

func scanFile(rows pgx.Rows) (*model.File, error) {
	var f model.File
	var metaRaw []byte
	err := rows.Scan(
		&f.ID, &f.Filename, &f.FilePath, &f.MimeType, &f.SizeBytes,
		&f.Checksum, &f.StatusID, &f.Tags, &metaRaw, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &f.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &f, nil
}
