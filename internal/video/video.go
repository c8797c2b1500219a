// Package video provides the data model and storage for uploaded videos.
// A video row points at its file in blob storage and carries the status
// of its most recent analysis:
//   - uploaded:   stored, analysis queued or cancelled
//   - processing: analysis running
//   - completed:  analysis finished
//   - failed:     analysis failed
package video

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/primal-host/vidscope/internal/database"
)

// ErrNotFound is returned when no video matches.
var ErrNotFound = errors.New("video: not found")

// Valid statuses.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// UntitledTitle is used when a file name yields no title.
const UntitledTitle = "Untitled Video"

// Video is a row of the videos table joined with its latest analysis.
type Video struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	FilePath        string    `json:"-"`
	FileSizeBytes   int64     `json:"fileSize"`
	DurationSeconds *float64  `json:"duration,omitempty"`
	MimeType        string    `json:"mimeType,omitempty"`
	ThumbnailPath   string    `json:"thumbnail,omitempty"`
	Status          string    `json:"status"`
	AnalysisID      string    `json:"analysisId,omitempty"`
	AnalysisStatus  string    `json:"analysisStatus,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for inserting a video. ID is chosen
// by the caller because the blob is written under it first.
type CreateParams struct {
	ID              string
	UserID          string
	Title           string
	FilePath        string
	FileSizeBytes   int64
	DurationSeconds *float64
	MimeType        string
}

// TitleFromFilename strips any directory and extension from name.
func TitleFromFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return UntitledTitle
	}
	return name
}

// Store provides video operations backed by PostgreSQL.
type Store struct {
	db *database.DB
}

// NewStore creates a video Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const selectVideo = `
SELECT v.id::text, v.user_id, v.title, COALESCE(v.description, ''), v.file_path,
       v.file_size_bytes, v.duration_seconds::float8, COALESCE(v.mime_type, ''),
       COALESCE(v.thumbnail_path, ''), v.status, v.created_at, v.updated_at,
       COALESCE(a.id::text, ''), COALESCE(a.status, '')
FROM videos v
LEFT JOIN LATERAL (
    SELECT id, status FROM video_analyses
    WHERE video_id = v.id
    ORDER BY created_at DESC
    LIMIT 1
) a ON TRUE`

type scanner interface {
	Scan(dest ...any) error
}

func scanVideo(row scanner) (*Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.UserID, &v.Title, &v.Description, &v.FilePath,
		&v.FileSizeBytes, &v.DurationSeconds, &v.MimeType,
		&v.ThumbnailPath, &v.Status, &v.CreatedAt, &v.UpdatedAt,
		&v.AnalysisID, &v.AnalysisStatus)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Create inserts a video with status uploaded.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Video, error) {
	title := p.Title
	if title == "" {
		title = UntitledTitle
	}
	v := Video{
		ID:              p.ID,
		UserID:          p.UserID,
		Title:           title,
		FilePath:        p.FilePath,
		FileSizeBytes:   p.FileSizeBytes,
		DurationSeconds: p.DurationSeconds,
		MimeType:        p.MimeType,
		Status:          StatusUploaded,
	}
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO videos (id, user_id, title, file_path, file_size_bytes, duration_seconds, mime_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		p.ID, p.UserID, title, p.FilePath, p.FileSizeBytes, p.DurationSeconds, p.MimeType, StatusUploaded,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("video: create %q: %w", title, err)
	}
	return &v, nil
}

// notFound reports whether err means no video has the requested id:
// either no row matched or the id is not a UUID.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || database.IsInvalidInput(err)
}

// Get returns a video by ID.
// Returns ErrNotFound if no video matches or id is not a UUID.
func (s *Store) Get(ctx context.Context, id string) (*Video, error) {
	v, err := scanVideo(s.db.Pool.QueryRow(ctx, selectVideo+` WHERE v.id = $1`, id))
	if notFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("video: get %q: %w", id, err)
	}
	return v, nil
}

// Delete removes a video and, through cascades, its analyses. When
// ownerID is non-empty only that user's video is deleted. Returns the
// blob path of the deleted video.
func (s *Store) Delete(ctx context.Context, id, ownerID string) (string, error) {
	var filePath string
	err := s.db.Pool.QueryRow(ctx,
		`DELETE FROM videos WHERE id = $1 AND ($2::text = '' OR user_id = $2)
		 RETURNING file_path`,
		id, ownerID,
	).Scan(&filePath)
	if notFound(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("video: delete %q: %w", id, err)
	}
	return filePath, nil
}

// List returns the videos of userID matching f, newest first.
func (s *Store) List(ctx context.Context, userID string, f Filter) ([]Video, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	where, args := f.where(userID, time.Now())
	limit, offset := f.page()
	args = append(args, limit, offset)
	query := fmt.Sprintf(`%s WHERE %s ORDER BY v.created_at DESC LIMIT $%d OFFSET $%d`,
		selectVideo, where, len(args)-1, len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("video: list: %w", err)
	}
	defer rows.Close()

	videos := []Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("video: list scan: %w", err)
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

// Totals returns the number of videos of userID and their combined size.
// An empty userID totals every user.
func (s *Store) Totals(ctx context.Context, userID string) (count int, bytes int64, err error) {
	err = s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size_bytes), 0)::bigint
		 FROM videos WHERE $1::text = '' OR user_id = $1`,
		userID,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("video: totals: %w", err)
	}
	return count, bytes, nil
}
