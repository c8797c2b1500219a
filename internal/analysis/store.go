package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/detector"
	"github.com/primal-host/vidscope/internal/video"
)

// Store provides analysis operations backed by PostgreSQL. Status
// changes are mirrored onto the analysed video.
type Store struct {
	db *database.DB
}

// NewStore creates an analysis Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a queued analysis for videoID.
func (s *Store) Create(ctx context.Context, videoID, modelVersion string) (*Analysis, error) {
	if modelVersion == "" {
		modelVersion = detector.DefaultModel
	}
	a := Analysis{
		ID:           uuid.NewString(),
		VideoID:      videoID,
		Status:       StatusQueued,
		ModelVersion: modelVersion,
	}
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO video_analyses (id, video_id, status, model_version)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		a.ID, videoID, StatusQueued, modelVersion,
	).Scan(&a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("analysis: create for video %s: %w", videoID, err)
	}
	return &a, nil
}

// Lookup returns the owner and video of an analysis.
func (s *Store) Lookup(ctx context.Context, id string) (*Ref, error) {
	var r Ref
	err := s.db.Pool.QueryRow(ctx,
		`SELECT a.id::text, a.video_id::text, v.user_id, v.title, a.status, v.file_path, v.duration_seconds::float8
		 FROM video_analyses a
		 JOIN videos v ON v.id = a.video_id
		 WHERE a.id = $1`,
		id,
	).Scan(&r.ID, &r.VideoID, &r.UserID, &r.Title, &r.Status, &r.VideoPath, &r.DurationSeconds)
	if notFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: lookup %q: %w", id, err)
	}
	return &r, nil
}

// notFound reports whether err means no analysis has the requested id:
// either no row matched or the id is not a UUID.
func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || database.IsInvalidInput(err)
}

// Get returns an analysis with its detections grouped by class.
func (s *Store) Get(ctx context.Context, id string) (*Detail, error) {
	var d Detail
	err := s.db.Pool.QueryRow(ctx,
		`SELECT a.id::text, a.video_id::text, v.user_id, v.title, a.status, a.model_version,
		        a.created_at, v.file_path, v.duration_seconds::float8,
		        a.processing_time_seconds::float8, COALESCE(a.error_message, '')
		 FROM video_analyses a
		 JOIN videos v ON v.id = a.video_id
		 WHERE a.id = $1`,
		id,
	).Scan(&d.ID, &d.VideoID, &d.UserID, &d.Title, &d.Status, &d.ModelVersion,
		&d.CreatedAt, &d.VideoPath, &d.Duration,
		&d.ProcessingTime, &d.ErrorMessage)
	if notFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: get %q: %w", id, err)
	}

	dets, err := s.detections(ctx, id)
	if err != nil {
		return nil, err
	}
	d.SetDetections(dets)
	return &d, nil
}

func (s *Store) detections(ctx context.Context, analysisID string) ([]detector.Detection, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT d.id::text, d.object_class, COALESCE(d.track_id, 0),
		        oa.start_time_seconds::float8, oa.end_time_seconds::float8, oa.average_confidence::float8
		 FROM detection_objects d
		 LEFT JOIN object_appearances oa ON oa.detection_object_id = d.id
		 WHERE d.analysis_id = $1
		 ORDER BY d.track_id, d.id, oa.start_time_seconds`,
		analysisID)
	if err != nil {
		return nil, fmt.Errorf("analysis: detections: %w", err)
	}
	defer rows.Close()

	dets := []detector.Detection{}
	lastID := ""
	for rows.Next() {
		var objID, class string
		var track int
		var start, end, conf *float64
		if err := rows.Scan(&objID, &class, &track, &start, &end, &conf); err != nil {
			return nil, fmt.Errorf("analysis: detections scan: %w", err)
		}
		if objID != lastID {
			dets = append(dets, detector.Detection{ObjectClass: class, TrackID: track, Appearances: []detector.Appearance{}})
			lastID = objID
		}
		if start != nil && end != nil && conf != nil {
			last := &dets[len(dets)-1]
			last.Appearances = append(last.Appearances, detector.Appearance{StartTime: *start, EndTime: *end, Confidence: *conf})
		}
	}
	return dets, rows.Err()
}

// Recent returns the newest videos of userID with their first analysis.
// Videos without an analysis are listed with an empty ID and the video
// status.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = RecentLimit
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT COALESCE(a.id::text, ''), v.id::text, v.title, COALESCE(a.status, v.status), v.created_at,
		        COALESCE(v.thumbnail_path, ''),
		        (SELECT COUNT(*) FROM detection_objects d WHERE d.analysis_id = a.id)
		 FROM videos v
		 LEFT JOIN LATERAL (
		     SELECT id, status FROM video_analyses
		     WHERE video_id = v.id
		     ORDER BY created_at ASC
		     LIMIT 1
		 ) a ON TRUE
		 WHERE v.user_id = $1
		 ORDER BY v.created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("analysis: recent: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.VideoID, &sm.Title, &sm.Status, &sm.CreatedAt, &sm.Thumbnail, &sm.ObjectCount); err != nil {
			return nil, fmt.Errorf("analysis: recent scan: %w", err)
		}
		if sm.Thumbnail == "" {
			sm.Thumbnail = PlaceholderThumbnail
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Pending returns the analyses left queued or processing, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Ref, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT a.id::text, a.video_id::text, v.user_id, v.title, a.status, v.file_path, v.duration_seconds::float8
		 FROM video_analyses a
		 JOIN videos v ON v.id = a.video_id
		 WHERE a.status IN ('queued', 'processing')
		 ORDER BY a.created_at`)
	if err != nil {
		return nil, fmt.Errorf("analysis: pending: %w", err)
	}
	defer rows.Close()

	out := []Ref{}
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.ID, &r.VideoID, &r.UserID, &r.Title, &r.Status, &r.VideoPath, &r.DurationSeconds); err != nil {
			return nil, fmt.Errorf("analysis: pending scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// transition updates an analysis with the given SET clause and moves its
// video to videoStatus. Extra args are numbered from $3.
func transition(ctx context.Context, q database.Execer, id, set, videoStatus string, args ...any) error {
	tag, err := q.Exec(ctx,
		`WITH a AS (
		     UPDATE video_analyses SET `+set+`, updated_at = NOW()
		     WHERE id = $1
		     RETURNING video_id
		 )
		 UPDATE videos SET status = $2, updated_at = NOW()
		 WHERE id IN (SELECT video_id FROM a)`,
		append([]any{id, videoStatus}, args...)...)
	if err != nil && !database.IsInvalidInput(err) {
		return fmt.Errorf("analysis: update %s: %w", id, err)
	}
	if err != nil || tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkProcessing records that processing of id has started.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return transition(ctx, s.db.Pool, id,
		`status = 'processing', processing_started_at = NOW(), error_message = NULL`,
		video.StatusProcessing)
}

// MarkCompleted stores the detections of res and completes id. Earlier
// detections of the same analysis are replaced.
func (s *Store) MarkCompleted(ctx context.Context, id string, res *detector.Result, processingSeconds float64) error {
	aid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("analysis: complete %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	err = transition(ctx, tx, id,
		`status = 'completed', processing_completed_at = NOW(), processing_time_seconds = $3,
		 model_version = $4, error_message = NULL`,
		video.StatusCompleted, processingSeconds, res.ModelVersion)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM detection_objects WHERE analysis_id = $1`, id); err != nil {
		return fmt.Errorf("analysis: complete %s: clear detections: %w", id, err)
	}
	for _, c := range detectionCopies(aid, res.Detections) {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.columns, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("analysis: complete %s: save %s: %w", id, c.table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("analysis: complete %s: commit: %w", id, err)
	}
	return nil
}

type tableCopy struct {
	table   string
	columns []string
	rows    [][]any
}

// detectionCopies flattens dets into rows for the three detection tables,
// in foreign key order.
func detectionCopies(aid uuid.UUID, dets []detector.Detection) []tableCopy {
	objects := tableCopy{table: "detection_objects", columns: []string{"id", "analysis_id", "object_class", "track_id"}}
	appearances := tableCopy{table: "object_appearances", columns: []string{"id", "detection_object_id", "start_time_seconds", "end_time_seconds", "average_confidence"}}
	frames := tableCopy{table: "frame_detections", columns: []string{"id", "detection_object_id", "frame_number", "time_seconds", "confidence", "bbox_x", "bbox_y", "bbox_width", "bbox_height"}}

	for _, d := range dets {
		objID := uuid.New()
		objects.rows = append(objects.rows, []any{objID, aid, d.ObjectClass, d.TrackID})
		for _, ap := range d.Appearances {
			appearances.rows = append(appearances.rows, []any{uuid.New(), objID, ap.StartTime, ap.EndTime, ap.Confidence})
		}
		for _, f := range d.Frames {
			frames.rows = append(frames.rows, []any{uuid.New(), objID, f.FrameNumber, f.Time, f.Confidence, f.BBox.X, f.BBox.Y, f.BBox.Width, f.BBox.Height})
		}
	}
	return []tableCopy{objects, appearances, frames}
}

// MarkFailed records a processing failure.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	return transition(ctx, s.db.Pool, id,
		`status = 'failed', processing_completed_at = NOW(), error_message = $3`,
		video.StatusFailed, message)
}

// MarkCancelled records that processing was stopped by the user. The
// video returns to the uploaded state so it can be analysed again.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	return transition(ctx, s.db.Pool, id,
		`status = 'cancelled'`,
		video.StatusUploaded)
}

// CountByStatus returns the number of analyses in each status. Every
// status is present, possibly with a zero count.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
		StatusCancelled:  0,
	}
	rows, err := s.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM video_analyses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("analysis: count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("analysis: count by status scan: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
