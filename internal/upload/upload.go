// Package upload accepts video files. An upload is checked against the
// user's plan, streamed to blob storage and registered as a video with a
// queued analysis. Anything written before a later step fails is removed
// again.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/detector"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/metrics"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/storage"
	"github.com/primal-host/vidscope/internal/subscription"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/video"
)

// ErrNotVideo is returned for files whose content type is not video/*.
var ErrNotVideo = errors.New("upload: not a video file")

// Subscriptions resolves a user's plan.
type Subscriptions interface {
	GetForUser(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Videos stores video rows.
type Videos interface {
	Create(ctx context.Context, p video.CreateParams) (*video.Video, error)
	Delete(ctx context.Context, id, ownerID string) (string, error)
}

// Analyses creates analysis rows.
type Analyses interface {
	Create(ctx context.Context, videoID, modelVersion string) (*analysis.Analysis, error)
}

// Enqueuer schedules an analysis for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, p processing.Params) (*processing.Job, error)
}

// Publisher records activity events.
type Publisher interface {
	Record(ctx context.Context, ev events.Event) error
}

// Request is one uploaded file.
type Request struct {
	UserID          string
	Filename        string
	ContentType     string
	Size            int64   // declared size in bytes
	DurationSeconds float64 // client-reported; 0 when unknown
	Proceed         bool    // continue despite an upgrade suggestion
	Body            io.Reader
}

// Result is returned for an accepted upload.
type Result struct {
	Success    bool   `json:"success"`
	AnalysisID string `json:"analysisId"`
	VideoID    string `json:"videoId"`
	BlobURL    string `json:"blobUrl"`
	JobID      string `json:"jobId,omitempty"`
}

// Service runs the upload pipeline.
type Service struct {
	log      logs.Log
	store    storage.Storage
	links    Linker
	subs     Subscriptions
	videos   Videos
	analyses Analyses
	queue    Enqueuer
	events   Publisher
	metrics  *metrics.Metrics
}

// NewService creates an upload Service storing files in links.Store. m
// may be nil.
func NewService(log logs.Log, links Linker, subs Subscriptions, videos Videos, analyses Analyses, queue Enqueuer, pub Publisher, m *metrics.Metrics) *Service {
	return &Service{
		log:      log,
		store:    links.Store,
		links:    links,
		subs:     subs,
		videos:   videos,
		analyses: analyses,
		queue:    queue,
		events:   pub,
		metrics:  m,
	}
}

// Upload validates and stores req. Plan limit violations are returned as
// *tier.LimitError, and free-tier files that are over the limit but
// within tier.SoftLimitMB as tier.ErrUpgradeSuggested unless req.Proceed
// is set.
func (s *Service) Upload(ctx context.Context, req Request) (*Result, error) {
	sub, err := s.subs.GetForUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("upload: get subscription: %w", err)
	}
	limits := sub.Limits()
	tierName := string(sub.Tier)

	if !strings.HasPrefix(req.ContentType, "video/") {
		s.metrics.RecordUpload(tierName, metrics.UploadRejected, 0)
		return nil, fmt.Errorf("%w: %q", ErrNotVideo, req.ContentType)
	}

	if err := tier.CheckUpload(limits, req.Size, req.DurationSeconds); err != nil {
		if !errors.Is(err, tier.ErrUpgradeSuggested) {
			s.metrics.RecordUpload(tierName, metrics.UploadRejected, 0)
			return nil, err
		}
		if !req.Proceed {
			s.metrics.RecordUpload(tierName, metrics.UploadUpgradeSuggested, 0)
			return nil, err
		}
	}

	videoID := uuid.NewString()
	name := ObjectName(req.UserID, videoID, req.Filename)
	n, err := storage.WriteLimited(ctx, s.store, name, req.Body, limits.MaxBytes(req.Proceed))
	if errors.Is(err, storage.ErrTooLarge) {
		s.metrics.RecordUpload(tierName, metrics.UploadRejected, 0)
		return nil, &tier.LimitError{Kind: "size", Limit: limits.MaxSizeMB, Tier: sub.Tier}
	}
	if err != nil {
		s.metrics.RecordUpload(tierName, metrics.UploadError, 0)
		return nil, fmt.Errorf("upload: store %s: %w", name, err)
	}

	res, err := s.register(ctx, req, sub, videoID, name, n)
	if err != nil {
		if delErr := s.store.DeleteFile(ctx, name); delErr != nil {
			s.log.Warnf("Removing %s after failed upload: %v", name, delErr)
		}
		s.metrics.RecordUpload(tierName, metrics.UploadError, 0)
		return nil, err
	}

	s.metrics.RecordUpload(tierName, metrics.UploadAccepted, n)
	s.log.Infof("Stored %s (%.1fMB) for user %s", name, tier.SizeMB(n), req.UserID)
	return res, nil
}

// register creates the video and analysis rows for a stored blob and
// queues the analysis. The video row is removed if a later step fails.
func (s *Service) register(ctx context.Context, req Request, sub *subscription.Subscription, videoID, name string, size int64) (*Result, error) {
	var duration *float64
	if req.DurationSeconds > 0 {
		d := req.DurationSeconds
		duration = &d
	}
	title := video.TitleFromFilename(req.Filename)

	v, err := s.videos.Create(ctx, video.CreateParams{
		ID:              videoID,
		UserID:          req.UserID,
		Title:           title,
		FilePath:        name,
		FileSizeBytes:   size,
		DurationSeconds: duration,
		MimeType:        req.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: create video: %w", err)
	}

	undo := func() {
		if _, err := s.videos.Delete(ctx, v.ID, ""); err != nil {
			s.log.Warnf("Removing video %s after failed upload: %v", v.ID, err)
		}
	}

	a, err := s.analyses.Create(ctx, v.ID, detector.DefaultModel)
	if err != nil {
		undo()
		return nil, fmt.Errorf("upload: create analysis: %w", err)
	}

	fetchURL, err := s.links.FetchURL(name, v.ID)
	if err != nil {
		undo()
		return nil, fmt.Errorf("upload: link: %w", err)
	}
	job, err := s.queue.Enqueue(ctx, processing.Params{
		AnalysisID:      a.ID,
		VideoID:         v.ID,
		UserID:          req.UserID,
		Title:           v.Title,
		VideoURL:        fetchURL,
		DurationSeconds: req.DurationSeconds,
		Priority:        tier.Can(sub.Tier, tier.FeaturePriority),
	})
	if err != nil {
		undo()
		return nil, fmt.Errorf("upload: enqueue: %w", err)
	}

	if err := s.events.Record(ctx, events.Event{
		Type:      events.TypeVideoUploaded,
		UserID:    req.UserID,
		SubjectID: v.ID,
		Message:   v.Title,
	}); err != nil {
		s.log.Warnf("Recording upload of %s: %v", v.ID, err)
	}

	return &Result{
		Success:    true,
		AnalysisID: a.ID,
		VideoID:    v.ID,
		BlobURL:    FileURL(s.store, name, v.ID),
		JobID:      job.ID,
	}, nil
}

// ObjectName is the storage name of an uploaded file.
func ObjectName(userID, videoID, filename string) string {
	return path.Join("videos", SanitizeSegment(userID), videoID, SanitizeFilename(filename))
}

// SanitizeFilename keeps the base name of filename and replaces anything
// outside [A-Za-z0-9._-] with an underscore.
func SanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.TrimLeft(base, ".")
	if base == "" || base == "/" {
		return "video"
	}
	name := SanitizeSegment(base)
	if len(name) > 200 {
		ext := path.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}
	return name
}

// SanitizeSegment makes s safe as a single path segment.
func SanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

// MediaPath is the public route serving files by signed token.
const MediaPath = "/api/media/"

// MediaTTL is the default lifetime of a signed media link.
const MediaTTL = 24 * time.Hour

// Linker builds the URLs a stored video is reachable under.
type Linker struct {
	Store   storage.Storage
	BaseURL string        // absolute base URL of this server; empty disables signed links
	Secret  string        // signs media tokens
	TTL     time.Duration // default MediaTTL
}

// FetchURL returns a URL that reads name without user credentials: the
// backend's public URL, or a signed MediaPath link under BaseURL. With
// neither available it falls back to FileURL, which needs credentials.
func (l Linker) FetchURL(name, videoID string) (string, error) {
	if u, err := l.Store.URL(name); err == nil {
		return u, nil
	}
	if l.BaseURL == "" {
		return FileURL(l.Store, name, videoID), nil
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = MediaTTL
	}
	tok, err := auth.IssueMediaToken(l.Secret, name, ttl)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(l.BaseURL, "/") + MediaPath + tok, nil
}

// FileURL returns the direct storage URL of name, or the API route that
// streams the file when the backend has no public URLs.
func FileURL(s storage.Storage, name, videoID string) string {
	if u, err := s.URL(name); err == nil {
		return u
	}
	return "/api/videos/" + videoID + "/file"
}
