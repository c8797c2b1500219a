package upload

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/primal-host/vidscope/internal/analysis"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/events"
	"github.com/primal-host/vidscope/internal/processing"
	"github.com/primal-host/vidscope/internal/storage"
	"github.com/primal-host/vidscope/internal/subscription"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/primal-host/vidscope/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

type fakeSubs struct{ sub *subscription.Subscription }

func (f *fakeSubs) GetForUser(context.Context, string) (*subscription.Subscription, error) {
	return f.sub, nil
}

type fakeVideos struct {
	rows    map[string]video.CreateParams
	deleted []string
}

func (f *fakeVideos) Create(_ context.Context, p video.CreateParams) (*video.Video, error) {
	f.rows[p.ID] = p
	return &video.Video{ID: p.ID, UserID: p.UserID, Title: p.Title, FilePath: p.FilePath, Status: video.StatusUploaded}, nil
}

func (f *fakeVideos) Delete(_ context.Context, id, _ string) (string, error) {
	p, ok := f.rows[id]
	if !ok {
		return "", video.ErrNotFound
	}
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return p.FilePath, nil
}

type fakeAnalyses struct{ err error }

func (f *fakeAnalyses) Create(_ context.Context, videoID, model string) (*analysis.Analysis, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &analysis.Analysis{ID: "an-" + videoID, VideoID: videoID, Status: analysis.StatusQueued, ModelVersion: model}, nil
}

type fakeQueue struct {
	params []processing.Params
	err    error
}

func (f *fakeQueue) Enqueue(_ context.Context, p processing.Params) (*processing.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, p)
	return &processing.Job{ID: "job_1", AnalysisID: p.AnalysisID}, nil
}

type fakeEvents struct{ recorded []events.Event }

func (f *fakeEvents) Record(_ context.Context, ev events.Event) error {
	f.recorded = append(f.recorded, ev)
	return nil
}

type fixture struct {
	svc      *Service
	fs       *storage.FS
	subs     *fakeSubs
	videos   *fakeVideos
	analyses *fakeAnalyses
	queue    *fakeQueue
	events   *fakeEvents
}

func newFixture(t *testing.T, t0 tier.Tier) *fixture {
	t.Helper()
	log := logs.NewTestingLog(t)
	fs, err := storage.NewFS(log, t.TempDir())
	require.NoError(t, err)
	l := t0.Limits()
	f := &fixture{
		fs:       fs,
		subs:     &fakeSubs{sub: &subscription.Subscription{Tier: t0, MaxSize: l.MaxSizeMB, MaxDuration: l.MaxDurationMinutes, Status: subscription.StatusActive}},
		videos:   &fakeVideos{rows: map[string]video.CreateParams{}},
		analyses: &fakeAnalyses{},
		queue:    &fakeQueue{},
		events:   &fakeEvents{},
	}
	f.svc = NewService(log, Linker{Store: fs}, f.subs, f.videos, f.analyses, f.queue, f.events, nil)
	return f
}

// blobCount returns the number of files under the storage root.
func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(f.fs.Root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func request(size int, contentType string) Request {
	return Request{
		UserID:      "user-1",
		Filename:    "Beach Walk.mp4",
		ContentType: contentType,
		Size:        int64(size),
		Body:        bytes.NewReader(make([]byte, size)),
	}
}

func TestUploadAccepted(t *testing.T) {
	f := newFixture(t, tier.Basic)
	req := request(2048, "video/mp4")
	req.DurationSeconds = 42

	res, err := f.svc.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "an-"+res.VideoID, res.AnalysisID)
	assert.Equal(t, "job_1", res.JobID)
	assert.Equal(t, "/api/videos/"+res.VideoID+"/file", res.BlobURL)

	row := f.videos.rows[res.VideoID]
	assert.Equal(t, "Beach Walk", row.Title)
	assert.Equal(t, int64(2048), row.FileSizeBytes)
	require.NotNil(t, row.DurationSeconds)
	assert.Equal(t, 42.0, *row.DurationSeconds)
	assert.Equal(t, "videos/user-1/"+res.VideoID+"/Beach_Walk.mp4", row.FilePath)

	stored, err := f.fs.ReadFile(context.Background(), row.FilePath)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), stored.Size)
	require.NoError(t, stored.Reader.Close())

	require.Len(t, f.queue.params, 1)
	assert.False(t, f.queue.params[0].Priority)
	assert.Equal(t, res.BlobURL, f.queue.params[0].VideoURL)

	require.Len(t, f.events.recorded, 1)
	assert.Equal(t, events.TypeVideoUploaded, f.events.recorded[0].Type)
	assert.Equal(t, res.VideoID, f.events.recorded[0].SubjectID)
}

func TestUploadKeepsDotsInsideFilename(t *testing.T) {
	f := newFixture(t, tier.Basic)
	req := request(16, "video/mp4")
	req.Filename = "holiday..final.mp4"

	res, err := f.svc.Upload(context.Background(), req)
	require.NoError(t, err)
	row := f.videos.rows[res.VideoID]
	assert.Equal(t, "videos/user-1/"+res.VideoID+"/holiday..final.mp4", row.FilePath)
	assert.Equal(t, "holiday..final", row.Title)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestUploadSignsDetectorURL(t *testing.T) {
	f := newFixture(t, tier.Basic)
	links := Linker{Store: f.fs, BaseURL: "https://vidscope.example.com/", Secret: "media-secret"}
	f.svc = NewService(logs.NewTestingLog(t), links, f.subs, f.videos, f.analyses, f.queue, f.events, nil)

	res, err := f.svc.Upload(context.Background(), request(16, "video/mp4"))
	require.NoError(t, err)
	assert.Equal(t, "/api/videos/"+res.VideoID+"/file", res.BlobURL)

	require.Len(t, f.queue.params, 1)
	fetch := f.queue.params[0].VideoURL
	const prefix = "https://vidscope.example.com" + MediaPath
	require.True(t, strings.HasPrefix(fetch, prefix), fetch)
	name, err := auth.VerifyMediaToken("media-secret", strings.TrimPrefix(fetch, prefix))
	require.NoError(t, err)
	assert.Equal(t, f.videos.rows[res.VideoID].FilePath, name)
}

func TestUploadPriorityForPro(t *testing.T) {
	f := newFixture(t, tier.Pro)
	_, err := f.svc.Upload(context.Background(), request(16, "video/webm"))
	require.NoError(t, err)
	require.Len(t, f.queue.params, 1)
	assert.True(t, f.queue.params[0].Priority)
}

func TestUploadRejectsNonVideo(t *testing.T) {
	f := newFixture(t, tier.Basic)
	_, err := f.svc.Upload(context.Background(), request(16, "image/png"))
	assert.ErrorIs(t, err, ErrNotVideo)
	assert.Equal(t, 0, f.blobCount(t))
	assert.Empty(t, f.videos.rows)
}

func TestUploadOverPlanLimit(t *testing.T) {
	f := newFixture(t, tier.Basic)
	req := request(0, "video/mp4")
	req.Size = 250 * mb

	_, err := f.svc.Upload(context.Background(), req)
	var le *tier.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "size", le.Kind)
	assert.Equal(t, 200, le.Limit)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestUploadOverDurationLimit(t *testing.T) {
	f := newFixture(t, tier.Free)
	req := request(16, "video/mp4")
	req.DurationSeconds = 3 * 60

	_, err := f.svc.Upload(context.Background(), req)
	var le *tier.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "duration", le.Kind)
	assert.Equal(t, 2, le.Limit)
}

func TestUploadUpgradeSuggestion(t *testing.T) {
	f := newFixture(t, tier.Free)
	req := request(60*mb, "video/mp4")

	_, err := f.svc.Upload(context.Background(), req)
	assert.ErrorIs(t, err, tier.ErrUpgradeSuggested)
	assert.Equal(t, 0, f.blobCount(t))

	req = request(60*mb, "video/mp4")
	req.Proceed = true
	res, err := f.svc.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(60*mb), f.videos.rows[res.VideoID].FileSizeBytes)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestUploadBodyLargerThanLimit(t *testing.T) {
	f := newFixture(t, tier.Basic)
	f.subs.sub.MaxSize = 1
	// The declared size is unknown, so only the stream limit applies.
	req := request(2*mb, "video/mp4")
	req.Size = 0

	_, err := f.svc.Upload(context.Background(), req)
	var le *tier.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 1, le.Limit)
	assert.Equal(t, 0, f.blobCount(t))
	assert.Empty(t, f.videos.rows)
}

func TestUploadRollsBackOnAnalysisFailure(t *testing.T) {
	f := newFixture(t, tier.Basic)
	f.analyses.err = errors.New("connection reset")

	_, err := f.svc.Upload(context.Background(), request(16, "video/mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create analysis")
	assert.Len(t, f.videos.deleted, 1)
	assert.Empty(t, f.videos.rows)
	assert.Equal(t, 0, f.blobCount(t))
	assert.Empty(t, f.events.recorded)
}

func TestUploadRollsBackOnEnqueueFailure(t *testing.T) {
	f := newFixture(t, tier.Basic)
	f.queue.err = processing.ErrStopped

	_, err := f.svc.Upload(context.Background(), request(16, "video/mp4"))
	assert.ErrorIs(t, err, processing.ErrStopped)
	assert.Empty(t, f.videos.rows)
	assert.Equal(t, 0, f.blobCount(t))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"clip.mp4", "clip.mp4"},
		{"My Holiday (1).mov", "My_Holiday__1_.mov"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\video.avi`, "video.avi"},
		{".hidden.mp4", "hidden.mp4"},
		{"", "video"},
		{"..", "video"},
		{"vidéo.mp4", "vid_o.mp4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}

	long := strings.Repeat("a", 300) + ".mp4"
	got := SanitizeFilename(long)
	assert.Len(t, got, 200)
	assert.True(t, strings.HasSuffix(got, ".mp4"))
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "videos/demo-user/abc/clip.mp4", ObjectName("demo-user", "abc", "clip.mp4"))
	assert.Equal(t, "videos/a_b/abc/clip.mp4", ObjectName("a/b", "abc", "clip.mp4"))
	assert.NoError(t, storage.ValidName(ObjectName("user", "abc", "../x.mp4")))
}
