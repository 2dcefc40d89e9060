package pipeline

import (
	"context"
	stderrors "errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/retrieval"
	"fotopoisk/internal/session"
)

const testDim = 8

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects telemetry calls for assertions.
type recordingSink struct {
	searches int
	empties  int
	errors   []string
}

func (r *recordingSink) RecordSearch(_, _ string, empty bool, _ time.Duration) {
	r.searches++
	if empty {
		r.empties++
	}
}

func (r *recordingSink) RecordError(kind string) {
	r.errors = append(r.errors, kind)
}

// adminList is a RoleChecker backed by a set of user ids.
type adminList map[string]bool

func (a adminList) IsAdmin(userID string) bool { return a[userID] }

type fixture struct {
	pipeline *Pipeline
	embedder *embed.Embedder
	catalog  *catalog.Store
	sessions *session.Store
	recorder *recordingSink
	photos   string
	sources  string
}

func newFixture(t *testing.T, cfg config.PipelineConfig, opts ...Option) *fixture {
	t.Helper()
	logger := testLogger()

	emb := embed.NewEmbedder(embed.NewStaticBackend(testDim),
		embed.WithPasses(1), embed.WithLogger(logger))
	t.Cleanup(func() { _ = emb.Close() })

	cat, err := catalog.NewStore("", testDim, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	engine, err := retrieval.NewEngine(retrieval.NewScanSearcher(cat), cat,
		config.SearchConfig{}, retrieval.WithLogger(logger))
	require.NoError(t, err)

	sessions := session.NewStore(session.WithLogger(logger))
	t.Cleanup(sessions.Close)

	rec := &recordingSink{}
	photos := t.TempDir()
	p, err := New(emb, engine, sessions, cfg,
		append([]Option{WithLogger(logger), WithPhotosDir(photos), WithRecorder(rec)}, opts...)...)
	require.NoError(t, err)

	return &fixture{
		pipeline: p,
		embedder: emb,
		catalog:  cat,
		sessions: sessions,
		recorder: rec,
		photos:   photos,
		sources:  t.TempDir(),
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		GeneralRate:  config.RateConfig{Tokens: 100, Seconds: 1},
		PhotoRate:    config.RateConfig{Tokens: 100, Seconds: 1},
		Workers:      2,
		QueueCeiling: 4,
	}
}

func (f *fixture) writePhoto(t *testing.T, name string, seed uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: seed, G: uint8(x * 7), B: uint8(y * 7), A: 255})
		}
	}
	data, err := embed.EncodePNG(img)
	require.NoError(t, err)
	path := filepath.Join(f.sources, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) seedProduct(t *testing.T, id, name, department string, seed uint8) string {
	t.Helper()
	ctx := context.Background()
	photo := f.writePhoto(t, id+".png", seed)
	adapted, base, err := f.embedder.EmbedProduct(ctx, embed.FromPath(photo), name)
	require.NoError(t, err)
	require.NoError(t, f.catalog.Upsert(ctx, &catalog.Product{
		ItemID:       id,
		Name:         name,
		Picture:      photo,
		Department:   department,
		Vector:       adapted,
		ModelVersion: f.embedder.ModelVersion(),
	}))
	require.NoError(t, f.catalog.UpsertBaseVector(ctx, id, base, f.embedder.BackboneName()))
	return photo
}

func TestSearch_ServesRankedResultsAndRegistersTheSession(t *testing.T) {
	// Given a catalog of three embedded products
	f := newFixture(t, testPipelineConfig())
	drillPhoto := f.seedProduct(t, "drill-01", "Дрель аккумуляторная Makita DF333", "ИНСТРУМЕНТЫ", 10)
	f.seedProduct(t, "saw-05", "Пила циркулярная Bosch", "ИНСТРУМЕНТЫ", 120)
	f.seedProduct(t, "sofa-02", "Диван угловой серый", "МЕБЕЛЬ", 230)
	raw, err := os.ReadFile(drillPhoto)
	require.NoError(t, err)

	// When searching with the drill's own photo
	res, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		Username:    "vasya",
		ImageHandle: drillPhoto,
		TopK:        5,
	})

	// Then the drill leads the ranking
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, "drill-01", res.Results[0].ItemID)
	assert.Greater(t, res.Results[0].Similarity, 0.9)
	assert.Equal(t, f.embedder.ModelVersion(), res.ModelVersion)
	assert.Positive(t, res.Duration)
	assert.Equal(t, session.ShortID(drillPhoto), res.ShortID)

	// And the session records exactly what was served
	sess, ok := f.sessions.Get(res.ShortID)
	require.True(t, ok)
	assert.Equal(t, "42", sess.UserID)
	assert.Equal(t, fingerprintOf(raw), sess.PhotoFingerprint)
	assert.Equal(t, "escalation", sess.SearchMethod)
	require.Len(t, sess.Results, len(res.Results))
	assert.Equal(t, res.Results[0].ItemID, sess.Results[0].ItemID)

	// And the query photo is persisted for the feedback loop
	assert.Equal(t, filepath.Join(f.photos, sess.PhotoFingerprint+".png"), sess.ImagePath)
	saved, err := os.ReadFile(sess.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, raw, saved)

	assert.Equal(t, 1, f.recorder.searches)
	assert.Equal(t, 0, f.recorder.empties)
}

func TestSearch_DepartmentFilterNarrowsTheCatalog(t *testing.T) {
	// Given products across two departments
	f := newFixture(t, testPipelineConfig())
	drillPhoto := f.seedProduct(t, "drill-01", "Дрель аккумуляторная Makita DF333", "ИНСТРУМЕНТЫ", 10)
	f.seedProduct(t, "sofa-02", "Диван угловой серый", "МЕБЕЛЬ", 230)

	// When searching the drill photo inside the furniture department
	res, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		ImageHandle: drillPhoto,
		Department:  "МЕБЕЛЬ",
	})

	// Then the drill itself cannot appear
	require.NoError(t, err)
	for _, r := range res.Results {
		assert.Equal(t, "МЕБЕЛЬ", r.Department)
		assert.NotEqual(t, "drill-01", r.ItemID)
	}
	sess, ok := f.sessions.Get(res.ShortID)
	require.True(t, ok)
	assert.Equal(t, "МЕБЕЛЬ", sess.Department)
}

func TestSearch_EmptyResultStillRegistersASession(t *testing.T) {
	// Given an empty catalog
	f := newFixture(t, testPipelineConfig())
	photo := f.writePhoto(t, "query.png", 9)

	// When a search finds nothing
	res, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		ImageHandle: photo,
	})

	// Then the empty answer is a success and the session still exists
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	sess, ok := f.sessions.Get(res.ShortID)
	require.True(t, ok)
	assert.Empty(t, sess.Results)
	assert.Equal(t, 1, f.recorder.empties)
}

func TestSearch_RateLimitDeniesWithMonotoneHints(t *testing.T) {
	// Given a photo bucket of two tokens
	cfg := testPipelineConfig()
	cfg.PhotoRate = config.RateConfig{Tokens: 2, Seconds: 10}
	f := newFixture(t, cfg)
	photo := f.writePhoto(t, "query.png", 9)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Search(ctx, SearchRequest{UserID: "42", ImageHandle: photo})
		require.NoError(t, err)
	}

	// When two more searches arrive immediately
	_, err1 := f.pipeline.Search(ctx, SearchRequest{UserID: "42", ImageHandle: photo})
	_, err2 := f.pipeline.Search(ctx, SearchRequest{UserID: "42", ImageHandle: photo})

	// Then both are refused by the photo bucket with growing hints
	for _, err := range []error{err1, err2} {
		var perr *errors.PoiskError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, errors.ErrCodeRateLimited, perr.Code)
		assert.Equal(t, "photo", perr.Details["bucket"])
	}
	assert.Greater(t, errors.GetRetryAfter(err2), errors.GetRetryAfter(err1))
	assert.GreaterOrEqual(t, len(f.recorder.errors), 2)
}

func TestSearch_AdminBypassesThePhotoBucket(t *testing.T) {
	// Given a photo bucket of a single token per minute
	cfg := testPipelineConfig()
	cfg.PhotoRate = config.RateConfig{Tokens: 1, Seconds: 60}
	f := newFixture(t, cfg, WithRoles(adminList{"boss": true}))
	photo := f.writePhoto(t, "query.png", 9)
	ctx := context.Background()

	// When an admin searches past the photo capacity
	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Search(ctx, SearchRequest{UserID: "boss", ImageHandle: photo})
		require.NoError(t, err)
	}

	// Then a regular user is still held to the photo budget
	_, err := f.pipeline.Search(ctx, SearchRequest{UserID: "guest", ImageHandle: photo})
	require.NoError(t, err)
	_, err = f.pipeline.Search(ctx, SearchRequest{UserID: "guest", ImageHandle: photo})
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeRateLimited, perr.Code)
	assert.Equal(t, "photo", perr.Details["bucket"])
}

func TestSearch_QueueCeilingShedsLoad(t *testing.T) {
	f := newFixture(t, testPipelineConfig())
	photo := f.writePhoto(t, "query.png", 9)

	// Given a queue already at the ceiling
	f.pipeline.pending.Store(f.pipeline.pendingCap)

	// When one more request arrives
	_, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		ImageHandle: photo,
	})

	// Then it is shed with a retry hint, without leaking a slot
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeOverloaded, perr.Code)
	assert.Positive(t, perr.RetryAfter)
	assert.Equal(t, int(f.pipeline.pendingCap), f.pipeline.Pending())
}

func TestSearch_FetchTimeoutIsCodedPerStage(t *testing.T) {
	// Given an origin that never answers within the fetch budget
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testPipelineConfig()
	cfg.FetchTimeoutSeconds = 1
	f := newFixture(t, cfg)

	// When the fetch stage runs out of time
	_, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		ImageHandle: srv.URL + "/photo.jpg",
	})

	// Then the failure is a coded timeout naming the stage
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeTimeout, perr.Code)
	assert.Equal(t, "fetch", perr.Details["stage"])
	assert.Equal(t, 0, f.sessions.Len())
}

func TestSearch_CancellationDropsTheRequest(t *testing.T) {
	// Given an origin that blocks until the client goes away
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, testPipelineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// When the caller cancels mid-fetch
	_, err := f.pipeline.Search(ctx, SearchRequest{
		UserID:      "42",
		ImageHandle: srv.URL + "/query.jpg",
	})

	// Then no partial result or session is left behind
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.sessions.Len())
	assert.Equal(t, 0, f.pipeline.Pending())
}

func TestSearch_ValidatesTheRequest(t *testing.T) {
	f := newFixture(t, testPipelineConfig())
	ctx := context.Background()

	_, err := f.pipeline.Search(ctx, SearchRequest{ImageHandle: "query.png"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = f.pipeline.Search(ctx, SearchRequest{UserID: "42"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestSearch_RepeatQueryOverwritesTheSession(t *testing.T) {
	// Given the same photo searched twice by different users
	f := newFixture(t, testPipelineConfig())
	photo := f.writePhoto(t, "query.png", 9)
	ctx := context.Background()

	first, err := f.pipeline.Search(ctx, SearchRequest{UserID: "42", ImageHandle: photo})
	require.NoError(t, err)
	second, err := f.pipeline.Search(ctx, SearchRequest{UserID: "77", ImageHandle: photo})
	require.NoError(t, err)

	// Then the short id collides and the newer session wins
	assert.Equal(t, first.ShortID, second.ShortID)
	sess, ok := f.sessions.Get(first.ShortID)
	require.True(t, ok)
	assert.Equal(t, "77", sess.UserID)
	assert.Equal(t, 1, f.sessions.Len())
}

func TestSearch_UploadedBytesNeedNoHandle(t *testing.T) {
	// Given a catalog and a photo that exists only in memory
	f := newFixture(t, testPipelineConfig())
	drillPhoto := f.seedProduct(t, "drill-01", "Дрель аккумуляторная Makita DF333", "ИНСТРУМЕНТЫ", 10)
	f.seedProduct(t, "sofa-02", "Диван угловой серый", "МЕБЕЛЬ", 230)
	raw, err := os.ReadFile(drillPhoto)
	require.NoError(t, err)

	// When searching with uploaded bytes
	res, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:    "42",
		ImageData: raw,
	})

	// Then the search serves normally with a content-keyed short id
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	assert.Equal(t, "drill-01", res.Results[0].ItemID)
	assert.Equal(t, session.ShortID("upload:"+fingerprintOf(raw)), res.ShortID)

	// And the session and the persisted photo are in place for feedback
	sess, ok := f.sessions.Get(res.ShortID)
	require.True(t, ok)
	assert.Equal(t, fingerprintOf(raw), sess.PhotoFingerprint)
	assert.FileExists(t, sess.ImagePath)
}

func TestSearch_UploadedBytesWinOverTheHandle(t *testing.T) {
	// Given bytes plus a handle that would fail if fetched
	f := newFixture(t, testPipelineConfig())
	photo := f.writePhoto(t, "query.png", 9)
	raw, err := os.ReadFile(photo)
	require.NoError(t, err)

	// When both are set
	res, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:      "42",
		ImageHandle: "http://127.0.0.1:1/query.jpg",
		ImageData:   raw,
	})

	// Then the bytes are used and the handle still keys the session
	require.NoError(t, err)
	assert.Equal(t, session.ShortID("http://127.0.0.1:1/query.jpg"), res.ShortID)
	sess, ok := f.sessions.Get(res.ShortID)
	require.True(t, ok)
	assert.Equal(t, fingerprintOf(raw), sess.PhotoFingerprint)
}

func TestSearch_UploadedBytesRespectTheSizeCap(t *testing.T) {
	// Given a fetcher with a tiny size cap
	f := newFixture(t, testPipelineConfig(),
		WithFetcher(embed.NewFetcher(embed.WithMaxImageBytes(16))))

	// When uploading more than the cap
	_, err := f.pipeline.Search(context.Background(), SearchRequest{
		UserID:    "42",
		ImageData: make([]byte, 64),
	})

	// Then the upload is refused like an oversized download
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeImageTooLarge, perr.Code)
}

func TestAdmitGeneral_SharesTheGeneralBucket(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.GeneralRate = config.RateConfig{Tokens: 2, Seconds: 60}
	f := newFixture(t, cfg)

	require.NoError(t, f.pipeline.AdmitGeneral("42"))
	require.NoError(t, f.pipeline.AdmitGeneral("42"))

	err := f.pipeline.AdmitGeneral("42")
	var perr *errors.PoiskError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, errors.ErrCodeRateLimited, perr.Code)
	assert.Equal(t, "general", perr.Details["bucket"])
	assert.Positive(t, perr.RetryAfter)
}

func TestNew_NilDependencies(t *testing.T) {
	logger := testLogger()
	emb := embed.NewEmbedder(embed.NewStaticBackend(testDim), embed.WithLogger(logger))
	t.Cleanup(func() { _ = emb.Close() })
	cat, err := catalog.NewStore("", testDim, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	engine, err := retrieval.NewEngine(retrieval.NewScanSearcher(cat), cat, config.SearchConfig{})
	require.NoError(t, err)
	sessions := session.NewStore(session.WithLogger(logger))
	t.Cleanup(sessions.Close)

	_, err = New(nil, engine, sessions, config.PipelineConfig{})
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = New(emb, nil, sessions, config.PipelineConfig{})
	assert.ErrorIs(t, err, ErrNilDependency)
	_, err = New(emb, engine, nil, config.PipelineConfig{})
	assert.ErrorIs(t, err, ErrNilDependency)
}
