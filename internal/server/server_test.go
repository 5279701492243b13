package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopimg/internal/blob"
	"shopimg/internal/derivative"
	"shopimg/internal/lock"
	"shopimg/internal/models"
	"shopimg/internal/paths"
	"shopimg/internal/registry"
	"shopimg/internal/storage"
	"shopimg/internal/transform"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore serves both as the record store and the registry store.
type fakeStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]models.ContentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[uuid.UUID]models.ContentRecord{}}
}

func (f *fakeStore) SaveRecord(_ context.Context, rec *models.ContentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	cp.Generated = rec.Generated.Clone()
	cp.CreatedAt = time.Now().UTC()
	rec.CreatedAt = cp.CreatedAt
	f.recs[rec.ID] = cp
	return nil
}

func (f *fakeStore) GetRecord(_ context.Context, id uuid.UUID) (*models.ContentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	rec.Generated = rec.Generated.Clone()
	return &rec, nil
}

func (f *fakeStore) DeleteRecord(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeStore) LoadGeneratedSizes(_ context.Context, id uuid.UUID) (models.GeneratedSizes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Generated.Clone(), nil
}

func (f *fakeStore) SaveGeneratedSizes(_ context.Context, id uuid.UUID, sizes models.GeneratedSizes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Generated = rec.Generated.Clone()
	for k, v := range sizes {
		rec.Generated[k] = v
	}
	f.recs[id] = rec
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type fakeReader struct {
	msgs []kafka.Message
}

func (r *fakeReader) ReadMessage(context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

type failingReader struct {
	calls int
}

func (r *failingReader) ReadMessage(context.Context) (kafka.Message, error) {
	r.calls++
	return kafka.Message{}, errors.New("broker unreachable")
}

type testEnv struct {
	srv   *Server
	cfg   *models.Config
	store *fakeStore
	blobs *blob.FS
	locks *lock.Memory
	pub   *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := models.DefaultConfig()
	cfg.StoragePath = t.TempDir()
	cfg.LockWait = 20 * time.Millisecond
	cfg.WarmSizes = cfg.SizeNames()

	env := &testEnv{
		cfg:   &cfg,
		store: newFakeStore(),
		blobs: blob.NewMemory(),
		locks: lock.NewMemory(),
		pub:   &fakePublisher{},
	}
	tr, err := transform.New(transform.Options{Quality: cfg.JPEGQuality})
	require.NoError(t, err)
	engine := derivative.New(derivative.Config{Sizes: cfg.Sizes, LockWait: cfg.LockWait},
		env.blobs, env.locks, registry.New(env.store), tr)
	env.srv = NewServer(env.cfg, env.store, engine, env.blobs, env.pub)
	return env
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.NRGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) upload(t *testing.T, domain, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/images/"+domain, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return e.do(t, req)
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) recordView {
	t.Helper()
	var v recordView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// seed stores an original and its record without going through upload.
func (e *testEnv) seed(t *testing.T, domain models.Domain) *models.ContentRecord {
	t.Helper()
	id := uuid.New()
	name := paths.Filename(id, "seed.png")
	rec := &models.ContentRecord{
		ID:           id,
		Domain:       domain,
		Filename:     name,
		OriginalPath: paths.Original(domain, name),
		Generated:    models.GeneratedSizes{},
	}
	require.NoError(t, e.blobs.Write(context.Background(), rec.OriginalPath, pngBytes(t, 500, 250)))
	require.NoError(t, e.store.SaveRecord(context.Background(), rec))
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUpload_StoresOriginalAndEagerSizes(t *testing.T) {
	env := newTestEnv(t)

	w := env.upload(t, "shops", "Cat.PNG", pngBytes(t, 600, 300))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	v := decodeView(t, w)

	assert.Equal(t, models.DomainShops, v.Domain)
	assert.Equal(t, v.ID.String()+".png", v.Filename)
	assert.Equal(t, "/files/images/shops/original/"+v.Filename, v.URLs["original"])
	assert.Equal(t, "/files/images/shops/thumbnail/"+v.Filename, v.URLs["thumbnail"])
	assert.Equal(t, "", v.URLs["small"])
	assert.Equal(t, "", v.URLs["medium"])

	ok, err := env.blobs.Exists(context.Background(), "images/shops/original/"+v.Filename)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, env.pub.msgs, 1)
	assert.Equal(t, v.ID.String(), string(env.pub.msgs[0].Value))
}

func TestUpload_PublishFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.pub.err = errors.New("broker down")

	w := env.upload(t, "reviews", "r.png", pngBytes(t, 40, 40))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestUpload_Rejects(t *testing.T) {
	env := newTestEnv(t)

	w := env.upload(t, "shops", "notes.txt", []byte("just some text"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.upload(t, "planets", "p.png", pngBytes(t, 10, 10))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, env.pub.msgs)
}

func TestGetImage_GeneratesOnFirstRequest(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainShops)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/images/shops/"+rec.ID.String()+"/small", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, transform.ContentType, w.Header().Get("Content-Type"))

	img, format, err := image.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/images/shops/"+rec.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeView(t, w)
	assert.Equal(t, "/files/images/shops/small/"+rec.Filename, v.URLs["small"])
	assert.Equal(t, "", v.URLs["medium"])
}

func TestGetImage_Original(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainProfiles)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/images/profiles/"+rec.ID.String()+"/original", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestGetImage_Misses(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainShops)
	id := rec.ID.String()

	tests := []struct {
		name string
		url  string
		code int
	}{
		{"unsupported size", "/images/shops/" + id + "/large", http.StatusBadRequest},
		{"bad id", "/images/shops/nope/small", http.StatusBadRequest},
		{"unknown record", "/images/shops/" + uuid.NewString() + "/small", http.StatusNotFound},
		{"wrong domain", "/images/reviews/" + id + "/small", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(http.MethodGet, tt.url, nil))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestGetImage_MissingOriginalIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainShops)
	require.NoError(t, env.blobs.Delete(context.Background(), rec.OriginalPath))

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/images/shops/"+rec.ID.String()+"/medium", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestGetImage_ContentionSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainShops)

	tok, ok, err := env.locks.TryAcquire(context.Background(), paths.LockKey(rec.Filename, "medium"))
	require.NoError(t, err)
	require.True(t, ok)
	defer env.locks.Release(context.Background(), tok)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/images/shops/"+rec.ID.String()+"/medium", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestDeleteImage(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainReviews)
	id := rec.ID.String()

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/images/reviews/"+id+"/thumbnail", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/images/reviews/"+id, nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	for _, key := range []string{rec.OriginalPath, paths.Key(models.DomainReviews, "thumbnail", rec.Filename)} {
		ok, err := env.blobs.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/images/reviews/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/images/reviews/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessImage_WarmsAllSizes(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seed(t, models.DomainShops)

	require.NoError(t, env.srv.ProcessImage(context.Background(), rec.ID.String()))

	got, err := env.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"medium", "small", "thumbnail"}, got.Generated.Names())

	assert.Error(t, env.srv.ProcessImage(context.Background(), "not-a-uuid"))
	assert.True(t, errors.Is(env.srv.ProcessImage(context.Background(), uuid.NewString()), storage.ErrNotFound))
}

func TestConsume_SkipsBadEventsAndStopsAtEOF(t *testing.T) {
	env := newTestEnv(t)
	first := env.seed(t, models.DomainShops)
	second := env.seed(t, models.DomainProfiles)

	r := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(first.ID.String())},
		{Value: []byte("garbage")},
		{Value: []byte(second.ID.String())},
	}}
	env.srv.Consume(context.Background(), r)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		got, err := env.store.GetRecord(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, got.Generated.Has("thumbnail"))
		assert.True(t, got.Generated.Has("medium"))
	}
}

func TestConsume_BacksOffOnReadErrors(t *testing.T) {
	env := newTestEnv(t)
	env.srv.readBackoff = 40 * time.Millisecond
	r := &failingReader{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	env.srv.Consume(ctx, r)

	assert.GreaterOrEqual(t, r.calls, 1)
	assert.LessOrEqual(t, r.calls, 4)
}

func TestStaticFiles_OnlyImagesTree(t *testing.T) {
	env := newTestEnv(t)
	root := env.cfg.StoragePath
	write := func(rel, body string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0644))
	}
	write("images/shops/thumbnail/a.jpg", "thumb")
	write("tmp/scratch", "partial")

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/files/images/shops/thumbnail/a.jpg", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "thumb", w.Body.String())

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/files/tmp/scratch", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
