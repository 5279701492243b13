package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"shopimg/internal/blob"
	"shopimg/internal/derivative"
	"shopimg/internal/logging"
	"shopimg/internal/metrics"
	"shopimg/internal/models"
	"shopimg/internal/paths"
	"shopimg/internal/storage"
	"shopimg/internal/transform"
)

const (
	component = "server"
	filesPath = "/files"
)

// RecordStore is the content record persistence the handlers need.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *models.ContentRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*models.ContentRecord, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
}

// Publisher sends warm-up events. *kafka.Writer satisfies it.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	records  RecordStore
	engine   *derivative.Engine
	blobs    blob.Backend
	producer Publisher

	// readBackoff is the pause after a failed warm-up read.
	readBackoff time.Duration
}

// NewServer wires the routes. producer may be nil, in which case uploads are
// not announced for background warm-up.
func NewServer(cfg *models.Config, records RecordStore, engine *derivative.Engine, blobs blob.Backend, producer Publisher) *Server {
	r := gin.Default()
	if cfg.StorageDriver == "fs" {
		// Only the images tree; scratch keys stay private.
		r.Static(filesPath+"/"+paths.Root, filepath.Join(cfg.StoragePath, paths.Root))
	}

	s := &Server{
		cfg:         cfg,
		router:      r,
		records:     records,
		engine:      engine,
		blobs:       blobs,
		producer:    producer,
		readBackoff: time.Second,
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.POST("/images/:domain", s.handleUpload)
	r.GET("/images/:domain/:id", s.handleGetRecord)
	r.GET("/images/:domain/:id/:size", s.handleGetImage)
	r.DELETE("/images/:domain/:id", s.handleDeleteImage)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"
	ctx := c.Request.Context()

	domain, err := models.ParseDomain(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported content type " + mt.String()})
		return
	}

	id := uuid.New()
	name := paths.Filename(id, file.Filename)
	if path.Ext(name) == "" {
		name += mt.Extension()
	}
	rec := &models.ContentRecord{
		ID:           id,
		Domain:       domain,
		Filename:     name,
		OriginalPath: paths.Original(domain, name),
		Generated:    models.GeneratedSizes{},
	}

	if err := s.blobs.Write(ctx, rec.OriginalPath, data); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if err := s.records.SaveRecord(ctx, rec); err != nil {
		if derr := s.blobs.Delete(ctx, rec.OriginalPath); derr != nil {
			logging.Error(component, "orphaned original", "key", rec.OriginalPath, "err", derr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	if len(s.cfg.EagerSizes) > 0 {
		if _, err := s.engine.Warm(ctx, rec, s.cfg.EagerSizes...); err != nil {
			logging.Error(component, "eager derivatives incomplete", "id", rec.ID, "err", err)
		}
		if fresh, err := s.records.GetRecord(ctx, rec.ID); err == nil {
			rec = fresh
		}
	}

	if s.producer != nil {
		msg := kafka.Message{Key: []byte(rec.Domain), Value: []byte(rec.ID.String())}
		if err := s.producer.WriteMessages(ctx, msg); err != nil {
			logging.Error(component, "warm-up event not published", "id", rec.ID, "err", err)
		}
	}

	logging.Info(component, "image uploaded", "id", rec.ID, "domain", rec.Domain, "type", mt.String(), "bytes", len(data))
	c.JSON(http.StatusCreated, s.view(rec))
}

func (s *Server) handleGetRecord(c *gin.Context) {
	rec, ok := s.loadRecord(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.view(rec))
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"
	ctx := c.Request.Context()

	size := c.Param("size")
	if !s.engine.Supports(size) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported size %q", size)})
		return
	}
	rec, ok := s.loadRecord(c)
	if !ok {
		return
	}

	key, err := s.engine.Lookup(ctx, rec, size)
	if err != nil {
		if errors.Is(err, derivative.ErrNotReady) {
			c.Header("Retry-After", "1")
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}

	data, err := s.blobs.Read(ctx, key)
	if err != nil {
		msg := "derivative read failed"
		if errors.Is(err, blob.ErrNotFound) {
			msg = "registered derivative missing from storage"
		}
		logging.Error(component, msg, "op", op, "id", rec.ID, "key", key, "err", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}

	contentType := transform.ContentType
	if size == models.SizeOriginal {
		contentType = mimetype.Detect(data).String()
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	const op = "server.handleDeleteImage"
	ctx := c.Request.Context()

	rec, ok := s.loadRecord(c)
	if !ok {
		return
	}

	for _, key := range s.engine.Paths(rec) {
		if err := s.blobs.Delete(ctx, key); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
	}

	if err := s.records.DeleteRecord(ctx, rec.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	logging.Info(component, "image deleted", "id", rec.ID, "domain", rec.Domain)
	c.Status(http.StatusNoContent)
}

// loadRecord resolves the :domain and :id params, writing the error response
// itself when it reports false.
func (s *Server) loadRecord(c *gin.Context) (*models.ContentRecord, bool) {
	const op = "server.loadRecord"

	domain, err := models.ParseDomain(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return nil, false
	}

	rec, err := s.records.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return nil, false
	}
	if rec.Domain != domain {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return nil, false
	}
	return rec, true
}

type recordView struct {
	ID        uuid.UUID         `json:"id"`
	Domain    models.Domain     `json:"domain"`
	Filename  string            `json:"filename"`
	URLs      map[string]string `json:"urls"`
	CreatedAt time.Time         `json:"created_at"`
}

// view renders rec with one URL per size. Sizes not generated yet map to an
// empty string; clients fetch them through the size route to trigger
// generation.
func (s *Server) view(rec *models.ContentRecord) recordView {
	base := s.cfg.PublicBaseURL
	if base == "" {
		base = filesPath
	}
	urls := map[string]string{
		models.SizeOriginal: paths.URL(base, paths.For(rec, models.SizeOriginal)),
	}
	for _, size := range s.engine.Sizes() {
		urls[size] = ""
		if rec.Generated.Has(size) {
			urls[size] = paths.URL(base, paths.For(rec, size))
		}
	}
	return recordView{
		ID:        rec.ID,
		Domain:    rec.Domain,
		Filename:  rec.Filename,
		URLs:      urls,
		CreatedAt: rec.CreatedAt,
	}
}
