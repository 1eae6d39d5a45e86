// Package server exposes the single-shot operations over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/scenepipe/config"
	"github.com/chaos-io/scenepipe/service"
)

// Operations is what the handlers need from the service layer.
type Operations interface {
	CreateBinaryMask(ctx context.Context, data []byte, gen string) (*service.MaskResult, error)
	Inpaint(ctx context.Context, img, mask []byte, prompt string, n int) ([]string, error)
	GenerateScenes(ctx context.Context, prompt string, n int) ([]string, error)
	Overlay(background, foreground []byte, x, y int) (string, error)
}

type Server struct {
	ops    Operations
	logger *slog.Logger
}

func New(ops Operations, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ops: ops, logger: logger}
}

// ImageListResponse is the body of every successful image endpoint.
type ImageListResponse struct {
	Output []string `json:"output"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type generateRequest struct {
	Prompt     string `json:"prompt" binding:"required"`
	NumOutputs int    `json:"num_outputs"`
}

// Handler returns the router with every endpoint registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.POST("/create-binary-mask", s.createBinaryMask)
	r.POST("/infill-background", s.infillBackground)
	r.POST("/generate-background", s.generateBackground)
	r.POST("/overlay-image", s.overlayImage)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, "ok")
}

func (s *Server) createBinaryMask(c *gin.Context) {
	gen := c.DefaultQuery("mask_gen", config.MaskGenLocal)
	if gen != config.MaskGenLocal && gen != config.MaskGenReplicate {
		s.badRequest(c, errors.New("mask_gen must be local or replicate"))
		return
	}
	data, ok := s.formFile(c, "input_image")
	if !ok {
		return
	}

	res, err := s.ops.CreateBinaryMask(c.Request.Context(), data, gen)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ImageListResponse{Output: res.Paths()})
}

func (s *Server) infillBackground(c *gin.Context) {
	img, ok := s.formFile(c, "input_image")
	if !ok {
		return
	}
	mask, ok := s.formFile(c, "mask_image")
	if !ok {
		return
	}
	n, ok := s.intParam(c, "num_outputs", 2)
	if !ok {
		return
	}

	urls, err := s.ops.Inpaint(c.Request.Context(), img, mask, param(c, "prompt"), n)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ImageListResponse{Output: urls})
}

func (s *Server) generateBackground(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.NumOutputs < 1 {
		req.NumOutputs = 1
	}

	urls, err := s.ops.GenerateScenes(c.Request.Context(), req.Prompt, req.NumOutputs)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ImageListResponse{Output: urls})
}

func (s *Server) overlayImage(c *gin.Context) {
	bg, ok := s.formFile(c, "background_file")
	if !ok {
		return
	}
	fg, ok := s.formFile(c, "foreground_file")
	if !ok {
		return
	}
	x, ok := s.intParam(c, "x_pos", 0)
	if !ok {
		return
	}
	y, ok := s.intParam(c, "y_pos", 0)
	if !ok {
		return
	}

	path, err := s.ops.Overlay(bg, fg, x, y)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ImageListResponse{Output: []string{path}})
}

// formFile reads an uploaded file, answering 400 when it is missing.
func (s *Server) formFile(c *gin.Context, name string) ([]byte, bool) {
	fh, err := c.FormFile(name)
	if err != nil {
		s.badRequest(c, errors.New(name+" is required"))
		return nil, false
	}
	data, err := readAll(fh)
	if err != nil {
		s.badRequest(c, err)
		return nil, false
	}
	return data, true
}

func readAll(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// param reads name from the query string, then from the form.
func param(c *gin.Context, name string) string {
	if v, ok := c.GetQuery(name); ok {
		return v
	}
	return c.PostForm(name)
}

func (s *Server) intParam(c *gin.Context, name string, def int) (int, bool) {
	raw := param(c, name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		s.badRequest(c, errors.New(name+" must be an integer"))
		return 0, false
	}
	return v, true
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Detail: err.Error()})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	detail := err.Error()
	if errors.Is(err, service.ErrNoOutput) {
		detail = "No output from model"
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Detail: detail})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
