package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/export"
	"github.com/TobiSchelling/PostPilot/internal/jobs"
	"github.com/TobiSchelling/PostPilot/internal/metrics"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Server is the read-only dashboard over jobs and exported artifacts.
type Server struct {
	jobs      *jobs.Store
	objects   storage.Store
	platforms []models.Platform
	logger    *zap.Logger
	pages     map[string]*template.Template
	mux       *http.ServeMux
}

type platformView struct {
	Platform models.Platform
	Jobs     []*models.JobDescriptor
}

// New creates a new Server.
func New(store *jobs.Store, objects storage.Store, platforms []models.Platform, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"timefmt": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format("2006-01-02 15:04")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so their "content" blocks don't collide.
	pageNames := []string{"index.html", "account.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		jobs:      store,
		objects:   objects,
		platforms: platforms,
		logger:    logger,
		pages:     pages,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /accounts/{platform}/{username}", s.handleAccount)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	views := make([]platformView, 0, len(s.platforms))
	for _, p := range s.platforms {
		list, err := s.jobs.List(r.Context(), p)
		if err != nil {
			s.logger.Error("listing jobs", zap.String("platform", string(p)), zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		views = append(views, platformView{Platform: p, Jobs: list})
	}
	s.render(w, "index.html", map[string]any{"Platforms": views})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	platform, err := models.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	username := r.PathValue("username")

	job, err := s.jobs.Get(r.Context(), platform, username)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("loading job", zap.String("username", username), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := map[string]any{"Job": job}
	rec, recKey, err := export.LatestRecommendation(r.Context(), s.objects, platform, username)
	if err != nil {
		s.logger.Warn("loading recommendation", zap.String("username", username), zap.Error(err))
	} else if rec != nil {
		data["Recommendation"] = rec
		data["RecommendationKey"] = recKey
	}
	next, nextKey, err := export.LatestNextPost(r.Context(), s.objects, platform, username)
	if err != nil {
		s.logger.Warn("loading next post", zap.String("username", username), zap.Error(err))
	} else if next != nil {
		data["NextPost"] = next
		data["NextPostKey"] = nextKey
	}
	s.render(w, "account.html", data)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", zap.String("name", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.logger.Error("rendering template", zap.String("name", name), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on port until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, srv *Server, port int) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("dashboard listening", zap.String("addr", "http://"+httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
