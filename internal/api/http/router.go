package http

import (
	"context"
	"iter"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"

	"github.com/vadimbarashkov/shortlink-registry/internal/identity"
	"github.com/vadimbarashkov/shortlink-registry/internal/kv"
	"github.com/vadimbarashkov/shortlink-registry/internal/models"
)

type ShortLinkService interface {
	Shorten(ctx context.Context, longURL, ownerID string) (*models.ShortLink, error)
	GetByCode(ctx context.Context, code string) (*models.ShortLink, error)
	ListByOwner(ctx context.Context, ownerID string) iter.Seq2[models.ShortLink, error]
	ListAll(ctx context.Context) iter.Seq2[models.ShortLink, error]
	RecordClick(ctx context.Context, code string, meta models.ClickMetadata) (*models.ClickEvent, error)
	GetClickEvent(ctx context.Context, code string, seq int64) (*models.ClickEvent, error)
	Subscribe(code string) *kv.Subscription
}

func NewRouter(logger *httplog.Logger, svc ShortLinkService, sessions *identity.Sessions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(identity.Middleware(sessions))

	validate := getValidate()

	r.Get("/ping", handlePing)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions", handleSignIn(sessions, validate))
		r.Delete("/sessions", handleSignOut)

		r.Route("/links", func(r chi.Router) {
			r.Post("/", handleCreateLink(svc, validate))
			r.Get("/", handleListLinks(svc))
			r.Get("/all", handleListAllLinks(svc))
			r.Get("/{shortCode}", handleGetLink(svc))
		})
	})

	r.Get("/realtime/{shortCode}", handleRealtime(svc))
	r.Get("/{shortCode}", handleRedirect(svc))

	return r
}

func getValidate() *validator.Validate {
	validate := validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return validate
}
