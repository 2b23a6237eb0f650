package api

import (
	"net/http"
	"time"

	"docqueue/auth"
	"docqueue/blob"
	"docqueue/converter"
	"docqueue/log"
	"docqueue/metrics"
	"docqueue/notify"
	"docqueue/queue"
	"docqueue/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultMaxUploadSize = 100 << 20

type Deps struct {
	Store      store.Store
	Dispatcher *queue.Dispatcher
	Backlog    queue.Backlog
	Registry   queue.Registry
	Blobs      blob.Store
	Converters *converter.Registry
	Auth       auth.Authenticator
	Events     *notify.Hub

	MaxUploadSize int64
	CORSOrigins   []string
}

type Server struct {
	store      store.Store
	dispatcher *queue.Dispatcher
	backlog    queue.Backlog
	registry   queue.Registry
	blobs      blob.Store
	converters *converter.Registry
	auth       auth.Authenticator
	events     *notify.Hub
	validate   *validator.Validate
	maxUpload  int64
	log        *zap.SugaredLogger
}

func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUploadSize
	}
	if deps.Events == nil {
		deps.Events = notify.NewHub()
	}
	if len(deps.CORSOrigins) == 0 {
		deps.CORSOrigins = []string{"*"}
	}

	srv := &Server{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		backlog:    deps.Backlog,
		registry:   deps.Registry,
		blobs:      deps.Blobs,
		converters: deps.Converters,
		auth:       deps.Auth,
		events:     deps.Events,
		validate:   validator.New(),
		maxUpload:  deps.MaxUploadSize,
		log:        zap.S().Named("api"),
	}

	metricMiddleware := metrics.NewMiddleware("api")
	if err := metricMiddleware.Register(prometheus.DefaultRegisterer); err != nil {
		srv.log.Warnw("failed to register http metrics", "error", err)
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		log.Logger(zap.L(), "http"),
		middleware.Recoverer,
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}),
	)

	router.Get("/health", srv.health)
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/auth/login", srv.login)

	router.Group(func(r chi.Router) {
		r.Use(srv.auth.Authenticator)
		r.Get("/tasks", srv.listTasks)
		r.Post("/tasks/submit", srv.submitTask)
		r.Get("/tasks/{id}", srv.getTask)
		r.Get("/tasks/{id}/result", srv.getResult)
		r.Get("/tasks/{id}/events", srv.taskEvents)
	})

	return router
}
