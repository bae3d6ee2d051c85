package vatd

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vatcore/native/auction"
	"vatcore/native/common"
	"vatcore/native/dog"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/native/spotter"
	"vatcore/observability/metrics"
)

// Deps bundles the modules the service exposes. Store-backed persistence and
// the rate controller run outside the request path and are not wired here.
type Deps struct {
	Logger   *slog.Logger
	Identity ledger.Identity
	Ledger   *ledger.Ledger
	Spotter  *spotter.Spotter
	Jug      *jug.Jug
	Dog      *dog.Dog
	Engine   *auction.Engine
	Feed     *spotter.PushFeed
	Breakers *common.Breakers
	Auth     *Authenticator
	Limiter  *RateLimiter
}

type Server struct {
	logger   *slog.Logger
	metrics  *metrics.VatMetrics
	ident    ledger.Identity
	ledger   *ledger.Ledger
	spotter  *spotter.Spotter
	jug      *jug.Jug
	dog      *dog.Dog
	engine   *auction.Engine
	feed     *spotter.PushFeed
	breakers *common.Breakers
	auth     *Authenticator
	limiter  *RateLimiter
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		metrics:  metrics.Vat(),
		ident:    deps.Identity,
		ledger:   deps.Ledger,
		spotter:  deps.Spotter,
		jug:      deps.Jug,
		dog:      deps.Dog,
		engine:   deps.Engine,
		feed:     deps.Feed,
		breakers: deps.Breakers,
		auth:     deps.Auth,
		limiter:  deps.Limiter,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Instrument(s.logger, s.metrics))
	if s.limiter != nil {
		r.Use(s.limiter.Middleware())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/ledger", s.handleGlobal)
		v1.Get("/classes", s.handleClasses)
		v1.Get("/classes/{class}", s.handleClass)
		v1.Get("/classes/{class}/positions/{owner}", s.handlePosition)
		v1.Get("/auctions", s.handleAuctions)
		v1.Get("/auctions/{id}", s.handleAuction)

		v1.Post("/classes/{class}/poke", s.handlePoke)
		v1.Post("/classes/{class}/drip", s.handleDrip)
		v1.Post("/classes/{class}/bark", s.handleBark)
		v1.Post("/auctions/{id}/take", s.handleTake)
		v1.Post("/auctions/{id}/redo", s.handleRedo)

		v1.Route("/admin", func(admin chi.Router) {
			if s.auth != nil {
				admin.Use(s.auth.Middleware(ScopeAdmin))
			}
			admin.Post("/halt", s.handleHalt)
			admin.Post("/classes/{class}/params", s.handleClassParams)
			admin.Post("/classes/{class}/price", s.handlePostPrice)
		})
	})
	return r
}
