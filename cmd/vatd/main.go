package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"vatcore/config"
	"vatcore/native/auction"
	"vatcore/native/common"
	"vatcore/native/dog"
	"vatcore/native/duty"
	"vatcore/native/fixed"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/native/spotter"
	"vatcore/observability/logging"
	"vatcore/observability/metrics"
	"vatcore/services/vatd"
	"vatcore/state"
	"vatcore/storage"
)

const identity = ledger.Identity("module/vatd")

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.toml", "path to vatd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	logger := logging.Setup("vatd", cfg.Environment)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "vat"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	world, err := buildWorld(cfg, logger)
	if err != nil {
		log.Fatalf("wire modules: %v", err)
	}

	store := state.NewStore(db, world.ledger, world.engine, identity)
	store.SetJug(world.jug)
	store.SetDog(world.dog)
	if err := store.Load(); err != nil {
		log.Fatalf("restore snapshot: %v", err)
	}

	server := vatd.NewServer(vatd.Deps{
		Logger:   logger,
		Identity: identity,
		Ledger:   world.ledger,
		Spotter:  world.spotter,
		Jug:      world.jug,
		Dog:      world.dog,
		Engine:   world.engine,
		Feed:     world.feed,
		Breakers: world.breakers,
		Auth: vatd.NewAuthenticator(vatd.AuthConfig{
			Enabled:    true,
			HMACSecret: os.Getenv(cfg.AuthTokenEnv),
			Issuer:     "vatd",
		}, logger),
		Limiter: vatd.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runTickers(ctx, cfg, world, store, logger)

	go func() {
		logger.Info("vatd listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := store.Save(); err != nil {
		logger.Error("final snapshot failed", "err", err)
	}
}

type world struct {
	ledger   *ledger.Ledger
	spotter  *spotter.Spotter
	jug      *jug.Jug
	dog      *dog.Dog
	engine   *auction.Engine
	feed     *spotter.PushFeed
	breakers *common.Breakers
	classes  []ledger.ClassID
}

func buildWorld(cfg *config.Config, logger *slog.Logger) (*world, error) {
	l := ledger.New(identity)
	if err := l.SetGlobalDebtCeiling(identity, config.MustAmount(cfg.GlobalDebtCeiling)); err != nil {
		return nil, err
	}

	feed := spotter.NewPushFeed()
	sp := spotter.New(l, identity)
	j := jug.New(l, identity)
	engine := auction.New(l, identity)
	d := dog.New(l, identity, engine)
	if err := d.SetGlobalCap(config.MustAmount(cfg.GlobalLiquidationCap)); err != nil {
		return nil, err
	}

	breakers := common.NewBreakers()
	breakers.SetHalted("ledger", cfg.Pauses.Ledger)
	breakers.SetHalted("dog", cfg.Pauses.Dog)
	breakers.SetHalted("auction", cfg.Pauses.Auction)
	d.SetBreakers(breakers)
	engine.SetBreakers(breakers)

	engine.SetDebtSink(d)
	payer := &surplusPayer{ledger: l, logger: logger}
	engine.SetSurplusBuffer(payer)
	d.SetSurplusBuffer(payer)

	var ctrl *duty.Controller
	if cfg.RateController.Enabled {
		ctrl = duty.New(feed, config.MustAmount(cfg.RateController.Peg))
		if err := ctrl.SetBounds(
			config.MustAmount(cfg.RateController.MinRate),
			config.MustAmount(cfg.RateController.MaxRate),
		); err != nil {
			return nil, err
		}
		j.AttachRateSource(ctrl)
	}

	classes := make([]ledger.ClassID, 0, len(cfg.Classes))
	for _, cc := range cfg.Classes {
		id := ledger.ClassID(cc.ID)
		classes = append(classes, id)
		if err := l.CreateClass(identity, id); err != nil {
			return nil, err
		}
		if err := l.SetClassDebtCeiling(identity, id, config.MustAmount(cc.DebtCeiling)); err != nil {
			return nil, err
		}
		if err := l.SetDustFloor(identity, id, config.MustAmount(cc.DustFloor)); err != nil {
			return nil, err
		}
		margin := orRay(cc.Margin)
		maxAge := time.Duration(cc.MaxPriceAgeSecs) * time.Second
		if err := sp.ConfigureClass(id, feed, margin, maxAge); err != nil {
			return nil, err
		}
		if err := j.InitClass(id, orRay(cc.Duty)); err != nil {
			return nil, err
		}
		if err := d.ConfigureClass(id, orRay(cc.Penalty),
			config.MustAmount(cc.HoleCap),
			config.MustAmount(cc.Chip),
			config.MustAmount(cc.Tip)); err != nil {
			return nil, err
		}
		if err := engine.ConfigureClass(id, auctionParams(cc.Auction)); err != nil {
			return nil, err
		}
		if ctrl != nil {
			if err := ctrl.SetCurve(id, cfg.RateController.Beta, orRay(cc.Duty), true); err != nil {
				return nil, err
			}
		}
	}

	return &world{
		ledger:   l,
		spotter:  sp,
		jug:      j,
		dog:      d,
		engine:   engine,
		feed:     feed,
		breakers: breakers,
		classes:  classes,
	}, nil
}

func auctionParams(a config.AuctionConfig) auction.Params {
	p := auction.Params{
		Buf:  orRay(a.Buf),
		Tail: time.Duration(a.TailSecs) * time.Second,
		Cusp: config.MustAmount(a.Cusp),
	}
	switch a.DecayKind {
	case "exponential":
		p.Decay = auction.Decay{Kind: auction.Exponential, Cut: config.MustAmount(a.Cut)}
	case "stairstep":
		p.Decay = auction.Decay{
			Kind: auction.StairstepExponential,
			Cut:  config.MustAmount(a.Cut),
			Step: a.StepSecs,
		}
	default:
		p.Decay = auction.Decay{Kind: auction.Linear, Tau: a.TauSecs}
	}
	return p
}

// orRay treats an omitted ratio as the identity.
func orRay(s string) *uint256.Int {
	v := config.MustAmount(s)
	if v.IsZero() {
		return new(uint256.Int).Set(fixed.RAY)
	}
	return v
}

func runTickers(ctx context.Context, cfg *config.Config, w *world, store *state.Store, logger *slog.Logger) {
	m := metrics.Vat()
	poke := time.NewTicker(time.Duration(cfg.PokeIntervalSecs) * time.Second)
	drip := time.NewTicker(time.Duration(cfg.DripIntervalSecs) * time.Second)
	snapshot := time.NewTicker(time.Duration(cfg.SnapshotIntervalSecs) * time.Second)
	defer poke.Stop()
	defer drip.Stop()
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poke.C:
			for _, id := range w.classes {
				if _, err := w.spotter.Poke(id); err != nil {
					if errors.Is(err, spotter.ErrOracleUnavailable) {
						logger.Debug("no oracle price yet", "class", id)
						continue
					}
					logger.Warn("poke failed", "class", id, "err", err)
				}
			}
		case <-drip.C:
			for _, id := range w.classes {
				if _, err := w.jug.Drip(id); err != nil {
					logger.Warn("drip failed", "class", id, "err", err)
					continue
				}
				m.ObserveDrip(string(id))
			}
		case <-snapshot.C:
			if err := store.Save(); err != nil {
				logger.Error("snapshot failed", "err", err)
				continue
			}
			m.SetActiveAuctions(len(w.engine.Active()))
		}
	}
}

// surplusPayer settles keeper incentives against the system surplus. Actual
// token payout happens in custody outside this process; here the surplus is
// only debited and the payout logged.
type surplusPayer struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func (p *surplusPayer) Debit(recipient string, amount *uint256.Int) error {
	if err := p.ledger.DebitSurplus(identity, amount); err != nil {
		if p.logger != nil {
			p.logger.Warn("incentive not funded", "recipient", recipient, "amount", amount.Dec(), "err", err)
		}
		return err
	}
	if p.logger != nil {
		p.logger.Info("incentive paid", "recipient", recipient, "amount", amount.Dec())
	}
	return nil
}
