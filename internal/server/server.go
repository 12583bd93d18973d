package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashgame/internal/archive"
	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/pkg/logger"
)

// RoundService is the part of the scheduler the HTTP layer talks to.
type RoundService interface {
	PlaceBet(ctx context.Context, req game.BetRequest) (game.BetReceipt, error)
	CashOut(ctx context.Context, userID string) (game.CashoutReceipt, error)
	Current() game.RoundView
}

// Deps wires the server. DB, Cache and Archive are optional.
type Deps struct {
	Config       config.ServerConfig
	Rounds       RoundService
	Hub          *game.Hub
	History      game.HistoryReader
	Funds        ledger.Funder
	HouseEdgeBps int64
	Auth         Authenticator
	Archive      archive.Store
	DB           database.Service
	Cache        cache.Service
}

type FiberServer struct {
	*fiber.App

	cfg          config.ServerConfig
	rounds       RoundService
	hub          *game.Hub
	history      game.HistoryReader
	funds        ledger.Funder
	houseEdgeBps int64
	auth         Authenticator
	archive      archive.Store
	db           database.Service
	cache        cache.Service
	validate     *validator.Validate
}

func New(d Deps) *FiberServer {
	if d.Auth == nil {
		d.Auth = HeaderAuthenticator{}
		if d.Config.QueryIdentity {
			d.Auth = ChainAuthenticator{HeaderAuthenticator{}, QueryAuthenticator{}}
		}
	}
	name := d.Config.AppName
	if name == "" {
		name = "crashgame"
	}

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  name,
			AppName:       name,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}),

		cfg:          d.Config,
		rounds:       d.Rounds,
		hub:          d.Hub,
		history:      d.History,
		funds:        d.Funds,
		houseEdgeBps: d.HouseEdgeBps,
		auth:         d.Auth,
		archive:      d.Archive,
		db:           d.DB,
		cache:        d.Cache,
		validate:     validator.New(),
	}

	rateLimit := d.Config.RateLimit
	if rateLimit <= 0 {
		rateLimit = 100
	}

	server.App.Use(recover.New())
	server.App.Use(logger.FiberMiddleware())
	server.App.Use(limiter.New(limiter.Config{
		Max:        rateLimit,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/ws"
		},
	}))
	server.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type," + UserIDHeader + "," + logger.RequestIDHeader,
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	return server
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	logger.InfoGlobal().Msg("Shutting down HTTP server")
	return s.App.ShutdownWithContext(ctx)
}
