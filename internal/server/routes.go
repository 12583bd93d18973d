package server

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"crashgame/internal/archive"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/pkg/logger"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	crash := api.Group("/crash")
	crash.Get("/state", s.getStateHandler)
	crash.Get("/history", s.getHistoryHandler)
	crash.Get("/history/:roundId", s.getRoundHandler)
	crash.Get("/verify", s.verifyHandler)
	crash.Post("/bet", s.placeBetHandler)
	crash.Post("/cashout", s.cashoutHandler)

	api.Get("/user/balance", s.getBalanceHandler)
	if s.cfg.DevFunding {
		api.Post("/user/:userId/deposit", s.depositHandler)
		logger.WarnGlobal().Msg("Dev funding endpoint enabled")
	}

	s.App.Use("/ws", s.wsUpgrade)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	view := s.rounds.Current()
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"round_id":          view.RoundID,
			"round_status":      view.Status,
			"connected_clients": s.hub.ClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) getStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.rounds.Current())
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return badRequest(c, "limit must not be negative")
	}
	return c.JSON(fiber.Map{"rounds": s.history.Recent(limit)})
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	id, err := c.ParamsInt("roundId")
	if err != nil || id <= 0 {
		return badRequest(c, "roundId must be a positive integer")
	}
	if rec, ok := s.history.Get(int64(id)); ok {
		return c.JSON(rec)
	}
	if s.archive != nil {
		rec, err := s.archive.Round(c.UserContext(), int64(id))
		if err == nil {
			return c.JSON(rec)
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return writeError(c, err)
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: "not_found", Message: "round not found"})
}

type verifyQuery struct {
	ServerSeed     string `query:"server_seed" validate:"required,max=128"`
	ServerSeedHash string `query:"server_seed_hash" validate:"omitempty,len=64,hexadecimal"`
	ClientSeed     string `query:"client_seed" validate:"required,max=128"`
	Nonce          int64  `query:"nonce" validate:"gte=0"`
	CrashPoint     string `query:"crash_point"`
}

// verifyHandler recomputes a round from its revealed inputs.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	var q verifyQuery
	if err := c.QueryParser(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	if err := s.validate.Struct(q); err != nil {
		return badRequest(c, err.Error())
	}

	crashPoint := game.DeriveCrashPoint(q.ServerSeed, q.ClientSeed, q.Nonce, s.houseEdgeBps)
	resp := fiber.Map{
		"crashPoint":     crashPoint,
		"serverSeedHash": game.HashCommitment(q.ServerSeed),
		"houseEdgeBps":   s.houseEdgeBps,
	}
	if q.CrashPoint != "" {
		claimed, err := game.ParseMultiplier(q.CrashPoint)
		if err != nil {
			return badRequest(c, err.Error())
		}
		resp["valid"] = game.VerifyRound(q.ServerSeed, q.ServerSeedHash, q.ClientSeed, q.Nonce, s.houseEdgeBps, claimed)
	}
	return c.JSON(resp)
}

type betBody struct {
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt game.Multiplier `json:"autoCashoutAt"`
	ClientSeed    string          `json:"clientSeed" validate:"max=64,printascii"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	userID, err := s.auth.Authenticate(c)
	if err != nil {
		return writeError(c, err)
	}

	var body betBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(body); err != nil {
		return writeError(c, game.ErrInvalidClientSeed)
	}

	receipt, err := s.rounds.PlaceBet(c.UserContext(), game.BetRequest{
		UserID:        userID,
		Amount:        body.Amount,
		AutoCashoutAt: body.AutoCashoutAt,
		ClientSeed:    body.ClientSeed,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(receipt)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	userID, err := s.auth.Authenticate(c)
	if err != nil {
		return writeError(c, err)
	}
	receipt, err := s.rounds.CashOut(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(receipt)
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	userID, err := s.auth.Authenticate(c)
	if err != nil {
		return writeError(c, err)
	}
	balance, err := s.funds.Balance(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(balance)
}

// depositHandler credits a wallet directly (for testing/dev only).
func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return badRequest(c, "User ID is required")
	}

	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := s.funds.Deposit(c.UserContext(), userID, body.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return badRequest(c, "amount must be positive with at most two decimals")
		}
		return writeError(c, err)
	}

	balance, err := s.funds.Balance(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(balance)
}
