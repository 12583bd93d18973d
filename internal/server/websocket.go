package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
	"crashgame/pkg/logger"
)

const (
	wsWriteWait    = 5 * time.Second
	wsReplyQueue   = 16
	localUserID    = "user_id"
	localRequestID = "request_id"
)

// wsCommand is a client message. Fields beyond type depend on the command.
type wsCommand struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	AutoCashoutAt game.Multiplier `json:"autoCashoutAt"`
	ClientSeed    string          `json:"clientSeed"`
}

type wsReply struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// wsUpgrade resolves the identity before the upgrade, while headers are still readable.
func (s *FiberServer) wsUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	// a failed authentication leaves the connection anonymous
	userID, err := s.auth.Authenticate(c)
	if err != nil {
		userID = ""
	}
	c.Locals(localUserID, userID)
	c.Locals(localRequestID, logger.GetRequestID(c.UserContext()))
	return c.Next()
}

func rejectionReply(cmd wsCommand, err error) wsReply {
	body := errorBody{Error: "internal", Message: "internal error"}
	if rej, ok := game.AsRejection(err); ok {
		body = errorBody{Error: string(rej.Code), Message: rej.Reason}
	}
	return wsReply{Type: "error", RequestID: cmd.RequestID, Data: body}
}

func (s *FiberServer) handleCommand(ctx context.Context, userID string, cmd wsCommand) wsReply {
	switch cmd.Type {
	case "ping":
		return wsReply{Type: "pong", RequestID: cmd.RequestID}
	case "place_bet", "cash_out":
		if userID == "" {
			return wsReply{Type: "error", RequestID: cmd.RequestID, Data: errorBody{Error: "unauthenticated", Message: "anonymous connections can only watch"}}
		}
	default:
		return wsReply{Type: "error", RequestID: cmd.RequestID, Data: errorBody{Error: "bad_request", Message: "unknown command " + cmd.Type}}
	}

	if cmd.Type == "place_bet" {
		receipt, err := s.rounds.PlaceBet(ctx, game.BetRequest{
			UserID:        userID,
			Amount:        cmd.Amount,
			AutoCashoutAt: cmd.AutoCashoutAt,
			ClientSeed:    cmd.ClientSeed,
		})
		if err != nil {
			return rejectionReply(cmd, err)
		}
		return wsReply{Type: "bet_result", RequestID: cmd.RequestID, Data: receipt}
	}

	receipt, err := s.rounds.CashOut(ctx, userID)
	if err != nil {
		return rejectionReply(cmd, err)
	}
	return wsReply{Type: "cashout_result", RequestID: cmd.RequestID, Data: receipt}
}

// gameWebSocketHandler streams the round feed and accepts commands from the client.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID, _ := conn.Locals(localUserID).(string)
	requestID, _ := conn.Locals(localRequestID).(string)
	ctx := logger.WebSocketContext(requestID)

	sub := s.hub.Subscribe(uuid.NewString())
	defer s.hub.Unsubscribe(sub)

	logger.Info(ctx).Str("user_id", userID).Str("subscriber", sub.ID()).Msg("WebSocket connected")

	replies := make(chan []byte, wsReplyQueue)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		defer conn.Close()
		for {
			var msg []byte
			select {
			case msg = <-sub.Messages():
			case msg = <-replies:
			case <-sub.Done():
				logger.Warn(ctx).Str("subscriber", sub.ID()).Msg("WebSocket feed closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug(ctx).Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			logger.Debug(ctx).Err(err).Str("user_id", userID).Msg("WebSocket read ended")
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd wsCommand
		var reply wsReply
		if err := json.Unmarshal(message, &cmd); err != nil {
			reply = wsReply{Type: "error", Data: errorBody{Error: "bad_request", Message: "invalid message"}}
		} else {
			reply = s.handleCommand(ctx, userID, cmd)
		}

		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error(ctx).Err(err).Msg("Encode reply failed")
			continue
		}
		select {
		case replies <- data:
		case <-writerDone:
			return
		}
	}

	s.hub.Unsubscribe(sub)
	<-writerDone
}
