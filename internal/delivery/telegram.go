package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// telegramAPI is the subset of *tgbotapi.BotAPI the gateway needs.
type telegramAPI interface {
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Token string
	// RatePerSec caps outgoing API calls; Telegram allows roughly 30/s per bot.
	RatePerSec int
}

// TelegramGateway delivers reminders through the Telegram Bot API.
type TelegramGateway struct {
	api     telegramAPI
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTelegramGateway authorizes the bot token and builds the gateway.
func NewTelegramGateway(cfg TelegramConfig, logger *zap.Logger) (*TelegramGateway, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}

	logger.Info("telegram gateway authorized",
		zap.String("bot", bot.Self.UserName),
		zap.Int("rate_per_sec", cfg.RatePerSec),
	)

	return newTelegramGateway(bot, cfg.RatePerSec, logger), nil
}

func newTelegramGateway(api telegramAPI, ratePerSec int, logger *zap.Logger) *TelegramGateway {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	return &TelegramGateway{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger,
	}
}

// ResolveRecipient checks that the bot can see the user's private chat.
func (g *TelegramGateway) ResolveRecipient(ctx context.Context, userID string) (Recipient, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return Recipient{}, &RecipientNotFoundError{UserID: userID, Err: fmt.Errorf("malformed user id")}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return Recipient{}, &DeliveryError{Target: "user " + userID, Err: err}
	}

	chat, err := g.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		if code, ok := apiErrorCode(err); ok && (code == 400 || code == 403) {
			return Recipient{}, &RecipientNotFoundError{UserID: userID, Err: err}
		}
		return Recipient{}, sendError("user "+userID, err)
	}

	name := chat.UserName
	if name == "" {
		name = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}

	return Recipient{UserID: userID, ChatID: chat.ID, Name: name}, nil
}

// SendDirect sends a private message to a resolved recipient.
func (g *TelegramGateway) SendDirect(ctx context.Context, recipient Recipient, text string) (string, error) {
	target := "user " + recipient.UserID
	if err := g.limiter.Wait(ctx); err != nil {
		return "", &DeliveryError{Target: target, Err: err}
	}

	msg, err := g.api.Send(tgbotapi.NewMessage(recipient.ChatID, text))
	if err != nil {
		return "", sendError(target, err)
	}

	return strconv.Itoa(msg.MessageID), nil
}

// SendToChannel posts to a channel addressed either by numeric chat id or
// by @username.
func (g *TelegramGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	target := "channel " + channelID
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return "", &DeliveryError{Target: target, Err: fmt.Errorf("%w: empty channel id", ErrBadTarget)}
	}

	var cfg tgbotapi.MessageConfig
	if strings.HasPrefix(channelID, "@") {
		cfg = tgbotapi.NewMessageToChannel(channelID, text)
	} else {
		id, err := strconv.ParseInt(channelID, 10, 64)
		if err != nil {
			return "", &DeliveryError{Target: target, Err: fmt.Errorf("%w: unresolvable channel id", ErrBadTarget)}
		}
		cfg = tgbotapi.NewMessage(id, text)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", &DeliveryError{Target: target, Err: err}
	}

	msg, err := g.api.Send(cfg)
	if err != nil {
		return "", sendError(target, err)
	}

	g.logger.Debug("channel message sent",
		zap.String("channel_id", channelID),
		zap.Int("message_id", msg.MessageID),
	)

	return strconv.Itoa(msg.MessageID), nil
}

// sendError keeps the Bot API error code so callers can tell a rejected
// message from an unreachable API.
func sendError(target string, err error) *DeliveryError {
	code, _ := apiErrorCode(err)
	return &DeliveryError{Target: target, StatusCode: code, Err: err}
}

func apiErrorCode(err error) (int, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) {
		return ptr.Code, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val.Code, true
	}
	return 0, false
}
