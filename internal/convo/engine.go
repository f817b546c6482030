package convo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-danfe/internal/cache"
	"bot-danfe/internal/danfe"
	"bot-danfe/internal/entitlement"
	"bot-danfe/internal/metrics"
	"bot-danfe/internal/nfe"
	"bot-danfe/internal/pay"
	"bot-danfe/internal/repo"
	"bot-danfe/internal/wa"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Sender delivers outbound messages. Satisfied by *wa.Client.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
	SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error
	SendDocument(ctx context.Context, to types.JID, data []byte, mimeType, filename, caption string) error
}

// Fetcher retrieves fiscal documents. Satisfied by *danfe.Client.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, key string) (*danfe.Document, int, error)
}

// Charger creates Pix charges. Satisfied by *pay.Client.
type Charger interface {
	CreatePixCharge(ctx context.Context, userID string, amountCents int64, description string) (*pay.PixCharge, error)
}

// EngineConfig carries the commercial constants shown to users.
type EngineConfig struct {
	SubscriptionPriceCents int64
	MonthlyQueryLimit      int
	FreeCredits            int
}

// Engine is the conversation engine. It implements wa.MessageProcessor
// for inbound messages and pay.EventProcessor for payment confirmations.
type Engine struct {
	store   repo.Store
	entitle *entitlement.Engine
	fetcher Fetcher
	charger Charger
	sender  Sender
	cache   *cache.Redis
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     EngineConfig
}

// New creates the conversation engine. The cache is optional and only
// throttles repeated Pix charges.
func New(store repo.Store, entitle *entitlement.Engine, fetcher Fetcher, charger Charger, sender Sender, redis *cache.Redis, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.SubscriptionPriceCents <= 0 {
		cfg.SubscriptionPriceCents = 1490
	}
	if cfg.MonthlyQueryLimit <= 0 {
		cfg.MonthlyQueryLimit = 100
	}
	if cfg.FreeCredits <= 0 {
		cfg.FreeCredits = 5
	}
	return &Engine{
		store:   store,
		entitle: entitle,
		fetcher: fetcher,
		charger: charger,
		sender:  sender,
		cache:   redis,
		metrics: metricRegistry,
		logger:  logger.With("component", "convo"),
		cfg:     cfg,
	}
}

// ProcessMessage handles one inbound WhatsApp message.
func (e *Engine) ProcessMessage(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := extractText(evt)
	if text == "" {
		return
	}
	if e.metrics != nil {
		e.metrics.WAIncomingMessages.WithLabelValues("text").Inc()
	}

	ctx = wa.WithReply(ctx, evt)
	chat := evt.Info.Chat
	phone := evt.Info.Sender.User

	var displayName *string
	if name := evt.Info.PushName; name != "" {
		displayName = &name
	}

	user, created, err := e.store.GetOrCreateUserByPhone(ctx, phone, displayName)
	if err != nil {
		e.logger.Error("failed loading user", "error", err, "phone", phone)
		e.countError()
		e.reply(ctx, chat, msgAPIError)
		return
	}
	if created {
		e.logger.Info("new user registered", "user_id", user.ID)
		e.reply(ctx, chat, welcomeMessage(e.cfg.FreeCredits))
	}

	intent, payload := Classify(text)
	e.logger.Info("message classified", "user_id", user.ID, "intent", intent.String())

	switch intent {
	case IntentStatus:
		e.handleStatus(ctx, user, chat)
	case IntentAccessKey:
		e.handleAccessKey(ctx, user, chat, payload)
	default:
		e.reply(ctx, chat, msgInstructions)
	}
}

func (e *Engine) handleStatus(ctx context.Context, user *entitlement.User, chat types.JID) {
	total, err := e.store.CountSuccessfulAttempts(ctx, user.ID)
	if err != nil {
		e.logger.Error("failed counting attempts", "error", err, "user_id", user.ID)
		e.countError()
	}
	e.reply(ctx, chat, statusMessage(user, total, time.Now()))
}

func (e *Engine) handleAccessKey(ctx context.Context, user *entitlement.User, chat types.JID, key string) {
	result := nfe.Validate(key)
	if e.metrics != nil {
		label := "valid"
		if !result.Valid {
			label = "invalid"
		}
		e.metrics.KeyValidations.WithLabelValues(label).Inc()
	}
	if !result.Valid {
		reason := result.Reason
		attempt := entitlement.QueryAttempt{
			UserID:    user.ID,
			AccessKey: key,
			Attempts:  1,
			LastError: &reason,
		}
		if err := e.store.InsertQueryAttempt(ctx, attempt); err != nil {
			e.logger.Error("failed recording invalid key attempt", "error", err, "user_id", user.ID)
		}
		e.reply(ctx, chat, msgInvalidKey)
		return
	}

	decision := e.entitle.Authorize(user, time.Now())
	if !decision.Allowed {
		e.requestPayment(ctx, user, chat, decision.Reason)
		return
	}

	e.reply(ctx, chat, msgProcessing)

	doc, attempts, err := e.fetcher.FetchWithRetry(ctx, key)
	outcome := entitlement.LookupOutcome{Success: err == nil, Attempts: attempts}
	if err != nil {
		outcome.LastError = err.Error()
	}
	if _, cerr := e.entitle.Consume(ctx, user.ID, key, outcome); cerr != nil {
		e.logger.Error("failed consuming entitlement", "error", cerr, "user_id", user.ID)
		e.countError()
	}

	if err != nil {
		if errors.Is(err, danfe.ErrNotFound) {
			e.reply(ctx, chat, msgNotAvailable)
		} else {
			e.logger.Error("lookup failed", "error", err, "user_id", user.ID, "key", key)
			e.reply(ctx, chat, msgAPIError)
		}
		return
	}

	e.deliverDocument(ctx, chat, doc)
}

func (e *Engine) deliverDocument(ctx context.Context, chat types.JID, doc *danfe.Document) {
	if err := e.sender.SendDocument(ctx, chat, doc.PDF, "application/pdf", doc.Filename, documentCaption(doc.AccessKey)); err != nil {
		e.logger.Error("failed sending pdf", "error", err, "key", doc.AccessKey)
		e.countError()
		e.reply(ctx, chat, msgAPIError)
		return
	}
	if len(doc.XML) > 0 {
		xmlName := fmt.Sprintf("NFE_%s.xml", doc.AccessKey[len(doc.AccessKey)-8:])
		if err := e.sender.SendDocument(ctx, chat, doc.XML, "text/xml", xmlName, ""); err != nil {
			e.logger.Warn("failed sending xml", "error", err, "key", doc.AccessKey)
		}
	}
	e.reply(ctx, chat, msgSuccess)
}

func (e *Engine) requestPayment(ctx context.Context, user *entitlement.User, chat types.JID, reason string) {
	// One open Pix per user; a burst of denied lookups should not mint a
	// charge each.
	if e.cache != nil {
		fresh, err := e.cache.SetNX(ctx, "pix:charge:"+user.ID, "1", 5*time.Minute)
		if err != nil {
			e.logger.Warn("charge throttle check failed", "error", err, "user_id", user.ID)
		} else if !fresh {
			e.reply(ctx, chat, msgChargePending)
			return
		}
	}

	charge, err := e.charger.CreatePixCharge(ctx, user.ID, e.cfg.SubscriptionPriceCents, "Assinatura Bot DANFE - 30 dias")
	if err != nil {
		e.logger.Error("failed creating pix charge", "error", err, "user_id", user.ID)
		e.countError()
		e.reply(ctx, chat, msgPaymentError)
		return
	}

	if err := e.store.InsertPendingPayment(ctx, user.ID, charge.TransactionID, charge.AmountCents); err != nil {
		// Settlement upserts by transaction id, so a missing pending row
		// does not block confirmation.
		e.logger.Error("failed recording pending payment", "error", err, "transaction_id", charge.TransactionID)
	}

	e.reply(ctx, chat, denialMessage(reason, e.cfg.SubscriptionPriceCents, e.cfg.MonthlyQueryLimit))

	qr, err := base64.StdEncoding.DecodeString(charge.QRCodeBase64)
	if err != nil || len(qr) == 0 {
		e.logger.Warn("qr code image unavailable, sending copy-paste only", "error", err)
		e.reply(ctx, chat, pixCaption(charge.QRCode))
		return
	}
	if err := e.sender.SendImage(ctx, chat, qr, "image/png", pixCaption(charge.QRCode)); err != nil {
		e.logger.Error("failed sending qr code", "error", err, "user_id", user.ID)
		e.reply(ctx, chat, pixCaption(charge.QRCode))
	}
}

// HandlePaymentEvent settles a confirmed payment and tells the user. The
// notification is best effort: settlement already happened, and a failed
// send must not make the webhook redeliver a confirmed payment.
func (e *Engine) HandlePaymentEvent(ctx context.Context, event entitlement.PaymentEvent) error {
	result, err := e.entitle.ApplyPayment(ctx, event)
	if err != nil {
		return err
	}
	if result != entitlement.Applied {
		return nil
	}

	user, err := e.store.GetUserByID(ctx, event.UserID)
	if err != nil {
		e.logger.Error("settled payment but could not load user for notification", "error", err, "user_id", event.UserID)
		return nil
	}
	chat := types.NewJID(user.PhoneNumber, types.DefaultUserServer)
	if err := e.sender.SendText(ctx, chat, msgPaymentConfirmed); err != nil {
		e.logger.Error("failed sending payment confirmation", "error", err, "user_id", event.UserID)
	}
	return nil
}

func (e *Engine) reply(ctx context.Context, chat types.JID, text string) {
	if err := e.sender.SendText(ctx, chat, text); err != nil {
		e.logger.Error("failed sending message", "error", err, "chat", chat.String())
		e.countError()
	}
}

func (e *Engine) countError() {
	if e.metrics != nil {
		e.metrics.Errors.WithLabelValues("convo").Inc()
	}
}

func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}
