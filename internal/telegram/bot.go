package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/service"
)

// Services bundles what the bot front-end drives.
type Services struct {
	Users      *service.UserService
	Referrals  *service.ReferralService
	Ledger     *service.CreditLedger
	Packages   *service.PackageService
	Payments   *service.PaymentService
	Generation *service.GenerationService
}

type Bot struct {
	cfg         config.Config
	api         *tgbotapi.BotAPI
	channel     *Channel
	log         zerolog.Logger
	svc         Services
	state       *StateManager
	botUsername string
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, channel *Channel, svc Services, log zerolog.Logger) *Bot {
	return &Bot{
		cfg:         cfg,
		api:         api,
		channel:     channel,
		log:         log.With().Str("component", "telegram").Logger(),
		svc:         svc,
		state:       NewStateManager(),
		botUsername: api.Self.UserName,
	}
}

// Run consumes long-poll updates until ctx is cancelled. Generations started
// from here inherit ctx, so they stop with the process rather than with the
// update that triggered them.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Str("username", b.botUsername).Msg("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Int("update_id", update.UpdateID).Msg("update handler panicked")
		}
	}()
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch {
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, msg, session)
	case msg.Text != "":
		b.handleText(ctx, msg, session)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg)
	case "balance":
		b.ensureUser(ctx, msg.From)
		balance, err := b.svc.Ledger.Balance(ctx, msg.From.ID)
		if err != nil {
			b.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("balance")
			b.sendText(ctx, chatID, textTryLater)
			return
		}
		b.sendWithMenu(ctx, chatID, balanceText(balance))
	case "generate":
		b.beginPhotos(chatID)
		b.sendWithMenu(ctx, chatID, textGenerateCommand)
	case "cancel":
		b.state.Reset(chatID)
		b.sendWithMenu(ctx, chatID, textCancelled)
	case "buy":
		packages, ok := b.activePackages(ctx, chatID)
		if !ok {
			return
		}
		b.sendMarkup(ctx, chatID, packagesText(packages), buyPackagesKeyboard(packages))
		b.state.Set(chatID, Session{State: StateWaitingQuantity})
	default:
		b.sendWithMenu(ctx, chatID, textChooseAction)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	b.state.Reset(chatID)

	var referrer *int64
	if id, ok := service.ParseReferrer(msg.CommandArguments()); ok {
		referrer = &id
	}
	user, created, err := b.svc.Users.Register(ctx, msg.From.ID, msg.From.UserName, msg.From.FirstName, referrer)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", msg.From.ID).Msg("register user")
		b.sendText(ctx, chatID, textTryLater)
		return
	}
	if created {
		b.log.Info().Int64("user_id", user.TelegramID).Msg("new user")
		if user.ReferredBy != nil {
			b.grantReferral(ctx, user.TelegramID, *user.ReferredBy)
		}
	}
	b.sendWithMenu(ctx, chatID, textWelcome)
}

func (b *Bot) grantReferral(ctx context.Context, userID, referrerID int64) {
	granted, err := b.svc.Referrals.GrantBonus(ctx, userID, referrerID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Int64("referrer_id", referrerID).Msg("referral bonus")
		return
	}
	if !granted {
		return
	}
	b.sendText(ctx, referrerID, fmt.Sprintf(textNewReferral, b.svc.Referrals.Bonus()))
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message, session Session) {
	chatID := msg.Chat.ID
	fileID := msg.Photo[len(msg.Photo)-1].FileID

	switch session.State {
	case StateWaitingPhotos:
		if _, exceeded := b.state.AddPhoto(chatID, fileID); exceeded {
			b.sendText(ctx, chatID, textTooManyPhotos)
			return
		}
		session = b.state.Get(chatID)
		if caption := strings.TrimSpace(msg.Caption); caption != "" {
			b.state.Reset(chatID)
			b.startGeneration(ctx, msg, caption, session.Photos)
			return
		}
		session.State = StateWaitingPrompt
		b.state.Set(chatID, session)
		b.sendText(ctx, chatID, textAskPrompt)
	case StateWaitingPrompt:
		if len(session.Photos) >= maxPhotos {
			b.sendText(ctx, chatID, textAlreadyTwo)
			return
		}
		session.Photos = append(session.Photos, fileID)
		b.state.Set(chatID, session)
		b.sendText(ctx, chatID, textPhotoAdded)
	}
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message, session Session) {
	chatID := msg.Chat.ID
	switch session.State {
	case StateWaitingPhotos:
		b.sendText(ctx, chatID, textPhotosFirst)
	case StateWaitingPrompt:
		b.state.Reset(chatID)
		b.startGeneration(ctx, msg, msg.Text, session.Photos)
	case StateWaitingQuantity:
		count, ok := parseQuantity(msg.Text)
		if !ok {
			b.sendText(ctx, chatID, textEnterNumber)
			return
		}
		if _, err := b.svc.Packages.Get(ctx, count); err != nil {
			b.replyUnknownPackage(ctx, chatID, err)
			return
		}
		b.state.Reset(chatID)
		b.createPayment(ctx, chatID, msg.From, count)
	default:
		b.sendWithMenu(ctx, chatID, textChooseAction)
	}
}

// startGeneration validates the request and hands it to the generation
// service, which runs detached and reports back to the chat on its own.
func (b *Bot) startGeneration(ctx context.Context, msg *tgbotapi.Message, prompt string, photos []string) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		b.sendText(ctx, chatID, textEmptyPrompt)
		return
	}
	if len(photos) < 1 || len(photos) > maxPhotos {
		b.sendText(ctx, chatID, textWrongPhotoCount)
		return
	}
	if b.svc.Generation.IsBusy(ctx, userID) {
		b.sendText(ctx, chatID, service.MessageBusy)
		return
	}

	b.ensureUser(ctx, msg.From)
	balance, err := b.svc.Ledger.Balance(ctx, userID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("balance before generation")
		b.sendText(ctx, chatID, textTryLater)
		return
	}
	if balance <= 0 {
		b.sendMarkup(ctx, chatID, textOutOfCredits, buyNowKeyboard())
		return
	}

	status, err := b.channel.Send(ctx, tgbotapi.NewMessage(chatID, textGenerating))
	if err != nil {
		b.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send status message")
	}
	b.svc.Generation.Start(ctx, service.GenerationRequest{
		UserID:          userID,
		ChatID:          chatID,
		Prompt:          prompt,
		ImageRefs:       append([]string(nil), photos...),
		StatusMessageID: status.MessageID,
	})
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		b.answerCallback(ctx, cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID
	userID := cb.From.ID

	switch cb.Data {
	case cbBalance:
		b.answerCallback(ctx, cb.ID, "")
		b.ensureUser(ctx, cb.From)
		balance, err := b.svc.Ledger.Balance(ctx, userID)
		if err != nil {
			b.log.Error().Err(err).Int64("user_id", userID).Msg("balance")
			b.sendText(ctx, chatID, textTryLater)
			return
		}
		b.editMessage(ctx, chatID, messageID, balanceMenuText(balance), ptr(balanceKeyboard()))
		return
	case cbGenerate:
		b.answerCallback(ctx, cb.ID, "")
		b.beginPhotos(chatID)
		b.editMessage(ctx, chatID, messageID, textGenerateMenu, nil)
		return
	case cbBuy:
		b.answerCallback(ctx, cb.ID, "")
		packages, ok := b.activePackages(ctx, chatID)
		if !ok {
			return
		}
		b.editMessage(ctx, chatID, messageID, packagesText(packages), ptr(buyPackagesKeyboard(packages)))
		b.state.Set(chatID, Session{State: StateWaitingQuantity})
		return
	case cbIdeas:
		b.answerCallback(ctx, cb.ID, "")
		if b.cfg.IdeasChannelURL == "" {
			b.editMessage(ctx, chatID, messageID, textIdeasMissing, ptr(mainMenu(b.cfg.SupportURL)))
			return
		}
		b.editMessage(ctx, chatID, messageID, textIdeas, ptr(ideasKeyboard(b.cfg.IdeasChannelURL)))
		return
	case cbReferral:
		b.answerCallback(ctx, cb.ID, "")
		b.showReferral(ctx, chatID, messageID, userID)
		return
	case cbBack:
		b.answerCallback(ctx, cb.ID, "")
		b.editMessage(ctx, chatID, messageID, textChooseAction, ptr(mainMenu(b.cfg.SupportURL)))
		return
	}

	if count, ok := parseBuyCallback(cb.Data); ok {
		b.answerCallback(ctx, cb.ID, "")
		b.state.Reset(chatID)
		b.createPayment(ctx, chatID, cb.From, count)
		return
	}
	if paymentID, ok := parsePayCheckCallback(cb.Data); ok {
		b.answerCallback(ctx, cb.ID, textCheckingPayment)
		b.checkPayment(ctx, chatID, userID, paymentID)
		return
	}
	b.answerCallback(ctx, cb.ID, textUnknownButton)
}

func (b *Bot) showReferral(ctx context.Context, chatID int64, messageID int, userID int64) {
	invited, earned, err := b.svc.Referrals.Stats(ctx, userID)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("referral stats")
		b.sendText(ctx, chatID, textTryLater)
		return
	}
	bonus := b.svc.Referrals.Bonus()
	link := referralLink(b.botUsername, userID)
	b.editMessage(ctx, chatID, messageID,
		referralText(link, bonus, invited, earned),
		ptr(referralKeyboard(referralShareText(link, bonus))))
}

func (b *Bot) createPayment(ctx context.Context, chatID int64, from *tgbotapi.User, count int) {
	userID := from.ID
	b.ensureUser(ctx, from)
	checkout, err := b.svc.Payments.CreatePayment(ctx, userID, count)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPackage) {
			b.replyUnknownPackage(ctx, chatID, err)
			return
		}
		b.log.Error().Err(err).Int64("user_id", userID).Int("generations", count).Msg("create payment")
		b.sendText(ctx, chatID, textPaymentFailed)
		return
	}
	b.sendMarkup(ctx, chatID, checkoutText(checkout.Amount, checkout.Generations),
		payKeyboard(checkout.ConfirmationURL, checkout.PaymentID))
}

func (b *Bot) checkPayment(ctx context.Context, chatID, userID int64, paymentID string) {
	result, err := b.svc.Payments.CheckPayment(ctx, paymentID, userID)
	switch {
	case errors.Is(err, service.ErrPaymentNotFound):
		b.sendText(ctx, chatID, textPaymentNotFound)
		return
	case errors.Is(err, service.ErrPaymentForeign):
		b.sendText(ctx, chatID, textPaymentForeign)
		return
	case err != nil:
		b.log.Warn().Err(err).Str("payment_id", paymentID).Msg("check payment")
		b.sendText(ctx, chatID, textPaymentCheckError)
		return
	}

	switch result {
	case service.CheckCredited:
		b.sendText(ctx, chatID, service.MessagePaymentSucceeded)
	case service.CheckAlreadyCredited:
		b.sendText(ctx, chatID, textPaymentConfirmed)
	case service.CheckCanceled:
		b.sendText(ctx, chatID, textPaymentCanceled)
	default:
		b.sendText(ctx, chatID, textPaymentPending)
	}
}

func (b *Bot) replyUnknownPackage(ctx context.Context, chatID int64, err error) {
	if !errors.Is(err, service.ErrUnknownPackage) {
		b.log.Error().Err(err).Msg("package lookup")
		b.sendText(ctx, chatID, textTryLater)
		return
	}
	packages, listErr := b.svc.Packages.List(ctx, true)
	if listErr != nil {
		b.log.Error().Err(listErr).Msg("list packages")
	}
	b.sendText(ctx, chatID, availablePackagesText(packages))
}

func (b *Bot) activePackages(ctx context.Context, chatID int64) ([]models.Package, bool) {
	packages, err := b.svc.Packages.List(ctx, true)
	if err != nil {
		b.log.Error().Err(err).Msg("list packages")
		b.sendText(ctx, chatID, textTryLater)
		return nil, false
	}
	return packages, true
}

func (b *Bot) beginPhotos(chatID int64) {
	b.state.Set(chatID, Session{State: StateWaitingPhotos, Photos: []string{}})
}

// ensureUser makes sure a row exists so balance reads and debits have a
// target. Referrals are only honoured through /start.
func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) {
	if from == nil {
		return
	}
	if _, _, err := b.svc.Users.Register(ctx, from.ID, from.UserName, from.FirstName, nil); err != nil {
		b.log.Warn().Err(err).Int64("user_id", from.ID).Msg("ensure user")
	}
}

// editMessage rewrites a bot message in place, sending a new one when
// Telegram refuses the edit.
func (b *Bot) editMessage(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = markup
	_, err := b.channel.Send(ctx, edit)
	if err == nil || isMessageNotModified(err) {
		return
	}
	b.log.Debug().Err(err).Int64("chat_id", chatID).Msg("edit failed, sending new message")
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := b.channel.Send(ctx, msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}

func (b *Bot) answerCallback(ctx context.Context, callbackID, text string) {
	if err := b.channel.Request(ctx, tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn().Err(err).Msg("callback ack")
	}
}

func (b *Bot) sendText(ctx context.Context, chatID int64, text string) {
	if err := b.channel.SendText(ctx, chatID, text); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send text")
	}
}

func (b *Bot) sendWithMenu(ctx context.Context, chatID int64, text string) {
	b.sendMarkup(ctx, chatID, text, mainMenu(b.cfg.SupportURL))
}

func (b *Bot) sendMarkup(ctx context.Context, chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.channel.Send(ctx, msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}

func ptr[T any](v T) *T {
	return &v
}
