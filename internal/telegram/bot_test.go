package telegram

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/database"
	"github.com/digkill/WellyBot/internal/delivery"
	"github.com/digkill/WellyBot/internal/kie"
	"github.com/digkill/WellyBot/internal/lock"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
	"github.com/digkill/WellyBot/internal/service"
	"github.com/digkill/WellyBot/internal/yookassa"
)

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, localPath, destination string) (string, error) {
	return "https://files.example/" + destination + "/" + filepath.Base(localPath), nil
}

type stubJobs struct {
	mu      sync.Mutex
	prompts []string
	images  [][]string
	result  *kie.JobResult
}

func (s *stubJobs) SubmitJob(_ context.Context, prompt string, imageURLs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.images = append(s.images, imageURLs)
	return "job-1", nil
}

func (s *stubJobs) PollUntilTerminal(context.Context, string) (*kie.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

type stubGateway struct {
	mu     sync.Mutex
	status string
}

func (g *stubGateway) CreatePayment(_ context.Context, in yookassa.CreatePaymentRequest) (*yookassa.Payment, error) {
	p := &yookassa.Payment{ID: "pay-1", Status: models.PaymentPending}
	p.Confirmation.URL = "https://yookassa.example/confirm/pay-1"
	return p, nil
}

func (g *stubGateway) FetchPayment(_ context.Context, paymentID string) (*yookassa.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &yookassa.Payment{ID: paymentID, Status: g.status}, nil
}

type botFixture struct {
	api     *fakeAPI
	bot     *Bot
	users   *repository.UserRepository
	ledger  *service.CreditLedger
	jobs    *stubJobs
	gateway *stubGateway
	gen     *service.GenerationService
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, config.DriverSQLite))

	api := newFakeAPI(t)
	botAPI, ch := newTestChannel(t, api)
	log := zerolog.Nop()

	users := repository.NewUserRepository(db)
	ledger := service.NewCreditLedger(users)
	packages := service.NewPackageService(repository.NewPackageRepository(db), "RUB", config.DefaultPackages("RUB"))
	require.NoError(t, packages.EnsureDefaults(context.Background()))
	gateway := &stubGateway{status: models.PaymentPending}
	payments := service.NewPaymentService(gateway, repository.NewPaymentRepository(db), packages, ledger, 0, log)

	jobs := &stubJobs{result: &kie.JobResult{State: "success", Phase: kie.JobSucceeded, ImageURLs: []string{"https://cdn.example/out.png"}}}
	gen := service.NewGenerationService(service.GenerationDeps{
		Images:    ch,
		Uploader:  stubUploader{},
		Jobs:      jobs,
		Messenger: ch,
		Delivery:  delivery.NewAdapter(ch, nil, delivery.Options{TempDir: t.TempDir()}, log),
		Locks:     lock.NewMemory(),
		Ledger:    ledger,
		Recorder:  repository.NewGenerationRepository(db),
		Logger:    log,
	})

	cfg := config.Config{SupportURL: "https://t.me/support", IdeasChannelURL: "https://t.me/ideas"}
	bot := NewBot(cfg, botAPI, ch, Services{
		Users:      service.NewUserService(users, 1),
		Referrals:  service.NewReferralService(users, ledger, 2),
		Ledger:     ledger,
		Packages:   packages,
		Payments:   payments,
		Generation: gen,
	}, log)

	api.addFile("photos/photo-a.jpg", []byte("a"))
	api.addFile("photos/photo-b.jpg", []byte("b"))
	return &botFixture{api: api, bot: bot, users: users, ledger: ledger, jobs: jobs, gateway: gateway, gen: gen}
}

func command(userID int64, text string) tgbotapi.Update {
	name := strings.SplitN(text, " ", 2)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, UserName: "user", FirstName: "User"},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func text(userID int64, body string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: "user", FirstName: "User"},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: body,
	}}
}

func photo(userID int64, fileID, caption string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:    &tgbotapi.User{ID: userID, UserName: "user", FirstName: "User"},
		Chat:    &tgbotapi.Chat{ID: userID},
		Caption: caption,
		Photo:   []tgbotapi.PhotoSize{{FileID: fileID + "-small"}, {FileID: fileID}},
	}}
}

func callback(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{MessageID: 55, Chat: &tgbotapi.Chat{ID: userID}},
		Data:    data,
	}}
}

func (f *botFixture) balance(t *testing.T, userID int64) int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestStartGrantsReferralOnce(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(7, "/start"))
	f.bot.handleUpdate(ctx, command(8, "/start ref_7"))
	f.bot.handleUpdate(ctx, command(8, "/start ref_7"))

	assert.Equal(t, 3, f.balance(t, 7), "welcome credit plus one referral bonus")
	assert.Equal(t, 1, f.balance(t, 8))
	assert.Equal(t, []string{textWelcome, "🎉 У вас новый реферал!\nВам начислено +2 генерации фото."}, f.api.Texts(7))
	assert.Equal(t, []string{textWelcome, textWelcome}, f.api.Texts(8))
}

func TestStartIgnoresSelfReferral(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleUpdate(t.Context(), command(7, "/start ref_7"))

	assert.Equal(t, 1, f.balance(t, 7))
	assert.Equal(t, []string{textWelcome}, f.api.Texts(7))
}

func TestStartIgnoresUnknownReferrer(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleUpdate(t.Context(), command(8, "/start ref_999"))

	assert.Equal(t, 1, f.balance(t, 8))
	assert.Equal(t, []string{textWelcome}, f.api.Texts(8))
	assert.Empty(t, f.api.Texts(999))
}

func TestGenerationFlowDeliversAndDebits(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(8, "/start"))
	f.bot.handleUpdate(ctx, command(8, "/generate"))
	f.bot.handleUpdate(ctx, photo(8, "photo-a", ""))
	assert.Equal(t, StateWaitingPrompt, f.bot.state.Get(8).State)
	f.bot.handleUpdate(ctx, photo(8, "photo-b", ""))
	f.bot.handleUpdate(ctx, text(8, "  neon portrait  "))
	f.gen.Wait()

	assert.Equal(t, []string{textWelcome, textGenerateCommand, textAskPrompt, textPhotoAdded, textGenerating}, f.api.Texts(8))
	require.Len(t, f.jobs.prompts, 1)
	assert.Equal(t, "neon portrait", f.jobs.prompts[0])
	assert.Len(t, f.jobs.images[0], 2)

	photos := f.api.Calls("sendPhoto")
	require.Len(t, photos, 1)
	assert.Equal(t, "https://cdn.example/out.png", photos[0].Params["photo"])
	assert.Len(t, f.api.Calls("deleteMessage"), 1)
	assert.Equal(t, 0, f.balance(t, 8))
	assert.Equal(t, StateIdle, f.bot.state.Get(8).State)
}

func TestCaptionStartsGenerationImmediately(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(8, "/start"))
	f.bot.handleUpdate(ctx, callback(8, cbGenerate))
	f.bot.handleUpdate(ctx, photo(8, "photo-a", "make it vintage"))
	f.gen.Wait()

	require.Len(t, f.jobs.prompts, 1)
	assert.Equal(t, "make it vintage", f.jobs.prompts[0])
	assert.Equal(t, 0, f.balance(t, 8))
}

func TestOutOfCreditsOffersPurchase(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	_, _, err := f.users.Ensure(ctx, models.User{TelegramID: 8, Generations: 0})
	require.NoError(t, err)
	f.bot.handleUpdate(ctx, command(8, "/generate"))
	f.bot.handleUpdate(ctx, photo(8, "photo-a", "prompt"))
	f.gen.Wait()

	texts := f.api.Texts(8)
	assert.Equal(t, textOutOfCredits, texts[len(texts)-1])
	assert.Empty(t, f.jobs.prompts)
	assert.Empty(t, f.api.Calls("sendPhoto"))
}

func TestTooManyPhotosResetsSession(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.state.Set(8, Session{State: StateWaitingPhotos, Photos: []string{"a", "b"}})
	f.bot.handleUpdate(ctx, photo(8, "photo-c", ""))

	assert.Equal(t, []string{textTooManyPhotos}, f.api.Texts(8))
	assert.Equal(t, StateIdle, f.bot.state.Get(8).State)
}

func TestPromptStateGuards(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(8, "/generate"))
	f.bot.handleUpdate(ctx, text(8, "a prompt without photos"))
	f.bot.state.Set(8, Session{State: StateWaitingPrompt, Photos: []string{"a", "b"}})
	f.bot.handleUpdate(ctx, photo(8, "photo-c", ""))
	f.bot.handleUpdate(ctx, text(8, "   "))

	texts := f.api.Texts(8)
	assert.Equal(t, []string{textGenerateCommand, textPhotosFirst, textAlreadyTwo, textEmptyPrompt}, texts)
}

func TestCancelClearsState(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(8, "/generate"))
	f.bot.handleUpdate(ctx, command(8, "/cancel"))
	assert.Equal(t, StateIdle, f.bot.state.Get(8).State)
	assert.Equal(t, textCancelled, f.api.Texts(8)[1])
}

func TestBuyFlowCreatesAndChecksPayment(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(8, "/start"))
	f.bot.handleUpdate(ctx, command(8, "/buy"))
	assert.Equal(t, StateWaitingQuantity, f.bot.state.Get(8).State)

	f.bot.handleUpdate(ctx, text(8, "many"))
	f.bot.handleUpdate(ctx, text(8, "7"))
	f.bot.handleUpdate(ctx, text(8, "5"))
	assert.Equal(t, StateIdle, f.bot.state.Get(8).State)

	texts := f.api.Texts(8)
	require.Len(t, texts, 5)
	assert.Equal(t, textEnterNumber, texts[2])
	assert.Equal(t, "Доступны пакеты: 5, 10 или 100 генераций ✨", texts[3])
	assert.Equal(t, "💳 К оплате: 99 ₽ за 5 генераций.", texts[4])

	f.bot.handleUpdate(ctx, callback(8, "pay:check:pay-1"))
	f.gateway.mu.Lock()
	f.gateway.status = models.PaymentSucceeded
	f.gateway.mu.Unlock()
	f.bot.handleUpdate(ctx, callback(8, "pay:check:pay-1"))
	f.bot.handleUpdate(ctx, callback(8, "pay:check:pay-1"))
	f.bot.handleUpdate(ctx, callback(9, "pay:check:pay-1"))
	f.bot.handleUpdate(ctx, callback(8, "pay:check:unknown"))

	texts = f.api.Texts(8)
	assert.Equal(t, []string{textPaymentPending, service.MessagePaymentSucceeded, textPaymentConfirmed, textPaymentNotFound}, texts[5:])
	assert.Equal(t, []string{textPaymentForeign}, f.api.Texts(9))
	assert.Equal(t, 6, f.balance(t, 8))
}

func TestBuyCallback(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, callback(8, "buy:10"))
	assert.Equal(t, []string{"💳 К оплате: 169 ₽ за 10 генераций."}, f.api.Texts(8))

	f.bot.handleUpdate(ctx, callback(8, "buy:3"))
	assert.Equal(t, "Доступны пакеты: 5, 10 или 100 генераций ✨", f.api.Texts(8)[1])
}

func TestUnknownCallbackAnswersWithAlert(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleUpdate(t.Context(), callback(8, "nonsense"))

	calls := f.api.Calls("answerCallbackQuery")
	require.Len(t, calls, 1)
	assert.Equal(t, textUnknownButton, calls[0].Params["text"])
}

func TestMenuEditsInPlaceAndFallsBack(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, callback(8, cbBalance))
	edits := f.api.Calls("editMessageText")
	require.Len(t, edits, 1)
	assert.Equal(t, "55", edits[0].Params["message_id"])
	assert.Equal(t, balanceMenuText(1), edits[0].Params["text"])
	assert.Empty(t, f.api.Texts(8))

	f.api.setFailEdit(true)
	f.bot.handleUpdate(ctx, callback(8, cbBack))
	assert.Equal(t, []string{textChooseAction}, f.api.Texts(8))
}

func TestReferralMenuShowsLinkAndStats(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()

	f.bot.handleUpdate(ctx, command(7, "/start"))
	f.bot.handleUpdate(ctx, command(8, "/start ref_7"))
	f.api.reset()
	f.bot.handleUpdate(ctx, callback(7, cbReferral))

	edits := f.api.Calls("editMessageText")
	require.Len(t, edits, 1)
	body := edits[0].Params["text"]
	assert.Contains(t, body, "https://t.me/welly_bot?start=ref_7")
	assert.Contains(t, body, "👥 Приглашено: 1 человека 🎁 Получено генераций: 2")
}

func TestFetchedPhotosAreCleanedUp(t *testing.T) {
	f := newBotFixture(t)
	ctx := t.Context()
	tmp := f.bot.channel.tempDir

	f.bot.handleUpdate(ctx, command(8, "/start"))
	f.bot.handleUpdate(ctx, command(8, "/generate"))
	f.bot.handleUpdate(ctx, photo(8, "photo-a", "prompt"))
	f.gen.Wait()

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
