package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/WellyBot/internal/models"
)

// Callback payloads.
const (
	cbGenerate = "menu:generate"
	cbBalance  = "menu:balance"
	cbBuy      = "menu:buy"
	cbReferral = "menu:referral"
	cbIdeas    = "menu:ideas"
	cbBack     = "menu:back"

	cbBuyPrefix      = "buy:"
	cbPayCheckPrefix = "pay:check:"
)

const (
	textWelcome = "✨ Добро пожаловать в Welly\n" +
		"Здесь ты можешь создать стильные AI-фото — как для соцсетей, так и для себя\n" +
		"📸 Просто загрузи фото\n" +
		"Я сделаю из него новый образ\n" +
		"🎁 Первое фото — бесплатно"
	textChooseAction      = "Выбирай действие ниже 👇"
	textCancelled         = "Окей, отменил ✋"
	textGenerateCommand   = "📷 Пришли 1 или 2 фото, а затем отправь текстовый промпт."
	textGenerateMenu      = "📸 Пришли 1–2 фотографии, затем напиши короткое описание, каким ты хочешь видеть результат."
	textTooManyPhotos     = "Можно загрузить только 1 или 2 фотографии. Начни заново 🙌"
	textAskPrompt         = "Отлично. Теперь опиши желаемый стиль настроение или образ ✍️"
	textPhotosFirst       = "Сначала пришли 1 или 2 фотографии 📸"
	textAlreadyTwo        = "Уже получил 2 фото. Теперь промпт ✍️"
	textPhotoAdded        = "Фото добавлено ✅ Теперь промпт ✍️"
	textEmptyPrompt       = "Промпт не может быть пустым ✍️"
	textWrongPhotoCount   = "Нужно отправить 1 или 2 фотографии 📸"
	textOutOfCredits      = "Генерации закончились ✨\nТы можешь купить новый пакет и продолжить."
	textGenerating        = "⏳ Создаю образ…\nЭто может занять до 1 минуты.\nЯ стараюсь получить максимально качественный результат ✨"
	textEnterNumber       = "Введите число, например 5 🙂"
	textPaymentFailed     = "Не удалось создать оплату. Попробуйте позже 😔"
	textPaymentNotFound   = "Платёж не найден. Попробуйте снова через «Купить генерации»."
	textPaymentForeign    = "Этот платёж не принадлежит вам."
	textPaymentConfirmed  = "✅ Оплата уже подтверждена. Проверьте баланс."
	textPaymentCheckError = "Не удалось проверить оплату. Попробуйте позже."
	textPaymentCanceled   = "❌ Платёж отменён."
	textPaymentPending    = "⏳ Оплата пока не подтверждена. Попробуйте позже."
	textCheckingPayment   = "Проверяю оплату…"
	textUnknownButton     = "Кнопка не распознана. Попробуйте ещё раз."
	textIdeas             = "💡 Идеи и вдохновение — в нашем Telegram‑канале."
	textIdeasMissing      = "Ссылка на канал ещё не настроена 😕"
	textNewReferral       = "🎉 У вас новый реферал!\nВам начислено +%d генерации фото."
	textTryLater          = "Что-то пошло не так. Попробуйте позже."
)

func mainMenu(supportURL string) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Создать фото", cbGenerate)),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Мой баланс", cbBalance),
			tgbotapi.NewInlineKeyboardButtonData("Купить генерации", cbBuy),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Реферальная система", cbReferral)),
	}
	if supportURL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Поддержка", supportURL)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Смотреть идеи", cbIdeas)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func buyPackagesKeyboard(packages []models.Package) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(packages)+1)
	for _, p := range packages {
		label := fmt.Sprintf("%d генераций", p.Generations)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, cbBuyPrefix+strconv.Itoa(p.Generations)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Вернуться в меню", cbBack)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func payKeyboard(confirmationURL, paymentID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Оплатить", confirmationURL)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Проверить оплату", cbPayCheckPrefix+paymentID)),
	)
}

func ideasKeyboard(channelURL string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Перейти в канал", channelURL)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Назад в меню", cbBack)),
	)
}

func buyNowKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Купить генерации", cbBuy)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Назад в меню", cbBack)),
	)
}

func resultKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Сгенерировать ещё", cbGenerate)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Вернуться в меню", cbBack)),
	)
}

func balanceKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Купить генерации", cbBuy)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Вернуться в меню", cbBack)),
	)
}

func referralKeyboard(shareText string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonSwitch("Поделиться", shareText)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Назад в меню", cbBack)),
	)
}

func packagesText(packages []models.Package) string {
	var b strings.Builder
	b.WriteString("Купить генерации\n\n")
	b.WriteString("Выбери свой тариф и начни создавать уникальные фото прямо сейчас!\n")
	b.WriteString("Каждая генерация - это одно готовое фото в выбранном стиле.\n")
	b.WriteString("Тарифы 💰\n")
	for _, p := range packages {
		fmt.Fprintf(&b, "%d фото - %d руб\n", p.Generations, p.Price)
	}
	b.WriteString("\n✨ Доступ к образам\n")
	b.WriteString("Оплата — разовая. Используй генерации, когда удобно.")
	return b.String()
}

func availablePackagesText(packages []models.Package) string {
	counts := make([]string, 0, len(packages))
	for _, p := range packages {
		counts = append(counts, strconv.Itoa(p.Generations))
	}
	switch len(counts) {
	case 0:
		return "Пакеты сейчас недоступны 😔"
	case 1:
		return fmt.Sprintf("Доступен пакет: %s генераций ✨", counts[0])
	default:
		return fmt.Sprintf("Доступны пакеты: %s или %s генераций ✨",
			strings.Join(counts[:len(counts)-1], ", "), counts[len(counts)-1])
	}
}

func balanceText(balance int) string {
	return fmt.Sprintf("💰 Ваш баланс:\n🔹 Доступно генераций: %d", balance)
}

func balanceMenuText(balance int) string {
	return fmt.Sprintf("💳 Твой баланс\nДоступно генераций: %d\nТы можешь использовать их в любое время.", balance)
}

func checkoutText(price, generations int) string {
	return fmt.Sprintf("💳 К оплате: %d ₽ за %d генераций.", price, generations)
}

func referralLink(botUsername string, userID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=ref_%d", botUsername, userID)
}

func referralShareText(link string, bonus int) string {
	return "Попробуй бота для генерации фото 🤖\n" +
		fmt.Sprintf("По моей ссылке ты получишь бонус, а мне начислят +%d генерации:\n", bonus) +
		link
}

func referralText(link string, bonus, invited, earned int) string {
	return "Реферальная система\n\n" +
		"🎁 Хочешь ещё генераций бесплатно?\n" +
		"Ты можешь получать генерации, просто делясь ботом\n" +
		fmt.Sprintf("🔹 1 друг = +%d генерации 🔹 Без ограничений\n", bonus) +
		"твоя личная ссылка:\n" +
		link + "\n\n" +
		"📈 Твой результат:\n" +
		fmt.Sprintf("👥 Приглашено: %d человека 🎁 Получено генераций: %d", invited, earned)
}

// parseBuyCallback extracts the package size from "buy:<n>".
func parseBuyCallback(data string) (int, bool) {
	raw, ok := strings.CutPrefix(data, cbBuyPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parsePayCheckCallback extracts the payment id from "pay:check:<id>".
func parsePayCheckCallback(data string) (string, bool) {
	id, ok := strings.CutPrefix(data, cbPayCheckPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// parseQuantity accepts a plain positive decimal count.
func parseQuantity(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}
