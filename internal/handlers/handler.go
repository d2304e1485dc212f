package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dnd-ai-helper/internal/fantasy"
	"dnd-ai-helper/internal/pipeline"
	"dnd-ai-helper/internal/session"
	"dnd-ai-helper/internal/telegram"
)

// Messenger is the part of *telegram.Client the handler talks to.
type Messenger interface {
	SendText(chatID int64, text string) error
	SendTextWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error)
	EditTextWithKeyboard(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(callbackID, text string, alert bool) error
	SendPhotoDataURL(chatID int64, dataURL, caption string) error
	SendChatAction(chatID int64, action string)
	DownloadPhoto(ctx context.Context, fileID string) (string, error)
}

type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) pipeline.Result
	Regenerate(ctx context.Context, image, race, region string) pipeline.Result
}

var _ Messenger = (*telegram.Client)(nil)

type Options struct {
	Telegram  Messenger
	Generator Generator
	Sessions  *session.Store
	Logger    *slog.Logger
	// Timeout bounds one generation; zero means no extra deadline.
	Timeout time.Duration
}

type Handler struct {
	tg       Messenger
	gen      Generator
	sessions *session.Store
	logger   *slog.Logger
	timeout  time.Duration
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Handler{
		tg:       opts.Telegram,
		gen:      opts.Generator,
		sessions: opts.Sessions,
		logger:   logger,
		timeout:  opts.Timeout,
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID
	userID := msg.From.ID
	username := msg.From.UserName

	switch {
	case msg.IsCommand():
		return h.handleCommand(ctx, chatID, userID, username, msg)
	case len(msg.Photo) > 0:
		return h.handlePhoto(ctx, chatID, userID, username, msg.Photo[len(msg.Photo)-1].FileID)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		return h.handlePhoto(ctx, chatID, userID, username, msg.Document.FileID)
	case msg.Text != "":
		return h.handleText(ctx, chatID, userID, username, msg.Text)
	}
	return nil
}

func (h *Handler) handleCommand(ctx context.Context, chatID, userID int64, username string, msg *tgbotapi.Message) error {
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		sess := h.sessions.Snapshot(userID, username)
		return h.tg.SendText(chatID, helpText+"\n\n"+selectionText(sess))
	case "races":
		return h.sendPicker(chatID, userID, kindRace, 0)
	case "regions":
		return h.sendPicker(chatID, userID, kindRegion, 0)
	case "race":
		if args == "" {
			return h.sendPicker(chatID, userID, kindRace, 0)
		}
		opt, ok := fantasy.LookupRace(args)
		if !ok {
			return h.tg.SendText(chatID, fmt.Sprintf("Unknown race %q. Try /races.", args))
		}
		return h.choose(ctx, chatID, userID, username, kindRace, opt.Key)
	case "region":
		if args == "" {
			return h.sendPicker(chatID, userID, kindRegion, 0)
		}
		opt, ok := fantasy.LookupRegion(args)
		if !ok {
			return h.tg.SendText(chatID, fmt.Sprintf("Unknown region %q. Try /regions.", args))
		}
		return h.choose(ctx, chatID, userID, username, kindRegion, opt.Key)
	case "spice":
		sess := h.sessions.Snapshot(userID, username)
		if sess.Last == "" {
			return h.tg.SendText(chatID, "Nothing to spice up yet. Send a photo first.")
		}
		return h.generate(ctx, chatID, sess, true)
	case "redo":
		sess := h.sessions.Snapshot(userID, username)
		if !sess.Ready() {
			return h.askForMissing(chatID, userID, sess)
		}
		return h.generate(ctx, chatID, sess, false)
	case "quote":
		return h.tg.SendText(chatID, "✨ "+fantasy.Quote(nil))
	case "reset":
		h.sessions.Reset(userID)
		return h.tg.SendText(chatID, "Your race, region and photo were cleared.")
	default:
		return h.tg.SendText(chatID, "Unknown command. See /help.")
	}
}

func (h *Handler) handlePhoto(ctx context.Context, chatID, userID int64, username, fileID string) error {
	image, err := h.tg.DownloadPhoto(ctx, fileID)
	if err != nil {
		h.logger.Error("photo download failed", "user_id", userID, "err", err)
		return h.tg.SendText(chatID, "❌ Could not download your photo. Please send it again.")
	}

	sess := h.sessions.SetOriginal(userID, username, image)
	if !sess.Ready() {
		return h.askForMissing(chatID, userID, sess)
	}
	return h.generate(ctx, chatID, sess, false)
}

func (h *Handler) handleText(ctx context.Context, chatID, userID int64, username, text string) error {
	sel := parseSelection(text)
	if sel.empty() {
		return h.tg.SendText(chatID, "Send a photo, or name a race and region, e.g. \"wood elf neverwinter\". See /help.")
	}

	var sess session.Session
	if sel.Race != "" {
		sess = h.sessions.SetRace(userID, username, sel.Race)
	}
	if sel.Region != "" {
		sess = h.sessions.SetRegion(userID, username, sel.Region)
	}
	return h.afterSelection(ctx, chatID, userID, sess)
}

func (h *Handler) choose(ctx context.Context, chatID, userID int64, username string, kind pickerKind, key string) error {
	var sess session.Session
	switch kind {
	case kindRace:
		sess = h.sessions.SetRace(userID, username, key)
	case kindRegion:
		sess = h.sessions.SetRegion(userID, username, key)
	}
	return h.afterSelection(ctx, chatID, userID, sess)
}

// afterSelection starts the first generation once a pending photo has
// both a race and a region.
func (h *Handler) afterSelection(ctx context.Context, chatID, userID int64, sess session.Session) error {
	if sess.Ready() && sess.Last == "" {
		return h.generate(ctx, chatID, sess, false)
	}
	if sess.Race == "" || sess.Region == "" {
		return h.askForMissing(chatID, userID, sess)
	}

	text := selectionText(sess)
	if sess.Original == "" {
		text += "\nNow send me a photo."
	} else {
		text += "\nUse /redo to apply it to your photo."
	}
	return h.tg.SendText(chatID, text)
}

func (h *Handler) askForMissing(chatID, userID int64, sess session.Session) error {
	switch {
	case sess.Race == "":
		return h.sendPicker(chatID, userID, kindRace, 0)
	case sess.Region == "":
		return h.sendPicker(chatID, userID, kindRegion, 0)
	case sess.Original == "":
		return h.tg.SendText(chatID, selectionText(sess)+"\nNow send me a photo.")
	}
	return nil
}

func (h *Handler) generate(ctx context.Context, chatID int64, sess session.Session, spice bool) error {
	if !h.sessions.TryBegin(sess.UserID) {
		return h.tg.SendText(chatID, "⏳ Still working on your last portrait, hang on.")
	}
	defer h.sessions.End(sess.UserID)

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	raceName := fantasy.RaceName(sess.Race)
	regionName := fantasy.RegionName(sess.Region)

	h.tg.SendChatAction(chatID, tgbotapi.ChatUploadPhoto)
	status := fmt.Sprintf("🎲 Summoning your %s from %s...", raceName, regionName)
	if spice {
		status = "🌶 Adding more spice to your character..."
	}
	_ = h.tg.SendText(chatID, status)

	logger := h.logger.With("user_id", sess.UserID, "race", sess.Race, "region", sess.Region, "spice", spice)
	started := time.Now()

	var res pipeline.Result
	if spice {
		res = h.gen.Regenerate(ctx, sess.Last, sess.Race, sess.Region)
	} else {
		res = h.gen.Generate(ctx, pipeline.Request{Image: sess.Original, Race: sess.Race, Region: sess.Region})
	}

	if !res.Success {
		logger.Warn("portrait failed", "kind", string(res.Kind), "reason", res.Reason, "elapsed", time.Since(started))
		return h.tg.SendText(chatID, "❌ Generation failed: "+res.Reason)
	}
	logger.Info("portrait ready", "elapsed", time.Since(started))

	h.sessions.SetLast(sess.UserID, res.Image)
	caption := fmt.Sprintf("You are now a %s from %s!\n/spice for more, /redo to start over.", raceName, regionName)
	if err := h.tg.SendPhotoDataURL(chatID, res.Image, caption); err != nil {
		logger.Error("send portrait failed", "err", err)
		return h.tg.SendText(chatID, "❌ The portrait was made but could not be sent. Try /spice or /redo.")
	}
	return nil
}

const helpText = `🐉 D&D portrait maker

Send a photo and pick a race and a region. I will turn you into a
Dungeons & Dragons character.

/races - pick a race
/regions - pick a region
/race <name> - set the race, e.g. /race wood elf
/region <name> - set the region, e.g. /region waterdeep
/spice - push the last result further
/redo - start again from your original photo
/quote - a teaser line
/reset - forget your choices and photo`

func selectionText(sess session.Session) string {
	race, region := "not chosen", "not chosen"
	if sess.Race != "" {
		race = fantasy.RaceName(sess.Race)
	}
	if sess.Region != "" {
		region = fantasy.RegionName(sess.Region)
	}
	return fmt.Sprintf("Race: %s\nRegion: %s", race, region)
}
