package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dnd-ai-helper/internal/fantasy"
)

const (
	callbackPrefix = "dnd"
	pageSize       = 12
	buttonsPerRow  = 3
)

type pickerKind string

const (
	kindRace   pickerKind = "race"
	kindRegion pickerKind = "region"
)

func (k pickerKind) options() []fantasy.NamedOption {
	if k == kindRegion {
		return fantasy.Regions()
	}
	return fantasy.Races()
}

func (k pickerKind) title() string {
	if k == kindRegion {
		return "🗺 Pick a region:"
	}
	return "🧝 Pick a race:"
}

func (h *Handler) sendPicker(chatID, userID int64, kind pickerKind, page int) error {
	_, err := h.tg.SendTextWithKeyboard(chatID, kind.title(), pickerKeyboard(userID, kind, page))
	return err
}

// Callback data is "dnd:<owner>:<action>:<arg>". Actions are "race" and
// "region" with a catalog key, or "page" with "<kind>-<n>".
func callbackData(owner int64, action, arg string) string {
	return fmt.Sprintf("%s:%d:%s:%s", callbackPrefix, owner, action, arg)
}

type callback struct {
	Owner  int64
	Action string
	Arg    string
}

func parseCallback(data string) (callback, bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 4)
	if len(parts) != 4 || parts[0] != callbackPrefix {
		return callback{}, false
	}
	owner, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return callback{}, false
	}
	return callback{Owner: owner, Action: parts[2], Arg: parts[3]}, true
}

func pickerKeyboard(owner int64, kind pickerKind, page int) tgbotapi.InlineKeyboardMarkup {
	opts := kind.options()
	pages := (len(opts) + pageSize - 1) / pageSize
	if page < 0 || page >= pages {
		page = 0
	}

	start := page * pageSize
	end := min(start+pageSize, len(opts))

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, opt := range opts[start:end] {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(opt.Name, callbackData(owner, string(kind), opt.Key)))
		if len(row) == buttonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	if pages > 1 {
		var nav []tgbotapi.InlineKeyboardButton
		if page > 0 {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("« Prev", callbackData(owner, "page", fmt.Sprintf("%s-%d", kind, page-1))))
		}
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%d/%d", page+1, pages), callbackData(owner, "noop", "")))
		if page < pages-1 {
			nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Next »", callbackData(owner, "page", fmt.Sprintf("%s-%d", kind, page+1))))
		}
		rows = append(rows, nav)
	}

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}
	cb, ok := parseCallback(q.Data)
	if !ok {
		return nil
	}
	if cb.Owner != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, "This menu is not yours.", true)
		return nil
	}

	chatID := q.Message.Chat.ID
	switch cb.Action {
	case "page":
		kindName, pageStr, found := strings.Cut(cb.Arg, "-")
		page, err := strconv.Atoi(pageStr)
		if !found || err != nil {
			return h.tg.AnswerCallback(q.ID, "", false)
		}
		kind := pickerKind(kindName)
		_ = h.tg.AnswerCallback(q.ID, "", false)
		return h.tg.EditTextWithKeyboard(chatID, q.Message.MessageID, kind.title(), pickerKeyboard(cb.Owner, kind, page))
	case string(kindRace):
		opt, ok := fantasy.LookupRace(cb.Arg)
		if !ok {
			return h.tg.AnswerCallback(q.ID, "Unknown race.", true)
		}
		_ = h.tg.AnswerCallback(q.ID, opt.Name, false)
		return h.choose(ctx, chatID, cb.Owner, q.From.UserName, kindRace, opt.Key)
	case string(kindRegion):
		opt, ok := fantasy.LookupRegion(cb.Arg)
		if !ok {
			return h.tg.AnswerCallback(q.ID, "Unknown region.", true)
		}
		_ = h.tg.AnswerCallback(q.ID, opt.Name, false)
		return h.choose(ctx, chatID, cb.Owner, q.From.UserName, kindRegion, opt.Key)
	}
	return h.tg.AnswerCallback(q.ID, "", false)
}
