package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnd-ai-helper/internal/pipeline"
	"dnd-ai-helper/internal/session"
)

const (
	userID   int64 = 100
	chatID   int64 = 200
	original       = "data:image/jpeg;base64,ORIGINAL"
	portrait       = "data:image/png;base64,PORTRAIT"
)

type sentPhoto struct {
	Image   string
	Caption string
}

type fakeMessenger struct {
	mu          sync.Mutex
	texts       []string
	keyboards   []tgbotapi.InlineKeyboardMarkup
	edits       int
	answers     []string
	photos      []sentPhoto
	downloadErr error
}

func (f *fakeMessenger) SendText(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendTextWithKeyboard(_ int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.keyboards = append(f.keyboards, kb)
	return len(f.keyboards), nil
}

func (f *fakeMessenger) EditTextWithKeyboard(_ int64, _ int, _ string, kb tgbotapi.InlineKeyboardMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	f.keyboards = append(f.keyboards, kb)
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ string, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) SendPhotoDataURL(_ int64, dataURL, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{Image: dataURL, Caption: caption})
	return nil
}

func (f *fakeMessenger) SendChatAction(int64, string) {}

func (f *fakeMessenger) DownloadPhoto(context.Context, string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return original, nil
}

func (f *fakeMessenger) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type call struct {
	Image, Race, Region string
	Regenerate          bool
}

type fakeGenerator struct {
	mu     sync.Mutex
	calls  []call
	result pipeline.Result
	block  chan struct{}
}

func (g *fakeGenerator) Generate(_ context.Context, req pipeline.Request) pipeline.Result {
	return g.record(call{Image: req.Image, Race: req.Race, Region: req.Region})
}

func (g *fakeGenerator) Regenerate(_ context.Context, image, race, region string) pipeline.Result {
	return g.record(call{Image: image, Race: race, Region: region, Regenerate: true})
}

func (g *fakeGenerator) record(c call) pipeline.Result {
	g.mu.Lock()
	g.calls = append(g.calls, c)
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return g.result
}

func newTestHandler() (*Handler, *fakeMessenger, *fakeGenerator, *session.Store) {
	tg := &fakeMessenger{}
	gen := &fakeGenerator{result: pipeline.Result{Success: true, Image: portrait}}
	store := session.NewStore(session.Options{})
	h := New(Options{Telegram: tg, Generator: gen, Sessions: store})
	return h, tg, gen, store
}

func command(text string) tgbotapi.Update {
	cmdLen := len(strings.Fields(text)[0])
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
		Entities: []tgbotapi.MessageEntity{{
			Type: "bot_command", Offset: 0, Length: cmdLen,
		}},
	}}
}

func textMessage(text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func photoMessage() tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:  &tgbotapi.User{ID: userID},
		Chat:  &tgbotapi.Chat{ID: chatID},
		Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
	}}
}

func callbackUpdate(from int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{MessageID: 9, Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}}
}

func TestHandle_PhotoThenSelectionGenerates(t *testing.T) {
	h, tg, gen, store := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, photoMessage()))
	assert.Len(t, tg.keyboards, 1, "asks for a race")
	assert.Empty(t, gen.calls)

	require.NoError(t, h.HandleUpdate(ctx, command("/race wood elf")))
	assert.Len(t, tg.keyboards, 2, "asks for a region")

	require.NoError(t, h.HandleUpdate(ctx, command("/region Waterdeep")))
	require.Len(t, gen.calls, 1)
	assert.Equal(t, call{Image: original, Race: "wood-elf", Region: "waterdeep"}, gen.calls[0])

	require.Len(t, tg.photos, 1)
	assert.Equal(t, portrait, tg.photos[0].Image)
	assert.Contains(t, tg.photos[0].Caption, "Wood Elf from Waterdeep")
	assert.Equal(t, portrait, store.Snapshot(userID, "").Last)
	assert.False(t, store.Snapshot(userID, "").Busy)
}

func TestHandle_SpiceAndRedo(t *testing.T) {
	h, tg, gen, _ := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, command("/spice")))
	assert.Contains(t, tg.lastText(), "Nothing to spice up")

	require.NoError(t, h.HandleUpdate(ctx, textMessage("dwarf from baldur's gate")))
	require.NoError(t, h.HandleUpdate(ctx, photoMessage()))
	require.Len(t, gen.calls, 1)

	require.NoError(t, h.HandleUpdate(ctx, command("/spice")))
	require.Len(t, gen.calls, 2)
	assert.Equal(t, call{Image: portrait, Race: "dwarf", Region: "baldurs-gate", Regenerate: true}, gen.calls[1])

	require.NoError(t, h.HandleUpdate(ctx, command("/redo")))
	require.Len(t, gen.calls, 3)
	assert.Equal(t, call{Image: original, Race: "dwarf", Region: "baldurs-gate"}, gen.calls[2])
}

func TestHandle_FailureIsReported(t *testing.T) {
	h, tg, gen, store := newTestHandler()
	gen.result = pipeline.Result{Reason: "transform: model is loading", Kind: pipeline.KindRemote}
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, textMessage("tiefling thay")))
	require.NoError(t, h.HandleUpdate(ctx, photoMessage()))

	assert.Equal(t, "❌ Generation failed: transform: model is loading", tg.lastText())
	assert.Empty(t, tg.photos)
	assert.Empty(t, store.Snapshot(userID, "").Last)
}

func TestHandle_BusyRejectsOverlap(t *testing.T) {
	h, tg, gen, store := newTestHandler()
	gen.block = make(chan struct{})
	ctx := context.Background()

	store.SetRace(userID, "", "elf")
	store.SetRegion(userID, "", "waterdeep")

	done := make(chan error, 1)
	go func() { done <- h.HandleUpdate(ctx, photoMessage()) }()

	require.Eventually(t, func() bool {
		gen.mu.Lock()
		defer gen.mu.Unlock()
		return len(gen.calls) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, h.HandleUpdate(ctx, command("/redo")))
	assert.Contains(t, tg.lastText(), "Still working")

	close(gen.block)
	require.NoError(t, <-done)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Len(t, gen.calls, 1)
}

func TestHandle_DownloadFailure(t *testing.T) {
	h, tg, gen, _ := newTestHandler()
	tg.downloadErr = errors.New("boom")

	require.NoError(t, h.HandleUpdate(context.Background(), photoMessage()))
	assert.Contains(t, tg.lastText(), "Could not download")
	assert.Empty(t, gen.calls)
}

func TestHandle_UnknownRaceAndCommand(t *testing.T) {
	h, tg, _, _ := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, command("/race beholder")))
	assert.Contains(t, tg.lastText(), `Unknown race "beholder"`)

	require.NoError(t, h.HandleUpdate(ctx, command("/dance")))
	assert.Contains(t, tg.lastText(), "Unknown command")

	require.NoError(t, h.HandleUpdate(ctx, textMessage("hello there")))
	assert.Contains(t, tg.lastText(), "Send a photo")
}

func TestHandle_Callbacks(t *testing.T) {
	h, tg, _, store := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(999, callbackData(userID, "race", "elf"))))
	assert.Equal(t, []string{"This menu is not yours."}, tg.answers)
	assert.Empty(t, store.Snapshot(userID, "").Race)

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(userID, callbackData(userID, "race", "half-orc"))))
	assert.Equal(t, "half-orc", store.Snapshot(userID, "").Race)

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(userID, callbackData(userID, "page", "region-1"))))
	assert.Equal(t, 1, tg.edits)

	require.NoError(t, h.HandleUpdate(ctx, callbackUpdate(userID, callbackData(userID, "region", "underdark"))))
	sess := store.Snapshot(userID, "")
	assert.Equal(t, "underdark", sess.Region)
	assert.Contains(t, tg.lastText(), "Now send me a photo")
}

func TestPickerKeyboard(t *testing.T) {
	kb := pickerKeyboard(userID, kindRace, 0)
	rows := kb.InlineKeyboard
	require.Len(t, rows, pageSize/buttonsPerRow+1)

	nav := rows[len(rows)-1]
	require.Len(t, nav, 2)
	assert.Equal(t, "1/3", nav[0].Text)
	require.NotNil(t, nav[1].CallbackData)
	assert.Equal(t, callbackData(userID, "page", "race-1"), *nav[1].CallbackData)

	last := pickerKeyboard(userID, kindRace, 2).InlineKeyboard
	lastNav := last[len(last)-1]
	assert.Equal(t, "« Prev", lastNav[0].Text)
	assert.Equal(t, "3/3", lastNav[1].Text)

	for _, row := range rows {
		for _, b := range row {
			require.NotNil(t, b.CallbackData)
			assert.LessOrEqual(t, len(*b.CallbackData), 64)
		}
	}
}

func TestParseCallback(t *testing.T) {
	cb, ok := parseCallback("dnd:42:region:icewind-dale")
	require.True(t, ok)
	assert.Equal(t, callback{Owner: 42, Action: "region", Arg: "icewind-dale"}, cb)

	_, ok = parseCallback("pv:42:region:x")
	assert.False(t, ok)
	_, ok = parseCallback("dnd:abc:race:elf")
	assert.False(t, ok)
}

func TestParseSelection(t *testing.T) {
	tests := []struct {
		text string
		want selection
	}{
		{"elf waterdeep", selection{Race: "elf", Region: "waterdeep"}},
		{"Wood Elf from Baldur's Gate!", selection{Race: "wood-elf", Region: "baldurs-gate"}},
		{"make me a half-orc", selection{Race: "half-orc"}},
		{"icewind dale, please", selection{Region: "icewind-dale"}},
		{"good morning", selection{}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSelection(tt.text))
		})
	}
}
