//go:build integration

package tier1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/image/webp"

	"github.com/schaermu/stickersync/internal/config"
	"github.com/schaermu/stickersync/internal/images"
	"github.com/schaermu/stickersync/internal/ledger"
	"github.com/schaermu/stickersync/internal/logging"
	"github.com/schaermu/stickersync/internal/retry"
	stickersync "github.com/schaermu/stickersync/internal/sync"
	"github.com/schaermu/stickersync/internal/telegram"
	"github.com/schaermu/stickersync/internal/testutil"
)

const (
	testToken   = "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testUserID  = 1001
	botUsername = "StickerTestBot"
	packBase    = "cats"
)

// Harness runs the real engine stack against an in-process Bot API
type Harness struct {
	t          *testing.T
	api        *FakeBotAPI
	server     *httptest.Server
	StorageDir string
	SourceDir  string
}

// NewHarness starts a fake Bot API and prepares storage directories
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	api := NewFakeBotAPI(testToken, botUsername, testUserID)
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	storage := t.TempDir()
	source := filepath.Join(storage, packBase)
	if err := os.MkdirAll(source, 0755); err != nil {
		t.Fatalf("create source dir: %v", err)
	}

	return &Harness{
		t:          t,
		api:        api,
		server:     server,
		StorageDir: storage,
		SourceDir:  source,
	}
}

// Config returns a configuration pointing at the fake API
func (h *Harness) Config(batchSize int) *config.Config {
	return &config.Config{
		Bot:    config.BotConfig{Token: testToken, UserID: testUserID, APIURL: h.server.URL},
		Pack:   config.PackConfig{Name: packBase, Title: "Cats"},
		Batch:  config.BatchConfig{Size: batchSize},
		Upload: config.UploadConfig{Delay: time.Millisecond},
		Paths:  config.PathsConfig{StorageDir: h.StorageDir},
	}
}

// Engine wires the production components the same way the CLI does
func (h *Harness) Engine(cfg *config.Config, dryRun bool) *stickersync.Engine {
	logger := slog.New(logging.NewPrettyHandler(&testWriter{t: h.t, prefix: "[engine] "},
		&slog.HandlerOptions{Level: slog.LevelDebug}))

	bot := telegram.NewClient(cfg.Bot.Token,
		telegram.WithBaseURL(cfg.Bot.APIURL),
		telegram.WithHTTPClient(h.server.Client()),
		telegram.WithRetry(retry.Policy{Attempts: 3, Delay: time.Millisecond}),
	)
	store := ledger.NewStore(cfg.LedgerPath())
	preparer := images.NewPreparer(images.NewWebPConverter(), images.NewSession(logger), logger)
	return stickersync.NewEngine(cfg, bot, store, preparer, logger, dryRun)
}

// WriteImages writes count source images named <prefix>NNN.png
func (h *Harness) WriteImages(prefix string, count int) {
	h.t.Helper()
	for i := 1; i <= count; i++ {
		testutil.WriteImage(h.t, h.SourceDir, fmt.Sprintf("%s%03d.png", prefix, i), 64+i, 48)
	}
}

// Records returns the ledger content, or nil when there is no ledger yet
func (h *Harness) Records() []ledger.PackRecord {
	h.t.Helper()
	records, err := ledger.NewStore(filepath.Join(h.StorageDir, ledger.FileName)).Load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		h.t.Fatalf("load ledger: %v", err)
	}
	return records
}

// PreparedFiles lists the prepared sticker files for the pack base name
func (h *Harness) PreparedFiles() []string {
	h.t.Helper()
	files, err := images.ListFiles(images.OutputDir(h.SourceDir, packBase))
	if err != nil {
		return nil
	}
	return files
}

// FakeBotAPI implements the sticker set subset of the Bot API in memory
type FakeBotAPI struct {
	mu     sync.Mutex
	token  string
	bot    string
	userID string
	sets   map[string]*fakeSet
	calls  map[string]int
}

type fakeSet struct {
	title    string
	stickers []fakeSticker
}

type fakeSticker struct {
	fileName    string
	contentType string
	width       int
	height      int
	emoji       string
}

// NewFakeBotAPI creates an API for the given bot that knows one user
func NewFakeBotAPI(token, bot string, userID int64) *FakeBotAPI {
	return &FakeBotAPI{
		token:  token,
		bot:    bot,
		userID: fmt.Sprint(userID),
		sets:   map[string]*fakeSet{},
		calls:  map[string]int{},
	}
}

// Calls returns how often method was requested
func (f *FakeBotAPI) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Set returns a copy of the named set
func (f *FakeBotAPI) Set(name string) (title string, stickers []fakeSticker, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[name]
	if !ok {
		return "", nil, false
	}
	return s.title, append([]fakeSticker(nil), s.stickers...), true
}

// SetNames returns the names of all sets
func (f *FakeBotAPI) SetNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sets))
	for name := range f.sets {
		names = append(names, name)
	}
	return names
}

// DropSet removes a set behind the client's back
func (f *FakeBotAPI) DropSet(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets, name)
}

func (f *FakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + f.token + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		writeError(w, 401, "Unauthorized")
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, 400, "Bad Request: "+err.Error())
			return
		}
	} else if err := r.ParseForm(); err != nil {
		writeError(w, 400, "Bad Request: "+err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++

	switch method {
	case "getMe":
		writeResult(w, map[string]any{"id": 42, "is_bot": true, "first_name": "Test", "username": f.bot})
	case "createNewStickerSet":
		f.createSet(w, r)
	case "addStickerToSet":
		f.addSticker(w, r)
	case "getStickerSet":
		f.getSet(w, r)
	case "deleteStickerSet":
		name := r.FormValue("name")
		if _, ok := f.sets[name]; !ok {
			writeError(w, 400, "Bad Request: STICKERSET_INVALID")
			return
		}
		delete(f.sets, name)
		writeResult(w, true)
	default:
		writeError(w, 404, "Not Found: method not found")
	}
}

func (f *FakeBotAPI) createSet(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if r.FormValue("user_id") != f.userID {
		writeError(w, 400, "Bad Request: user not found")
		return
	}
	if !strings.HasSuffix(name, "_by_"+strings.ToLower(f.bot)) {
		writeError(w, 400, "Bad Request: invalid sticker set name is specified")
		return
	}
	if _, ok := f.sets[name]; ok {
		writeError(w, 400, "Bad Request: sticker set name is already occupied")
		return
	}

	var inputs []struct {
		Sticker   string   `json:"sticker"`
		EmojiList []string `json:"emoji_list"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("stickers")), &inputs); err != nil || len(inputs) != 1 {
		writeError(w, 400, "Bad Request: can't parse stickers JSON object")
		return
	}

	st, err := readSticker(r, inputs[0].Sticker, inputs[0].EmojiList)
	if err != nil {
		writeError(w, 400, "Bad Request: "+err.Error())
		return
	}
	f.sets[name] = &fakeSet{title: r.FormValue("title"), stickers: []fakeSticker{st}}
	writeResult(w, true)
}

func (f *FakeBotAPI) addSticker(w http.ResponseWriter, r *http.Request) {
	set, ok := f.sets[r.FormValue("name")]
	if !ok {
		writeError(w, 400, "Bad Request: STICKERSET_INVALID")
		return
	}

	var input struct {
		Sticker   string   `json:"sticker"`
		EmojiList []string `json:"emoji_list"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("sticker")), &input); err != nil {
		writeError(w, 400, "Bad Request: can't parse sticker JSON object")
		return
	}

	st, err := readSticker(r, input.Sticker, input.EmojiList)
	if err != nil {
		writeError(w, 400, "Bad Request: "+err.Error())
		return
	}
	set.stickers = append(set.stickers, st)
	writeResult(w, true)
}

func (f *FakeBotAPI) getSet(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	set, ok := f.sets[name]
	if !ok {
		writeError(w, 400, "Bad Request: STICKERSET_INVALID")
		return
	}

	stickers := make([]map[string]any, 0, len(set.stickers))
	for i, st := range set.stickers {
		stickers = append(stickers, map[string]any{
			"file_id":        fmt.Sprintf("%s-%d", name, i),
			"file_unique_id": fmt.Sprintf("u%d", i),
			"emoji":          st.emoji,
		})
	}
	writeResult(w, map[string]any{"name": name, "title": set.title, "stickers": stickers})
}

// readSticker decodes the attached file referenced by an attach:// URI
func readSticker(r *http.Request, ref string, emoji []string) (fakeSticker, error) {
	part, ok := strings.CutPrefix(ref, "attach://")
	if !ok || r.MultipartForm == nil {
		return fakeSticker{}, fmt.Errorf("sticker must be uploaded")
	}
	headers := r.MultipartForm.File[part]
	if len(headers) == 0 {
		return fakeSticker{}, fmt.Errorf("file %s not found", part)
	}
	if len(emoji) == 0 {
		return fakeSticker{}, fmt.Errorf("emoji_list is empty")
	}

	file, err := headers[0].Open()
	if err != nil {
		return fakeSticker{}, err
	}
	defer func() {
		_ = file.Close()
	}()

	cfg, err := webp.DecodeConfig(file)
	if err != nil {
		return fakeSticker{}, fmt.Errorf("STICKER_PNG_DIMENSIONS: %v", err)
	}

	return fakeSticker{
		fileName:    headers[0].Filename,
		contentType: headers[0].Header.Get("Content-Type"),
		width:       cfg.Width,
		height:      cfg.Height,
		emoji:       emoji[0],
	}, nil
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, code int, desc string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": code, "description": desc})
}

// testWriter wraps test logging for engine output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
