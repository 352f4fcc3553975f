package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/stickersync/internal/config"
	"github.com/schaermu/stickersync/internal/images"
	"github.com/schaermu/stickersync/internal/ledger"
	"github.com/schaermu/stickersync/internal/telegram"
)

// mockTransport implements Transport for testing with an in-memory set store.
type mockTransport struct {
	me         *telegram.User
	sets       map[string]*telegram.StickerSet
	getErr     map[string]error
	createErr  error
	addErr     map[string]error // keyed by file basename
	deleteErr  map[string]error
	getMeCalls int

	created []string // pack names
	firsts  []string // basenames used to create packs
	added   []string // "pack/basename"
	deleted []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		me:        &telegram.User{ID: 99, IsBot: true, Username: "CatsBot"},
		sets:      map[string]*telegram.StickerSet{},
		getErr:    map[string]error{},
		addErr:    map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (m *mockTransport) GetMe(_ context.Context) (*telegram.User, error) {
	m.getMeCalls++
	return m.me, nil
}

func (m *mockTransport) CreateStickerSet(_ context.Context, _ int64, name, title string, sticker telegram.Upload) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, name)
	m.firsts = append(m.firsts, filepath.Base(sticker.Path))
	m.sets[name] = &telegram.StickerSet{Name: name, Title: title, Stickers: []telegram.Sticker{{Emoji: sticker.Emoji}}}
	return nil
}

func (m *mockTransport) AddStickerToSet(_ context.Context, _ int64, name string, sticker telegram.Upload) error {
	base := filepath.Base(sticker.Path)
	if err := m.addErr[base]; err != nil {
		return err
	}
	set, ok := m.sets[name]
	if !ok {
		return &telegram.APIError{Method: "addStickerToSet", Code: 400, Description: "Bad Request: STICKERSET_INVALID"}
	}
	set.Stickers = append(set.Stickers, telegram.Sticker{Emoji: sticker.Emoji})
	m.added = append(m.added, name+"/"+base)
	return nil
}

func (m *mockTransport) GetStickerSet(_ context.Context, name string) (*telegram.StickerSet, error) {
	if err := m.getErr[name]; err != nil {
		return nil, err
	}
	set, ok := m.sets[name]
	if !ok {
		return nil, &telegram.APIError{Method: "getStickerSet", Code: 400, Description: "Bad Request: STICKERSET_INVALID"}
	}
	return set, nil
}

func (m *mockTransport) DeleteStickerSet(_ context.Context, name string) (bool, error) {
	if err := m.deleteErr[name]; err != nil {
		return false, err
	}
	if _, ok := m.sets[name]; !ok {
		return false, &telegram.APIError{Method: "deleteStickerSet", Code: 400, Description: "Bad Request: STICKERSET_INVALID"}
	}
	delete(m.sets, name)
	m.deleted = append(m.deleted, name)
	return true, nil
}

// mockPreparer returns a fixed list of prepared images.
type mockPreparer struct {
	files []string
	err   error
}

func (m *mockPreparer) Prepare(_ context.Context, _, _ string) ([]string, error) {
	return m.files, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// preparedFiles returns n prepared image paths named img000.webp onwards.
func preparedFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = filepath.Join("/stickers/cats/cats", fmt.Sprintf("img%03d.webp", i))
	}
	return files
}

type testEngine struct {
	*Engine
	bot    *mockTransport
	sleeps []time.Duration
}

func newTestEngine(t *testing.T, files []string) *testEngine {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Bot:    config.BotConfig{Token: "123456789:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", UserID: 1001},
		Pack:   config.PackConfig{Name: "cats", Title: "Cats", Emoji: "😀"},
		Batch:  config.BatchConfig{Size: 50},
		Upload: config.UploadConfig{Delay: time.Second},
		Paths:  config.PathsConfig{StorageDir: dir},
	}

	te := &testEngine{bot: newMockTransport()}
	te.Engine = &Engine{
		cfg:      cfg,
		bot:      te.bot,
		ledger:   ledger.NewStore(cfg.LedgerPath()),
		preparer: &mockPreparer{files: files},
		logger:   testLogger(),
	}
	te.sleep = func(ctx context.Context, d time.Duration) error {
		te.sleeps = append(te.sleeps, d)
		return ctx.Err()
	}
	return te
}

func (te *testEngine) records(t *testing.T) []ledger.PackRecord {
	t.Helper()
	records, err := te.ledger.Load()
	require.NoError(t, err)
	return records
}

func TestNewEngine(t *testing.T) {
	cfg := &config.Config{}
	store := ledger.NewStore(filepath.Join(t.TempDir(), ledger.FileName))
	e := NewEngine(cfg, newMockTransport(), store, &mockPreparer{}, testLogger(), true)

	assert.Same(t, cfg, e.cfg)
	assert.Same(t, store, e.ledger)
	assert.True(t, e.dryRun)
	assert.NotNil(t, e.sleep)
}

func TestShareURL(t *testing.T) {
	assert.Equal(t, "https://t.me/addstickers/cats_01_by_catsbot", ShareURL("cats_01_by_catsbot"))
}

func TestCreate_SingleChunkCappedAt120(t *testing.T) {
	te := newTestEngine(t, preparedFiles(130))

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	require.Equal(t, []string{"cats_01_by_catsbot"}, te.bot.created)
	assert.Equal(t, []string{"img119.webp"}, te.bot.firsts, "last planned image seeds the pack")
	assert.Len(t, te.bot.added, 119)
	assert.Equal(t, "cats_01_by_catsbot/img000.webp", te.bot.added[0])
	assert.Equal(t, "cats_01_by_catsbot/img118.webp", te.bot.added[118])

	require.Len(t, te.sleeps, 119)
	for _, d := range te.sleeps {
		assert.Equal(t, time.Second, d)
	}

	records := te.records(t)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "cats_01_by_catsbot", rec.PackName)
	assert.Equal(t, "Cats - 120/130", rec.PackTitle)
	assert.Equal(t, "https://t.me/addstickers/cats_01_by_catsbot", rec.ShareURL)
	require.Len(t, rec.Files, 120)
	assert.Equal(t, "img000.webp", rec.Files[0])
	assert.Equal(t, "img119.webp", rec.Files[119])
}

func TestCreate_BatchMode(t *testing.T) {
	te := newTestEngine(t, preparedFiles(120))

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", true))

	assert.Equal(t, []string{"cats_01_by_catsbot", "cats_02_by_catsbot", "cats_03_by_catsbot"}, te.bot.created)
	assert.Equal(t, []string{"img049.webp", "img099.webp", "img119.webp"}, te.bot.firsts)
	assert.Len(t, te.bot.added, 49+49+19)

	records := te.records(t)
	require.Len(t, records, 3)
	assert.Equal(t, "Cats - 50/120", records[0].PackTitle)
	assert.Equal(t, "Cats - 100/120", records[1].PackTitle)
	assert.Equal(t, "Cats - 120/120", records[2].PackTitle)
	assert.Len(t, records[0].Files, 50)
	assert.Len(t, records[2].Files, 20)
	assert.Equal(t, 1, te.bot.getMeCalls)
}

func TestCreate_ResumesExistingPack(t *testing.T) {
	te := newTestEngine(t, preparedFiles(3))
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{
		Name:     "cats_01_by_catsbot",
		Title:    "Cats - 2/2",
		Stickers: make([]telegram.Sticker, 2),
	}
	require.NoError(t, te.ledger.Save(ledger.PackRecord{
		PackName:  "cats_01_by_catsbot",
		PackTitle: "Cats - 2/2",
		Files:     []string{"img000.webp", "img001.webp"},
	}))

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	assert.Empty(t, te.bot.created, "existing pack must not be created again")
	assert.Equal(t, []string{"cats_01_by_catsbot/img002.webp"}, te.bot.added)

	records := te.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"img000.webp", "img001.webp", "img002.webp"}, records[0].Files)
	assert.Equal(t, "Cats - 2/2", records[0].PackTitle, "title of an existing pack is kept")
}

func TestCreate_NothingToUpload(t *testing.T) {
	te := newTestEngine(t, preparedFiles(2))
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{Name: "cats_01_by_catsbot", Stickers: make([]telegram.Sticker, 2)}
	require.NoError(t, te.ledger.Save(ledger.PackRecord{
		PackName: "cats_01_by_catsbot",
		Files:    []string{"img000.webp", "img001.webp"},
	}))
	before, err := os.ReadFile(te.ledger.Path())
	require.NoError(t, err)

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	assert.Empty(t, te.bot.created)
	assert.Empty(t, te.bot.added)
	assert.Empty(t, te.sleeps)

	after, err := os.ReadFile(te.ledger.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestCreate_StaleRemoteAborts(t *testing.T) {
	te := newTestEngine(t, preparedFiles(3))
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{Name: "cats_01_by_catsbot", Stickers: make([]telegram.Sticker, 3)}

	err := te.Create(context.Background(), "/stickers/cats", false)
	require.ErrorIs(t, err, ErrStaleRemote)

	assert.Empty(t, te.bot.created)
	assert.Empty(t, te.bot.added)
	assert.False(t, te.ledger.Exists())
}

func TestCreate_RemoteMissingFromLedger(t *testing.T) {
	te := newTestEngine(t, preparedFiles(2))
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{Name: "cats_01_by_catsbot", Title: "Cats"}
	require.NoError(t, te.ledger.Save(ledger.PackRecord{PackName: "dogs_01_by_catsbot", Files: []string{"d.webp"}}))

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	assert.Empty(t, te.bot.created)
	assert.Equal(t, []string{"cats_01_by_catsbot/img000.webp", "cats_01_by_catsbot/img001.webp"}, te.bot.added)

	records := te.records(t)
	require.Len(t, records, 2)
	assert.Equal(t, "dogs_01_by_catsbot", records[0].PackName, "unrelated records are kept")
	assert.Equal(t, []string{"img000.webp", "img001.webp"}, records[1].Files)
}

func TestCreate_CreateFailureLeavesLedgerUntouched(t *testing.T) {
	te := newTestEngine(t, preparedFiles(3))
	te.bot.createErr = &telegram.APIError{Method: "createNewStickerSet", Code: 400, Description: "Bad Request: user not found"}

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	assert.Empty(t, te.bot.added)
	assert.False(t, te.ledger.Exists())
}

func TestCreate_AddFailureNotRecorded(t *testing.T) {
	te := newTestEngine(t, preparedFiles(4))
	te.bot.addErr["img001.webp"] = errors.New("network down")

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	records := te.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"img000.webp", "img002.webp", "img003.webp"}, records[0].Files)

	// A rerun only uploads the failed image
	delete(te.bot.addErr, "img001.webp")
	te.bot.added = nil
	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))
	assert.Equal(t, []string{"cats_01_by_catsbot/img001.webp"}, te.bot.added)
	assert.Len(t, te.records(t)[0].Files, 4)
}

func TestCreate_InvalidPackNameAborts(t *testing.T) {
	te := newTestEngine(t, preparedFiles(3))
	te.cfg.Pack.Name = "Bad-Name"

	err := te.Create(context.Background(), "/stickers/cats", false)
	require.ErrorIs(t, err, ErrInvalidPack)
	assert.Empty(t, te.bot.created)
}

func TestCreate_InvalidTitleAbortsRemainingBatches(t *testing.T) {
	te := newTestEngine(t, preparedFiles(4))
	te.cfg.Batch.Size = 2
	te.cfg.Pack.Title = "Cats 🐱"

	err := te.Create(context.Background(), "/stickers/cats", true)
	require.ErrorIs(t, err, ErrInvalidPack)
	assert.Empty(t, te.bot.created)
}

func TestCreate_SourceMissing(t *testing.T) {
	te := newTestEngine(t, nil)
	te.preparer = &mockPreparer{err: fmt.Errorf("%w: /nope", images.ErrSourceNotFound)}

	require.NoError(t, te.Create(context.Background(), "/nope", false))
	assert.Zero(t, te.bot.getMeCalls)
}

func TestCreate_PrepareError(t *testing.T) {
	te := newTestEngine(t, nil)
	te.preparer = &mockPreparer{err: images.ErrInterrupted}

	err := te.Create(context.Background(), "/stickers/cats", false)
	assert.ErrorIs(t, err, images.ErrInterrupted)
}

func TestCreate_NoPreparedImages(t *testing.T) {
	te := newTestEngine(t, nil)

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))
	assert.Zero(t, te.bot.getMeCalls)
}

func TestCreate_DryRun(t *testing.T) {
	te := newTestEngine(t, preparedFiles(5))
	te.dryRun = true

	require.NoError(t, te.Create(context.Background(), "/stickers/cats", false))

	assert.Empty(t, te.bot.created)
	assert.Empty(t, te.bot.added)
	assert.Empty(t, te.sleeps)
	assert.False(t, te.ledger.Exists())
}

func TestCreate_CancelledDuringUpload(t *testing.T) {
	te := newTestEngine(t, preparedFiles(5))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	te.sleep = func(ctx context.Context, _ time.Duration) error {
		if len(te.bot.added) == 2 {
			cancel()
		}
		return ctx.Err()
	}

	err := te.Create(ctx, "/stickers/cats", false)
	require.ErrorIs(t, err, context.Canceled)

	records := te.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"img000.webp", "img001.webp", "img004.webp"}, records[0].Files,
		"confirmed uploads are recorded before returning")
}

func TestReconcile_RemoteAbsentReturnsChunk(t *testing.T) {
	te := newTestEngine(t, nil)
	chunk := preparedFiles(3)

	delta, err := te.reconcile(context.Background(), "cats_01_by_catsbot", chunk)
	require.NoError(t, err)
	assert.Equal(t, chunk, delta.Files)
	assert.False(t, delta.Exists)
	assert.Nil(t, delta.Previous)
}

func TestReconcile_LookupErrorTreatedAsAbsent(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.getErr["cats_01_by_catsbot"] = errors.New("timeout")
	chunk := preparedFiles(2)

	delta, err := te.reconcile(context.Background(), "cats_01_by_catsbot", chunk)
	require.NoError(t, err)
	assert.Equal(t, chunk, delta.Files)
	assert.False(t, delta.Exists)
}

func TestReconcile_FiltersRecordedFiles(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{Name: "cats_01_by_catsbot", Title: "Remote"}
	require.NoError(t, te.ledger.Save(ledger.PackRecord{
		PackName: "cats_01_by_catsbot",
		Files:    []string{"img000.webp", "img002.webp"},
	}))
	chunk := preparedFiles(4)

	delta, err := te.reconcile(context.Background(), "cats_01_by_catsbot", chunk)
	require.NoError(t, err)
	assert.Equal(t, []string{chunk[1], chunk[3]}, delta.Files)
	assert.True(t, delta.Exists)
	assert.Equal(t, "Remote", delta.RemoteTitle)
	require.NotNil(t, delta.Previous)
	assert.Equal(t, []string{"img000.webp", "img002.webp"}, delta.Previous.Files)
}

func TestReconcile_CorruptLedger(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["cats_01_by_catsbot"] = &telegram.StickerSet{Name: "cats_01_by_catsbot"}
	require.NoError(t, os.WriteFile(te.ledger.Path(), []byte("{not json"), 0644))

	_, err := te.reconcile(context.Background(), "cats_01_by_catsbot", preparedFiles(1))
	assert.ErrorIs(t, err, ledger.ErrCorrupt)
}

func seedLedger(t *testing.T, te *testEngine, records ...ledger.PackRecord) {
	t.Helper()
	require.NoError(t, te.ledger.Overwrite(records))
}

func TestVerify_Consistent(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["cats_01_by_bot"] = &telegram.StickerSet{Name: "cats_01_by_bot", Stickers: make([]telegram.Sticker, 2)}
	seedLedger(t, te, ledger.PackRecord{PackName: "cats_01_by_bot", Files: []string{"a.webp", "b.webp"}})
	before, err := os.ReadFile(te.ledger.Path())
	require.NoError(t, err)

	report, err := te.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cats_01_by_bot"}, report.Consistent)
	assert.Empty(t, report.Pruned)

	after, err := os.ReadFile(te.ledger.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestVerify_MismatchIsInformational(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["cats_01_by_bot"] = &telegram.StickerSet{Name: "cats_01_by_bot", Stickers: make([]telegram.Sticker, 5)}
	seedLedger(t, te, ledger.PackRecord{PackName: "cats_01_by_bot", Files: []string{"a.webp"}})

	report, err := te.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cats_01_by_bot"}, report.Mismatched)
	assert.Len(t, te.records(t), 1)
}

func TestVerify_PrunesMissingPacks(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["keep_01_by_bot"] = &telegram.StickerSet{Name: "keep_01_by_bot", Stickers: make([]telegram.Sticker, 1)}
	te.bot.getErr["flaky_01_by_bot"] = errors.New("connection reset")
	seedLedger(t, te,
		ledger.PackRecord{PackName: "gone_01_by_bot", Files: []string{"x.webp"}},
		ledger.PackRecord{PackName: "keep_01_by_bot", Files: []string{"k.webp"}},
		ledger.PackRecord{PackName: "flaky_01_by_bot", Files: []string{"f.webp"}},
	)

	report, err := te.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gone_01_by_bot"}, report.Pruned)
	assert.Equal(t, []string{"flaky_01_by_bot"}, report.Unchecked)

	var names []string
	for _, r := range te.records(t) {
		names = append(names, r.PackName)
	}
	assert.Equal(t, []string{"keep_01_by_bot", "flaky_01_by_bot"}, names)
}

func TestVerify_DryRunDoesNotPrune(t *testing.T) {
	te := newTestEngine(t, nil)
	te.dryRun = true
	seedLedger(t, te, ledger.PackRecord{PackName: "gone_01_by_bot"})

	report, err := te.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gone_01_by_bot"}, report.Pruned)
	assert.Len(t, te.records(t), 1)
}

func TestVerify_NoLedger(t *testing.T) {
	te := newTestEngine(t, nil)

	report, err := te.Verify(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Consistent)
	assert.False(t, te.ledger.Exists())
}

func TestDelete_AllWithPartialFailure(t *testing.T) {
	te := newTestEngine(t, nil)
	for _, name := range []string{"a_01_by_bot", "b_01_by_bot", "c_01_by_bot"} {
		te.bot.sets[name] = &telegram.StickerSet{Name: name}
	}
	te.bot.deleteErr["b_01_by_bot"] = errors.New("server error")
	seedLedger(t, te,
		ledger.PackRecord{PackName: "a_01_by_bot"},
		ledger.PackRecord{PackName: "b_01_by_bot"},
		ledger.PackRecord{PackName: "c_01_by_bot"},
	)

	err := te.Delete(context.Background(), DeleteAll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b_01_by_bot")

	assert.Equal(t, []string{"a_01_by_bot", "c_01_by_bot"}, te.bot.deleted)
	records := te.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "b_01_by_bot", records[0].PackName)
}

func TestDelete_SinglePack(t *testing.T) {
	te := newTestEngine(t, nil)
	te.bot.sets["a_01_by_bot"] = &telegram.StickerSet{Name: "a_01_by_bot"}
	seedLedger(t, te,
		ledger.PackRecord{PackName: "a_01_by_bot"},
		ledger.PackRecord{PackName: "b_01_by_bot"},
	)

	require.NoError(t, te.Delete(context.Background(), "a_01_by_bot"))
	assert.Equal(t, []string{"a_01_by_bot"}, te.bot.deleted)

	records := te.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "b_01_by_bot", records[0].PackName)
}

func TestDelete_NoMatch(t *testing.T) {
	te := newTestEngine(t, nil)
	seedLedger(t, te, ledger.PackRecord{PackName: "a_01_by_bot"})

	require.NoError(t, te.Delete(context.Background(), "missing_01_by_bot"))
	assert.Empty(t, te.bot.deleted)
	assert.Len(t, te.records(t), 1)
}

func TestDelete_NoLedger(t *testing.T) {
	te := newTestEngine(t, nil)
	require.NoError(t, te.Delete(context.Background(), DeleteAll))
	assert.Empty(t, te.bot.deleted)
}

func TestDelete_DryRun(t *testing.T) {
	te := newTestEngine(t, nil)
	te.dryRun = true
	te.bot.sets["a_01_by_bot"] = &telegram.StickerSet{Name: "a_01_by_bot"}
	seedLedger(t, te, ledger.PackRecord{PackName: "a_01_by_bot"})

	require.NoError(t, te.Delete(context.Background(), DeleteAll))
	assert.Empty(t, te.bot.deleted)
	assert.Len(t, te.records(t), 1)
}
