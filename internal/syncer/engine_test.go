package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gajzzs/cardsync/internal/card"
	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
	"github.com/gajzzs/cardsync/internal/events"
)

type testEnv struct {
	engine   *Engine
	bus      *events.Bus
	dev      device.Device
	localDir string // content_directory
	cardDir  string // mount path
	events   *[]events.Event
}

func newTestEnv(t *testing.T, mutate func(*config.Sync)) *testEnv {
	t.Helper()

	cfg := config.Sync{
		MaxConcurrentTransfers:  2,
		TransferChunkSize:       4, // tiny chunks exercise the loop
		VerifyTransfers:         true,
		CreateCompletionMarkers: false,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	types := map[string]config.ContentType{
		"movies": {
			LocalPath:      "movies",
			CardPath:       "movies",
			SyncDirection:  config.Bidirectional,
			FileExtensions: []string{".mp4"},
		},
		"books": {
			LocalPath:      "books",
			CardPath:       "books",
			SyncDirection:  config.ToCard,
			FileExtensions: []string{".epub"},
		},
	}

	bus := events.NewBus()
	var seen []events.Event
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e) })

	localDir := t.TempDir()
	cardDir := t.TempDir()
	engine := NewEngine(cfg, config.Storage{ContentDirectory: localDir}, types, bus)

	return &testEnv{
		engine:   engine,
		bus:      bus,
		localDir: localDir,
		cardDir:  cardDir,
		events:   &seen,
		dev: device.Device{
			Path:      "/dev/sdb1",
			MountPath: cardDir,
			Mounted:   true,
		},
	}
}

func (env *testEnv) analysis(detected ...string) *card.Analysis {
	return &card.Analysis{Device: env.dev, DetectedContentTypes: detected}
}

func (env *testEnv) eventTypes() []events.Type {
	var out []events.Type
	for _, e := range *env.events {
		out = append(out, e.Type)
	}
	return out
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSyncCopiesMissingFileToCard(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "movie bytes here")

	id, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies"))
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(env.cardDir, "movies", "a.mp4"))
	if err != nil {
		t.Fatalf("file not copied: %v", err)
	}
	if string(got) != "movie bytes here" {
		t.Errorf("copied content = %q", got)
	}

	op, ok := env.engine.Operation(id)
	if !ok {
		t.Fatal("operation lost")
	}
	if op.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", op.Status)
	}
	if op.ProcessedFiles != 1 {
		t.Errorf("ProcessedFiles = %d, want 1", op.ProcessedFiles)
	}
	if op.ProcessedSize != int64(len("movie bytes here")) {
		t.Errorf("ProcessedSize = %d", op.ProcessedSize)
	}
}

func TestSyncCopiesFromCard(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.cardDir, "movies", "b.mp4"), "card-side movie")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.localDir, "movies", "b.mp4")); err != nil {
		t.Errorf("bidirectional sync did not pull from card: %v", err)
	}
}

func TestEqualMtimesMeanNoCopy(t *testing.T) {
	env := newTestEnv(t, nil)
	src := filepath.Join(env.localDir, "movies", "a.mp4")
	dst := filepath.Join(env.cardDir, "movies", "a.mp4")
	write(t, src, "local version")
	write(t, dst, "card version")

	stamp := time.Now().Add(-time.Hour)
	for _, p := range []string{src, dst} {
		if err := os.Chtimes(p, stamp, stamp); err != nil {
			t.Fatal(err)
		}
	}

	id, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies"))
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "card version" {
		t.Errorf("equal mtimes should not copy, destination became %q", got)
	}
	op, _ := env.engine.Operation(id)
	if op.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", op.TotalFiles)
	}
}

func TestStrictlyNewerSourceWins(t *testing.T) {
	env := newTestEnv(t, nil)
	src := filepath.Join(env.localDir, "movies", "a.mp4")
	dst := filepath.Join(env.cardDir, "movies", "a.mp4")
	write(t, src, "newer local version")
	write(t, dst, "old card version")

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(dst, old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "newer local version" {
		t.Errorf("newer source should overwrite, destination is %q", got)
	}
}

func TestCopyPreservesSourceMtime(t *testing.T) {
	env := newTestEnv(t, nil)
	src := filepath.Join(env.localDir, "movies", "a.mp4")
	write(t, src, "content")
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	info, err := os.Stat(filepath.Join(env.cardDir, "movies", "a.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(stamp) {
		t.Errorf("destination mtime = %v, want %v", info.ModTime(), stamp)
	}
}

func TestChecksumMismatchFailsOperation(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "content")

	orig := checksumFile
	checksumFile = func(path string) (string, error) {
		if strings.HasPrefix(path, env.cardDir) {
			return "corrupted", nil
		}
		return orig(path)
	}
	defer func() { checksumFile = orig }()

	id, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies"))
	if err == nil {
		t.Fatal("expected checksum failure")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("error = %v, want checksum-mismatch cause", err)
	}

	op, _ := env.engine.Operation(id)
	if op.Status != StatusFailed {
		t.Errorf("status = %s, want failed", op.Status)
	}

	var sawFailed bool
	for _, typ := range env.eventTypes() {
		if typ == events.SyncFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("sync_failed event not published")
	}
}

func TestCompletionMarkers(t *testing.T) {
	env := newTestEnv(t, func(c *config.Sync) { c.CreateCompletionMarkers = true })
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "content")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	marker := filepath.Join(env.cardDir, "movies", "a.mp4"+MarkerSuffix)
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); err != nil {
		t.Errorf("marker content %q is not RFC3339: %v", data, err)
	}
}

func TestDeleteAfterSync(t *testing.T) {
	env := newTestEnv(t, func(c *config.Sync) { c.DeleteAfterSync = true })
	src := filepath.Join(env.localDir, "books", "a.epub")
	write(t, src, "book")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("books")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.cardDir, "books", "a.epub")); err != nil {
		t.Fatalf("book not copied: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be deleted after verified to_card sync")
	}
}

func TestDisallowedExtensionsAreIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.localDir, "movies", "notes.txt"), "not a movie")

	id, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies"))
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	op, _ := env.engine.Operation(id)
	if op.TotalFiles != 0 {
		t.Errorf("TotalFiles = %d, want 0", op.TotalFiles)
	}
	if _, err := os.Stat(filepath.Join(env.cardDir, "movies", "notes.txt")); !os.IsNotExist(err) {
		t.Error("disallowed file was copied")
	}
}

func TestMaxSizeSkipsOversizedFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.types["movies"] = config.ContentType{
		LocalPath:      "movies",
		CardPath:       "movies",
		SyncDirection:  config.ToCard,
		MaxSize:        "10B",
		FileExtensions: []string{".mp4"},
	}
	write(t, filepath.Join(env.localDir, "movies", "big.mp4"), "this file is larger than ten bytes")
	write(t, filepath.Join(env.localDir, "movies", "ok.mp4"), "tiny")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cardDir, "movies", "big.mp4")); !os.IsNotExist(err) {
		t.Error("oversized file was copied")
	}
	if _, err := os.Stat(filepath.Join(env.cardDir, "movies", "ok.mp4")); err != nil {
		t.Errorf("small file not copied: %v", err)
	}
}

func TestSyncFailsFast(t *testing.T) {
	env := newTestEnv(t, nil)
	// Occupy the card-side movies path with a regular file so the
	// directory cannot be created.
	write(t, filepath.Join(env.cardDir, "movies"), "in the way")
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "content")

	id, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies"))
	if err == nil {
		t.Fatal("expected failure")
	}
	op, _ := env.engine.Operation(id)
	if op.Status != StatusFailed {
		t.Errorf("status = %s, want failed", op.Status)
	}
	if op.Error == "" {
		t.Error("operation error message not captured")
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	env := newTestEnv(t, nil)
	if env.engine.Cancel("no-such-op") {
		t.Error("Cancel of unknown id should return false")
	}
}

func TestCancelActiveOperation(t *testing.T) {
	env := newTestEnv(t, nil)

	// Fabricate a live operation the way StartSync would.
	op := &Operation{
		ID:         "op-1",
		DevicePath: "/dev/sdb1",
		Status:     StatusInProgress,
		StartTime:  time.Now(),
	}
	env.engine.mu.Lock()
	env.engine.ops[op.ID] = op
	env.engine.transfers[op.ID] = map[string]*Transfer{
		"t-1": {ID: "t-1", SourcePath: "/a", Status: StatusInProgress},
	}
	env.engine.mu.Unlock()

	if !env.engine.Cancel(op.ID) {
		t.Fatal("Cancel of active operation should return true")
	}
	if got, _ := env.engine.Operation(op.ID); got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if transfers := env.engine.ActiveTransfers(op.ID); len(transfers) != 0 {
		t.Errorf("transfers still active after cancel: %v", transfers)
	}
	if env.engine.Cancel(op.ID) {
		t.Error("second Cancel should return false")
	}

	var sawCancelled bool
	for _, typ := range env.eventTypes() {
		if typ == events.SyncCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("sync_cancelled event not published")
	}
}

func TestCancelForDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.mu.Lock()
	env.engine.ops["op-a"] = &Operation{ID: "op-a", DevicePath: "/dev/sdb1", Status: StatusInProgress}
	env.engine.ops["op-b"] = &Operation{ID: "op-b", DevicePath: "/dev/sdc1", Status: StatusInProgress}
	env.engine.transfers["op-a"] = map[string]*Transfer{}
	env.engine.transfers["op-b"] = map[string]*Transfer{}
	env.engine.mu.Unlock()

	ids := env.engine.CancelForDevice("/dev/sdb1")
	if len(ids) != 1 || ids[0] != "op-a" {
		t.Fatalf("cancelled %v, want [op-a]", ids)
	}
	if got, _ := env.engine.Operation("op-b"); got.Status != StatusInProgress {
		t.Error("other device's operation must be untouched")
	}
}

func TestMaintainForceCancelsStaleOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.mu.Lock()
	env.engine.ops["stale"] = &Operation{
		ID:         "stale",
		DevicePath: "/dev/sdb1",
		Status:     StatusInProgress,
		StartTime:  time.Now().Add(-45 * time.Minute),
	}
	env.engine.ops["fresh"] = &Operation{
		ID:         "fresh",
		DevicePath: "/dev/sdb1",
		Status:     StatusInProgress,
		StartTime:  time.Now().Add(-5 * time.Minute),
	}
	env.engine.transfers["stale"] = map[string]*Transfer{}
	env.engine.transfers["fresh"] = map[string]*Transfer{}
	env.engine.mu.Unlock()

	cancelled := env.engine.Maintain(30 * time.Minute)
	if len(cancelled) != 1 || cancelled[0] != "stale" {
		t.Fatalf("Maintain cancelled %v, want [stale]", cancelled)
	}

	for _, op := range env.engine.ActiveOperations() {
		if op.ID == "stale" {
			t.Error("stale operation still listed as active")
		}
	}
	if got, _ := env.engine.Operation("fresh"); got.Status != StatusInProgress {
		t.Error("fresh operation should survive maintenance")
	}
}

func TestMaintainPrunesOldFinishedOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.mu.Lock()
	env.engine.ops["done"] = &Operation{
		ID:        "done",
		Status:    StatusCompleted,
		StartTime: time.Now().Add(-2 * time.Hour),
		EndTime:   time.Now().Add(-time.Hour),
	}
	env.engine.mu.Unlock()

	env.engine.Maintain(30 * time.Minute)
	if _, ok := env.engine.Operation("done"); ok {
		t.Error("old finished operation should be pruned from memory")
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "16 bytes of film")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	s := env.engine.Stats()
	if s.TotalOperations != 1 || s.CompletedOperations != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.FilesTransferred != 1 || s.BytesTransferred != 16 {
		t.Errorf("transfer stats = %+v", s)
	}
}

func TestStatusIsForwardOnly(t *testing.T) {
	op := &Operation{Status: StatusPending}
	if !op.advance(StatusInProgress) {
		t.Fatal("pending -> in_progress should advance")
	}
	if !op.advance(StatusCompleted) {
		t.Fatal("in_progress -> completed should advance")
	}
	if op.advance(StatusFailed) {
		t.Error("completed -> failed must be rejected")
	}
	if op.advance(StatusInProgress) {
		t.Error("completed -> in_progress must be rejected")
	}
	if op.Status != StatusCompleted {
		t.Errorf("status mutated to %s", op.Status)
	}
}

func TestSecureJoinBlocksTraversal(t *testing.T) {
	tests := map[string]string{
		"movies":          "/base/movies",
		"../../etc":       "/base/etc",
		"a/../../..":      "/base",
		"/абс/../movies":  "/base/movies",
		"nested/sub/path": "/base/nested/sub/path",
	}
	for rel, want := range tests {
		if got := secureJoin("/base", rel); got != want {
			t.Errorf("secureJoin(/base, %q) = %q, want %q", rel, got, want)
		}
	}
}

func TestSyncEmitsLifecycleEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	write(t, filepath.Join(env.localDir, "movies", "a.mp4"), "content")

	if _, err := env.engine.StartSync(context.Background(), env.dev, env.analysis("movies")); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	types := env.eventTypes()
	if len(types) != 2 || types[0] != events.SyncStarted || types[1] != events.SyncCompleted {
		t.Errorf("events = %v, want [sync_started sync_completed]", types)
	}
}
