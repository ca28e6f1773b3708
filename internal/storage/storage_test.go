package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/config"
)

// fakeRemote is an in-memory objectStore.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
	uploads int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte)}
}

func (f *fakeRemote) Upload(ctx context.Context, name, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failPut {
		return errors.New("put failed")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[name] = data
	return nil
}

func (f *fakeRemote) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Exists(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[name]
	return ok
}

func (f *fakeRemote) has(name string) bool { return f.Exists(context.Background(), name) }

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(filepath.Join(dir, "cache"))
	ctx := context.Background()

	if s.Exists(ctx, "abc.mp3") {
		t.Fatal("empty store should not contain abc.mp3")
	}
	if s.LocalPath("abc.mp3") != "" {
		t.Error("LocalPath should be empty for missing file")
	}
	if err := s.Save(ctx, "abc.mp3", strings.NewReader("audio")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, "abc.mp3") {
		t.Error("Exists = false after Save")
	}
	if got := s.LocalPath("abc.mp3"); got != filepath.Join(dir, "cache", "abc.mp3") {
		t.Errorf("LocalPath = %q", got)
	}

	r, err := s.Open(ctx, "abc.mp3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "audio" {
		t.Errorf("content = %q, want audio", data)
	}

	// No temp files left behind
	files, _ := os.ReadDir(s.Dir())
	if len(files) != 1 {
		t.Errorf("expected 1 file in cache dir, got %d", len(files))
	}

	if ok, err := s.Restore(ctx, "abc.mp3"); ok || err != nil {
		t.Errorf("local Restore = %v, %v; want false, nil", ok, err)
	}
}

func TestLocalStore_DirectoryIsNotEntry(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "x.mp3"), 0o755); err != nil {
		t.Fatal(err)
	}
	if NewLocalStore(dir).Exists(context.Background(), "x.mp3") {
		t.Error("directory should not count as a cache entry")
	}
}

func TestNew_LocalWhenS3Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "media")
	store, services, err := New(config.S3Config{}, dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Type() != "local" {
		t.Errorf("Type = %q, want local", store.Type())
	}
	if len(services) != 0 {
		t.Errorf("expected no background services, got %d", len(services))
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("cache dir not created: %v", err)
	}
}

func TestTieredStore_RestoreFromRemote(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	remote := newFakeRemote()
	remote.objects["vid1.mp4"] = []byte("video bytes")
	ts := NewTieredStore(remote, local, nil, zerolog.Nop())

	if ts.Exists(ctx, "vid1.mp4") {
		t.Fatal("Exists should only consult local disk")
	}
	ok, err := ts.Restore(ctx, "vid1.mp4")
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v; want true, nil", ok, err)
	}
	data, err := os.ReadFile(ts.Path("vid1.mp4"))
	if err != nil || string(data) != "video bytes" {
		t.Errorf("restored content = %q, %v", data, err)
	}

	ok, err = ts.Restore(ctx, "missing.mp3")
	if ok || err != nil {
		t.Errorf("Restore(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestTieredStore_CommitSync(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	remote := newFakeRemote()
	ts := NewTieredStore(remote, local, nil, zerolog.Nop())

	if err := local.Save(ctx, "a.mp3", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := ts.Commit(ctx, "a.mp3"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !remote.has("a.mp3") {
		t.Error("expected a.mp3 uploaded")
	}

	remote.failPut = true
	if err := ts.Commit(ctx, "a.mp3"); err != nil {
		t.Errorf("S3 failure should not fail Commit, got %v", err)
	}
}

func TestAsyncUploader(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(t.TempDir())
	remote := newFakeRemote()
	for _, name := range []string{"a.mp3", "b.mp4"} {
		if err := local.Save(ctx, name, strings.NewReader(name)); err != nil {
			t.Fatal(err)
		}
	}

	u := NewAsyncUploader(remote, local, 4, 2, zerolog.Nop())
	u.Start()
	if !u.Enqueue("a.mp3") || !u.Enqueue("b.mp4") {
		t.Fatal("Enqueue should accept while running")
	}
	u.Stop()

	if !remote.has("a.mp3") || !remote.has("b.mp4") {
		t.Error("Stop should drain queued uploads")
	}
	if u.Enqueue("c.mp3") {
		t.Error("Enqueue should return false after Stop")
	}
	u.Stop() // idempotent
}

func TestAsyncUploader_QueueFull(t *testing.T) {
	u := NewAsyncUploader(newFakeRemote(), NewLocalStore(t.TempDir()), 1, 1, zerolog.Nop())
	if !u.Enqueue("a.mp3") {
		t.Fatal("first Enqueue should succeed")
	}
	if u.Enqueue("b.mp3") {
		t.Error("Enqueue should drop when queue is full")
	}
}

func TestUploadReconciler(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	remote := newFakeRemote()
	for _, name := range []string{"have.mp3", "need.mp4", "partial.mp4.part", ".media-1.tmp"} {
		if err := os.WriteFile(local.Path(name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	remote.objects["have.mp3"] = []byte("have.mp3")

	u := NewAsyncUploader(remote, local, 8, 1, zerolog.Nop())
	r := NewUploadReconciler(local, remote, u, zerolog.Nop())
	if n := r.reconcile(); n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
	u.Start()
	u.Stop()
	if !remote.has("need.mp4") {
		t.Error("need.mp4 should be uploaded")
	}
	if remote.has("partial.mp4.part") || remote.has(".media-1.tmp") {
		t.Error("partial files must not be uploaded")
	}
}

func TestUploadReconciler_StopBeforeRun(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	remote := newFakeRemote()
	u := NewAsyncUploader(remote, local, 1, 1, zerolog.Nop())
	r := NewUploadReconciler(local, remote, u, zerolog.Nop())
	r.delay = time.Hour
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestIsPartialFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"abc.mp3", false},
		{"abc.mp4", false},
		{"abc.mp4.part", true},
		{"abc.f137.mp4.part-Frag12", true},
		{"abc.temp.mp4", true},
		{"abc.mp3.ytdl", true},
		{".media-123.tmp", true},
		{".DS_Store", true},
	}
	for _, tt := range tests {
		if got := IsPartialFile(tt.name); got != tt.want {
			t.Errorf("IsPartialFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSplitName(t *testing.T) {
	id, ext, ok := SplitName("dQw4w9WgXcQ.mp3")
	if !ok || id != "dQw4w9WgXcQ" || ext != "mp3" {
		t.Errorf("SplitName = %q, %q, %v", id, ext, ok)
	}
	if _, _, ok := SplitName("noext"); ok {
		t.Error("SplitName(noext) should fail")
	}
}
