package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), Validator{MaxSize: 1 << 20}, true, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func image(payload string) []byte {
	return append([]byte{0xE9}, []byte(payload)...)
}

func TestStorePublishAndLatest(t *testing.T) {
	s := newTestStore(t)
	data := image("v1 payload")

	art, err := s.Publish("app.bin", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if art.Filename != "app.bin" {
		t.Fatalf("Publish() filename = %q, want app.bin", art.Filename)
	}
	if art.Size != int64(len(data)) {
		t.Fatalf("Publish() size = %d, want %d", art.Size, len(data))
	}

	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); art.SHA256 != want {
		t.Fatalf("Publish() sha256 = %s, want %s", art.SHA256, want)
	}

	got, err := os.ReadFile(filepath.Join(s.Root(), "app.bin"))
	if err != nil {
		t.Fatalf("read active file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("active file content does not match uploaded image")
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Filename != "app.bin" {
		t.Fatalf("Latest() = %q, want app.bin", latest.Filename)
	}
}

func TestStorePublishRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name     string
		filename string
		data     []byte
		wantErr  error
	}{
		{"wrong leading byte", "app.bin", []byte{0x00, 0x01}, ErrInvalidImage},
		{"empty image", "app.bin", nil, ErrInvalidImage},
		{"wrong extension", "app.txt", image("x"), ErrBadFilename},
		{"hidden file", ".app.bin", image("x"), ErrBadFilename},
		{"path traversal", "../evil.bin", image("x"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Publish(tt.filename, bytes.NewReader(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Publish() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			// Traversal components are stripped to the base name, which
			// lands inside the store rather than outside it.
			if err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			if _, serr := os.Stat(filepath.Join(s.Root(), "evil.bin")); serr != nil {
				t.Fatalf("sanitized upload missing from active set: %v", serr)
			}
		})
	}

	// Rejected uploads must leave nothing behind in staging.
	entries, err := os.ReadDir(filepath.Join(s.Root(), "staging"))
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging dir has %d leftover files, want 0", len(entries))
	}
}

func TestStoreRepublishCreatesBackup(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }

	v1 := image("version one")
	v2 := image("version two")

	if _, err := s.Publish("app.bin", bytes.NewReader(v1)); err != nil {
		t.Fatalf("Publish(v1) error = %v", err)
	}
	if _, err := s.Publish("app.bin", bytes.NewReader(v2)); err != nil {
		t.Fatalf("Publish(v2) error = %v", err)
	}

	backupPath := filepath.Join(s.Root(), "backup", "app_20260314_150926.bin")
	backed, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(backed, v1) {
		t.Fatal("backup content does not match superseded image")
	}

	active, err := os.ReadFile(filepath.Join(s.Root(), "app.bin"))
	if err != nil {
		t.Fatalf("read active: %v", err)
	}
	if !bytes.Equal(active, v2) {
		t.Fatal("active content does not match newest image")
	}

	// A third publish at the same timestamp must not clobber the first
	// backup.
	if _, err := s.Publish("app.bin", bytes.NewReader(image("version three"))); err != nil {
		t.Fatalf("Publish(v3) error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "backup", "app_20260314_150926-1.bin")); err != nil {
		t.Fatalf("collision-suffixed backup missing: %v", err)
	}
	if _, err := os.ReadFile(backupPath); err != nil {
		t.Fatalf("original backup disturbed: %v", err)
	}
}

func TestStoreRestore(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }

	v1 := image("version one")
	v2 := image("version two")

	if _, err := s.Publish("app.bin", bytes.NewReader(v1)); err != nil {
		t.Fatalf("Publish(v1) error = %v", err)
	}
	if _, err := s.Publish("app.bin", bytes.NewReader(v2)); err != nil {
		t.Fatalf("Publish(v2) error = %v", err)
	}

	art, err := s.Restore("app_20260314_150926.bin")
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if art.Filename != "app.bin" {
		t.Fatalf("Restore() filename = %q, want app.bin", art.Filename)
	}
	sum := sha256.Sum256(v1)
	if want := hex.EncodeToString(sum[:]); art.SHA256 != want {
		t.Fatalf("Restore() sha256 = %s, want digest of the backup content", art.SHA256)
	}

	active, err := os.ReadFile(filepath.Join(s.Root(), "app.bin"))
	if err != nil {
		t.Fatalf("read active: %v", err)
	}
	if !bytes.Equal(active, v1) {
		t.Fatal("restore did not reinstate the backup content")
	}

	if _, err := s.Restore("missing_20260101_000000.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Restore(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Publish("app.bin", bytes.NewReader(image("x"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := s.Delete("app.bin"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "app.bin")); !os.IsNotExist(err) {
		t.Fatalf("active file still present after delete: %v", err)
	}
	if err := s.Delete("app.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(absent) error = %v, want ErrNotFound", err)
	}
}

func TestStoreVerify(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Publish("app.bin", bytes.NewReader(image("ok"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if _, err := s.Verify("app.bin"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := s.Verify("missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Verify(missing) error = %v, want ErrNotFound", err)
	}

	// Corrupt the stored image in place; Verify must catch it.
	if err := os.WriteFile(filepath.Join(s.Root(), "app.bin"), []byte{0x00, 0x01}, 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	if _, err := s.Verify("app.bin"); !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("Verify(corrupt) error = %v, want ErrInvalidImage", err)
	}
}

func TestStoreLatestTieBreak(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Publish("aaa.bin", bytes.NewReader(image("a"))); err != nil {
		t.Fatalf("Publish(aaa) error = %v", err)
	}
	if _, err := s.Publish("zzz.bin", bytes.NewReader(image("z"))); err != nil {
		t.Fatalf("Publish(zzz) error = %v", err)
	}

	// Force identical modification times so only the name decides.
	when := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, name := range []string{"aaa.bin", "zzz.bin"} {
		if err := os.Chtimes(filepath.Join(s.Root(), name), when, when); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Filename != "zzz.bin" {
		t.Fatalf("Latest() = %q, want zzz.bin", latest.Filename)
	}
}

func TestStoreLatestEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Latest(); !errors.Is(err, ErrNoFirmware) {
		t.Fatalf("Latest() error = %v, want ErrNoFirmware", err)
	}
}

func TestStoreListAndStats(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }

	if _, err := s.Publish("app.bin", bytes.NewReader(image("one"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := s.Publish("app.bin", bytes.NewReader(image("two"))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	active, err := s.List(false)
	if err != nil {
		t.Fatalf("List(false) error = %v", err)
	}
	if len(active) != 1 || active[0].Origin != OriginActive {
		t.Fatalf("List(false) = %+v, want one active artifact", active)
	}

	all, err := s.List(true)
	if err != nil {
		t.Fatalf("List(true) error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(true) returned %d artifacts, want 2", len(all))
	}
	if all[0].Origin != OriginActive || all[1].Origin != OriginBackup {
		t.Fatalf("List(true) order = %s, %s; want active before backup", all[0].Origin, all[1].Origin)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.FirmwareCount != 1 || stats.BackupCount != 1 {
		t.Fatalf("Stats() = %+v, want 1 firmware and 1 backup", stats)
	}
}

func TestStoreSweepStaging(t *testing.T) {
	s := newTestStore(t)

	stale := filepath.Join(s.Root(), "staging", "stale_upload.bin")
	fresh := filepath.Join(s.Root(), "staging", "fresh_upload.bin")
	for _, path := range []string{stale, fresh} {
		if err := os.WriteFile(path, []byte{0xE9}, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if removed := s.SweepStaging(time.Hour); removed != 1 {
		t.Fatalf("SweepStaging() removed %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale staging file survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh staging file was removed: %v", err)
	}
}

// slowReader trickles its payload out in small chunks so a publish stays
// in flight long enough for concurrent readers to race it.
type slowReader struct {
	data  []byte
	chunk int
	delay time.Duration
	off   int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	time.Sleep(r.delay)
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if r.off+n > len(r.data) {
		n = len(r.data) - r.off
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

func TestStoreReadersNeverSeePartialPublish(t *testing.T) {
	s := newTestStore(t)

	v1 := append(image("old "), bytes.Repeat([]byte{0x01}, 8192)...)
	v2 := append(image("new "), bytes.Repeat([]byte{0x02}, 8192)...)

	if _, err := s.Publish("app.bin", bytes.NewReader(v1)); err != nil {
		t.Fatalf("Publish(v1) error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Publish("app.bin", &slowReader{data: v2, chunk: 512, delay: time.Millisecond})
		done <- err
	}()

	// Read the active artifact continuously while the publish is in
	// flight. Every read must yield a complete image, old or new.
	timeout := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Publish(v2) error = %v", err)
			}
			got, rerr := os.ReadFile(filepath.Join(s.Root(), "app.bin"))
			if rerr != nil {
				t.Fatalf("read after publish: %v", rerr)
			}
			if !bytes.Equal(got, v2) {
				t.Fatal("active content after publish is not the new image")
			}
			return
		case <-timeout:
			t.Fatal("publish did not complete")
		default:
		}

		rc, _, err := s.Open("app.bin")
		if err != nil {
			t.Fatalf("Open() during publish error = %v", err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read during publish: %v", err)
		}
		if !bytes.Equal(got, v1) && !bytes.Equal(got, v2) {
			t.Fatalf("read observed a partial image of %d bytes", len(got))
		}
	}
}

func TestOriginalName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"app_20260314_150926.bin", "app.bin"},
		{"app_20260314_150926-2.bin", "app.bin"},
		{"app_v2_20260314_150926.bin", "app_v2.bin"},
		{"app.bin", "app.bin"},
	}
	for _, tt := range tests {
		if got := originalName(tt.in); got != tt.want {
			t.Fatalf("originalName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
