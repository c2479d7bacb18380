package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports that no artifact with the given filename exists.
	ErrNotFound = errors.New("artifact not found")
	// ErrNoFirmware reports an empty active set.
	ErrNoFirmware = errors.New("no firmware available")
	// ErrBadFilename reports an unusable upload filename.
	ErrBadFilename = errors.New("invalid firmware filename")
)

// Artifact origin values.
const (
	OriginActive = "active"
	OriginBackup = "backup"
)

const (
	imageExt         = ".bin"
	backupDirName    = "backup"
	stagingDirName   = "staging"
	backupTimeFormat = "20060102_150405"
)

// backup names look like <base>_YYYYMMDD_HHMMSS[-n]<ext>
var backupSuffix = regexp.MustCompile(`^(.+)_\d{8}_\d{6}(?:-\d+)?$`)

// Artifact describes one stored firmware image.
type Artifact struct {
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Origin       string    `json:"origin"`
}

// Stats summarises the on-disk footprint of the store.
type Stats struct {
	FirmwareCount     int   `json:"firmware_count"`
	TotalFirmwareSize int64 `json:"total_firmware_size"`
	BackupCount       int   `json:"backup_count"`
	BackupSize        int64 `json:"backup_size"`
}

// Store owns the firmware directory tree: the active set at the root, a
// backup/ set of superseded images, and a staging/ area for in-flight
// uploads. Promotion into the active set is always a rename of a fully
// written, validated file, so readers never observe partial content.
type Store struct {
	root      string
	validator Validator
	backups   bool
	logger    *log.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the directory tree under root if needed. When backups
// is false, superseded images are overwritten without a backup copy.
func NewStore(root string, v Validator, backups bool, logger *log.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("firmware root directory is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		root:      root,
		validator: v,
		backups:   backups,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}

	for _, dir := range []string{root, s.backupDir(), s.stagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the active-set directory. TFTP serving and the release
// manifest are rooted here.
func (s *Store) Root() string { return s.root }

func (s *Store) backupDir() string  { return filepath.Join(s.root, backupDirName) }
func (s *Store) stagingDir() string { return filepath.Join(s.root, stagingDirName) }

// lockFilename serializes promotions per target filename. Publishes to
// different names proceed independently.
func (s *Store) lockFilename(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func sanitizeFilename(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	if !strings.HasSuffix(base, imageExt) {
		return "", fmt.Errorf("%w: %q must end in %s", ErrBadFilename, name, imageExt)
	}
	return base, nil
}

// Publish streams r into staging, validates and digests it, and atomically
// promotes it into the active set. An image already occupying the target
// filename is copied into the backup set first. On any failure the staged
// file is removed and the active set is untouched.
func (s *Store) Publish(filename string, r io.Reader) (Artifact, error) {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return Artifact{}, err
	}

	lock := s.lockFilename(name)
	lock.Lock()
	defer lock.Unlock()

	stagingPath := filepath.Join(s.stagingDir(), uuid.New().String()+"_"+name)
	staged, err := os.Create(stagingPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("create staging file: %w", err)
	}

	// The extra byte past the cap lets the validator report too-large
	// without the store buffering an unbounded stream to disk.
	src := r
	if s.validator.MaxSize > 0 {
		src = io.LimitReader(r, s.validator.MaxSize+1)
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(staged, hash), src)
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(stagingPath)
		return Artifact{}, fmt.Errorf("write staging file: %w", err)
	}

	if err := s.validator.ValidateFile(stagingPath); err != nil {
		os.Remove(stagingPath)
		return Artifact{}, err
	}

	activePath := filepath.Join(s.root, name)
	if _, err := os.Stat(activePath); err == nil && s.backups {
		if _, err := s.backupLocked(name); err != nil {
			os.Remove(stagingPath)
			return Artifact{}, err
		}
	}

	if err := os.Rename(stagingPath, activePath); err != nil {
		os.Remove(stagingPath)
		return Artifact{}, fmt.Errorf("promote %s: %w", name, err)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	s.logger.Printf("INFO published firmware %s (%d bytes, sha256 %s)", name, size, digest)

	return Artifact{
		Filename:     name,
		Size:         size,
		SHA256:       digest,
		LastModified: s.now().UTC(),
		Origin:       OriginActive,
	}, nil
}

// backupLocked copies the active image for name into the backup set under
// a timestamp-suffixed filename. The caller must hold the filename lock.
func (s *Store) backupLocked(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	stamp := s.now().UTC().Format(backupTimeFormat)

	backupName := fmt.Sprintf("%s_%s%s", base, stamp, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(s.backupDir(), backupName)); os.IsNotExist(err) {
			break
		}
		backupName = fmt.Sprintf("%s_%s-%d%s", base, stamp, i, ext)
	}

	dst := filepath.Join(s.backupDir(), backupName)
	if err := s.copyVia(filepath.Join(s.root, name), dst); err != nil {
		return "", fmt.Errorf("backup %s: %w", name, err)
	}
	s.logger.Printf("INFO backed up firmware %s as %s", name, backupName)
	return backupName, nil
}

// copyVia copies src through the staging area and renames into place so
// destination readers never see a partial file.
func (s *Store) copyVia(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmpPath := filepath.Join(s.stagingDir(), uuid.New().String()+"_"+filepath.Base(dst))
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Latest returns the active artifact with the newest modification time.
// Equal timestamps resolve to the lexicographically greatest filename so
// repeated calls agree.
func (s *Store) Latest() (Artifact, error) {
	artifacts, err := s.listDir(s.root, OriginActive, false)
	if err != nil {
		return Artifact{}, err
	}
	if len(artifacts) == 0 {
		return Artifact{}, ErrNoFirmware
	}

	best := artifacts[0]
	for _, a := range artifacts[1:] {
		if a.LastModified.After(best.LastModified) ||
			(a.LastModified.Equal(best.LastModified) && a.Filename > best.Filename) {
			best = a
		}
	}
	return best, nil
}

// Open returns a reader over an active artifact along with its metadata.
func (s *Store) Open(filename string) (io.ReadCloser, Artifact, error) {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return nil, Artifact{}, err
	}

	path := filepath.Join(s.root, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Artifact{}, ErrNotFound
		}
		return nil, Artifact{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Artifact{}, err
	}

	return f, Artifact{
		Filename:     name,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		Origin:       OriginActive,
	}, nil
}

// Describe stats and digests an active artifact without validating it.
func (s *Store) Describe(filename string) (Artifact, error) {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return Artifact{}, err
	}

	path := filepath.Join(s.root, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}

	digest, err := digestFile(path)
	if err != nil {
		return Artifact{}, err
	}

	return Artifact{
		Filename:     name,
		Size:         info.Size(),
		SHA256:       digest,
		LastModified: info.ModTime().UTC(),
		Origin:       OriginActive,
	}, nil
}

// Verify re-runs validation and recomputes the digest of a stored active
// artifact, catching silent corruption.
func (s *Store) Verify(filename string) (Artifact, error) {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return Artifact{}, err
	}

	path := filepath.Join(s.root, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}

	if err := s.validator.ValidateFile(path); err != nil {
		return Artifact{}, err
	}
	return s.Describe(name)
}

// List returns active artifact metadata, plus backups when requested,
// sorted by filename. Digests are omitted; use History for those.
func (s *Store) List(includeBackups bool) ([]Artifact, error) {
	return s.list(includeBackups, false)
}

// History is List with content digests computed for every entry.
func (s *Store) History(includeBackups bool) ([]Artifact, error) {
	return s.list(includeBackups, true)
}

func (s *Store) list(includeBackups, withDigests bool) ([]Artifact, error) {
	artifacts, err := s.listDir(s.root, OriginActive, withDigests)
	if err != nil {
		return nil, err
	}
	if includeBackups {
		backups, err := s.listDir(s.backupDir(), OriginBackup, withDigests)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, backups...)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].Origin != artifacts[j].Origin {
			return artifacts[i].Origin == OriginActive
		}
		return artifacts[i].Filename < artifacts[j].Filename
	})
	return artifacts, nil
}

func (s *Store) listDir(dir, origin string, withDigests bool) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), imageExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		a := Artifact{
			Filename:     entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			Origin:       origin,
		}
		if withDigests {
			digest, err := digestFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			a.SHA256 = digest
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// Restore copies a backup artifact back into the active set under its
// original filename, backing up whatever currently occupies that name.
// It returns the restored active artifact with its digest so callers can
// propagate the reinstated content downstream.
func (s *Store) Restore(backupName string) (Artifact, error) {
	name, err := sanitizeFilename(backupName)
	if err != nil {
		return Artifact{}, err
	}

	backupPath := filepath.Join(s.backupDir(), name)
	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}

	target := originalName(name)
	lock := s.lockFilename(target)
	lock.Lock()
	defer lock.Unlock()

	activePath := filepath.Join(s.root, target)
	if _, err := os.Stat(activePath); err == nil && s.backups {
		if _, err := s.backupLocked(target); err != nil {
			return Artifact{}, err
		}
	}

	if err := s.copyVia(backupPath, activePath); err != nil {
		return Artifact{}, fmt.Errorf("restore %s: %w", name, err)
	}
	s.logger.Printf("INFO restored firmware %s as %s", name, target)
	return s.Describe(target)
}

// originalName strips the backup timestamp suffix, returning the filename
// the artifact held while active.
func originalName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if m := backupSuffix.FindStringSubmatch(base); m != nil {
		return m[1] + ext
	}
	return name
}

// Delete removes the named artifact from both the active and backup sets.
// It reports ErrNotFound only when the name exists in neither.
func (s *Store) Delete(filename string) error {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return err
	}

	lock := s.lockFilename(name)
	lock.Lock()
	defer lock.Unlock()

	deleted := false
	for _, path := range []string{filepath.Join(s.root, name), filepath.Join(s.backupDir(), name)} {
		switch err := os.Remove(path); {
		case err == nil:
			deleted = true
		case os.IsNotExist(err):
		default:
			return err
		}
	}
	if !deleted {
		return ErrNotFound
	}
	s.logger.Printf("INFO deleted firmware %s", name)
	return nil
}

// SweepStaging removes staged files older than maxAge and returns how
// many were reclaimed. It never touches the active or backup sets, so it
// is safe to run concurrently with publishes.
func (s *Store) SweepStaging(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.stagingDir())
	if err != nil {
		s.logger.Printf("ERROR read staging dir: %v", err)
		return 0
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.stagingDir(), entry.Name())); err == nil {
			removed++
			s.logger.Printf("INFO reclaimed abandoned upload %s", entry.Name())
		}
	}
	return removed
}

// RunStagingSweeper sweeps abandoned uploads on a timer until ctx ends.
func (s *Store) RunStagingSweeper(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStaging(maxAge)
		}
	}
}

// Stats reports counts and byte totals for the active and backup sets.
func (s *Store) Stats() (Stats, error) {
	var stats Stats

	active, err := s.listDir(s.root, OriginActive, false)
	if err != nil {
		return Stats{}, err
	}
	for _, a := range active {
		stats.FirmwareCount++
		stats.TotalFirmwareSize += a.Size
	}

	backups, err := s.listDir(s.backupDir(), OriginBackup, false)
	if err != nil {
		return Stats{}, err
	}
	for _, a := range backups {
		stats.BackupCount++
		stats.BackupSize += a.Size
	}
	return stats, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
