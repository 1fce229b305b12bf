package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102-150405.000"

// FileRotator is an io.Writer over Config.FilePath that starts a new file
// when the current one would exceed MaxSize megabytes or the day changes.
// Backups are named <stem>-<stamp><ext>, gzipped when Compress is set, and
// pruned by MaxBackups and MaxAge.
type FileRotator struct {
	config *Config
	dir    string
	stem   string
	ext    string
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	wg      sync.WaitGroup // background compress and prune
	pruneMu sync.Mutex
}

// NewFileRotator opens (or creates) the log file, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	base := filepath.Base(cfg.FilePath)
	ext := filepath.Ext(base)
	r := &FileRotator{
		config: cfg,
		dir:    filepath.Dir(cfg.FilePath),
		stem:   strings.TrimSuffix(base, ext),
		ext:    ext,
		now:    time.Now,
	}
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.opened = f, info.Size(), r.now()
	return nil
}

func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// due reports whether a write of n bytes needs a fresh file. An empty file
// is never rotated.
func (r *FileRotator) due(n int64) bool {
	if r.size == 0 {
		return false
	}
	if limit := r.config.MaxSize << 20; limit > 0 && r.size+n > limit {
		return true
	}
	return !sameDay(r.opened, r.now())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	r.file = nil

	backup := filepath.Join(r.dir, r.stem+"-"+r.now().Format(backupStamp)+r.ext)
	if err := os.Rename(r.config.FilePath, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneMu.Lock()
		defer r.pruneMu.Unlock()
		if r.config.Compress {
			gzipFile(backup)
		}
		r.prune()
	}()
	return nil
}

// gzipFile replaces path with path.gz, leaving path alone on failure.
func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// backups lists rotated files oldest first. The stamp sorts
// chronologically, so name order is age order.
func (r *FileRotator) backups() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.stem+"-*"+r.ext+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *FileRotator) prune() {
	files, err := r.backups()
	if err != nil {
		return
	}
	if keep := r.config.MaxBackups; keep > 0 && len(files) > keep {
		for _, f := range files[:len(files)-keep] {
			os.Remove(f)
		}
		files = files[len(files)-keep:]
	}
	if r.config.MaxAge <= 0 {
		return
	}
	cutoff := r.now().AddDate(0, 0, -r.config.MaxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
}

// Close waits for pending compression before closing the file.
func (r *FileRotator) Close() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

// GetLogFiles returns the live log file followed by its backups.
func (r *FileRotator) GetLogFiles() ([]string, error) {
	backups, err := r.backups()
	return append([]string{r.config.FilePath}, backups...), err
}
