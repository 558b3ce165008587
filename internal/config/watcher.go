package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher monitors the TLS certificate and key for changes. The rest of
// the configuration is immutable after startup; certificates are the one
// exception because they rotate underneath a long-running process.
//
// fsnotify covers editors and cert-manager style atomic renames. Content-hash
// polling covers Kubernetes Secret volumes, where kubelet swaps a "..data"
// symlink that inotify frequently misses.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate watcher. Monitoring does not
// start until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger.With("component", "cert-watcher"),
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

type certState struct {
	certHash, keyHash string
	linkTarget        string
}

func (cw *CertWatcher) snapshot(dataLink string) certState {
	return certState{
		certHash:   hashFile(cw.certFile),
		keyHash:    hashFile(cw.keyFile),
		linkTarget: readlink(dataLink),
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dirs := map[string]struct{}{
		filepath.Dir(cw.certFile): {},
		filepath.Dir(cw.keyFile):  {},
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return err
		}
	}

	dataLink := filepath.Join(filepath.Dir(cw.certFile), "..data")
	last := cw.snapshot(dataLink)
	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	var debounceCh <-chan time.Time
	var debounceTimer *time.Timer

	check := func() {
		cur := cw.snapshot(dataLink)
		if cur == last {
			return
		}
		last = cur
		cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
		cw.callback(cw.certFile, cw.keyFile)
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			cw.logger.Info("TLS cert watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(cw.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			check()

		case <-ticker.C:
			check()

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			cw.logger.Warn("TLS cert watcher error", "error", werr)
		}
	}
}

// Stop terminates the watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if it
// cannot be read. Symlinks are followed.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
