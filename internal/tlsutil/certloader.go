// Package tlsutil serves the HTTPS side listener's certificate and reloads
// it when the files on disk are rotated.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events a rotation produces
// (cert and key written separately, or a rename followed by a chmod).
const reloadDebounce = 300 * time.Millisecond

// CertLoader holds the current certificate for tls.Config.GetCertificate
// and watches the directories containing the cert and key, so atomic
// renames and symlink swaps (as done by secret mounts) are seen as well as
// in-place writes. A failed reload keeps the previous certificate.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	reloaded chan struct{}
}

// New loads the initial certificate and starts watching for rotation.
// Returns an error if the initial load fails.
func New(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		stopCh:   make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}

	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating certificate watcher: %w", err)
	}
	for _, dir := range uniqueDirs(cl.certFile, cl.keyFile) {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	cl.fsw = fsw
	go cl.watchLoop()

	logger.Info("tls certificate loaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	return cl, nil
}

// GetCertificate returns the current certificate. It is the callback for
// tls.Config.GetCertificate and runs on every handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// ServerConfig returns a tls.Config that serves the loader's certificate
// with the given minimum version ("1.2" or "1.3").
func (cl *CertLoader) ServerConfig(minVersion string) (*tls.Config, error) {
	v, err := ParseMinVersion(minVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:     v,
		GetCertificate: cl.GetCertificate,
	}, nil
}

// ParseMinVersion maps a config string to a crypto/tls version constant.
// Empty means TLS 1.2.
func ParseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q (want 1.2 or 1.3)", s)
	}
}

// Reload reloads the cert/key from disk, keeping the current pair on error.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("tls certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("tls certificate reloaded", "cert_file", cl.certFile)
	select {
	case cl.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Stop terminates the watcher. It is safe to call more than once.
func (cl *CertLoader) Stop() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
		if cl.fsw != nil {
			cl.fsw.Close()
		}
	})
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

// relevant reports whether an event in a watched directory concerns the
// cert or key. Secret mounts rotate through a "..data" symlink, so any
// create in the directory also counts.
func (cl *CertLoader) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if name == cl.certFile || name == cl.keyFile {
		return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
	}
	return event.Op&fsnotify.Create != 0 && filepath.Base(name) == "..data"
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-cl.fsw.Events:
			if !ok {
				return
			}
			if !cl.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				cl.Reload() //nolint:errcheck
			})
		case err, ok := <-cl.fsw.Errors:
			if !ok {
				return
			}
			cl.logger.Error("tls certificate watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func uniqueDirs(paths ...string) []string {
	seen := make(map[string]bool, len(paths))
	var dirs []string
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}
