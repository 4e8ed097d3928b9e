package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bldr-io/bldr/internal/logging"
)

// DefaultCertCheckInterval is how often StartWatcher stats the certificate
// files when given no interval.
const DefaultCertCheckInterval = 30 * time.Second

// TLSConfig holds TLS settings for the router listener and for the
// connections services open to it.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`

	// CAFile verifies the router certificate on the dialing side. Empty
	// uses the system pool.
	CAFile string `yaml:"caFile"`

	// ServerName overrides the name checked against the router certificate.
	ServerName string `yaml:"serverName"`
}

// validateServing checks the settings a listener needs.
func (c TLSConfig) validateServing() error {
	switch {
	case !c.Enabled:
		return errors.New("TLS is not enabled")
	case c.CertFile == "" || c.KeyFile == "":
		return errors.New("certificate and key files are required")
	}
	return nil
}

// fileStamp identifies one version of a file on disk.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(path string) (fileStamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}, nil
}

// CertReloader serves a certificate pair and swaps it when the files change
// on disk, so certificates rotate without restarting the router.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *logging.Logger

	cert atomic.Pointer[tls.Certificate]

	mu     sync.Mutex // serializes loads and guards stamps
	stamps [2]fileStamp

	watching atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewCertReloader loads the initial certificate pair.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &CertReloader{certFile: certFile, keyFile: keyFile, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	return r, nil
}

// GetCertificate is the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert := r.cert.Load(); cert != nil {
		return cert, nil
	}
	return nil, errors.New("no certificate loaded")
}

// Reload reads the pair again. On failure the current certificate stays in
// use.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	certStamp, _ := stampOf(r.certFile)
	keyStamp, _ := stampOf(r.keyFile)
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate pair: %w", err)
	}
	r.cert.Store(&cert)
	r.stamps = [2]fileStamp{certStamp, keyStamp}
	r.logger.Infof("TLS certificate loaded", map[string]any{"certFile": r.certFile})
	return nil
}

// changed reports whether either file differs from the loaded version.
// Unreadable files count as unchanged so a half-written rotation is retried
// on the next tick.
func (r *CertReloader) changed() bool {
	certStamp, err := stampOf(r.certFile)
	if err != nil {
		return false
	}
	keyStamp, err := stampOf(r.keyFile)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamps != [2]fileStamp{certStamp, keyStamp}
}

// StartWatcher checks the files every interval and reloads on change. Only
// the first call starts a watcher.
func (r *CertReloader) StartWatcher(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	if !r.watching.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !r.changed() {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
			}
		}
	}()
}

// Stop ends the watcher and waits for it. Safe to call repeatedly or
// without StartWatcher.
func (r *CertReloader) Stop() {
	r.stopOnce.Do(func() {
		if r.watching.Load() {
			r.cancel()
			<-r.done
		}
	})
}

// NewTLSListener listens on addr and serves the certificate of tlsCfg,
// reloading it through the returned CertReloader.
func NewTLSListener(addr string, tlsCfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if err := tlsCfg.validateServing(); err != nil {
		return nil, nil, err
	}
	reloader, err := NewCertReloader(tlsCfg.CertFile, tlsCfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), reloader, nil
}

// ClientTLS builds the dialing side of tlsCfg, or nil when TLS is off.
func ClientTLS(tlsCfg TLSConfig) (*tls.Config, error) {
	if !tlsCfg.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: tlsCfg.ServerName}
	if tlsCfg.CAFile == "" {
		return out, nil
	}

	pem, err := os.ReadFile(tlsCfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
	}
	out.RootCAs = pool
	return out, nil
}
