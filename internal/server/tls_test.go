package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bldr-io/bldr/internal/logging"
)

// writeTestCert writes a self-signed certificate for 127.0.0.1 and returns
// the cert and key paths.
func writeTestCert(t *testing.T, dir, commonName string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestCertReloader_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "first")

	r, err := NewCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	defer r.Stop()

	first, err := r.GetCertificate(nil)
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}

	writeTestCert(t, dir, "second")
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	second, _ := r.GetCertificate(nil)
	if first == second {
		t.Error("expected a new certificate after reload")
	}
}

func TestCertReloader_KeepsOldCertOnFailure(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "good")

	r, err := NewCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	before, _ := r.GetCertificate(nil)

	if err := os.WriteFile(certFile, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload of a corrupt certificate to fail")
	}
	after, _ := r.GetCertificate(nil)
	if before != after {
		t.Error("expected the previous certificate to stay in use")
	}
}

func TestCertReloader_WatcherPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "before")

	r, err := NewCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	if r.changed() {
		t.Fatal("freshly loaded files reported as changed")
	}
	before, _ := r.GetCertificate(nil)

	r.StartWatcher(10 * time.Millisecond)
	defer r.Stop()
	writeTestCert(t, dir, "after")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := r.GetCertificate(nil); cur != before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the rotated certificate")
}

func TestCertReloader_MissingFiles(t *testing.T) {
	if _, err := NewCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", nil); err == nil {
		t.Error("expected error for missing files")
	}
}

func TestCertReloader_StopWithoutStart(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "idle")
	r, err := NewCertReloader(certFile, keyFile, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	r.Stop()
	r.Stop()
}

func TestNewTLSListener_Validation(t *testing.T) {
	if _, _, err := NewTLSListener("127.0.0.1:0", TLSConfig{}, nil); err == nil {
		t.Error("expected error when TLS is disabled")
	}
	if _, _, err := NewTLSListener("127.0.0.1:0", TLSConfig{Enabled: true}, nil); err == nil {
		t.Error("expected error without certificate files")
	}
}

func TestTLSListener_ClientTLSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "router")
	cfg := TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: certFile}

	ln, reloader, err := NewTLSListener("127.0.0.1:0", cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewTLSListener: %v", err)
	}
	defer ln.Close()
	reloader.StartWatcher(time.Hour)
	defer reloader.Stop()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	clientCfg, err := ClientTLS(cfg)
	if err != nil {
		t.Fatalf("ClientTLS: %v", err)
	}
	c, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected echo, got %q", buf)
	}
}

func TestClientTLS(t *testing.T) {
	cfg, err := ClientTLS(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when disabled, got %v, %v", cfg, err)
	}

	cfg, err = ClientTLS(TLSConfig{Enabled: true, ServerName: "router.local"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerName != "router.local" || cfg.RootCAs != nil {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := ClientTLS(TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for missing CA file")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(bad, []byte("not pem"), 0o600)
	if _, err := ClientTLS(TLSConfig{Enabled: true, CAFile: bad}); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}
