package serverutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type runResult struct {
	addr chan net.Addr
	done chan error
}

func startRun(t *testing.T, ctx context.Context, cfg Config) runResult {
	t.Helper()
	res := runResult{addr: make(chan net.Addr, 1), done: make(chan error, 1)}
	cfg.OnListen = func(addr net.Addr) { res.addr <- addr }
	go func() {
		res.done <- Run(ctx, cfg)
	}()
	return res
}

func (r runResult) waitAddr(t *testing.T) net.Addr {
	t.Helper()
	select {
	case addr := <-r.addr:
		return addr
	case err := <-r.done:
		t.Fatalf("run exited before listening: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	return nil
}

func (r runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	return nil
}

func TestRunDrainsAfterListenerCloses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var drainedAddrReachable bool
	drained := make(chan struct{})
	var addr net.Addr
	res := startRun(t, ctx, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		Drain: func(ctx context.Context) error {
			conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
			if err == nil {
				conn.Close()
				drainedAddrReachable = true
			}
			close(drained)
			return nil
		},
	})
	addr = res.waitAddr(t)

	resp, err := http.Get("http://" + addr.String() + "/")
	if err != nil {
		t.Fatalf("request before shutdown failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	cancel()
	if err := res.wait(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	select {
	case <-drained:
	default:
		t.Fatal("expected drain hook to run")
	}
	if drainedAddrReachable {
		t.Fatal("expected the listener to be closed before draining")
	}
}

func TestRunReportsDrainFailure(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	drainErr := errors.New("channels still open")
	ready := make(chan struct{})
	res := startRun(t, ctx, Config{
		Server:       server,
		Ready:        ready,
		DrainTimeout: 50 * time.Millisecond,
		Drain: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected drain context to carry a deadline")
			}
			return drainErr
		},
	})
	res.waitAddr(t)
	<-ready
	cancel()

	err := res.wait(t)
	if !errors.Is(err, drainErr) || !strings.Contains(err.Error(), "drain") {
		t.Fatalf("expected drain failure, got %v", err)
	}
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	res := startRun(t, ctx, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})
	addr := res.waitAddr(t)

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get("https://" + addr.String() + "/")
	if err != nil {
		t.Fatalf("https request failed: %v", err)
	}
	resp.Body.Close()
	if resp.TLS == nil {
		t.Fatal("expected a TLS connection")
	}
	if server.TLSConfig == nil || server.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 minimum, got %+v", server.TLSConfig)
	}

	cancel()
	if err := res.wait(t); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunRejectsPartialTLSConfig(t *testing.T) {
	err := Run(context.Background(), Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	})
	if err == nil || !strings.Contains(err.Error(), "key file") {
		t.Fatalf("expected partial TLS config to fail, got %v", err)
	}
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected missing server to fail")
	}
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}
	drained := false
	ready := make(chan struct{})
	err = Run(context.Background(), Config{
		Server: server,
		Ready:  ready,
		Drain: func(context.Context) error {
			drained = true
			return nil
		},
	})
	if err == nil {
		t.Fatal("expected startup error")
	}
	if drained {
		t.Fatal("did not expect drain without a running server")
	}
	select {
	case <-ready:
		t.Fatal("server unexpectedly signalled readiness")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		DNSNames: []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certPath, keyPath
}
