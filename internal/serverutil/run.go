package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key files of a TLS listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DrainFunc releases work the HTTP server does not track itself, such as
// hijacked WebSocket connections and the channels behind them.
type DrainFunc func(ctx context.Context) error

// Config controls one Run invocation.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Drain runs after the listener stopped accepting requests, whether Run
	// ends through cancellation or a serve error.
	Drain        DrainFunc
	DrainTimeout time.Duration
	// Ready is closed once the listener is bound; OnListen receives its
	// address, which differs from Server.Addr for ":0".
	Ready    chan<- struct{}
	OnListen func(net.Addr)
	Logger   *slog.Logger
}

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDrainTimeout    = 30 * time.Second
)

// Run serves until ctx is cancelled or the server fails, then shuts the
// listener down within ShutdownTimeout and runs the drain hook within
// DrainTimeout. A shutdown triggered by ctx returns nil unless the drain
// fails.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("http listener ready", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		runErr = shutdown(cfg, serveErr)
	}

	if drainErr := drain(cfg); drainErr != nil {
		runErr = errors.Join(runErr, drainErr)
	}
	return runErr
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(cfg Config, serveErr <-chan error) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(ctx)
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
}

func drain(cfg Config) error {
	if cfg.Drain == nil {
		return nil
	}
	timeout := cfg.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cfg.Drain(ctx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
