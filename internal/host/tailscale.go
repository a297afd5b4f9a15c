// ABOUTME: Tailnet listeners for the host, served from an embedded tsnet node.
// ABOUTME: Workers reach the relay port; the HTTP surface is plain or TLS with tailnet certs.

package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/config"
)

// Ports the tailnet node listens on.
const (
	tailnetRelayPort = ":50051"
	tailnetHTTPPort  = ":80"
	tailnetTLSPort   = ":443"
)

// tailnet owns the embedded tsnet node. Closing it closes its listeners.
type tailnet struct {
	server *tsnet.Server
	https  bool
	logger *slog.Logger
}

// tailnetStateDir picks the node state directory, defaulting under the
// user's data directory.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating tailscale state (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(home, ".local", "share", "relay-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers the configured key over TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale.auth_key or TS_AUTHKEY is required")
}

// joinTailnet brings the node up and waits until it has joined.
func joinTailnet(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*tailnet, error) {
	dir, err := tailnetStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := tailnetAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}
	logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)

	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	attrs := []any{"hostname", cfg.Hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		logger.Warn("tailnet node has no addresses yet")
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	logger.Info("tailnet node ready", attrs...)

	return &tailnet{server: srv, https: cfg.HTTPS, logger: logger}, nil
}

// listeners opens the relay and HTTP listeners on the node.
func (t *tailnet) listeners() (relayLn, httpLn net.Listener, err error) {
	relayLn, err = t.server.Listen("tcp", tailnetRelayPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailnet %s: %w", tailnetRelayPort, err)
	}

	if t.https {
		httpLn, err = t.tlsListener()
	} else {
		httpLn, err = t.server.Listen("tcp", tailnetHTTPPort)
	}
	if err != nil {
		_ = relayLn.Close()
		return nil, nil, fmt.Errorf("listening on tailnet http: %w", err)
	}
	return relayLn, httpLn, nil
}

func (t *tailnet) tlsListener() (net.Listener, error) {
	ln, err := t.server.Listen("tcp", tailnetTLSPort)
	if err != nil {
		return nil, err
	}
	lc, err := t.server.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	t.logger.Info("serving https with tailnet certificates", "port", tailnetTLSPort)
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (t *tailnet) Close() error {
	return t.server.Close()
}

// setupTailnetListeners replaces the TCP listeners with tailnet ones.
func (h *Host) setupTailnetListeners(ctx context.Context) (net.Listener, net.Listener, error) {
	if h.config.Server.GRPCAddr != "" || h.config.Server.HTTPAddr != "" {
		h.logger.Warn("server addresses are ignored when tailscale is enabled",
			"grpc_addr", h.config.Server.GRPCAddr,
			"http_addr", h.config.Server.HTTPAddr,
		)
	}

	tn, err := joinTailnet(ctx, h.config.Tailscale, h.logger.With("component", "tailnet"))
	if err != nil {
		return nil, nil, err
	}
	relayLn, httpLn, err := tn.listeners()
	if err != nil {
		_ = tn.Close()
		return nil, nil, err
	}
	h.tailnet = tn
	return relayLn, httpLn, nil
}
