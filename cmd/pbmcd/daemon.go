package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tjst-t/proxmox-bmc/internal/api"
	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/config"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

// daemon is one pbmcd process: the registry of emulated BMCs plus the
// control API in front of it.
type daemon struct {
	cfg  *config.Config
	log  zerolog.Logger
	reg  *registry.Registry
	http *http.Server
	ln   net.Listener
}

// newDaemon claims the pid file and binds the control socket.
func newDaemon(cfg *config.Config, opts registry.Options) (*daemon, error) {
	logger := log.Logger.With().Str("component", "daemon").Logger()

	if err := acquirePIDFile(cfg.PIDFile); err != nil {
		return nil, err
	}
	d, err := func() (*daemon, error) {
		store, err := bmc.NewStore(cfg.StoreDir())
		if err != nil {
			return nil, err
		}

		if opts.NewClient == nil {
			opts.NewClient = registry.ProxmoxClients(cfg.ProxmoxOptions())
		}
		opts.Machine = cfg.MachineOptions()
		opts.SessionTimeout = cfg.IPMI.SessionTimeout
		opts.CommandTimeout = cfg.IPMI.CommandTimeout
		opts.StopGrace = cfg.StopGrace
		opts.ShowPasswords = cfg.ShowPasswords
		reg := registry.New(store, opts)

		handler := api.NewServer(reg, api.Options{
			Username: cfg.Control.Username,
			Password: cfg.Control.Password,
		})

		ln, err := net.Listen("tcp", cfg.Control.Address)
		if err != nil {
			return nil, fmt.Errorf("listen on control address %s: %w", cfg.Control.Address, err)
		}
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if cfg.Control.TLS.Enabled {
			host, _, _ := net.SplitHostPort(cfg.Control.Address)
			tlsCfg, err := api.TLSConfig(cfg.Control.TLS.CertFile, cfg.Control.TLS.KeyFile, host, "localhost")
			if err != nil {
				ln.Close()
				return nil, err
			}
			srv.TLSConfig = tlsCfg
			ln = tls.NewListener(ln, tlsCfg)
			if cfg.Control.TLS.CertFile == "" {
				logger.Warn().Msg("No control certificate configured, serving a self-signed one")
			}
		}

		return &daemon{cfg: cfg, log: logger, reg: reg, http: srv, ln: ln}, nil
	}()
	if err != nil {
		releasePIDFile(cfg.PIDFile)
		return nil, err
	}
	return d, nil
}

// Addr is the bound control address.
func (d *daemon) Addr() net.Addr {
	return d.ln.Addr()
}

// Run serves until ctx is cancelled, then stops the control API and every
// BMC within the shutdown timeout and removes the pid file.
func (d *daemon) Run(ctx context.Context) error {
	defer func() {
		if err := releasePIDFile(d.cfg.PIDFile); err != nil {
			d.log.Warn().Err(err).Msg("Failed to remove pid file")
		}
	}()

	if err := d.reg.Sync(); err != nil {
		d.log.Warn().Err(err).Msg("Some BMCs failed to start")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheme := "http"
		if d.cfg.Control.TLS.Enabled {
			scheme = "https"
		}
		d.log.Info().Str("address", scheme+"://"+d.ln.Addr().String()).Msg("Control API listening")
		if err := d.http.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.syncLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.log.Info().Msg("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := d.http.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stop control API: %w", err))
		}
		if err := d.reg.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stop BMCs: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// syncLoop reconciles the registry with the store every sync interval, so
// edits made to the config directory by hand are picked up.
func (d *daemon) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.reg.Sync(); err != nil && !errors.Is(err, registry.ErrShutdown) {
				d.log.Debug().Err(err).Msg("Sync incomplete")
			}
		}
	}
}
