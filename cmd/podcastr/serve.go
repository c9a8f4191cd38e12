package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"podcastr/internal/auth"
	"podcastr/internal/config"
	"podcastr/internal/imageproxy"
	"podcastr/internal/pages"
	"podcastr/internal/server"
)

func newServeCmd(logger *log.Logger) *cobra.Command {
	var (
		addr       string
		noPrebuild bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the website",
		Long: `Serve the website over HTTP.

The home page and the newest episode pages are rendered before the server
starts accepting requests unless --no-prebuild is given.

Example:
  podcastr serve
  podcastr serve --addr 0.0.0.0:3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = config.ListenAddr()
			}
			return runServe(cmd.Context(), logger, addr, !noPrebuild)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides PODCASTR_LISTEN_ADDR)")
	cmd.Flags().BoolVar(&noPrebuild, "no-prebuild", false, "skip rendering pages before listening")
	return cmd
}

func runServe(ctx context.Context, logger *log.Logger, listenAddr string, prebuild bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.ValidateListenAddr(listenAddr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger, appOptions{proxyImages: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Printf("error closing resources: %v", err)
		}
	}()

	cache := pages.NewCache(logger)
	imageCache := pages.NewCache(logger)

	cfg := server.Config{
		Pages:             a.pages,
		Renderer:          a.renderer,
		Cache:             cache,
		BaseURL:           a.site.PublicURL,
		Feed:              a.feedMetadata(),
		RevalidateHome:    a.site.RevalidateHome,
		RevalidateEpisode: a.site.RevalidateEpisode,
		Logger:            logger,
	}
	if len(a.site.ImageDomains) > 0 {
		cfg.Images = imageproxy.New(imageproxy.Config{AllowedHosts: a.site.ImageDomains}, imageCache, logger)
	}
	if a.library != nil {
		cfg.AudioRoot = a.audioRoot
		cfg.Artwork = a.library
		a.library.OnChange(cache.Invalidate)
	}

	tokenFile, tokensEnabled, err := config.ResolveTokenFile()
	if err != nil {
		return fmt.Errorf("resolve token file: %w", err)
	}
	if tokensEnabled {
		tokens, err := auth.NewTokenStore(tokenFile, config.RefreshDebounce(), logger)
		if err != nil {
			return fmt.Errorf("initialise token store: %w", err)
		}
		defer func() {
			if err := tokens.Close(); err != nil {
				logger.Printf("error closing token store: %v", err)
			}
		}()
		cfg.Tokens = tokens
	}

	handler := server.New(cfg)

	if prebuild {
		ids, err := a.pages.StaticPaths(ctx)
		if err != nil {
			logger.Printf("prebuild skipped: %v", err)
		} else if err := handler.Prebuild(ctx, ids); err != nil {
			logger.Printf("prebuild: %v", err)
		} else {
			logger.Printf("prebuilt home and %d episode pages", len(ids))
		}
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("graceful shutdown error: %v", err)
		}
	}()

	logger.Printf("listening on %s", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	cache.Wait()
	imageCache.Wait()
	logger.Println("shutdown complete")
	return nil
}
