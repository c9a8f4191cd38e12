package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"podcastr/internal/generate"
)

func newGenerateCmd(logger *log.Logger) *cobra.Command {
	var (
		outDir      string
		baseURL     string
		concurrency int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Export the website as static files",
		Long: `Render the home page, the pre-generated episode pages, the RSS feed and
the episode listing JSON into a directory that any static file server can host.

Example:
  podcastr generate --out public --base-url https://podcastr.example`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(ctx, logger, appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Printf("error closing resources: %v", err)
				}
			}()

			if baseURL == "" {
				baseURL = a.site.PublicURL.String()
			}
			exporter, err := generate.New(a.pages, a.renderer, generate.Options{
				BaseURL:     baseURL,
				Concurrency: concurrency,
				Feed:        a.feedMetadata(),
			}, logger)
			if err != nil {
				return err
			}

			res, err := exporter.Run(ctx, outDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, file := range res.Files {
				fmt.Fprintln(out, file)
			}
			if len(res.Skipped) > 0 {
				fmt.Fprintf(out, "skipped %d episode pages: %v\n", len(res.Skipped), res.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "public", "output directory")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public URL the export will be hosted at (defaults to PODCASTR_PUBLIC_URL)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "pages rendered in parallel")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall export timeout")
	return cmd
}
