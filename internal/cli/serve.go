package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recative/polyv/internal/api"
	"github.com/recative/polyv/internal/spool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload service",
	Long: `Serve exposes the upload queue over a REST API and a small HTML
page. Incoming files are staged in the spool directory and uploaded to the
platform with the configured concurrency.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}

	client, err := buildClient()
	if err != nil {
		return err
	}
	sp, err := spool.New(cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("prepare spool dir: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestID())
	router.Use(api.ZerologLogger())

	handler := api.NewAPI(client.Manager, sp)
	handler.RegisterRoutes(router)
	handler.RegisterUIRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("spool", sp.Dir()).Msg("upload service listening")

	waitForShutdownSignal()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	// Park running transfers; their chunk ledgers survive for the next run.
	client.Manager.StopAll()
	log.Info().Msg("server exited cleanly")
	return nil
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}
