package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apimocker/internal/admin"
	"apimocker/internal/logger"
	"apimocker/pkg/api"
	"apimocker/pkg/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and optionally attach to a DevTools endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Admin API listen address")
	serveCmd.Flags().String("devtools", "", "DevTools HTTP endpoint, e.g. http://127.0.0.1:9222")
	serveCmd.Flags().String("mode", "", "Initial intercept mode (page|network)")
	serveCmd.Flags().Bool("attach", false, "Start a session and attach the first page on startup")
	serveCmd.Flags().String("target", "", "Target ID to attach instead of the first page")
	viper.BindPFlag("admin.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("devtools.url", serveCmd.Flags().Lookup("devtools"))
	viper.BindPFlag("intercept.mode", serveCmd.Flags().Lookup("mode"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l := logger.New(cfg.LoggerOptions())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, store, cleanup, err := openService(cfg, l)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.EnsureGlobalConfig(ctx, cfg.GlobalConfig()); err != nil {
		return err
	}

	if attach, _ := cmd.Flags().GetBool("attach"); attach {
		target, _ := cmd.Flags().GetString("target")
		if err := attachOnStartup(ctx, svc, cfg.SessionConfig(), model.TargetID(target), l); err != nil {
			return err
		}
	}

	err = admin.New(svc, l).ListenAndServe(ctx, cfg.Admin.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func attachOnStartup(ctx context.Context, svc api.Service, sc model.SessionConfig, target model.TargetID, l logger.Logger) error {
	id, err := svc.StartSession(sc)
	if err != nil {
		return err
	}
	tid, err := svc.AttachTarget(ctx, id, target)
	if err != nil {
		return err
	}
	l.Info("已附加页面", "session", string(id), "target", string(tid))
	return nil
}
