package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apimocker/internal/config"
	"apimocker/internal/logger"
	"apimocker/internal/storage"
	"apimocker/pkg/api"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "apimocker",
	Short: "Mock API responses inside a Chromium page over the DevTools protocol",
	Long: `apimocker attaches to pages through a DevTools endpoint and answers matching
fetch/XHR requests with configured mock responses, either inside the page or
at the network layer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides sqlite.dsn)")
	viper.BindPFlag("sqlite.dsn", rootCmd.PersistentFlags().Lookup("db"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig 读取配置文件、环境变量与命令行参数
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper(), configFile)
}

// openService 打开数据库并创建服务，返回的 cleanup 关闭会话与数据库
func openService(cfg *config.Config, l logger.Logger) (api.Service, *storage.Store, func(), error) {
	db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	if err != nil {
		return nil, nil, nil, err
	}
	store := storage.NewStore(db, l)
	svc := api.NewService(store, l)
	cleanup := func() {
		svc.Close()
		if err := storage.Close(db); err != nil {
			l.Err(err, "关闭数据库失败")
		}
	}
	return svc, store, cleanup, nil
}

// cliLogger 一次性命令只输出警告以上的日志到控制台
func cliLogger(cfg *config.Config) logger.Logger {
	opts := cfg.LoggerOptions()
	opts.Level = "warn"
	opts.Writers = []string{"console"}
	return logger.New(opts)
}
