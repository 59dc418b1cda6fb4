package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"strata/internal/app"
	cfgpkg "strata/internal/config"
	"strata/internal/logger"
)

func main() {
	mode := flag.String("mode", "live", "运行模式：live 或 backtest")
	cfgFlag := flag.String("config", "", "配置文件路径（默认取 STRATA_CONFIG）")
	flag.Parse()

	cfgPath := strings.TrimSpace(*cfgFlag)
	if cfgPath == "" {
		cfgPath = os.Getenv("STRATA_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := cfgpkg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，模式=%s）", cfg.App.Env, *mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		application, err := app.NewApp(cfg)
		if err != nil {
			log.Fatalf("初始化应用失败: %v", err)
		}
		if err := application.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("运行失败: %v", err)
		}
	case "backtest":
		if _, err := app.RunBacktest(ctx, cfg); err != nil {
			log.Fatalf("回测失败: %v", err)
		}
	default:
		log.Fatalf("未知模式: %s（支持 live / backtest）", *mode)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
