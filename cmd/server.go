// Package main は mvision サーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"mvision/internal/app"
	"mvision/internal/config"
	"mvision/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath  = flag.String("config", "", "設定ファイルのパス (デフォルト: $MVISION_CONFIG)")
		host        = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port        = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		logLevel    = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		interactive = flag.Bool("interactive", false, "対話型コンソールを起動")
		help        = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("mvision")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatalf("ロガーの設定に失敗しました: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	logger.Info("mvision サーバーを起動します", "addr", cfg.ServerAddress())
	if err := a.Run(context.Background(), *interactive); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
