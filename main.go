package main

import (
	"context"
	"log"
	"os"

	"mvision/internal/app"
	"mvision/internal/config"
	"mvision/internal/logging"
)

func main() {
	// 設定を読み込む (MVISION_CONFIG があればそのファイル)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatalf("ロガーの設定に失敗しました: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("初期化に失敗しました: %v", err)
	}

	if err := a.Run(context.Background(), false); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
