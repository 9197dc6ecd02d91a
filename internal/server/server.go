package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mvision/internal/camera"
	"mvision/internal/config"
	"mvision/internal/emitter"
	"mvision/internal/recorder"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config   *config.Config
	manager  *camera.Manager
	recorder *recorder.Recorder
	emitter  *emitter.MQTTEmitter
	composer *recorder.Composer
	logger   *slog.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	advertiser *advertiser
	startedAt  time.Time

	pollersMu sync.Mutex
	pollers   map[string]*camera.Poller

	addrMu sync.RWMutex
	addr   net.Addr
}

// Option は Server の追加設定
type Option func(*Server)

// WithRecorder は定期スナップショットのレコーダーを設定する
func WithRecorder(r *recorder.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithEmitter はイベント配信の統計を /api/status に含める
func WithEmitter(e *emitter.MQTTEmitter) Option {
	return func(s *Server) { s.emitter = e }
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, manager *camera.Manager, opts ...Option) *Server {
	s := &Server{
		config:    cfg,
		manager:   manager,
		logger:    slog.Default(),
		composer:  recorder.NewComposer(1280, 720, 85, nil),
		pollers:   make(map[string]*camera.Poller),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr はリッスン中のアドレスを返す。起動前は nil
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("server: リクエスト",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Start はデバイスと周辺機能を起動し、HTTPサーバーを起動する。
// ctx のキャンセルかシグナル受信でグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		// 一部のデバイスが起動できなくてもサーバーは起動する
		s.logger.Warn("server: 自動起動に失敗したデバイスがあります", "error", err)
	}
	if s.recorder != nil {
		if err := s.recorder.Start(ctx); err != nil {
			return fmt.Errorf("レコーダーの起動に失敗: %w", err)
		}
	}

	listener, err := net.Listen("tcp", s.config.ServerAddress())
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.addrMu.Lock()
	s.addr = listener.Addr()
	s.addrMu.Unlock()

	shutdownCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: HTTPサーバーを起動しています", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	if s.config.Server.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		adv, err := advertise(s.config.Server.Instance, port, s.manager)
		if err != nil {
			s.logger.Warn("server: mDNS での告知に失敗しました", "error", err)
		} else {
			s.advertiser = adv
			s.logger.Info("server: mDNS で告知しています", "service", serviceType, "port", port)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("server: コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("server: シグナルを受信しました", "signal", sig.String())
	case serveErr = <-shutdownCh:
	}

	return errors.Join(serveErr, s.Shutdown())
}

// Shutdown はサーバーをグレースフルにシャットダウンし、全デバイスを破棄する
func (s *Server) Shutdown() error {
	s.logger.Info("server: シャットダウンしています")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.advertiser != nil {
		s.advertiser.Shutdown()
	}

	// ストリーミング中の接続を閉じるため先にポーラーを止める
	s.stopPollers()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if s.recorder != nil {
		if err := s.recorder.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("デバイスの停止に失敗: %w", err))
	}

	if len(errs) == 0 {
		s.logger.Info("server: 正常にシャットダウンしました")
	}
	return errors.Join(errs...)
}

// poller はデバイスごとのポーラーを返す。無ければ作成して開始する
func (s *Server) poller(d *camera.Device) (*camera.Poller, error) {
	s.pollersMu.Lock()
	defer s.pollersMu.Unlock()

	if p, ok := s.pollers[d.ID()]; ok {
		return p, nil
	}
	p := camera.NewPoller(d, s.config.Server.PollInterval, s.logger)
	if err := p.Start(context.Background()); err != nil {
		return nil, err
	}
	s.pollers[d.ID()] = p
	return p, nil
}

func (s *Server) existingPoller(id string) *camera.Poller {
	s.pollersMu.Lock()
	defer s.pollersMu.Unlock()
	return s.pollers[id]
}

func (s *Server) stopPoller(id string) {
	s.pollersMu.Lock()
	p, ok := s.pollers[id]
	delete(s.pollers, id)
	s.pollersMu.Unlock()
	if ok {
		p.Stop()
	}
}

func (s *Server) stopPollers() {
	s.pollersMu.Lock()
	pollers := s.pollers
	s.pollers = make(map[string]*camera.Poller)
	s.pollersMu.Unlock()
	for _, p := range pollers {
		p.Stop()
	}
}
