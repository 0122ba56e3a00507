package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shouni/gemini-toonify-kit/internal/config"
	"github.com/shouni/gemini-toonify-kit/internal/web"
	"github.com/shouni/gemini-toonify-kit/pkg/adapters"
	"github.com/shouni/gemini-toonify-kit/pkg/wizard"

	"github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"google.golang.org/genai"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "ウィザード API サーバーを起動します",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("設定が不正です: %w", err)
			}
			slog.SetDefault(newLogger(cfg.Logging, os.Stderr))
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "設定ファイルのパス")
	return cmd
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory, err := newControllerFactory(ctx, cfg)
	if err != nil {
		return err
	}
	sessions := web.NewSessionStore(factory, cfg.Session.TTL, cfg.Session.CleanupInterval)
	defer sessions.Close()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           web.NewRouter(web.NewHandlers(sessions), cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("サーバーを起動します", "addr", server.Addr, "version", version,
			"suggest_provider", cfg.AI.SuggestProvider, "image_model", cfg.AI.Gemini.ImageModel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("サーバーの起動に失敗しました: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("サーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗しました: %w", err)
	}
	slog.Info("サーバーを停止しました")
	return nil
}

// newControllerFactory はリモートクライアントを1度だけ作り、全セッションで共有します。
func newControllerFactory(ctx context.Context, cfg *config.Config) (web.ControllerFactory, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.AI.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("Geminiクライアントの初期化に失敗しました: %w", err)
	}
	core := adapters.NewGeminiImageCore()

	suggester, err := newStyleSuggester(cfg.AI, core, client.Models)
	if err != nil {
		return nil, err
	}
	parts, err := adapters.NewGenaiPartsClient(client.Models)
	if err != nil {
		return nil, err
	}
	synthesizer, err := adapters.NewGeminiCartoonSynthesizer(core, parts, cfg.AI.Gemini.ImageModel)
	if err != nil {
		return nil, err
	}

	opts := wizard.Options{
		SuggestTimeout:   cfg.AI.SuggestTimeout,
		SynthesisTimeout: cfg.AI.SynthesisTimeout,
	}
	return func() (*wizard.Controller, error) {
		return wizard.NewController(suggester, synthesizer, opts)
	}, nil
}

func newStyleSuggester(cfg config.AIConfig, core adapters.ImageGeneratorCore, gemini adapters.ContentGenerator) (adapters.StyleSuggester, error) {
	var (
		suggester adapters.StyleSuggester
		err       error
	)
	switch strings.ToLower(cfg.SuggestProvider) {
	case config.ProviderOpenAI:
		oc := openai.DefaultConfig(cfg.OpenAI.APIKey)
		if cfg.OpenAI.BaseURL != "" {
			oc.BaseURL = cfg.OpenAI.BaseURL
		}
		suggester, err = adapters.NewOpenAIStyleSuggester(openai.NewClientWithConfig(oc), cfg.OpenAI.Model)
	case config.ProviderGemini:
		suggester, err = adapters.NewGeminiStyleSuggester(core, gemini, cfg.Gemini.SuggestModel, cfg.Gemini.Temperature)
	default:
		return nil, fmt.Errorf("unknown suggest provider: %q", cfg.SuggestProvider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SuggestCacheTTL <= 0 {
		return suggester, nil
	}
	return adapters.NewCachedStyleSuggester(suggester, cache.New(cfg.SuggestCacheTTL, 2*cfg.SuggestCacheTTL), cfg.SuggestCacheTTL), nil
}
