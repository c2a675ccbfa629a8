// Command neko-server runs the realtime companion gateway: the /ws frontend
// endpoint, the live session manager with vendor hot-swap, and the streaming
// TTS bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zyumo777/N.E.K.O/internal/dotenv"
	"github.com/zyumo777/N.E.K.O/pkg/core/live"
	"github.com/zyumo777/N.E.K.O/pkg/core/realtime"
	"github.com/zyumo777/N.E.K.O/pkg/core/voice/tts"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/config"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/lifecycle"
	"github.com/zyumo777/N.E.K.O/pkg/gateway/server"
	"github.com/zyumo777/N.E.K.O/pkg/memory"
	"github.com/zyumo777/N.E.K.O/pkg/settings"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := dotenv.Load(); err != nil {
		logger.Warn("dotenv load failed", "error", err.Error())
	}

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := loadSettings(logger)
	if err != nil {
		return err
	}

	vendor, err := realtime.ParseVendor(st.CoreAPI)
	if err != nil {
		return fmt.Errorf("core vendor: %w", err)
	}
	logger.Info("core vendor selected", "vendor", vendor.String())

	// The transport factory needs the manager's voice-activity signal, and
	// the manager needs the factory. Bind late through the pointer.
	var mgr *live.Manager

	factoryCfg := realtime.FactoryConfig{
		Vendor: vendor,
		APIKey: st.CoreKey(),
		Voice:  st.VoiceID,
		VoiceActive: func() bool {
			return mgr != nil && mgr.VoiceActive()
		},
		Logger: logger,
	}

	assistVendor, assist := assistProfile(st, logger)
	if assistKey := st.AssistKey(); assistKey != "" && assist.BaseURL != "" {
		offline := realtime.DefaultOfflineConfig()
		offline.APIKey = assistKey
		offline.BaseURL = assist.BaseURL
		offline.Model = assist.ChatModel
		offline.VisionAPIKey = assistKey
		offline.VisionBaseURL = assist.BaseURL
		offline.VisionModel = assist.VisionModel
		offline.Logger = logger
		factoryCfg.Offline = offline

		vision, err := realtime.NewVisionAnalyzer(realtime.VisionConfig{
			APIKey:  assistKey,
			BaseURL: assist.BaseURL,
			Model:   assist.VisionModel,
		})
		if err != nil {
			logger.Warn("vision analyzer unavailable", "error", err.Error())
		} else {
			factoryCfg.Vision = vision
		}
	} else {
		logger.Warn("no assist api key configured, text mode and vision disabled",
			"assist_vendor", assistVendor.String())
	}

	ttsFactory := buildTTSFactory(st, vendor, assist, logger)

	mem, err := memory.NewClient(cfg.MemoryServerURL, nil)
	if err != nil {
		return fmt.Errorf("memory client: %w", err)
	}

	mgr, err = live.NewManager(live.DefaultManagerConfig(), live.Dependencies{
		Transports: realtime.NewFactory(factoryCfg),
		TTS:        ttsFactory,
		Memory:     mem,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}
	defer mgr.Close()

	life := lifecycle.New()
	srv := server.New(cfg, mgr, life, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server", "addr", cfg.Addr)
	return srv.ListenAndServe(ctx)
}

func loadSettings(logger *slog.Logger) (settings.Settings, error) {
	userDir, err := settings.DefaultUserDir()
	if err != nil {
		return settings.Settings{}, err
	}
	store, err := settings.NewStore(userDir, "config", logger)
	if err != nil {
		return settings.Settings{}, err
	}
	if err := store.Migrate(); err != nil {
		return settings.Settings{}, err
	}
	st, err := store.Load()
	if err != nil {
		return settings.Settings{}, err
	}
	return st, nil
}

// assistProfile resolves the chat-side vendor, falling back to the core
// vendor's account when the assist selection is unusable.
func assistProfile(st settings.Settings, logger *slog.Logger) (realtime.Vendor, realtime.AssistProfile) {
	v, err := realtime.ParseVendor(st.AssistAPI)
	if err != nil {
		logger.Warn("unknown assist vendor, falling back to qwen", "assist_api", st.AssistAPI)
		v = realtime.VendorQwen
	}
	p, ok := realtime.AssistProfileFor(v)
	if !ok {
		logger.Warn("assist vendor has no chat profile, falling back to qwen", "vendor", v.String())
		v = realtime.VendorQwen
		p, _ = realtime.AssistProfileFor(v)
	}
	return v, p
}

// buildTTSFactory picks the narration engine: the StepFun realtime socket
// when a Step key is configured or the free tier is active, otherwise the
// plain speech endpoint on the assist account. Nil when neither is usable;
// sessions then run without narration.
func buildTTSFactory(st settings.Settings, vendor realtime.Vendor, assist realtime.AssistProfile, logger *slog.Logger) live.TTSFactory {
	bridgeCfg := tts.DefaultBridgeConfig()
	bridgeCfg.Logger = logger

	free := vendor == realtime.VendorFree
	if free || strings.TrimSpace(st.AssistAPIKeyStep) != "" {
		return tts.NewStepFunFactory(tts.StepFunConfig{
			APIKey:   st.AssistAPIKeyStep,
			VoiceID:  st.VoiceID,
			FreeMode: free,
			Logger:   logger,
		}, bridgeCfg)
	}

	if key := st.AssistKey(); key != "" && assist.BaseURL != "" {
		return tts.NewChatFactory(tts.ChatConfig{
			APIKey:  key,
			BaseURL: assist.BaseURL,
			Voice:   st.VoiceID,
			Logger:  logger,
		}, bridgeCfg)
	}

	logger.Warn("no tts credentials configured, narration disabled")
	return nil
}
