// Command neko-agent runs the task dispatch sidecar: conversation analysis,
// the task registry, the single-slot desktop scheduler and the admin REST
// API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zyumo777/N.E.K.O/internal/dotenv"
	"github.com/zyumo777/N.E.K.O/pkg/agent/executor"
	"github.com/zyumo777/N.E.K.O/pkg/agent/registry"
	"github.com/zyumo777/N.E.K.O/pkg/agent/scheduler"
	agentserver "github.com/zyumo777/N.E.K.O/pkg/agent/server"
	"github.com/zyumo777/N.E.K.O/pkg/core/realtime"
	"github.com/zyumo777/N.E.K.O/pkg/settings"
)

const defaultAddr = ":48913"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := dotenv.Load(); err != nil {
		logger.WithError(err).Warn("dotenv load failed")
	}

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("agent exited")
	}
}

func run(logger *logrus.Logger) error {
	st, err := loadSettings(logger)
	if err != nil {
		return err
	}

	judge, err := buildJudge(st)
	if err != nil {
		return err
	}

	exec, err := executor.New(executor.Config{
		Judge:  judge,
		Logger: logger,
		// MCP, plugin and probe integrations attach here once their hosts
		// register; the flags keep every channel off until then.
	})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Registry: exec.Registry(),
		Runner: func(ctx context.Context, task registry.Task) (string, error) {
			return "", errors.New("no desktop runner attached")
		},
		OnResult: resultNotifier(serverBaseURL(), logger),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	api, err := agentserver.New(agentserver.Config{
		Executor:  exec,
		Scheduler: sched,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("agent server: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	api.RegisterRoutes(e)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	addr := os.Getenv("NEKO_AGENT_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("starting agent server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func loadSettings(logger *logrus.Logger) (settings.Settings, error) {
	userDir, err := settings.DefaultUserDir()
	if err != nil {
		return settings.Settings{}, err
	}
	store, err := settings.NewStore(userDir, "config", nil)
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
	logger.WithField("assist_api", st.AssistAPI).Info("settings loaded")
	return st, nil
}

func serverBaseURL() string {
	if url := os.Getenv("NEKO_SERVER_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return "http://127.0.0.1:48911"
}

// resultNotifier posts finished task summaries to the companion server,
// which queues them for spoken delivery at the next session swap. Delivery
// is best effort; the registry keeps the authoritative record.
func resultNotifier(baseURL string, logger *logrus.Logger) func(registry.Task, string) {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(task registry.Task, detail string) {
		body, err := json.Marshal(map[string]string{
			"text": fmt.Sprintf("%s: %s", task.Description, detail),
		})
		if err != nil {
			return
		}
		resp, err := client.Post(baseURL+"/api/task_result", "application/json", bytes.NewReader(body))
		if err != nil {
			logger.WithError(err).Warn("task result delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.WithField("status", resp.StatusCode).Warn("task result rejected")
		}
	}
}

// buildJudge constructs the assessment LLM client from the assist vendor
// account.
func buildJudge(st settings.Settings) (executor.Judge, error) {
	vendor, err := realtime.ParseVendor(st.AssistAPI)
	if err != nil {
		return nil, fmt.Errorf("assist vendor: %w", err)
	}
	profile, ok := realtime.AssistProfileFor(vendor)
	if !ok {
		return nil, fmt.Errorf("assist vendor %q has no chat profile", vendor)
	}
	key := st.AssistKey()
	if key == "" {
		return nil, errors.New("assist api key is not configured")
	}
	return executor.NewOpenAIJudge(key, profile.BaseURL, profile.JudgeModel)
}
