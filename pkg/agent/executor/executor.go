// Package executor analyzes conversation snapshots for actionable tasks and
// dispatches each detected task to exactly one backend. Per-backend
// assessments run concurrently against the same snapshot; selection follows
// a fixed priority order (MCP, then browser automation, then GUI automation,
// then local plugins).
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/zyumo777/N.E.K.O/pkg/agent"
	"github.com/zyumo777/N.E.K.O/pkg/agent/registry"
)

// Assessment token budgets.
const (
	mcpMaxTokens     = 600
	guiMaxTokens     = 400
	pluginMaxTokens  = 400
	browserMaxTokens = 300
	dedupMaxTokens   = 300
)

// Dispatch method names, also used as registry task kinds.
const (
	MethodMCP     = "mcp"
	MethodBrowser = "browser_use"
	MethodGUI     = "computer_use"
	MethodPlugin  = "user_plugin"
)

// Judge is one LLM completion call. Assessments and the duplicate check all
// go through it.
type Judge interface {
	Complete(ctx context.Context, system, user string, maxTokens int64) (string, error)
}

// Tool describes one MCP tool.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
}

// MCPRouter is the MCP tool-server client.
type MCPRouter interface {
	Capabilities(ctx context.Context) (map[string]Tool, error)
	Call(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Plugin describes one locally installed user plugin.
type Plugin struct {
	ID          string
	Name        string
	Description string
	EntryID     string
	Schema      map[string]any
}

// PluginHost lists and triggers user plugins.
type PluginHost interface {
	List(ctx context.Context) ([]Plugin, error)
	Trigger(ctx context.Context, pluginID, entryID string, args map[string]any) (string, error)
}

// Message is one conversation turn in the analyzed snapshot.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Decision is the structured output every assessment must produce.
type Decision struct {
	HasTask         bool           `json:"has_task"`
	CanExecute      bool           `json:"can_execute"`
	TaskDescription string         `json:"task_description"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolArgs        map[string]any `json:"tool_args,omitempty"`
	PluginID        string         `json:"plugin_id,omitempty"`
	EntryID         string         `json:"entry_id,omitempty"`
	Reason          string         `json:"reason"`
}

func (d Decision) actionable() bool { return d.HasTask && d.CanExecute }

// Outcome reports what Analyze did with a detected task.
type Outcome struct {
	TaskID      string
	Method      string
	Description string
	// Queued is true for GUI and browser tasks handed to their scheduler;
	// Result is set for backends executed inline.
	Queued bool
	Result registry.Result
}

type Config struct {
	Judge        Judge
	MCP          MCPRouter
	Plugins      PluginHost
	GUIProbe     func(ctx context.Context) (bool, string)
	BrowserProbe func(ctx context.Context) (bool, string)
	Flags        *agent.Flags
	Registry     *registry.Registry
	Capabilities *agent.CapabilityCache
	Logger       *logrus.Logger
}

type Executor struct {
	cfg Config
	log *logrus.Logger

	// analyzeMu serializes analyze requests so two overlapping snapshots
	// cannot dispatch the same task twice.
	analyzeMu sync.Mutex
}

func New(cfg Config) (*Executor, error) {
	if cfg.Judge == nil {
		return nil, errors.New("executor: judge is required")
	}
	if cfg.Flags == nil {
		cfg.Flags = agent.NewFlags()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = agent.NewCapabilityCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Executor{cfg: cfg, log: cfg.Logger}, nil
}

func (e *Executor) Registry() *registry.Registry { return e.cfg.Registry }

func (e *Executor) Flags() *agent.Flags { return e.cfg.Flags }

func (e *Executor) Capabilities() *agent.CapabilityCache { return e.cfg.Capabilities }

// Analyze inspects the conversation snapshot, assesses the enabled backends
// concurrently and dispatches at most one of them. A nil outcome means no
// task was detected or the task was blocked as a duplicate.
func (e *Executor) Analyze(ctx context.Context, messages []Message) (*Outcome, error) {
	e.analyzeMu.Lock()
	defer e.analyzeMu.Unlock()

	if !e.cfg.Flags.AnyEnabled() {
		return nil, nil
	}
	conversation := formatConversation(messages)
	if strings.TrimSpace(conversation) == "" {
		return nil, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		decided  = map[string]Decision{}
		assessed = func(method string, d Decision) {
			mu.Lock()
			decided[method] = d
			mu.Unlock()
		}
	)

	if e.cfg.Flags.Get(agent.FlagMCP) && e.cfg.MCP != nil {
		tools, err := e.cfg.MCP.Capabilities(ctx)
		if err != nil {
			e.log.WithError(err).Warn("mcp capability refresh failed")
			e.cfg.Capabilities.Set(MethodMCP, false, err.Error())
		} else {
			e.cfg.Capabilities.Set(MethodMCP, len(tools) > 0, "")
		}
		if len(tools) > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assessed(MethodMCP, e.assessMCP(ctx, conversation, tools))
			}()
		}
	}

	if e.cfg.Flags.Get(agent.FlagBrowser) && e.cfg.BrowserProbe != nil {
		if ready, reason := e.cfg.BrowserProbe(ctx); ready {
			e.cfg.Capabilities.Set(MethodBrowser, true, "")
			wg.Add(1)
			go func() {
				defer wg.Done()
				assessed(MethodBrowser, e.assessBrowser(ctx, conversation))
			}()
		} else {
			e.cfg.Capabilities.Set(MethodBrowser, false, reason)
		}
	}

	if e.cfg.Flags.Get(agent.FlagGUI) && e.cfg.GUIProbe != nil {
		if ready, reason := e.cfg.GUIProbe(ctx); ready {
			e.cfg.Capabilities.Set(MethodGUI, true, "")
			wg.Add(1)
			go func() {
				defer wg.Done()
				assessed(MethodGUI, e.assessGUI(ctx, conversation))
			}()
		} else {
			e.cfg.Capabilities.Set(MethodGUI, false, reason)
		}
	}

	if e.cfg.Flags.Get(agent.FlagUserPlugin) && e.cfg.Plugins != nil {
		plugins, err := e.cfg.Plugins.List(ctx)
		if err != nil {
			e.log.WithError(err).Warn("plugin list refresh failed")
			e.cfg.Capabilities.Set(MethodPlugin, false, err.Error())
		} else {
			e.cfg.Capabilities.Set(MethodPlugin, len(plugins) > 0, "")
		}
		if len(plugins) > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assessed(MethodPlugin, e.assessPlugin(ctx, conversation, plugins))
			}()
		}
	}

	wg.Wait()

	for _, method := range []string{MethodMCP, MethodBrowser, MethodGUI, MethodPlugin} {
		d, ok := decided[method]
		if !ok || !d.actionable() {
			continue
		}
		e.log.WithFields(logrus.Fields{
			"method": method,
			"task":   registry.Truncate(d.TaskDescription, 120),
		}).Info("task detected")
		return e.dispatch(ctx, method, d)
	}
	return nil, nil
}

func (e *Executor) dispatch(ctx context.Context, method string, d Decision) (*Outcome, error) {
	switch method {
	case MethodMCP:
		return e.runMCP(ctx, d)

	case MethodBrowser:
		id := e.cfg.Registry.Create(MethodBrowser, d.TaskDescription, nil)
		return &Outcome{TaskID: id, Method: MethodBrowser, Description: d.TaskDescription, Queued: true}, nil

	case MethodGUI:
		if dup, match := e.isDuplicate(ctx, d.TaskDescription); dup {
			e.log.WithField("existing", registry.Truncate(match, 120)).Info("duplicate task blocked")
			return nil, nil
		}
		id := e.cfg.Registry.Create(MethodGUI, d.TaskDescription, nil)
		return &Outcome{TaskID: id, Method: MethodGUI, Description: d.TaskDescription, Queued: true}, nil

	case MethodPlugin:
		return e.runPlugin(ctx, d)
	}
	return nil, fmt.Errorf("executor: unknown dispatch method %q", method)
}

func (e *Executor) runMCP(ctx context.Context, d Decision) (*Outcome, error) {
	id := e.cfg.Registry.Create(MethodMCP, d.TaskDescription, d.ToolArgs)
	_ = e.cfg.Registry.SetRunning(id)

	out, err := e.cfg.MCP.Call(ctx, d.ToolName, d.ToolArgs)
	if err != nil {
		_ = e.cfg.Registry.Fail(id, err.Error())
	} else {
		_ = e.cfg.Registry.Complete(id, out)
	}

	res, _ := e.cfg.Registry.ResultFor(id)
	return &Outcome{TaskID: id, Method: MethodMCP, Description: d.TaskDescription, Result: res}, nil
}

func (e *Executor) runPlugin(ctx context.Context, d Decision) (*Outcome, error) {
	id := e.cfg.Registry.Create(MethodPlugin, d.TaskDescription, d.ToolArgs)
	_ = e.cfg.Registry.SetRunning(id)

	out, err := e.cfg.Plugins.Trigger(ctx, d.PluginID, d.EntryID, d.ToolArgs)
	if err != nil {
		_ = e.cfg.Registry.Fail(id, err.Error())
	} else {
		_ = e.cfg.Registry.Complete(id, out)
	}

	res, _ := e.cfg.Registry.ResultFor(id)
	return &Outcome{TaskID: id, Method: MethodPlugin, Description: d.TaskDescription, Result: res}, nil
}

// isDuplicate asks the judge whether the new task repeats a queued or
// running one. Judge failures fail open: the task is not blocked.
func (e *Executor) isDuplicate(ctx context.Context, description string) (bool, string) {
	existing := e.cfg.Registry.ActiveDescriptions()
	if len(existing) == 0 {
		return false, ""
	}

	var sb strings.Builder
	for i, desc := range existing {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, desc)
	}
	user := fmt.Sprintf("NEW TASK:\n%s\n\nEXISTING TASKS:\n%s", description, sb.String())

	raw, err := e.complete(ctx, dedupSystemPrompt, user, dedupMaxTokens)
	if err != nil {
		e.log.WithError(err).Warn("duplicate judge failed, allowing task")
		return false, ""
	}
	var verdict struct {
		Duplicate bool   `json:"duplicate"`
		Match     string `json:"match"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &verdict); err != nil {
		return false, ""
	}
	return verdict.Duplicate, verdict.Match
}

func (e *Executor) assessMCP(ctx context.Context, conversation string, tools map[string]Tool) Decision {
	return e.assess(ctx, mcpSystemPrompt(tools), conversation, mcpMaxTokens)
}

func (e *Executor) assessGUI(ctx context.Context, conversation string) Decision {
	return e.assess(ctx, guiSystemPrompt, conversation, guiMaxTokens)
}

func (e *Executor) assessBrowser(ctx context.Context, conversation string) Decision {
	return e.assess(ctx, browserSystemPrompt, conversation, browserMaxTokens)
}

func (e *Executor) assessPlugin(ctx context.Context, conversation string, plugins []Plugin) Decision {
	return e.assess(ctx, pluginSystemPrompt(plugins), conversation, pluginMaxTokens)
}

// assess runs one LLM assessment. Transport-level failures were already
// retried inside complete; a JSON parse failure is structural and maps to
// "no task" without another attempt.
func (e *Executor) assess(ctx context.Context, system, conversation string, maxTokens int64) Decision {
	raw, err := e.complete(ctx, system, "Conversation:\n"+conversation, maxTokens)
	if err != nil {
		return Decision{Reason: "assessment error: " + err.Error()}
	}
	d, err := decodeDecision(raw)
	if err != nil {
		e.log.WithError(err).Debug("unparseable assessment, treating as no task")
		return Decision{Reason: "unparseable assessment output"}
	}
	return d
}

// complete calls the judge with up to 3 attempts (1s then 2s backoff) on
// transient errors only.
func (e *Executor) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	var out string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		raw, err := e.cfg.Judge.Complete(ctx, system, user, maxTokens)
		if err != nil {
			if Transient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

func formatConversation(messages []Message) string {
	lastUser := -1
	for i, m := range messages {
		if strings.EqualFold(m.Role, "user") {
			lastUser = i
		}
	}

	var sb strings.Builder
	for i, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		label := strings.ToUpper(m.Role)
		if i == lastUser {
			label = "LATEST_USER_REQUEST"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, text)
	}
	return sb.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func decodeDecision(raw string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(stripFences(raw)), &d); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return d, nil
}
