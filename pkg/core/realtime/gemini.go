package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// geminiTemperature and geminiVoice match the tuned live-session defaults.
const (
	geminiTemperature float32 = 1.1
	geminiVoice               = "Leda"
)

// GeminiConfig parameterizes the SDK-mediated Gemini live transport.
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string

	// VoiceActive stretches the image rate limit while the user is quiet.
	VoiceActive func() bool

	Logger *slog.Logger
}

// GeminiClient is the Gemini live transport. Unlike the websocket vendors it
// speaks through the genai SDK, so there is no raw event schema to translate;
// server messages map straight onto the callback set.
type GeminiClient struct {
	cfg     GeminiConfig
	profile Profile
	cb      live.TransportCallbacks
	logger  *slog.Logger

	session *genai.Session

	connected atomic.Bool
	fatal     atomic.Bool
	closeOnce sync.Once

	mu              sync.Mutex
	responding      bool
	interrupted     bool
	skipUntilDone   bool
	turnStarted     bool
	transcript      strings.Builder
	inputTranscript strings.Builder
	lastImage       time.Time
	lastSpeech      time.Time
}

// NewGeminiClient builds a Gemini live transport.
func NewGeminiClient(cfg GeminiConfig, cb live.TransportCallbacks) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: gemini api key is required")
	}
	profile, _ := ProfileFor(VendorGemini)
	if cfg.Model == "" {
		cfg.Model = profile.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = geminiVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GeminiClient{cfg: cfg, profile: profile, cb: cb, logger: cfg.Logger}, nil
}

// Mode reports the input type this transport serves.
func (g *GeminiClient) Mode() live.InputMode { return live.InputModeAudio }

// RequiresWarmup reports false: Gemini live sessions respond promptly from
// the first turn.
func (g *GeminiClient) RequiresWarmup() bool { return false }

// Fatal reports whether the transport gave up on the session.
func (g *GeminiClient) Fatal() bool { return g.fatal.Load() }

// Connected reports whether the live session is open.
func (g *GeminiClient) Connected() bool { return g.connected.Load() && !g.fatal.Load() }

// Connect opens the live session with the tuned generation config.
func (g *GeminiClient) Connect(ctx context.Context, instructions string) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1alpha"},
	})
	if err != nil {
		return fmt.Errorf("realtime: gemini client: %w", err)
	}

	temperature := geminiTemperature
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		MediaResolution:    genai.MediaResolutionLow,
		Temperature:        &temperature,
		SystemInstruction:  genai.NewContentFromText(instructions, genai.RoleUser),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.cfg.Voice},
			},
		},
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	session, err := client.Live.Connect(ctx, g.cfg.Model, config)
	if err != nil {
		g.reportError(fmt.Errorf("realtime: gemini connect: %w", err))
		return err
	}
	g.session = session
	g.connected.Store(true)

	g.mu.Lock()
	g.lastSpeech = time.Now()
	g.mu.Unlock()
	return nil
}

// HandleMessages runs the receive loop until the session closes.
func (g *GeminiClient) HandleMessages(ctx context.Context) error {
	if g.session == nil {
		return ErrNotConnected
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, err := g.session.Receive()
		if err != nil {
			g.connected.Store(false)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.reportError(fmt.Errorf("realtime: gemini receive: %w", err))
			return err
		}
		g.handleMessage(msg)
	}
}

// handleMessage maps one server message onto the transport callbacks.
func (g *GeminiClient) handleMessage(msg *genai.LiveServerMessage) {
	content := msg.ServerContent
	if content == nil {
		return
	}

	if content.Interrupted {
		g.mu.Lock()
		g.interrupted = true
		g.responding = false
		g.mu.Unlock()
		if g.cb.OnInterrupted != nil {
			g.cb.OnInterrupted()
		}
		return
	}

	if content.InputTranscription != nil && content.InputTranscription.Text != "" {
		g.mu.Lock()
		g.inputTranscript.WriteString(content.InputTranscription.Text)
		g.lastSpeech = time.Now()
		g.mu.Unlock()
	}

	if content.ModelTurn != nil {
		g.beginTurnIfNeeded()
		g.deliverParts(content.ModelTurn.Parts)
	}

	if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
		g.beginTurnIfNeeded()
		g.mu.Lock()
		suppressed := g.skipUntilDone || g.interrupted
		if !suppressed {
			g.transcript.WriteString(content.OutputTranscription.Text)
		}
		g.mu.Unlock()
		if !suppressed && g.cb.OnTextDelta != nil {
			g.cb.OnTextDelta(content.OutputTranscription.Text)
		}
	}

	if content.TurnComplete {
		g.mu.Lock()
		g.responding = false
		g.turnStarted = false
		g.skipUntilDone = false
		transcript := g.transcript.String()
		g.transcript.Reset()
		g.mu.Unlock()
		if transcript != "" && g.cb.OnOutputTranscript != nil {
			g.cb.OnOutputTranscript(transcript)
		}
		if g.cb.OnResponseDone != nil {
			g.cb.OnResponseDone(transcript)
		}
	}
}

// beginTurnIfNeeded marks the start of an assistant turn: the buffered user
// transcript flushes and the new-response callbacks fire exactly once.
func (g *GeminiClient) beginTurnIfNeeded() {
	g.mu.Lock()
	if g.turnStarted {
		g.mu.Unlock()
		return
	}
	g.turnStarted = true
	g.responding = true
	g.interrupted = false
	userText := g.inputTranscript.String()
	g.inputTranscript.Reset()
	g.mu.Unlock()

	if userText != "" && g.cb.OnInputTranscript != nil {
		g.cb.OnInputTranscript(userText)
	}
	if g.cb.OnSpeechStopped != nil {
		g.cb.OnSpeechStopped()
	}
	if g.cb.OnResponseCreated != nil {
		g.cb.OnResponseCreated()
	}
}

// deliverParts forwards audio parts, skipping thought content.
func (g *GeminiClient) deliverParts(parts []*genai.Part) {
	g.mu.Lock()
	suppressed := g.skipUntilDone || g.interrupted
	g.mu.Unlock()
	if suppressed {
		return
	}
	for _, part := range parts {
		if part == nil || part.Thought {
			continue
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 && g.cb.OnAudioDelta != nil {
			g.cb.OnAudioDelta(part.InlineData.Data)
		}
	}
}

// StreamAudio sends one PCM16 chunk at the upstream rate.
func (g *GeminiClient) StreamAudio(ctx context.Context, chunk []byte) error {
	if !g.Connected() {
		return ErrNotConnected
	}
	if g.cfg.VoiceActive != nil && g.cfg.VoiceActive() {
		g.mu.Lock()
		g.lastSpeech = time.Now()
		g.mu.Unlock()
	}
	return g.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: "audio/pcm;rate=16000", Data: chunk},
	})
}

// StreamText sends one complete user text turn.
func (g *GeminiClient) StreamText(ctx context.Context, text string) error {
	if !g.Connected() {
		return ErrNotConnected
	}
	return g.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

// StreamImage sends one JPEG frame inline, rate-limited like the native
// vision websocket vendors.
func (g *GeminiClient) StreamImage(ctx context.Context, b64 string) error {
	if !g.Connected() {
		return ErrNotConnected
	}
	now := time.Now()
	minInterval := g.profile.ImageMinInterval
	if g.cfg.VoiceActive != nil && !g.cfg.VoiceActive() {
		minInterval = time.Duration(float64(minInterval) * g.profile.IdleRateMultiplier)
	}
	g.mu.Lock()
	if now.Sub(g.lastImage) < minInterval {
		g.mu.Unlock()
		return nil
	}
	g.lastImage = now
	g.mu.Unlock()

	data, err := decodeBase64(b64)
	if err != nil {
		return fmt.Errorf("realtime: image frame: %w", err)
	}
	return g.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: "image/jpeg", Data: data},
	})
}

// CreateResponse sends instructions as a user turn. Empty instructions are
// acknowledged immediately without touching the session, so generic priming
// flows complete even though Gemini has nothing to warm up.
func (g *GeminiClient) CreateResponse(ctx context.Context, instructions string, skipped bool) error {
	if instructions == "" {
		if g.cb.OnResponseDone != nil {
			g.cb.OnResponseDone("")
		}
		return nil
	}
	if !g.Connected() {
		return ErrNotConnected
	}
	if skipped {
		g.mu.Lock()
		g.skipUntilDone = true
		g.mu.Unlock()
	}
	return g.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(instructions, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

// ClearAudioBuffer is a no-op: the SDK manages its own input buffering.
func (g *GeminiClient) ClearAudioBuffer(ctx context.Context) error { return nil }

// HandleInterruption suppresses remaining deltas of the current turn. The
// server drives actual barge-in via the Interrupted flag.
func (g *GeminiClient) HandleInterruption(ctx context.Context) error {
	g.mu.Lock()
	if !g.responding {
		g.mu.Unlock()
		return nil
	}
	g.interrupted = true
	g.responding = false
	g.mu.Unlock()
	if g.cb.OnInterrupted != nil {
		g.cb.OnInterrupted()
	}
	return nil
}

// Close tears down the live session. Safe to call more than once.
func (g *GeminiClient) Close() error {
	g.closeOnce.Do(func() {
		g.connected.Store(false)
		if g.session != nil {
			_ = g.session.Close()
		}
	})
	return nil
}

func (g *GeminiClient) reportError(err error) {
	if g.cb.OnConnectionError != nil {
		g.cb.OnConnectionError(err)
	}
}
