package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zyumo777/N.E.K.O/pkg/core/live"
)

// throttleDuration is how long input_audio_buffer.append frames are dropped
// after the vendor signals overload.
const throttleDuration = 2 * time.Second

// fatalTimeoutSignature is the vendor error string that, like close code
// 1011, marks the connection unrecoverable.
const fatalTimeoutSignature = "Response timeout"

// ErrNotConnected is returned by send paths used before Connect.
var ErrNotConnected = errors.New("realtime: not connected")

// Config parameterizes one websocket vendor client. Zero-value URL, Model and
// Voice fall back to the profile.
type Config struct {
	Profile Profile
	APIKey  string
	URL     string
	Model   string
	Voice   string

	// Vision analyzes image frames for vendors without native vision.
	Vision *VisionAnalyzer

	// VoiceActive reports the session's fused voice-activity signal; it
	// stretches the image rate limit while the user is quiet.
	VoiceActive func() bool

	Logger *slog.Logger
}

// Client is the websocket realtime transport. One instance serves one
// connection; the manager builds a fresh one per session.
type Client struct {
	cfg     Config
	profile Profile
	cb      live.TransportCallbacks
	logger  *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	fatal     atomic.Bool
	connected atomic.Bool
	closeOnce sync.Once

	mu                sync.Mutex
	instructions      string
	responding        bool
	interrupted       bool
	skipUntilNext     bool
	transcript        strings.Builder
	throttleUntil     time.Time
	audioInBuffer     bool
	lastSpeech        time.Time
	lastImage         time.Time
	imageAnalyzed     bool
	imageSentThisTurn bool
	watchdogFired     bool
	watchdogStop      chan struct{}
}

// NewClient creates a client for the given vendor configuration.
func NewClient(cfg Config, cb live.TransportCallbacks) (*Client, error) {
	if cfg.APIKey == "" && cfg.Profile.Vendor != VendorFree {
		return nil, errors.New("realtime: api key is required")
	}
	if cfg.URL == "" {
		cfg.URL = cfg.Profile.URL
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Profile.Model
	}
	if cfg.Voice == "" {
		cfg.Voice = cfg.Profile.DefaultVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, profile: cfg.Profile, cb: cb, logger: cfg.Logger}, nil
}

// Mode reports the input type this transport serves.
func (c *Client) Mode() live.InputMode { return live.InputModeAudio }

// RequiresWarmup reports whether the vendor benefits from a priming response.
func (c *Client) RequiresWarmup() bool { return c.profile.RequiresWarmup }

// Fatal reports whether the one-way fatal flag has latched.
func (c *Client) Fatal() bool { return c.fatal.Load() }

// Connected reports whether the websocket is open.
func (c *Client) Connected() bool { return c.connected.Load() && !c.fatal.Load() }

// Connect dials the vendor and sends the session configuration frame.
func (c *Client) Connect(ctx context.Context, instructions string) error {
	url := c.cfg.URL
	if c.profile.ModelQueryParam {
		url = fmt.Sprintf("%s?model=%s", url, c.cfg.Model)
	}
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		c.reportError(fmt.Errorf("realtime: dial %s: %w", c.profile.Vendor, err))
		return err
	}
	c.conn = conn
	c.connected.Store(true)

	c.mu.Lock()
	c.instructions = instructions
	c.lastSpeech = time.Now()
	c.mu.Unlock()

	if err := c.updateSession(ctx, c.sessionConfig(instructions)); err != nil {
		return fmt.Errorf("realtime: session config: %w", err)
	}

	if c.profile.SilenceWatchdog {
		c.startWatchdog()
	}
	return nil
}

// sessionConfig builds the vendor session.update payload. Each vendor speaks
// a different dialect of the same schema.
func (c *Client) sessionConfig(instructions string) map[string]any {
	switch c.profile.Vendor {
	case VendorGLM:
		return map[string]any{
			"instructions":        instructions,
			"modalities":          []string{"text", "audio"},
			"voice":               c.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm",
			"turn_detection":      map[string]any{"type": "server_vad"},
			"input_audio_noise_reduction": map[string]any{
				"type": "far_field",
			},
			"beta_fields": map[string]any{
				"chat_mode":   "video_passive",
				"auto_search": true,
			},
			"temperature": 1.0,
		}
	case VendorQwen:
		return map[string]any{
			"instructions":        instructions,
			"modalities":          []string{"text", "audio"},
			"voice":               c.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "gummy-realtime-v1",
			},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"smooth_output":      false,
			"repetition_penalty": 1.2,
			"temperature":        0.7,
		}
	case VendorGPT:
		return map[string]any{
			"type":              "realtime",
			"model":             c.cfg.Model,
			"instructions":      instructions,
			"output_modalities": []string{"audio"},
			"audio": map[string]any{
				"input": map[string]any{
					"transcription": map[string]any{"model": "gpt-4o-mini-transcribe"},
					"turn_detection": map[string]any{
						"type":               "semantic_vad",
						"eagerness":          "auto",
						"create_response":    true,
						"interrupt_response": true,
					},
				},
				"output": map[string]any{
					"voice": c.cfg.Voice,
					"speed": 1.0,
				},
			},
		}
	default: // Step, Free
		return map[string]any{
			"instructions":        instructions,
			"modalities":          []string{"text", "audio"},
			"voice":               c.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      map[string]any{"type": "server_vad"},
		}
	}
}

func (c *Client) updateSession(ctx context.Context, session map[string]any) error {
	return c.sendEvent(ctx, map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// sendEvent serializes and sends one JSON frame, applying the backpressure
// window and the fatal-error latch. All failures except fatal ones are
// logged and swallowed so the audio path never tears the session down.
func (c *Client) sendEvent(ctx context.Context, event map[string]any) error {
	if c.fatal.Load() {
		return nil
	}
	eventType, _ := event["type"].(string)

	c.mu.Lock()
	throttled := time.Now().Before(c.throttleUntil)
	c.mu.Unlock()
	if throttled && eventType == "input_audio_buffer.append" {
		return nil
	}

	if !c.connected.Load() || c.conn == nil {
		return ErrNotConnected
	}

	event["event_id"] = fmt.Sprintf("event_%d", time.Now().UnixMilli())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", eventType, err)
	}

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err == nil {
		return nil
	}

	if c.isFatalSignature(err) {
		c.latchFatal(fmt.Errorf("realtime: connection unrecoverable: %w", err))
		return nil
	}
	if !strings.Contains(err.Error(), "1000") {
		c.logger.Warn("event send failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
	return nil
}

// isFatalSignature matches the two unrecoverable failure shapes: the vendor
// timeout string and close code 1011.
func (c *Client) isFatalSignature(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseInternalServerErr {
		return true
	}
	return strings.Contains(err.Error(), fatalTimeoutSignature)
}

// latchFatal sets the one-way fatal flag, reports once, and schedules close.
func (c *Client) latchFatal(err error) {
	if !c.fatal.CompareAndSwap(false, true) {
		return
	}
	c.logger.Error("fatal transport error", slog.String("error", err.Error()))
	c.reportError(err)
	go c.Close()
}

func (c *Client) reportError(err error) {
	if c.cb.OnConnectionError != nil {
		c.cb.OnConnectionError(err)
	}
}

// StreamAudio sends one PCM16 chunk, already at the vendor input rate.
func (c *Client) StreamAudio(ctx context.Context, chunk []byte) error {
	if c.fatal.Load() {
		return nil
	}
	if c.cfg.VoiceActive != nil && c.cfg.VoiceActive() {
		c.mu.Lock()
		c.lastSpeech = time.Now()
		c.mu.Unlock()
	}
	return c.sendEvent(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// StreamText appends one user text message and requests a response.
func (c *Client) StreamText(ctx context.Context, text string) error {
	if err := c.sendEvent(ctx, conversationTextItem(text)); err != nil {
		return err
	}
	return c.sendEvent(ctx, map[string]any{"type": "response.create"})
}

// StreamImage sends one base64 JPEG frame. Native-vision vendors get it
// inline subject to rate limiting; others get a one-per-turn out-of-band
// analysis whose description is substituted as text.
func (c *Client) StreamImage(ctx context.Context, b64 string) error {
	if c.fatal.Load() {
		return nil
	}

	if !c.profile.NativeVision {
		return c.streamImageAnalyzed(ctx, b64)
	}

	now := time.Now()
	minInterval := c.profile.ImageMinInterval
	if c.cfg.VoiceActive != nil && !c.cfg.VoiceActive() {
		minInterval = time.Duration(float64(minInterval) * c.profile.IdleRateMultiplier)
	}
	c.mu.Lock()
	if now.Sub(c.lastImage) < minInterval {
		c.mu.Unlock()
		return nil
	}
	c.lastImage = now
	inBuffer := c.audioInBuffer
	c.mu.Unlock()

	switch c.profile.Vendor {
	case VendorFree:
		return c.sendEvent(ctx, map[string]any{
			"type":  "input_image_buffer.append",
			"image": b64,
		})
	case VendorQwen:
		if !inBuffer {
			return nil
		}
		return c.sendEvent(ctx, map[string]any{
			"type":  "input_image_buffer.append",
			"image": b64,
		})
	case VendorGLM:
		if !inBuffer {
			return nil
		}
		return c.sendEvent(ctx, map[string]any{
			"type":        "input_audio_buffer.append_video_frame",
			"video_frame": b64,
		})
	case VendorGPT:
		if !inBuffer {
			return nil
		}
		return c.sendEvent(ctx, map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type": "message",
				"role": "user",
				"content": []map[string]any{{
					"type":      "input_image",
					"image_url": "data:image/jpeg;base64," + b64,
				}},
			},
		})
	default:
		return nil
	}
}

// streamImageAnalyzed covers vendors without native vision: the first frame
// of a turn goes to the vision model, later frames in the turn are dropped.
func (c *Client) streamImageAnalyzed(ctx context.Context, b64 string) error {
	c.mu.Lock()
	if c.imageAnalyzed || c.imageSentThisTurn {
		c.mu.Unlock()
		return nil
	}
	c.imageAnalyzed = true
	c.mu.Unlock()

	if c.cfg.Vision == nil {
		return nil
	}
	description, err := c.cfg.Vision.Describe(ctx, b64)
	if err != nil {
		c.logger.Warn("vision analysis failed", slog.String("error", err.Error()))
		description = "[live screen or camera frame: analysis failed]"
	}

	c.mu.Lock()
	c.imageSentThisTurn = true
	c.mu.Unlock()
	return c.sendEvent(ctx, conversationTextItem("[live screen or camera frame]: "+description))
}

// CreateResponse appends a conversation item then requests generation.
// Skipped responses are throwaway warm-ups; their deltas are swallowed until
// the next response.created.
func (c *Client) CreateResponse(ctx context.Context, instructions string, skipped bool) error {
	if skipped {
		c.mu.Lock()
		c.skipUntilNext = true
		c.mu.Unlock()
	}

	if c.profile.InstructionsViaSession {
		c.mu.Lock()
		base := c.instructions
		c.mu.Unlock()
		if err := c.updateSession(ctx, map[string]any{
			"instructions": base + "\n" + instructions,
		}); err != nil {
			return err
		}
	} else if err := c.sendEvent(ctx, conversationTextItem(instructions)); err != nil {
		return err
	}
	return c.sendEvent(ctx, map[string]any{"type": "response.create"})
}

// ClearAudioBuffer drops the vendor's buffered input audio, keeping it in
// lockstep with the local suppressor reset.
func (c *Client) ClearAudioBuffer(ctx context.Context) error {
	return c.sendEvent(ctx, map[string]any{"type": "input_audio_buffer.clear"})
}

// HandleInterruption cancels the in-flight response server-side and
// suppresses its remaining deltas.
func (c *Client) HandleInterruption(ctx context.Context) error {
	c.mu.Lock()
	if !c.responding {
		c.mu.Unlock()
		return nil
	}
	c.interrupted = true
	c.responding = false
	c.mu.Unlock()

	if c.cb.OnInterrupted != nil {
		c.cb.OnInterrupted()
	}
	return c.sendEvent(ctx, map[string]any{"type": "response.cancel"})
}

// HandleMessages runs the receive loop until the connection closes or the
// context is cancelled.
func (c *Client) HandleMessages(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					return nil
				}
				if closeErr.Code == websocket.CloseInternalServerErr {
					c.latchFatal(fmt.Errorf("realtime: close %d: %s", closeErr.Code, closeErr.Text))
					return nil
				}
				c.reportError(fmt.Errorf("realtime: close %d: %s", closeErr.Code, closeErr.Text))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.reportError(err)
			return err
		}

		var event map[string]json.RawMessage
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		c.handleEvent(event)
	}
}

// handleEvent dispatches one decoded vendor event.
func (c *Client) handleEvent(event map[string]json.RawMessage) {
	eventType := rawString(event["type"])

	switch eventType {
	case "error":
		c.handleErrorEvent(event)
		return

	case "response.created":
		c.mu.Lock()
		c.responding = true
		c.interrupted = false
		c.transcript.Reset()
		c.mu.Unlock()
		if c.cb.OnResponseCreated != nil {
			c.cb.OnResponseCreated()
		}
		return

	case "response.done":
		c.mu.Lock()
		c.responding = false
		c.skipUntilNext = false
		transcript := c.transcript.String()
		c.transcript.Reset()
		c.imageAnalyzed = false
		c.imageSentThisTurn = false
		c.mu.Unlock()
		if c.cb.OnResponseDone != nil {
			c.cb.OnResponseDone(transcript)
		}
		return

	case "input_audio_buffer.speech_started":
		c.mu.Lock()
		c.audioInBuffer = true
		c.lastSpeech = time.Now()
		responding := c.responding
		c.mu.Unlock()
		if c.cb.OnSpeechStarted != nil {
			c.cb.OnSpeechStarted()
		}
		if responding {
			_ = c.HandleInterruption(context.Background())
		}
		return

	case "input_audio_buffer.speech_stopped":
		c.mu.Lock()
		c.audioInBuffer = false
		c.lastSpeech = time.Now()
		c.mu.Unlock()
		if c.cb.OnSpeechStopped != nil {
			c.cb.OnSpeechStopped()
		}
		return
	}

	// Delta families are suppressed during warm-up and after interruption.
	c.mu.Lock()
	suppressed := c.skipUntilNext || c.interrupted
	c.mu.Unlock()
	if suppressed {
		return
	}

	switch {
	case eventTypeIn(eventType, c.profile.TextDeltaEvents):
		if c.profile.SuppressTextDelta {
			return
		}
		if delta := rawString(event["delta"]); delta != "" && c.cb.OnTextDelta != nil {
			c.cb.OnTextDelta(delta)
		}

	case eventTypeIn(eventType, c.profile.AudioDeltaEvents):
		if c.cb.OnAudioDelta == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(rawString(event["delta"]))
		if err != nil || len(pcm) == 0 {
			return
		}
		c.cb.OnAudioDelta(pcm)

	case eventTypeIn(eventType, c.profile.TranscriptDeltaEvents):
		delta := rawString(event["delta"])
		if delta == "" {
			return
		}
		c.mu.Lock()
		c.transcript.WriteString(delta)
		c.mu.Unlock()
		if c.cb.OnTextDelta != nil {
			c.cb.OnTextDelta(delta)
		}

	case eventTypeIn(eventType, c.profile.TranscriptDoneEvents):
		transcript := rawString(event["transcript"])
		if transcript == "" {
			c.mu.Lock()
			transcript = c.transcript.String()
			c.mu.Unlock()
		}
		if transcript != "" && c.cb.OnOutputTranscript != nil {
			c.cb.OnOutputTranscript(transcript)
		}

	case eventType == "conversation.item.input_audio_transcription.completed":
		if transcript := rawString(event["transcript"]); transcript != "" && c.cb.OnInputTranscript != nil {
			c.cb.OnInputTranscript(transcript)
		}
	}
}

// handleErrorEvent applies the overload/backpressure policy: 503-equivalents
// throttle sends instead of tearing down; everything else is logged.
func (c *Client) handleErrorEvent(event map[string]json.RawMessage) {
	msg := string(event["error"])
	if strings.Contains(msg, "503") || strings.Contains(strings.ToLower(msg), "overloaded") {
		c.mu.Lock()
		c.throttleUntil = time.Now().Add(throttleDuration)
		c.mu.Unlock()
		c.logger.Warn("vendor overloaded, throttling audio frames",
			slog.Duration("window", throttleDuration))
		return
	}
	c.logger.Error("vendor error event", slog.String("error", msg))
}

// startWatchdog runs the local silence watchdog for vendors that never close
// idle sessions themselves.
func (c *Client) startWatchdog() {
	stop := make(chan struct{})
	c.mu.Lock()
	c.watchdogStop = stop
	c.watchdogFired = false
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				fired := c.watchdogFired
				idle := time.Since(c.lastSpeech)
				c.mu.Unlock()
				if fired || idle < c.profile.SilenceTimeout {
					continue
				}
				c.mu.Lock()
				c.watchdogFired = true
				c.mu.Unlock()
				c.logger.Warn("silence watchdog fired",
					slog.Duration("idle", idle))
				if c.cb.OnSilenceTimeout != nil {
					c.cb.OnSilenceTimeout()
				}
				return
			}
		}
	}()
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.mu.Lock()
		stop := c.watchdogStop
		c.watchdogStop = nil
		c.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
		}
	})
	return nil
}

func conversationTextItem(text string) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{{
				"type": "input_text",
				"text": text,
			}},
		},
	}
}

func eventTypeIn(eventType string, names []string) bool {
	for _, n := range names {
		if eventType == n {
			return true
		}
	}
	return false
}

// decodeBase64 accepts both raw base64 and data-URL prefixed payloads.
func decodeBase64(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}
