package live

import "context"

// InputMode selects which transport variant a session uses.
type InputMode string

const (
	// InputModeAudio uses a realtime duplex transport.
	InputModeAudio InputMode = "audio"
	// InputModeText uses the offline chat-completions transport.
	InputModeText InputMode = "text"
)

// TransportCallbacks is the uniform callback set every vendor transport
// translates its event schema into. All callbacks are optional.
type TransportCallbacks struct {
	// OnResponseCreated fires when the vendor opens a new response. Delta
	// suppression after an interruption ends here.
	OnResponseCreated func()
	// OnTextDelta fires per streamed text fragment.
	OnTextDelta func(text string)
	// OnAudioDelta fires per decoded PCM16 playback fragment (vendor rate).
	OnAudioDelta func(pcm []byte)
	// OnInputTranscript fires with the vendor's transcription of user speech.
	OnInputTranscript func(text string)
	// OnOutputTranscript fires per fragment of the assistant transcript.
	OnOutputTranscript func(text string)
	// OnResponseDone fires when a response completes, with its accumulated
	// transcript. Skipped (warm-up) responses fire this too.
	OnResponseDone func(transcript string)
	// OnSpeechStarted and OnSpeechStopped relay server-side voice activity
	// for vendors that emit it.
	OnSpeechStarted func()
	OnSpeechStopped func()
	// OnInterrupted fires when the vendor reports the response was cut off.
	OnInterrupted func()
	// OnSilenceTimeout fires when the vendor's silence watchdog trips.
	OnSilenceTimeout func()
	// OnRepetitionDetected is the one-shot looping-response warning.
	OnRepetitionDetected func()
	// OnConnectionError reports transport failures. Fatal failures arrive
	// here exactly once; the transport refuses further sends afterwards.
	OnConnectionError func(err error)
}

// Transport is one duplex connection to a conversational backend. The
// realtime websocket vendors, the SDK-mediated vendor and the offline text
// client all satisfy it; the manager never type-sniffs past Mode().
type Transport interface {
	// Mode reports which input type this transport serves.
	Mode() InputMode

	// RequiresWarmup reports whether the vendor benefits from a throwaway
	// priming response after connect.
	RequiresWarmup() bool

	// Connect opens the connection and sends the vendor session
	// configuration. Vendor-side failures are reported through
	// OnConnectionError; only programmer errors return.
	Connect(ctx context.Context, instructions string) error

	// HandleMessages runs the receive loop until the connection closes.
	HandleMessages(ctx context.Context) error

	// CreateResponse appends one conversation item and requests generation.
	// Skipped responses are throwaway warm-ups whose deltas are swallowed.
	CreateResponse(ctx context.Context, instructions string, skipped bool) error

	// StreamAudio sends one PCM16 chunk, already at the upstream rate.
	StreamAudio(ctx context.Context, chunk []byte) error

	// StreamText sends one user text message (text mode).
	StreamText(ctx context.Context, text string) error

	// StreamImage sends one base64 JPEG frame, subject to vendor vision
	// capability and rate limiting.
	StreamImage(ctx context.Context, b64 string) error

	// ClearAudioBuffer drops the vendor's buffered input audio.
	ClearAudioBuffer(ctx context.Context) error

	// HandleInterruption cancels the in-flight response server-side and
	// suppresses stale deltas until the next response is created.
	HandleInterruption(ctx context.Context) error

	// Fatal reports whether a fatal error latched; sends are no-ops after.
	Fatal() bool

	// Connected reports whether the underlying connection is still open.
	Connected() bool

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// TransportFactory builds a fresh transport for the given mode. The manager
// calls it for session start and for background pending-session preparation.
type TransportFactory func(mode InputMode, cb TransportCallbacks) (Transport, error)
