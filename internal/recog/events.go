package recog

import "context"

// EventKind tags a recognition event.
type EventKind int

const (
	// KindStarted signals the provider began a recognition session.
	KindStarted EventKind = iota
	// KindPartial carries an in-progress hypothesis. Partials may repeat or
	// regress in content.
	KindPartial
	// KindFinal carries a terminal hypothesis for the utterance.
	KindFinal
	// KindVolume carries a decibel level sample from the recognizer.
	KindVolume
	// KindEnded signals a quiet end of recognition (including benign
	// no-speech / cancelled conditions that are not errors).
	KindEnded
	// KindError carries a genuine recognizer fault.
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindVolume:
		return "volume"
	case KindEnded:
		return "ended"
	default:
		return "error"
	}
}

// ErrorKind classifies genuine recognizer faults.
type ErrorKind string

const (
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindEngine     ErrorKind = "engine"
	ErrorKindNetwork    ErrorKind = "network"
)

// Event is the normalized output of every provider strategy. Within one
// provider instance events are delivered in emission order.
type Event struct {
	Kind      EventKind
	Text      string    // Partial, Final
	DB        float64   // Volume
	ErrorKind ErrorKind // Error
	Message   string    // Error
}

// Sink consumes provider events.
type Sink func(Event)

// Provider is one recognition strategy. Implementations must only emit while
// attached and started, and Stop must be idempotent and safe when already
// stopped.
type Provider interface {
	Attach(sink Sink)
	Start(ctx context.Context, language string) error
	Stop()
}
