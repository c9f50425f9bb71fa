package failover

import (
	"time"

	"github.com/google/uuid"
)

// Sample is a single location fix. Values are copied, never shared.
type Sample struct {
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	Time       time.Time `json:"time"`       // When the fix was taken
	Speed      float64   `json:"speed"`      // km/h, 0 if unknown
	Heading    float64   `json:"heading"`    // Degrees true
	Altitude   float64   `json:"altitude"`   // Meters
	Satellites int       `json:"satellites"` // Sats in use
	HDOP       float64   `json:"hdop"`       // Horizontal dilution
	Source     string    `json:"source"`     // Name of the producing source
}

// ProviderKind identifies which upstream source is routed.
type ProviderKind uint8

const (
	// Primary is the preferred source.
	Primary ProviderKind = iota
	// Secondary is the fallback source.
	Secondary
)

func (k ProviderKind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// MarshalText lets ProviderKind render as its name in JSON.
func (k ProviderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// State is the controller state.
type State uint8

const (
	// StateIdle means no session is running.
	StateIdle State = iota
	// StateUsingPrimary means samples come from the primary source.
	StateUsingPrimary
	// StateUsingSecondary means samples come from the secondary source
	// until the dwell timer expires.
	StateUsingSecondary
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateUsingPrimary:
		return "USING_PRIMARY"
	case StateUsingSecondary:
		return "USING_SECONDARY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a consistent snapshot of the controller.
type Status struct {
	State    State        `json:"state"`
	Active   ProviderKind `json:"active"`
	Switches int          `json:"switches"`
	Running  bool         `json:"running"`
	Since    time.Time    `json:"since"` // When State was entered
	Last     *Sample      `json:"last,omitempty"`
}

// Transition describes one state change.
type Transition struct {
	At       time.Time `json:"at" cbor:"1,keyasint"`
	From     State     `json:"from" cbor:"2,keyasint"`
	To       State     `json:"to" cbor:"3,keyasint"`
	Reason   string    `json:"reason" cbor:"4,keyasint"`
	Switches int       `json:"switches" cbor:"5,keyasint"`
}

// Handle identifies a session returned by Start. The zero Handle is never live.
type Handle struct {
	id uuid.UUID
}

func (h Handle) String() string { return h.id.String() }

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.id == uuid.Nil }

// Token identifies a subscription on a Source.
type Token string

// Source is a push-based location provider. Subscribe must not call
// onSample or onError synchronously from within Subscribe or Unsubscribe.
type Source interface {
	Name() string
	Subscribe(onSample func(Sample), onError func(error)) (Token, error)
	Unsubscribe(Token) error
}

// Subscriber receives the routed stream.
type Subscriber interface {
	OnSample(Sample)
	OnError(error)
}

// SubscriberFuncs adapts two functions to a Subscriber. Nil fields are skipped.
type SubscriberFuncs struct {
	Sample func(Sample)
	Error  func(error)
}

func (f SubscriberFuncs) OnSample(s Sample) {
	if f.Sample != nil {
		f.Sample(s)
	}
}

func (f SubscriberFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
