package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownAction  = errors.New("unknown message action")
	ErrInvalidMessage = errors.New("invalid message")
)

// HandlerFunc answers one decoded message. raw is the full wire message.
type HandlerFunc func(ctx context.Context, env Envelope, raw []byte) (interface{}, error)

// Bus routes request messages to the handler registered for their action.
// Handlers run on the caller's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	validate *validator.Validate
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]HandlerFunc),
		validate: validator.New(),
	}
}

func (b *Bus) Handle(action string, h HandlerFunc) {
	b.mu.Lock()
	b.handlers[action] = h
	b.mu.Unlock()
}

// Register decodes and validates T before calling fn.
func Register[T any](b *Bus, action string, fn func(ctx context.Context, tabID int, msg T) (interface{}, error)) {
	b.Handle(action, func(ctx context.Context, env Envelope, raw []byte) (interface{}, error) {
		var msg T
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := b.validate.Struct(msg); err != nil {
			return nil, &ValidationError{Action: action, Err: err}
		}
		return fn(ctx, env.TabID, msg)
	})
}

// Dispatch decodes the envelope of raw and runs the matching handler.
func (b *Bus) Dispatch(ctx context.Context, raw []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := b.validate.Struct(env); err != nil {
		return nil, &ValidationError{Action: env.Action, Err: err}
	}

	b.mu.RLock()
	h, ok := b.handlers[env.Action]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	return h(ctx, env, raw)
}

// Send builds a wire message and dispatches it in process.
func (b *Bus) Send(ctx context.Context, tabID int, action string, msg, reply interface{}) error {
	raw, err := Encode(action, tabID, msg)
	if err != nil {
		return err
	}
	out, err := b.Dispatch(ctx, raw)
	if err != nil {
		return err
	}
	if reply == nil || out == nil {
		return nil
	}
	// round-trip through JSON so in-process callers see exactly what remote ones do
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

// Encode flattens msg next to the envelope fields.
func Encode(action string, tabID int, msg interface{}) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if msg != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", action, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("encode %s: payload must be an object: %w", action, err)
		}
	}
	fields["action"], _ = json.Marshal(action)
	if tabID != 0 {
		fields["tabId"], _ = json.Marshal(tabID)
	}
	return json.Marshal(fields)
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Action string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s message: %v", e.Action, e.Err)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMessage }

// Fields maps each failing field to a short reason.
func (e *ValidationError) Fields() map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(e.Err, &verrs) {
		errs["error"] = e.Err.Error()
		return errs
	}
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			errs[fe.Field()] = "is required"
		case "max":
			errs[fe.Field()] = "exceeds maximum length"
		case "oneof":
			errs[fe.Field()] = "must be one of: " + fe.Param()
		default:
			errs[fe.Field()] = "invalid value"
		}
	}
	return errs
}
