package logging

import (
	"strconv"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

// Pipeline adds the pipeline id.
func Pipeline(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("pipeline_id", id)
	}
}

// Phase adds the current phase.
func Phase(p string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("phase", p)
	}
}

// Transition adds from/to phase fields.
func Transition(from, to string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("from_phase", from).Str("to_phase", to)
	}
}

// Substate adds the substate kind.
func Substate(kind string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("substate", kind)
	}
}

// Alias adds a model alias.
func Alias(a string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("alias", a)
	}
}

// Model adds a concrete model identifier.
func Model(m string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("model", m)
	}
}

// Tokens adds a token count under key.
func Tokens(key string, n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, n)
	}
}

// Ratio adds a float rendered with four decimals.
func Ratio(key string, v float64) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, strconv.FormatFloat(v, 'f', 4, 64))
	}
}

// Attempt adds a retry attempt counter.
func Attempt(n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int("attempt", n)
	}
}

// BlockingID adds a blocking record id.
func BlockingID(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("blocking_id", id)
	}
}

// LatencyMs adds a latency field in milliseconds.
func LatencyMs(ms int64) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("latency_ms", ms)
	}
}

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("component", name)
	}
}

// Reason adds a reason field.
func Reason(reason string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("reason", reason)
	}
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}
