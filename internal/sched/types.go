package sched

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"time"
)

// ErrInvalidRequest marks a schedule request the caller got wrong: empty
// destination, non-positive fire time, and so on. HTTP maps it to 400.
var ErrInvalidRequest = errors.New("invalid request")

// Config carries the scheduler knobs. Zero values fall back to defaults.
type Config struct {
	// MinDelay is the floor under which a fire time is treated as "now"
	// and the job is delivered synchronously, skipping the alarm.
	MinDelay time.Duration
	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration
}

const (
	defaultMinDelay       = time.Second
	defaultDeliverTimeout = 30 * time.Second
)

func (c Config) minDelay() time.Duration {
	if c.MinDelay > 0 {
		return c.MinDelay
	}
	return defaultMinDelay
}

func (c Config) deliverTimeout() time.Duration {
	if c.DeliverTimeout > 0 {
		return c.DeliverTimeout
	}
	return defaultDeliverTimeout
}

// Request is a single schedule call.
type Request struct {
	// ID is the caller-chosen job id. Empty means derive one from
	// (Destination, FireAt) so identical requests collapse to one job.
	ID          string
	Destination json.RawMessage
	Payload     json.RawMessage
	// FireAt is the target delivery time in unix milliseconds.
	FireAt int64
}

// Result reports the outcome of a schedule call.
type Result struct {
	ID string
	// Existing is true when the id already named a job and nothing new
	// was created.
	Existing bool
	// Status is the job's status after the call: "scheduled" for a
	// deferred job, a terminal status when the fast path delivered it
	// inline or the existing job had already finished.
	Status string
}

// DeriveID produces the idempotency key for a (destination, fireAt) pair.
// Two schedule calls with the same pair and no explicit id land on the
// same job.
func DeriveID(destination json.RawMessage, fireAt int64) string {
	h := fnv.New64a()
	_, _ = h.Write(destination)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(fireAt, 10)))
	return "j" + strconv.FormatUint(h.Sum64(), 16)
}
