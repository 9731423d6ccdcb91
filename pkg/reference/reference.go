// Package reference encodes the gateway reference code that joins webhook
// (push) and order-detail (pull) records for one payment attempt.
package reference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const sep = ":"

var ErrMalformed = errors.New("malformed reference code")

// Code is a decoded reference code. Env is kept for completeness; callers
// correlate on Event, User and Counter.
type Code struct {
	Event   string
	User    string
	Counter int
	Env     string
}

// Encode joins the fields as "{event}:{user}:{counter}:{env}".
func Encode(event, user string, counter int, env string) string {
	return strings.Join([]string{event, user, strconv.Itoa(counter), env}, sep)
}

// Decode splits a reference code. It does not validate the event slug or the
// address format.
func Decode(code string) (Code, error) {
	parts := strings.Split(code, sep)
	if len(parts) < 4 {
		return Code{}, fmt.Errorf("%w: %q has %d segments", ErrMalformed, code, len(parts))
	}
	counter, err := strconv.Atoi(parts[2])
	if err != nil {
		return Code{}, fmt.Errorf("%w: counter %q: %v", ErrMalformed, parts[2], err)
	}
	return Code{
		Event:   parts[0],
		User:    parts[1],
		Counter: counter,
		Env:     strings.Join(parts[3:], sep),
	}, nil
}
