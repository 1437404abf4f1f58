// Package imagegen defines the artwork image generator seam and the
// transient-error classification the retry loop depends on.
package imagegen

import (
	"context"
	"errors"
	"regexp"
)

// ErrTransient marks a generation failure worth retrying. Wrap provider
// errors with it, or let Transient classify them by message.
var ErrTransient = errors.New("transient generation failure")

// transientPattern matches provider messages that indicate throttling or
// temporary unavailability rather than a bad request.
var transientPattern = regexp.MustCompile(`(?i)quota|resource[_ ]exhausted|rate|429|unavailable|deadline|timeout`)

// Transient reports whether err should be retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

// Request describes one artwork image to generate.
type Request struct {
	Prompt   string
	Seed     uint32
	MimeType string
}

// Result carries the generated image bytes.
type Result struct {
	Bytes []byte
	Model string
}

// Generator produces card artwork. Implementations call an external image
// model; tests use a scripted fake.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
