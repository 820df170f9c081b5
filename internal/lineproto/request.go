// Package lineproto serves the session over a line oriented protocol:
// one "<command>: <json>" request per input line, one "<COMMAND>: <value>"
// response per output line.
package lineproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Brownie44l1/modelserver/internal/model"
)

const (
	CommandInit    = "init"
	CommandPredict = "predict"

	// FallbackCommand names the response to a line with no separator.
	FallbackCommand = "UNKNOWN"

	separator = ": "
)

var ErrNoSeparator = errors.New(`line has no ": " separator`)

type Request struct {
	Command string
	Payload json.RawMessage
}

type ParseError struct {
	Command string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %q request: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Response is the line reported back for this parse failure.
func (e *ParseError) Response() string {
	return Response(e.Command, model.ParseError.Message())
}

// Parse splits line at the first ": " and decodes the remainder as JSON.
func Parse(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	command, payload, ok := strings.Cut(line, separator)
	if !ok {
		return Request{}, &ParseError{Command: FallbackCommand, Err: ErrNoSeparator}
	}
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Request{}, &ParseError{Command: command, Err: err}
	}
	return Request{Command: command, Payload: raw}, nil
}

func Response(command, value string) string {
	return strings.ToUpper(command) + separator + value
}

// FormatResult prints a prediction the way Python prints a float: the
// shortest round-trip digits, a trailing ".0" on whole numbers, and exponent
// form below 1e-4 or from 1e16 up.
func FormatResult(v float64) string {
	if abs := math.Abs(v); abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	text := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(text, ".") {
		text += ".0"
	}
	return text
}

// FailedResult is the reply to a prediction that did not produce a value.
var FailedResult = strconv.Itoa(int(model.Sentinel))
