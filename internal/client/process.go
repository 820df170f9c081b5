package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/Brownie44l1/modelserver/internal/tensor"
)

const (
	initReply    = "INIT: "
	predictReply = "PREDICT: "
	parseFailed  = "Failed to parse"
	// failedReply is how a failed prediction is reported. A successful
	// prediction always carries a decimal point or an exponent.
	failedReply = "-1"
)

// Conn sends one request line at a time and waits for its reply line.
type Conn struct {
	mu sync.Mutex
	w  io.Writer
	r  *bufio.Reader
}

func NewConn(w io.Writer, r io.Reader) *Conn {
	return &Conn{w: w, r: bufio.NewReader(r)}
}

func (c *Conn) Init(ctx context.Context, structure json.RawMessage, weights []tensor.Tensor) error {
	reply, err := c.roundTrip(ctx, "init", newInitBody(structure, weights), initReply)
	if err != nil {
		return err
	}
	if reply != "true" {
		return fmt.Errorf("%w: %s", ErrInitFailed, reply)
	}
	return nil
}

// Predict returns ErrPredictFailed when the server answers a bare -1. A
// predicted value of -1 arrives as -1.0 and is returned as is.
func (c *Conn) Predict(ctx context.Context, inputs map[string]tensor.Tensor) (float64, error) {
	reply, err := c.roundTrip(ctx, "predict", inputs, predictReply)
	if err != nil {
		return -1, err
	}
	if reply == failedReply {
		return -1, ErrPredictFailed
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return -1, fmt.Errorf("%w: %q", ErrProtocol, reply)
	}
	return v, nil
}

func (c *Conn) Close() error { return nil }

func (c *Conn) roundTrip(ctx context.Context, command string, body any, prefix string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s request: %w", command, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s: %s\n", command, payload); err != nil {
		return "", fmt.Errorf("failed to send %s request: %w", command, err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read %s reply: %w", command, err)
	}
	line = strings.TrimRight(line, "\r\n")
	value, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrProtocol, line)
	}
	if value == parseFailed {
		return "", ErrRejected
	}
	return value, nil
}

// Process is a Conn to a server started as a child process in stdio mode.
type Process struct {
	*Conn
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// ParseCommand splits a command line on whitespace.
func ParseCommand(raw string) ([]string, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return nil, errors.New("server command is empty")
	}
	return parts, nil
}

// StartProcess launches command and connects to its stdin and stdout. The
// child's stderr goes to stderr when it is not nil.
func StartProcess(ctx context.Context, command []string, stderr io.Writer) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("server command is empty")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open server stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	return &Process{Conn: NewConn(stdin, stdout), cmd: cmd, stdin: stdin}, nil
}

// Close ends the session by closing the child's stdin and waits for it.
func (p *Process) Close() error {
	if err := p.stdin.Close(); err != nil {
		return err
	}
	return p.cmd.Wait()
}
