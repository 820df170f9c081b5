package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Brownie44l1/modelserver/internal/model"
	"github.com/Brownie44l1/modelserver/internal/payload"
)

const initOK = "true"

type Server struct {
	session *model.Session
	in      *bufio.Reader
	out     *bufio.Writer
	logger  *slog.Logger
}

func NewServer(session *model.Session, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		session: session,
		in:      bufio.NewReader(in),
		out:     bufio.NewWriter(out),
		logger:  logger,
	}
}

type readResult struct {
	line string
	err  error
}

// Serve answers requests until the input ends, returning nil at EOF, or until
// ctx is done, returning ctx.Err() even while a read is blocked. Request
// errors become response lines, only read and write errors end the loop.
func (s *Server) Serve(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lines := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go s.readLines(lines, stop)

	for {
		var r readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-lines:
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(r.line) > 0 {
			if resp, ok := s.handle(ctx, r.line); ok {
				if err := s.write(resp); err != nil {
					return err
				}
			}
		}
		if errors.Is(r.err, io.EOF) {
			return nil
		}
		if r.err != nil {
			return fmt.Errorf("failed to read request: %w", r.err)
		}
	}
}

// readLines feeds lines to Serve until the input fails or Serve returns. A
// read blocked on input outlives Serve until the input is closed.
func (s *Server) readLines(lines chan<- readResult, stop <-chan struct{}) {
	for {
		line, err := s.in.ReadString('\n')
		select {
		case lines <- readResult{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, line string) (string, bool) {
	req, err := Parse(line)
	if err != nil {
		var pe *ParseError
		errors.As(err, &pe)
		s.logger.Debug("request_parse_failed", "command", pe.Command, "error", pe.Err)
		return pe.Response(), true
	}

	start := time.Now()
	var value string
	switch req.Command {
	case CommandInit:
		value = s.initialize(ctx, req)
	case CommandPredict:
		value = s.predict(ctx, req)
	default:
		s.logger.Debug("command_ignored", "command", req.Command)
		return "", false
	}
	s.logger.Debug("request_handled",
		"command", req.Command,
		"response", value,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Response(req.Command, value), true
}

func (s *Server) initialize(ctx context.Context, req Request) string {
	def, err := payload.DecodeDefinition(req.Payload)
	if err != nil {
		s.logger.Warn("init_payload_invalid", "error", err)
		return model.ModelLoadError.Message()
	}
	if err := s.session.Initialize(ctx, def); err != nil {
		return err.Error()
	}
	return initOK
}

func (s *Server) predict(ctx context.Context, req Request) string {
	inputs, err := payload.DecodeInputs(req.Payload)
	if err != nil {
		s.logger.Warn("predict_payload_invalid", "error", err)
		return FailedResult
	}
	v, err := s.session.Predict(ctx, inputs)
	if err != nil {
		return FailedResult
	}
	return FormatResult(v)
}

func (s *Server) write(line string) error {
	if _, err := s.out.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := s.out.Flush(); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
