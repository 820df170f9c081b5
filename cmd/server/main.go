package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/Brownie44l1/modelserver/internal/config"
	"github.com/Brownie44l1/modelserver/internal/engine"
	"github.com/Brownie44l1/modelserver/internal/engine/keras"
	"github.com/Brownie44l1/modelserver/internal/engine/onnx"
	"github.com/Brownie44l1/modelserver/internal/handlers"
	"github.com/Brownie44l1/modelserver/internal/lineproto"
	"github.com/Brownie44l1/modelserver/internal/logging"
	"github.com/Brownie44l1/modelserver/internal/metrics"
	"github.com/Brownie44l1/modelserver/internal/model"
)

var gitCommit = "" // set via linker flags

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a .toml or .yaml config file",
	}
	engineFlag = cli.StringFlag{
		Name:  "engine",
		Usage: "inference engine (keras, onnx)",
	}
	onnxLibraryFlag = cli.StringFlag{
		Name:  "onnx-library",
		Usage: "path to the ONNX Runtime shared library",
	}
	onnxAllowPathsFlag = cli.BoolFlag{
		Name:  "onnx-allow-paths",
		Usage: `accept {"path": ...} ONNX structures naming files on this host`,
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	}
	logFormatFlag = cli.StringFlag{
		Name:  "log-format",
		Usage: "json, text or discard",
	}
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "HTTP listen address (default " + config.DefaultAddr + ")",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "modelserver"
	app.Usage = "serve one model over HTTP or stdin/stdout"
	app.Version = "0.1.0"
	if gitCommit != "" {
		app.Version += "-" + gitCommit
	}
	app.Flags = []cli.Flag{configFlag, engineFlag, onnxLibraryFlag, onnxAllowPathsFlag, logLevelFlag, logFormatFlag}
	app.Commands = []cli.Command{
		{
			Name:   "http",
			Usage:  "serve POST /init and POST /predict",
			Flags:  []cli.Flag{addrFlag},
			Action: runHTTP,
		},
		{
			Name:   "stdio",
			Usage:  "serve the line protocol on stdin/stdout",
			Action: runStdio,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString(engineFlag.Name); v != "" {
		cfg.Engine.Name = v
	}
	if v := c.GlobalString(onnxLibraryFlag.Name); v != "" {
		cfg.Engine.ONNXLibrary = v
	}
	if c.GlobalBool(onnxAllowPathsFlag.Name) {
		cfg.Engine.ONNXAllowPaths = true
	}
	if v := c.GlobalString(logLevelFlag.Name); v != "" {
		cfg.Log.Level = v
	}
	if v := c.GlobalString(logFormatFlag.Name); v != "" {
		cfg.Log.Format = v
	}
	if v := c.String(addrFlag.Name); v != "" {
		cfg.Server.Addr = v
	}
	return cfg, cfg.Validate()
}

// server bundles what both commands need: a session over the configured
// engine and a way to release the engine on exit.
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *model.Session
	onnx    *onnx.Engine
}

func newServer(c *cli.Context, logOut io.Writer, recorder model.Recorder) (*server, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Format, cfg.Log.Level, logOut)
	if err != nil {
		return nil, err
	}

	onnxEngine := onnx.New(cfg.Engine.ONNXLibrary, onnx.WithModelPaths(cfg.Engine.ONNXAllowPaths))
	registry := engine.NewRegistry(keras.New(), onnxEngine)
	e, err := registry.Get(cfg.Engine.Name)
	if err != nil {
		return nil, err
	}

	session := model.NewSession(e,
		model.WithLogger(logger),
		model.WithRecorder(recorder),
	)
	return &server{cfg: cfg, logger: logger, session: session, onnx: onnxEngine}, nil
}

func (s *server) close() {
	if err := s.session.Close(); err != nil {
		s.logger.Warn("model_close_failed", "error", err)
	}
	if err := s.onnx.Close(); err != nil {
		s.logger.Warn("onnx_shutdown_failed", "error", err)
	}
}

func runHTTP(c *cli.Context) error {
	m := metrics.New()
	s, err := newServer(c, os.Stdout, m)
	if err != nil {
		return err
	}
	defer s.close()

	router := handlers.NewRouter(handlers.NewHandler(s.session, s.logger), handlers.RouterConfig{
		CORSOrigins: s.cfg.Server.CORSOrigins,
		Metrics:     m,
		Logger:      s.logger,
	})
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_starting",
			"addr", srv.Addr,
			"engine", s.session.Engine(),
			"version", c.App.Version,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http_server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// runStdio keeps stdout for protocol replies; logs go to stderr.
func runStdio(c *cli.Context) error {
	s, err := newServer(c, os.Stderr, nil)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("stdio_server_starting", "engine", s.session.Engine(), "version", c.App.Version)
	if err := lineproto.NewServer(s.session, os.Stdin, os.Stdout, s.logger).Serve(ctx); err != nil &&
		!errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
