package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/Brownie44l1/modelserver/internal/client"
	"github.com/Brownie44l1/modelserver/internal/payload"
	"github.com/Brownie44l1/modelserver/internal/tensor"
)

var (
	urlFlag = cli.StringFlag{
		Name:  "url",
		Value: "http://localhost:4674",
		Usage: "base URL of an HTTP server",
	}
	execFlag = cli.StringFlag{
		Name:  "exec",
		Usage: `spawn a stdio server instead, e.g. "modelserver stdio"`,
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Value: 30 * time.Second,
		Usage: "request timeout",
	}
	modelFlag = cli.StringFlag{
		Name:  "model",
		Usage: "model structure: a JSON file, or an .onnx file sent as base64",
	}
	weightsFlag = cli.StringFlag{
		Name:  "weights",
		Usage: "JSON file holding the list of weight arrays",
	}
	inputsFlag = cli.StringFlag{
		Name:  "inputs",
		Usage: `inputs as JSON ({"x": [1, 2, 3]}) or @file`,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "modelclient"
	app.Usage = "load a model into a modelserver and query it"
	app.Flags = []cli.Flag{urlFlag, execFlag, timeoutFlag}
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "load a model",
			Flags:  []cli.Flag{modelFlag, weightsFlag},
			Action: runInit,
		},
		{
			Name:   "predict",
			Usage:  "predict for one input; --model loads a model first",
			Flags:  []cli.Flag{inputsFlag, modelFlag, weightsFlag},
			Action: runPredict,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func connect(c *cli.Context) (client.Client, error) {
	if raw := c.GlobalString(execFlag.Name); raw != "" {
		command, err := client.ParseCommand(raw)
		if err != nil {
			return nil, err
		}
		return client.StartProcess(context.Background(), command, os.Stderr)
	}
	return client.NewHTTP(c.GlobalString(urlFlag.Name), c.GlobalDuration(timeoutFlag.Name)), nil
}

func loadDefinition(c *cli.Context) (json.RawMessage, []tensor.Tensor, error) {
	path := c.String(modelFlag.Name)
	if path == "" {
		return nil, nil, errors.New("--model is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model: %w", err)
	}
	structure := json.RawMessage(data)
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		if structure, err = json.Marshal(data); err != nil {
			return nil, nil, err
		}
	}

	var weights []tensor.Tensor
	if wpath := c.String(weightsFlag.Name); wpath != "" {
		raw, err := os.ReadFile(wpath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read weights: %w", err)
		}
		if err := json.Unmarshal(raw, &weights); err != nil {
			return nil, nil, fmt.Errorf("failed to decode weights: %w", err)
		}
	}
	return structure, weights, nil
}

func runInit(c *cli.Context) error {
	structure, weights, err := loadDefinition(c)
	if err != nil {
		return err
	}
	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration(timeoutFlag.Name))
	defer cancel()
	if err := cl.Init(ctx, structure, weights); err != nil {
		return err
	}
	fmt.Println("model loaded")
	return nil
}

func runPredict(c *cli.Context) error {
	raw := c.String(inputsFlag.Name)
	if raw == "" {
		return errors.New("--inputs is required")
	}
	if file, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read inputs: %w", err)
		}
		raw = string(data)
	}
	inputs, err := payload.DecodeInputs(json.RawMessage(raw))
	if err != nil {
		return err
	}

	cl, err := connect(c)
	if err != nil {
		return err
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration(timeoutFlag.Name))
	defer cancel()
	if c.String(modelFlag.Name) != "" {
		structure, weights, err := loadDefinition(c)
		if err != nil {
			return err
		}
		if err := cl.Init(ctx, structure, weights); err != nil {
			return err
		}
	}

	v, err := cl.Predict(ctx, inputs)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}
