package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/predictor"
	"github.com/loqalabs/loqa-predict/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: predictctl <predict|request|validate|version> [flags] [args]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "predict":
		err = runPredict(os.Args[2:], os.Stdout)
	case "request":
		err = runRequest(os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runPredict fits the configured model and predicts offline.
func runPredict(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(numbersAsArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("predict expects exactly one number")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	model, err := predictor.Fit(predictor.SamplesFromConfig(cfg.Model))
	if err != nil {
		return err
	}
	x, err := pipeline.ParseNumber(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%q: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(out, "Predicted Output: %s\n", pipeline.FormatValue(model.Predict(x), cfg.Model.Precision))
	return nil
}

// runRequest asks a running predictd for a prediction over the bus.
func runRequest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	servers := fs.String("servers", "nats://127.0.0.1:4222", "Comma separated NATS servers")
	timeout := fs.Duration("timeout", 30*time.Second, "Reply timeout")
	if err := fs.Parse(numbersAsArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("request expects the text to send")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	busCfg := cfg.Bus
	busCfg.Servers = strings.Split(*servers, ",")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := bus.Connect(ctx, busCfg, "predictctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := json.Marshal(protocol.PredictRequest{Text: strings.Join(fs.Args(), " ")})
	if err != nil {
		return err
	}
	msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectPredictRequest, data)
	if err != nil {
		return fmt.Errorf("request prediction: %w", err)
	}
	var outcome pipeline.Outcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	fmt.Fprintln(out, outcome.Message)
	if !outcome.OK() {
		return fmt.Errorf("prediction failed: %s", outcome.Kind)
	}
	return nil
}

// numbersAsArgs inserts "--" before the first argument that reads as a number,
// so negative inputs such as -1 are not taken for flags.
func numbersAsArgs(fs *flag.FlagSet, args []string) []string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || !strings.HasPrefix(arg, "-") {
			return args
		}
		if _, err := pipeline.ParseNumber(arg); err == nil {
			out := make([]string, 0, len(args)+1)
			out = append(out, args[:i]...)
			out = append(out, "--")
			return append(out, args[i:]...)
		}
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if f := fs.Lookup(name); f != nil {
			if b, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && b.IsBoolFlag() {
				continue
			}
			// skip the flag's value
			i++
		}
	}
	return args
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "predict.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Fprintln(out, "config valid")
	return nil
}
