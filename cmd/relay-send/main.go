// ABOUTME: One-shot client: sends a message to an agent through the relay host and prints the reply.
// ABOUTME: Usage: relay-send [-addr host:50051] [-timeout 30s] [-raw] <agent-type[/key]> <content|->

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/fault"
	"github.com/2389/relay-gateway/internal/logging"
	"github.com/2389/relay-gateway/internal/worker"
	pb "github.com/2389/relay-gateway/proto/relay"
)

func main() {
	addr := flag.String("addr", envOr("RELAY_HOST_ADDR", "localhost:50051"), "host gRPC address")
	timeout := flag.Duration("timeout", worker.DefaultRequestTimeout, "reply deadline")
	raw := flag.Bool("raw", false, "send and print the payload as-is instead of a JSON message")
	verbose := flag.Bool("v", false, "log runtime activity to stderr")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: relay-send [flags] <agent-type[/key]> <content|->")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(config.LoggingConfig{Level: level}, os.Stderr)

	reply, err := run(ctx, logger, *addr, flag.Arg(0), flag.Arg(1), *timeout, *raw, os.Stdin)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	fmt.Println(reply)
}

func run(ctx context.Context, logger *slog.Logger, addr, recipient, content string, timeout time.Duration, raw bool, stdin io.Reader) (string, error) {
	id, err := pb.ParseAgentID(recipient)
	if err != nil {
		return "", err
	}

	if content == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		content = strings.TrimRight(string(data), "\n")
	}

	payload := []byte(content)
	if !raw {
		if payload, err = agent.Text(content); err != nil {
			return "", err
		}
	}

	rt := worker.New(worker.Options{
		HostAddr:          addr,
		RequestTimeout:    timeout,
		HeartbeatInterval: -1,
		Logger:            logger,
	})
	if err := rt.Start(ctx); err != nil {
		return "", err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(stopCtx)
	}()

	reply, err := rt.Send(ctx, id, payload)
	if err != nil {
		return "", err
	}
	if raw {
		return string(reply), nil
	}

	msg, err := agent.DecodeMessage(reply)
	if err != nil {
		return string(reply), nil
	}
	return msg.Content, nil
}

func printError(err error) {
	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)

	var remote *fault.RemoteError
	if errors.As(err, &remote) {
		red.Fprint(os.Stderr, "remote error ")
		gray.Fprintf(os.Stderr, "from %s: ", remote.Agent)
		fmt.Fprintln(os.Stderr, remote.Message)
		return
	}
	red.Fprintf(os.Stderr, "%s ", fault.KindOf(err))
	fmt.Fprintln(os.Stderr, err)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
