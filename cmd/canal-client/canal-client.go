package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/canal-dev/canal/internal/multiplex"
	"github.com/canal-dev/canal/internal/rpc"
	"github.com/canal-dev/canal/internal/util"
)

var version = "undefined"

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	serverURL := flag.String("c", "ws://127.0.0.1:9743/", "canal server URL")
	token := flag.String("token", "", "opaque auth token forwarded with every request")
	timeout := flag.Duration("timeout", 0, "per-request timeout, 0 for none")
	verbosity := flag.String("verbosity", "error", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	flag.Parse()

	if *askVersion {
		fmt.Printf("canal-client %s\n", version)
		return
	}
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: canal-client [flags] command [args...]")
		os.Exit(2)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("dialling %v: %v", *serverURL, err)
	}
	ws := util.NewWebSocketConn(conn)

	mux := multiplex.NewMultiplexer(multiplex.Config{})
	stream, err := mux.CreateStream()
	if err != nil {
		log.Fatal(err)
	}
	client := rpc.NewClient(rpc.NewStreamChannel(stream, true), rpc.ClientConfig{
		Timeout: *timeout,
		Token:   *token,
	})
	assembler := rpc.NewAssembler(client.HandleMessage)
	stream.OnData(assembler.HandleChunk)
	stream.OnClose(func() { client.Dispose(fmt.Errorf("stream closed")) })
	stream.OnErrored(func(msg string) { client.Dispose(fmt.Errorf("stream errored: %v", msg)) })
	go func() {
		err := mux.Bind(ws)
		client.Dispose(err)
	}()

	exitCode, err := run(client, args[0], args[1:])
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(exitCode)
}

func run(client *rpc.Client, command string, args []string) (int, error) {
	ctx := context.Background()

	execResp, err := client.Request(ctx, "process_execute", map[string]interface{}{
		"command": command,
		"args":    args,
	})
	if err != nil {
		return 0, fmt.Errorf("process_execute: %w", err)
	}
	var execResult struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(execResp, &execResult); err != nil {
		return 0, err
	}
	log.Debugf("remote pid %v", execResult.PID)

	// stream raw output as it happens; the buffered view arrives with
	// the wait response anyway
	unsubscribe := client.OnNotification("process_output", func(payload json.RawMessage) {
		var note struct {
			PID    int    `json:"pid"`
			Output string `json:"output"`
		}
		if json.Unmarshal(payload, &note) == nil && note.PID == execResult.PID {
			fmt.Print(note.Output)
		}
	})
	defer unsubscribe()

	waitResp, err := client.Request(ctx, "process_wait", map[string]interface{}{
		"pid": execResult.PID,
	})
	if err != nil {
		return 0, fmt.Errorf("process_wait: %w", err)
	}
	var waitResult struct {
		ExitCode   *int    `json:"exit_code"`
		ExitSignal *string `json:"exit_signal"`
	}
	if err := json.Unmarshal(waitResp, &waitResult); err != nil {
		return 0, err
	}

	// let the final output notifications drain before exiting
	time.Sleep(50 * time.Millisecond)

	switch {
	case waitResult.ExitSignal != nil:
		return 0, fmt.Errorf("killed by %v", *waitResult.ExitSignal)
	case waitResult.ExitCode != nil:
		return *waitResult.ExitCode, nil
	default:
		return 0, nil
	}
}
