package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/canal-dev/canal/internal/multiplex"
	"github.com/canal-dev/canal/internal/procman"
	"github.com/canal-dev/canal/internal/rpc"
	"github.com/canal-dev/canal/internal/util"
)

var version = "undefined"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveConn wires one websocket connection: a multiplexer on the even
// parity, and one rpc server per stream the client opens.
func serveConn(manager *procman.Manager, ws *util.WebSocketConn) {
	mux := multiplex.NewMultiplexer(multiplex.Config{Even: true})
	defer mux.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux.OnStreamCreated(func(stream *multiplex.Stream) {
		channel := rpc.NewStreamChannel(stream, false)
		server := rpc.NewServer(channel)
		server.RegisterAll(procman.Handlers(manager))

		sinkID := manager.AttachSink(procman.NotifySink(server))
		stream.OnClose(func() { manager.DetachSink(sinkID) })
		stream.OnErrored(func(string) { manager.DetachSink(sinkID) })

		// handlers may block (process_wait); run them off the read loop
		assembler := rpc.NewAssembler(func(msg []byte) {
			go server.HandleMessage(ctx, msg)
		})
		stream.OnData(assembler.HandleChunk)
	})

	_ = mux.Bind(ws)
}

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	bindAddr := flag.String("b", "127.0.0.1:9743", "ip:port to listen on for canal clients")
	adminAddr := flag.String("admin", "", "ip:port for the admin API; empty disables it")
	dbPath := flag.String("db", "", "path to the execution journal database; empty disables it")
	verbosity := flag.String("verbosity", "info", "verbosity level")
	askVersion := flag.Bool("v", false, "Print the version number")
	flag.Parse()

	if *askVersion {
		fmt.Printf("canal-server %s\n", version)
		return
	}
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	var journal *procman.Journal
	if *dbPath != "" {
		journal, err = procman.OpenJournal(*dbPath)
		if err != nil {
			log.Fatalf("opening journal: %v", err)
		}
	}

	manager := procman.NewManager(procman.Config{Journal: journal})
	defer manager.Close()

	if *adminAddr != "" {
		go func() {
			log.Infof("admin API listening on %v", *adminAddr)
			log.Error(http.ListenAndServe(*adminAddr, procman.APIRouterOf(manager)))
		}()
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("upgrading %v: %v", r.RemoteAddr, err)
			return
		}
		log.Infof("client connected from %v", conn.RemoteAddr())
		go serveConn(manager, util.NewWebSocketConn(conn))
	})

	log.Infof("canal-server listening on %v", *bindAddr)
	if err := http.ListenAndServe(*bindAddr, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
