package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/linkup/chat-client/pkg/snowflake"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	rooms := flag.String("rooms", "42=alice,bob", "seed rooms: room=user1,user2 pairs separated by ';'")
	nodeID := flag.Int64("node", 1, "snowflake node id")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	node, err := snowflake.NewNode(*nodeID)
	if err != nil {
		log.Error("bad node id", "error", err)
		os.Exit(1)
	}

	srv := NewServer(node, log)

	for _, spec := range strings.Split(*rooms, ";") {
		room, members, ok := strings.Cut(spec, "=")
		if !ok {
			continue
		}
		srv.AddRoom(room, strings.Split(members, ",")...)
		log.Info("seeded room", "room", room, "members", members)
	}

	log.Info("dev server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
