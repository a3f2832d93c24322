package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	glspserver "github.com/tliron/glsp/server"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/server"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Int("verbose", 0, "log verbosity (0 errors only, 2 debug)")
	logPath := flag.String("log", "", "write logs to a file instead of stderr")
	flag.Bool("stdio", true, "serve over stdin/stdout (the only transport)")
	flag.Parse()

	if *showVersion {
		fmt.Println(server.Name, version)
		os.Exit(0)
	}

	// stdout carries the protocol; logs go to stderr or the file.
	var path *string
	if *logPath != "" {
		path = logPath
	}
	commonlog.Configure(*verbose, path)

	s := server.New()
	srv := glspserver.NewServer(server.NewHandler(s), server.Name, *verbose >= 2)
	if err := srv.RunStdio(); err != nil {
		log.Fatalf("server err=%v", err)
	}
}
