// Command lsp-repl speaks Content-Length framed JSON-RPC to a language
// server over stdio, for poking at a running server by hand.
//
// Each input line is a method name followed by its params as JSON:
//
//	textDocument/hover {"textDocument":{"uri":"file:///a.rb"},"position":{"line":0,"character":3}}
//
// Methods without a JSON argument are sent as notifications with empty
// params. The initialize handshake runs automatically at startup.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func main() {
	root := flag.String("root", "", "workspace root sent in initialize (default cwd)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"ruby-fast-lsp", "--stdio"}
	}

	if *root == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getwd err=%v", err)
		}
		*root = wd
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Fatalf("pipe err=%v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Fatalf("pipe err=%v", err)
	}
	if err := cmd.Start(); err != nil {
		log.Fatalf("start %s err=%v", args[0], err)
	}

	r := &repl{in: stdin, out: bufio.NewReader(stdout)}
	go r.printIncoming()

	r.request("initialize", map[string]any{
		"processId": os.Getpid(),
		"rootUri":   "file://" + *root,
		"capabilities": map[string]any{},
	})
	r.notify("initialized", map[string]any{})

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		method, rest, _ := strings.Cut(line, " ")
		if method == "exit" || method == "quit" {
			break
		}
		var params any
		if rest != "" {
			if err := json.Unmarshal([]byte(rest), &params); err != nil {
				fmt.Fprintf(os.Stderr, "bad params: %v\n", err)
				continue
			}
		} else {
			params = map[string]any{}
		}
		if isNotification(method) {
			r.notify(method, params)
		} else {
			r.request(method, params)
		}
	}

	r.request("shutdown", nil)
	r.notify("exit", nil)
	stdin.Close()
	cmd.Wait()
}

func isNotification(method string) bool {
	switch method {
	case "initialized", "exit":
		return true
	}
	return strings.HasPrefix(method, "textDocument/did") ||
		strings.HasPrefix(method, "workspace/did") ||
		strings.HasPrefix(method, "$/")
}

type repl struct {
	in  io.Writer
	out *bufio.Reader
	id  int
}

func (r *repl) request(method string, params any) {
	r.id++
	r.send(map[string]any{"jsonrpc": "2.0", "id": r.id, "method": method, "params": params})
}

func (r *repl) notify(method string, params any) {
	r.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (r *repl) send(msg map[string]any) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Fatalf("marshal err=%v", err)
	}
	fmt.Fprintf(r.in, "Content-Length: %d\r\n\r\n%s", len(body), body)
}

// printIncoming reads framed server messages and pretty-prints them.
func (r *repl) printIncoming() {
	for {
		body, err := readFrame(r.out)
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "read err=%v\n", err)
			}
			return
		}
		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			fmt.Printf("<- %s\n", body)
			continue
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("<- %s\n", out)
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length %q: %w", v, err)
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("frame missing Content-Length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
