// Command swctl talks to the control channel of a running gateway.
//
//	swctl -addr http://localhost:8080 status
//	swctl skip-waiting
//	swctl clear-cache
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"offlinegate/internal/lifecycle"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "gateway base URL")
	prefix := flag.String("control-path", "/__sw", "control channel path")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] status|skip-waiting|clear-cache\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	base := strings.TrimSuffix(*addr, "/") + "/" + strings.Trim(*prefix, "/")

	var (
		req *http.Request
		err error
	)
	switch flag.Arg(0) {
	case "status":
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	case "skip-waiting":
		req, err = messageRequest(ctx, base, lifecycle.MsgSkipWaiting)
	case "clear-cache":
		req, err = messageRequest(ctx, base, lifecycle.MsgClearCache)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		log.Fatalf("%s: %s: %s", flag.Arg(0), resp.Status, bytes.TrimSpace(body))
	}

	var st lifecycle.Status
	if err := json.Unmarshal(body, &st); err != nil {
		log.Fatalf("decode status: %v", err)
	}
	fmt.Printf("state=%s store=%s controlling=%t stores=%s\n",
		st.State, st.StoreName, st.Controlling, strings.Join(st.Stores, ","))
}

func messageRequest(ctx context.Context, base, msgType string) (*http.Request, error) {
	payload, err := json.Marshal(lifecycle.Message{Type: msgType})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/message", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
