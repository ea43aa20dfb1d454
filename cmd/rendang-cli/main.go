// Command rendang-cli is a small one-shot command runner: it connects
// to a Redis endpoint using this module's client package, executes its
// command-line arguments as a single command, and prints the decoded
// reply.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lukluk/rendang/client"
	"github.com/lukluk/rendang/command"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := getEnv("RENDANG_ADDR", "127.0.0.1:6379")
	password := os.Getenv("RENDANG_PASSWORD")

	cfg := client.Config{
		Topology:       client.TopologyStandalone,
		Addrs:          []string{addr},
		Password:       password,
		ConnectTimeout: 5 * time.Second,
	}

	c, err := client.New(cfg)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", addr, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutting down rendang-cli...")
		c.Close()
		os.Exit(0)
	}()
	defer c.Close()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: rendang-cli <command> [args...]")
		os.Exit(1)
	}

	b := command.NewBuilder(strings.ToUpper(os.Args[1]))
	for _, arg := range os.Args[2:] {
		b.Arg(arg)
	}

	reply, err := c.Do(b.Build())
	if err != nil {
		log.Fatalf("command failed: %v", err)
	}

	val, err := reply.Decode()
	if err != nil {
		log.Fatalf("could not decode reply: %v", err)
	}
	fmt.Println(val.String())
}
