package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jabolina/go-roam/pkg/roam"
	"github.com/jabolina/go-roam/pkg/roam/client"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	username   = kingpin.Arg("username", "Name shown to other users.").Required().String()
	uri        = kingpin.Flag("uri", "Logical uri of the chat room.").Default("migration@localhost:5000").String()
	nameServer = kingpin.Flag("name-server", "Address of the name server.").Default("localhost:6000").String()
	bind       = kingpin.Flag("bind", "Address to receive events.").Default("localhost:0").String()
	timeout    = kingpin.Flag("timeout", "Timeout for each request.").Default("1s").Duration()
	logLevel   = kingpin.Flag("log-level", "Log level.").Default("WARN").Enum("TRACE", "DEBUG", "INFO", "WARN", "ERROR")
)

func render(event types.Event) {
	switch event.Kind {
	case types.ServerMessageEvent:
		fmt.Printf("* %s\n", event.Text)
	case types.MessageHistoryEvent:
		for _, message := range event.History {
			fmt.Printf("[%d] %s: %s\n", message.Index, message.Username, message.Text)
		}
	case types.ChatEvent:
		fmt.Printf("[%d] %s: %s\n", event.Chat.Index, event.Chat.Username, event.Chat.Text)
	case types.PauseMessagingEvent:
		if event.Pause {
			fmt.Println("* room is moving, messages will be sent later")
		}
	case types.ReconnectEvent:
		fmt.Println("* reconnecting")
	}
}

func main() {
	kingpin.Parse()

	log := roam.NewLogger(*logLevel).Named("client")
	transport, err := network.NewTCPTransport(*bind, nil, 1, *timeout, log.Named("transport"))
	if err != nil {
		log.Error("failed creating transport", "error", err)
		os.Exit(1)
	}

	c := client.New(client.Config{
		Username: *username,
		URI:      types.LogicalURI(*uri),
		Timeout:  *timeout,
		OnEvent:  render,
		Logger:   log,
	}, transport, types.Address(*nameServer))
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		log.Error("failed connecting", "uri", *uri, "error", err)
		return
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.Leave(context.Background())
			return
		case line, ok := <-lines:
			if !ok {
				c.Leave(context.Background())
				return
			}
			handle(ctx, c, strings.TrimSpace(line))
		}
	}
}

func handle(ctx context.Context, c *client.Client, line string) {
	if len(line) == 0 {
		return
	}

	if name, ok := strings.CutPrefix(line, "/lookup "); ok {
		res, err := c.Lookup(ctx, strings.TrimSpace(name))
		switch {
		case err != nil:
			fmt.Printf("* lookup failed: %v\n", err)
		case !res.Found:
			fmt.Printf("* %s is not connected\n", name)
		default:
			fmt.Printf("* %s is at %s\n", name, res.URI)
		}
		return
	}

	// Sent in background, the order is kept by the client.
	c.Send(line)
}
