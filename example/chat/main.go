package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Zereker/framed"
)

func main() {
	app := &cli.App{
		Name:  "chat",
		Usage: "a tiny chat over the framed TCP transport",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run a chat server that broadcasts every message",
				Action: serveCmd,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "listen port",
					},
				},
			},
			{
				Name:   "connect",
				Usage:  "connect to a chat server and talk",
				Action: connectCmd,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Aliases: []string{"a"},
						Usage:   "server address (host:port)",
					},
					&cli.StringFlag{
						Name:    "nick",
						Aliases: []string{"n"},
						Usage:   "display name",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// room tracks the connected members and fans messages out to them.
type room struct {
	sync.RWMutex
	members map[string]*framed.Conn
}

func newRoom() *room {
	return &room{members: make(map[string]*framed.Conn)}
}

func (r *room) add(key string, conn *framed.Conn) {
	r.Lock()
	defer r.Unlock()
	r.members[key] = conn
}

func (r *room) remove(key string) {
	r.Lock()
	defer r.Unlock()
	delete(r.members, key)
}

func (r *room) broadcast(payload []byte) {
	r.RLock()
	defer r.RUnlock()

	for key, conn := range r.members {
		if err := conn.Send(payload); err != nil {
			slog.Warn("dropping message", "member", key, "error", err)
		}
	}
}

func serveCmd(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	port := cfg.Serve.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	chatRoom := newRoom()
	acceptor, err := framed.NewAcceptor(func(conn *framed.Conn, remote net.Addr) {
		key := remote.String()
		chatRoom.add(key, conn)
		slog.Info("member joined", "addr", key)

		go func() {
			<-conn.DisconnectD()
			chatRoom.remove(key)
			slog.Info("member left", "addr", key)
		}()
	}, framed.ConnOptions(
		framed.OnMessageOption(func(payload []byte) {
			chatRoom.broadcast(payload)
		}),
		framed.BufferSizeOption(16),
	))
	if err != nil {
		return err
	}

	if err := acceptor.Start(port); err != nil {
		return err
	}
	slog.Info("chat server listening", "addr", acceptor.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	return acceptor.Stop()
}

func connectCmd(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	addr := cfg.Connect.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}
	nick := cfg.Connect.Nick
	if c.IsSet("nick") {
		nick = c.String("nick")
	}

	conn, err := framed.New(
		framed.OnMessageOption(func(payload []byte) {
			fmt.Println(string(payload))
		}),
		framed.OnDisconnectOption(func() {
			fmt.Println("* disconnected")
		}),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Reconnection policy lives here, not in the transport: keep retrying
	// until the server shows up.
	for {
		err := conn.Dial(addr)
		if err == nil {
			break
		}
		slog.Warn("connect failed, retrying", "addr", addr, "error", err)
		time.Sleep(time.Second)
	}
	fmt.Printf("* connected to %s as %s\n", addr, nick)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-conn.DisconnectD():
			return nil
		case line, ok := <-lines:
			if !ok {
				return conn.Disconnect()
			}
			if line == "" {
				continue
			}
			if err := conn.SendOrdered([]byte(nick + ": " + line)); err != nil {
				return err
			}
		}
	}
}
