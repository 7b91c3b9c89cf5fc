package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/codeshare/internal/advisory"
	"github.com/manpreetbhatti/codeshare/internal/client"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

const Version = "0.1.0"

func main() {
	usage := `Codeshare terminal client.

Usage:
    codeshare join --room=<room> --name=<name> [--url=<url>] [--verbose]
    codeshare push --room=<room> --name=<name> --file=<path> [--url=<url>] [--force] [--verbose]
    codeshare -h | --help
    codeshare --version

Options:
    -h --help        Show this screen.
    --version        Show version.
    --url=<url>      Server websocket url [default: ws://localhost:8080/ws].
    --room=<room>    Room to join.
    --name=<name>    Your display name.
    --file=<path>    File whose content replaces the room's code.
    --force          Send even when someone else is editing.
    --verbose        Log connection details.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	level := zerolog.WarnLevel
	if verbose, _ := opts.Bool("--verbose"); verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if join_, _ := opts.Bool("join"); join_ {
		err = join(ctx, opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		err = push(ctx, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(question string) string {
	fmt.Print(question)
	line, _ := stdin.ReadString('\n')
	return strings.TrimSpace(line)
}

func baseConfig(opts docopt.Opts) client.Config {
	cfg := client.DefaultConfig()
	cfg.URL, _ = opts.String("--url")
	cfg.Room, _ = opts.String("--room")
	cfg.Name, _ = opts.String("--name")
	return cfg
}

// dial joins the room, asking for another name while the chosen one is taken.
// The room stays the same.
func dial(ctx context.Context, cfg client.Config) (*client.Session, error) {
	for {
		session, err := client.Dial(ctx, cfg)
		if !errors.Is(err, client.ErrNameTaken) {
			return session, err
		}
		name := prompt(fmt.Sprintf("%q is taken in %s, pick another name: ", cfg.Name, cfg.Room))
		if name == "" {
			return nil, err
		}
		cfg.Name = name
	}
}

func join(ctx context.Context, opts docopt.Opts) error {
	cfg := baseConfig(opts)
	cfg.OnEvent = printEvent
	cfg.OnState = func(s client.State) {
		if s != client.Connected {
			fmt.Printf("* %s\n", s)
		}
	}

	session, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Leave()

	err = session.Run(ctx)
	if errors.Is(err, client.ErrGaveUp) {
		fmt.Println("* disconnected, run join again to rejoin")
	}
	return err
}

func push(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--file")
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	force, _ := opts.Bool("--force")

	cfg := baseConfig(opts)
	cfg.Confirm = func(a advisory.Assessment) bool {
		if force {
			return true
		}
		answer := prompt(fmt.Sprintf("Risky edit: %s. Send anyway? [y/N] ", a.Reason()))
		return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
	}

	session, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer session.Leave()

	// let presence and recent edits arrive before judging the edit
	go session.Run(ctx)
	select {
	case <-time.After(cfg.Debounce):
	case <-ctx.Done():
		return ctx.Err()
	}

	outcome, err := session.EditNow(string(content))
	if err != nil {
		return err
	}
	_, version := session.Document()
	fmt.Printf("%s %s to %s (version %d)\n", outcome, path, cfg.Room, version)
	return nil
}

func printEvent(ev protocol.Event) {
	ts := time.Now().Format("15:04:05")
	switch ev.Type {
	case protocol.TypeRoomJoined:
		fmt.Printf("[%s] joined %s at version %d with %s\n", ts, ev.RoomID, ev.Version, strings.Join(ev.Users, ", "))
		if ev.Code != "" {
			fmt.Println(ev.Code)
		}
	case protocol.TypeUserJoined:
		fmt.Printf("[%s] + %s\n", ts, ev.UserName)
	case protocol.TypeUserLeft:
		fmt.Printf("[%s] - %s\n", ts, ev.UserName)
	case protocol.TypeCodeChange:
		fmt.Printf("[%s] %s -> version %d (%d bytes)\n", ts, ev.UserName, ev.Version, len(ev.Code))
	case protocol.TypeForcedEdit:
		fmt.Printf("[%s] ! %s\n", ts, ev.Message)
	case protocol.TypeCursorChanged, protocol.TypePong:
	default:
		fmt.Printf("[%s] %s\n", ts, string(ev.Raw))
	}
}
