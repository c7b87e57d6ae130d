// Package console reads operator commands from standard input and
// drives the roster: listing, kicking, banning, renaming, shutdown.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"boltalka/internal/wire"
)

// ErrQuit is returned by Run when the operator requests shutdown.
var ErrQuit = errors.New("operator quit")

var errInvalidCommand = errors.New("invalid command")

type CommandKind int

const (
	CmdHelp CommandKind = iota
	CmdList
	CmdKick
	CmdBan
	CmdBanList
	CmdRename
	CmdQuit
)

type Command struct {
	Kind    CommandKind
	Target  string
	NewName string
}

// Parse turns one input line into a Command.
func Parse(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)

	switch trimmed {
	case "/quit", "/q":
		return Command{Kind: CmdQuit}, nil
	case "/list":
		return Command{Kind: CmdList}, nil
	case "/help", "/h":
		return Command{Kind: CmdHelp}, nil
	case "/banlist":
		return Command{Kind: CmdBanList}, nil
	}

	if target, ok := strings.CutPrefix(trimmed, "/kick "); ok {
		target = strings.TrimSpace(target)
		if target == "" {
			return Command{}, errInvalidCommand
		}
		return Command{Kind: CmdKick, Target: target}, nil
	}

	if target, ok := strings.CutPrefix(trimmed, "/ban "); ok {
		target = strings.TrimSpace(target)
		if target == "" {
			return Command{}, errInvalidCommand
		}
		return Command{Kind: CmdBan, Target: target}, nil
	}

	if args, ok := strings.CutPrefix(trimmed, "/rename "); ok {
		parts := strings.Fields(args)
		if len(parts) != 2 {
			return Command{}, errInvalidCommand
		}
		return Command{Kind: CmdRename, Target: parts[0], NewName: parts[1]}, nil
	}

	return Command{}, errInvalidCommand
}

// Roster is the slice of the hub the console needs.
type Roster interface {
	List() []string
	Count() int
	Status(name string) string
	Kick(name, reason string) error
	Ban(name string) error
	BanList() []string
	Rename(oldName, newName string) error
}

type Console struct {
	roster Roster
	in     io.Reader
	out    io.Writer
}

func New(roster Roster, in io.Reader, out io.Writer) *Console {
	return &Console{roster: roster, in: in, out: out}
}

// Run processes operator input until EOF, /quit or context
// cancellation. EOF and /quit both return ErrQuit so the caller shuts
// the server down.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return err
			}
			return ErrQuit
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			cmd, err := Parse(line)
			if err != nil {
				fmt.Fprintln(c.out, "Invalid command. Type /help for available commands.")
				continue
			}
			if c.execute(cmd) {
				return ErrQuit
			}
		}
	}
}

// execute runs one command and reports whether the server should quit.
func (c *Console) execute(cmd Command) bool {
	switch cmd.Kind {
	case CmdHelp:
		fmt.Fprintln(c.out, "Available server commands:")
		fmt.Fprintln(c.out, "  /list                    - List all connected users")
		fmt.Fprintln(c.out, "  /kick <user>             - Kick a user from the server")
		fmt.Fprintln(c.out, "  /ban <user>              - Ban a user for the server lifetime")
		fmt.Fprintln(c.out, "  /banlist                 - List banned usernames")
		fmt.Fprintln(c.out, "  /rename <user> <newname> - Rename a user")
		fmt.Fprintln(c.out, "  /help                    - Show this help message")
		fmt.Fprintln(c.out, "  /quit                    - Shutdown the server")
	case CmdList:
		names := c.roster.List()
		if len(names) == 0 {
			fmt.Fprintln(c.out, "No users currently connected.")
			break
		}
		fmt.Fprintf(c.out, "Connected users (%d):\n", c.roster.Count())
		for _, name := range names {
			if status := c.roster.Status(name); status != "" {
				fmt.Fprintf(c.out, "  - %s - %s\n", name, status)
			} else {
				fmt.Fprintf(c.out, "  - %s\n", name)
			}
		}
	case CmdKick:
		if err := c.roster.Kick(cmd.Target, wire.ReasonKick); err != nil {
			fmt.Fprintf(c.out, "User '%s' not found\n", cmd.Target)
		}
	case CmdBan:
		if err := c.roster.Ban(cmd.Target); err != nil {
			fmt.Fprintf(c.out, "Ban failed: %v\n", err)
		}
	case CmdBanList:
		banned := c.roster.BanList()
		if len(banned) == 0 {
			fmt.Fprintln(c.out, "No banned users.")
			break
		}
		fmt.Fprintf(c.out, "Banned users (%d):\n", len(banned))
		for _, name := range banned {
			fmt.Fprintf(c.out, "  - %s\n", name)
		}
	case CmdRename:
		if err := c.roster.Rename(cmd.Target, cmd.NewName); err != nil {
			fmt.Fprintf(c.out, "Rename failed: %v\n", err)
		}
	case CmdQuit:
		fmt.Fprintln(c.out, "Server shutting down...")
		return true
	}
	return false
}
