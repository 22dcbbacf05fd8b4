// Package cli implements the interactive console of a running replicon host.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/replication"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	host     *replication.Host

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, host *replication.Host, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		host:     host,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or quit is
// entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nReplicon CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "replicon> ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			fmt.Fprintln(c.out, "Shutting down replicon...")
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
			return
		}
		if err := c.execute(ctx, cmd, parts[1:]); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "conns", "connections":
		c.printConnections()
	case "entities", "e":
		c.printEntities(args)
	case "group":
		return c.cmdGroup(args)
	case "kick":
		return c.cmdKick(args)
	case "send":
		return c.cmdSend(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                    Replicon CLI Commands                     ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status                  Show host summary                   ║")
	fmt.Fprintln(c.out, "║  conns                   List connections                    ║")
	fmt.Fprintln(c.out, "║  entities [class]        List entities                       ║")
	fmt.Fprintln(c.out, "║  group add|remove <c> <g> Change a connection's groups       ║")
	fmt.Fprintln(c.out, "║  kick <conn>             Disconnect a peer                   ║")
	fmt.Fprintln(c.out, "║  send <conn> <text>      Send a user message                 ║")
	fmt.Fprintln(c.out, "║  setconfig <k> <v>       Update a network setting            ║")
	fmt.Fprintln(c.out, "║  quit                    Shutdown replicon                   ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) printStatus() {
	srv, m := c.host.Server(), c.host.Manager()
	port := 0
	if addr := srv.Addr(); addr != nil {
		port = addr.Port
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Port", "Running", "Connections", "Entities", "Free IDs", "Ticks"})
	tw.SetBorder(true)
	tw.Append([]string{
		strconv.Itoa(port),
		strconv.FormatBool(srv.Running()),
		strconv.Itoa(srv.Count()),
		strconv.Itoa(m.Count()),
		strconv.Itoa(m.FreeIDs()),
		strconv.FormatUint(c.host.Ticks(), 10),
	})
	tw.Render()
}

func (c *CLI) printConnections() {
	conns := c.host.Server().Connections()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "No connections")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Remote", "State", "Ping", "Pending", "Groups"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	for _, conn := range conns {
		groups := make([]string, 0, len(conn.Groups()))
		for _, g := range conn.Groups() {
			groups = append(groups, strconv.Itoa(int(g)))
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(conn.ID()), 10),
			conn.RemoteAddr().String(),
			conn.State().String(),
			conn.Ping().Round(time.Millisecond / 10).String(),
			strconv.Itoa(conn.PendingReliable()),
			strings.Join(groups, ","),
		})
	}
	tw.Render()
}

func (c *CLI) printEntities(args []string) {
	m := c.host.Manager()
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Class", "Group", "Published"})
	tw.SetBorder(true)

	shown := 0
	for _, e := range m.Entities() {
		if len(args) > 0 && !strings.EqualFold(e.ClassName(), args[0]) {
			continue
		}
		tw.Append([]string{
			strconv.Itoa(int(e.EntityID())),
			e.ClassName(),
			strconv.Itoa(int(e.Group())),
			strconv.FormatBool(m.IsPublished(e.EntityID())),
		})
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(c.out, "No entities")
		return
	}
	tw.Render()
}

func (c *CLI) cmdGroup(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: group add|remove <conn> <group>")
	}
	id, err := parseConnArg(args[1])
	if err != nil {
		return err
	}
	group, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid group: %s", args[2])
	}

	switch strings.ToLower(args[0]) {
	case "add":
		err = c.host.AddToGroup(id, uint8(group))
	case "remove", "rm":
		err = c.host.RemoveFromGroup(id, uint8(group))
	default:
		return fmt.Errorf("usage: group add|remove <conn> <group>")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connection %d: group %s %d\n", id, strings.ToLower(args[0]), group)
	return nil
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <conn>")
	}
	id, err := parseConnArg(args[0])
	if err != nil {
		return err
	}
	if err := c.host.Server().Disconnect(id); err != nil {
		return err
	}
	log.Info().Uint32("conn_id", id).Msg("CLI: connection kicked")
	fmt.Fprintf(c.out, "Connection %d disconnected\n", id)
	return nil
}

func (c *CLI) cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <conn> <text>")
	}
	id, err := parseConnArg(args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	if err := c.host.SendUser(id, []byte(text), true); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Message sent to connection %d: %s\n", id, text)
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	value, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid value: %s", args[1])
	}

	previous := c.cfg.GetNetwork()
	if err := c.cfg.UpdateNetworkField(args[0], value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetNetwork(previous)
		return result.Errors[0]
	}
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "Config updated: %s = %d (applies on restart)\n", args[0], value)
	return nil
}

func parseConnArg(arg string) (uint32, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid connection id: %s", arg)
	}
	return uint32(id), nil
}
