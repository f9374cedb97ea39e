// Package interactive provides the interactive command-line interface
// for devkeep.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/devkeep/devkeep-go/pkg/heartbeat"
	"github.com/devkeep/devkeep-go/pkg/supervisor"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// Keeper is the backend the console drives.
type Keeper interface {
	// StartDevice loads the pairing record for udid and starts its session.
	StartDevice(ctx context.Context, udid string) (*supervisor.Handle, error)
	Stop(udid string) error
	Status(udid string) (heartbeat.Snapshot, error)
	Sessions() []string
	Devices(ctx context.Context) ([]usbmux.Device, error)
}

// Console handles interactive mode for devkeep.
type Console struct {
	rl     *readline.Instance
	out    io.Writer
	keeper Keeper
}

// New creates a console with its own prompt. Log output should go
// through Stderr so it does not garble the prompt.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devkeep> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (c *Console) Stdout() io.Writer { return c.rl.Stdout() }

// Stderr returns a writer that coordinates with the prompt.
func (c *Console) Stderr() io.Writer { return c.rl.Stderr() }

// Run reads commands until quit, EOF or ctx is done. cancel is called
// when the user exits.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc, k Keeper) {
	defer c.rl.Close()
	c.keeper = k

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the user asked
// to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "devices", "d":
		c.cmdDevices(ctx)
	case "start":
		c.cmdStart(ctx, args)
	case "stop":
		c.cmdStop(args)
	case "status", "s":
		c.cmdStatus(args)
	case "list", "ls":
		c.cmdList()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
devkeep Commands:
  devices            - List devices attached to the multiplexer
  start <udid>       - Pair and keep a device alive
  stop <udid>        - Stop a device's keepalive
  status [udid]      - Show session state (all sessions without udid)
  list               - List supervised devices
  help               - Show this help
  quit               - Exit`)
}

func (c *Console) cmdDevices(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	devices, err := c.keeper.Devices(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "Failed to list devices: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices attached")
		return
	}

	fmt.Fprintf(c.out, "\nAttached Devices (%d):\n", len(devices))
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, d := range devices {
		fmt.Fprintf(c.out, "  %-40s %-8s #%d\n", d.UDID, d.ConnectionType, d.ID)
	}
}

func (c *Console) cmdStart(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: start <udid>")
		return
	}

	h, err := c.keeper.StartDevice(ctx, args[0])
	code := supervisor.CodeOf(err)
	if err != nil {
		fmt.Fprintf(c.out, "Start failed: %s (%v)\n", code, err)
		return
	}
	fmt.Fprintf(c.out, "Started %s [conn:%s] %s\n", h.DeviceID(), shortID(h.ConnectionID()), h.Snapshot().State)
}

func (c *Console) cmdStop(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: stop <udid>")
		return
	}
	if err := c.keeper.Stop(args[0]); err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			fmt.Fprintf(c.out, "No session for %s\n", args[0])
			return
		}
		fmt.Fprintf(c.out, "Stop failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Stopped %s\n", args[0])
}

func (c *Console) cmdStatus(args []string) {
	udids := args
	if len(udids) == 0 {
		udids = c.keeper.Sessions()
	}
	if len(udids) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}

	fmt.Fprintln(c.out, "\nSession Status")
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, udid := range udids {
		snap, err := c.keeper.Status(udid)
		if err != nil {
			fmt.Fprintf(c.out, "  %s: %v\n", udid, err)
			continue
		}
		fmt.Fprintf(c.out, "  %s\n", udid)
		fmt.Fprintf(c.out, "      State:     %s (since %s)\n", snap.State, snap.Since.Format("15:04:05"))
		fmt.Fprintf(c.out, "      Beats:     %d (failed %d, consecutive %d)\n",
			snap.TotalBeats, snap.FailedBeats, snap.ConsecutiveFailures)
		if !snap.LastBeat.IsZero() {
			fmt.Fprintf(c.out, "      Last beat: %s\n", snap.LastBeat.Format("15:04:05"))
		}
		if snap.LastError != nil {
			fmt.Fprintf(c.out, "      Error:     %v\n", snap.LastError)
		}
	}
}

func (c *Console) cmdList() {
	udids := c.keeper.Sessions()
	if len(udids) == 0 {
		fmt.Fprintln(c.out, "No sessions")
		return
	}
	for _, udid := range udids {
		state := "?"
		if snap, err := c.keeper.Status(udid); err == nil {
			state = snap.State.String()
		}
		fmt.Fprintf(c.out, "  %-40s %s\n", udid, state)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
