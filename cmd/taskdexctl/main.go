package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dhruvalgolakiya/taskdex-sub000/sdk"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/logger"
	"github.com/dhruvalgolakiya/taskdex-sub000/shared/wire"
)

const connectTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "taskdexctl",
		Usage: "drive agents on a taskdex bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "gateway WebSocket URL",
				Value:   "ws://127.0.0.1:8765/v1/gateway",
				EnvVars: []string{"TASKDEX_URL"},
			},
			&cli.StringFlag{
				Name:     "key",
				Usage:    "shared gateway key",
				EnvVars:  []string{"TASKDEX_KEY"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "stable client id",
				EnvVars: []string{"TASKDEX_CLIENT_ID"},
			},
			&cli.BoolFlag{Name: "debug", Usage: "log protocol traffic"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger.SetLevel(logger.LevelDebug)
			} else {
				logger.SetLevel(logger.LevelWarn)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list agents",
				Action: listAgents,
			},
			{
				Name:      "create",
				Usage:     "start a new agent",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cwd", Usage: "working directory for the agent, resolved against this shell's directory", Value: "."},
					&cli.StringFlag{Name: "model", Usage: "model name"},
					&cli.StringFlag{Name: "approval-policy", Usage: "codex approval policy"},
					&cli.StringFlag{Name: "system-prompt", Usage: "developer instructions for the thread"},
				},
				Action: createAgent,
			},
			{
				Name:      "send",
				Usage:     "send a message to an agent",
				ArgsUsage: "<agent-id> <text>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "stream the reply until the turn ends"},
				},
				Action: sendMessage,
			},
			{
				Name:      "stop",
				Usage:     "stop an agent",
				ArgsUsage: "<agent-id>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, 0, "agent-id")
					if err != nil {
						return err
					}
					return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
						return cl.StopAgent(ctx, id)
					})
				},
			},
			{
				Name:      "interrupt",
				Usage:     "interrupt the running turn",
				ArgsUsage: "<agent-id>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, 0, "agent-id")
					if err != nil {
						return err
					}
					return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
						return cl.Interrupt(ctx, id)
					})
				},
			},
			{
				Name:      "model",
				Usage:     "change the model used for later turns",
				ArgsUsage: "<agent-id> <model>",
				Action: func(c *cli.Context) error {
					id, err := arg(c, 0, "agent-id")
					if err != nil {
						return err
					}
					model, err := arg(c, 1, "model")
					if err != nil {
						return err
					}
					return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
						return cl.UpdateModel(ctx, id, model)
					})
				},
			},
			{
				Name:   "tail",
				Usage:  "print finished messages and turn timings until interrupted",
				Action: tail,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func arg(c *cli.Context, i int, name string) (string, error) {
	v := c.Args().Get(i)
	if v == "" {
		return "", fmt.Errorf("missing <%s>", name)
	}
	return v, nil
}

// withClient connects, runs fn, then disconnects. Fields of opts other than
// the connection settings are passed through.
func withClient(c *cli.Context, opts sdk.Options, fn func(ctx context.Context, cl *sdk.Client) error) error {
	opts.URL = c.String("url")
	opts.Key = c.String("key")
	opts.ClientID = c.String("client-id")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := sdk.NewClient(opts)
	defer cl.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cl.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout)
	defer waitCancel()
	if err := cl.WaitConnected(waitCtx); err != nil {
		return fmt.Errorf("connect %s: %w", opts.URL, err)
	}
	return fn(ctx, cl)
}

func listAgents(c *cli.Context) error {
	return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
		agents, err := cl.ListAgents(ctx)
		if err != nil {
			return err
		}
		sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt < agents[j].CreatedAt })

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODEL\tCWD")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, a.Model, a.Cwd)
		}
		return w.Flush()
	})
}

func createAgent(c *cli.Context) error {
	params, err := createParams(c)
	if err != nil {
		return err
	}
	return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
		agent, err := cl.CreateAgent(ctx, params)
		if err != nil {
			return err
		}
		return printJSON(agent)
	})
}

// createParams builds the create request. The bridge may run elsewhere, so a
// relative --cwd is resolved here.
func createParams(c *cli.Context) (wire.CreateAgentParams, error) {
	name, err := arg(c, 0, "name")
	if err != nil {
		return wire.CreateAgentParams{}, err
	}
	cwd, err := filepath.Abs(c.String("cwd"))
	if err != nil {
		return wire.CreateAgentParams{}, fmt.Errorf("resolve --cwd: %w", err)
	}
	return wire.CreateAgentParams{
		Name:           name,
		Cwd:            cwd,
		Model:          c.String("model"),
		ApprovalPolicy: c.String("approval-policy"),
		SystemPrompt:   c.String("system-prompt"),
	}, nil
}

func sendMessage(c *cli.Context) error {
	id, err := arg(c, 0, "agent-id")
	if err != nil {
		return err
	}
	text, err := arg(c, 1, "text")
	if err != nil {
		return err
	}
	if !c.Bool("wait") {
		return withClient(c, sdk.Options{}, func(ctx context.Context, cl *sdk.Client) error {
			turnID, err := cl.SendMessage(ctx, id, text)
			if err != nil {
				return err
			}
			fmt.Println(turnID)
			return nil
		})
	}

	finished := make(chan sdk.TurnMetric, 1)
	rec := sdk.NewReconciler(sdk.ReconcilerOptions{
		History: printer{agentID: id},
		Metrics: sdk.MetricsFunc(func(m sdk.TurnMetric) {
			if m.AgentID != id {
				return
			}
			select {
			case finished <- m:
			default:
			}
		}),
	})

	return withClient(c, sdk.Options{Reconciler: rec}, func(ctx context.Context, cl *sdk.Client) error {
		if _, err := cl.SendMessage(ctx, id, text); err != nil {
			return err
		}
		select {
		case m := <-finished:
			printTurn(m)
			if m.Failed {
				return errors.New("turn failed")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func tail(c *cli.Context) error {
	rec := sdk.NewReconciler(sdk.ReconcilerOptions{
		History: printer{},
		Metrics: sdk.MetricsFunc(printTurn),
	})

	opts := sdk.Options{
		Reconciler: rec,
		OnEvent: func(ev wire.StreamEvent) {
			if ev.Event == wire.EventStatus {
				fmt.Printf("[%s] status %s\n", ev.AgentID, rec.Status(ev.AgentID))
			}
		},
		OnDisconnected: func(err error) {
			fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		},
	}
	return withClient(c, opts, func(ctx context.Context, _ *sdk.Client) error {
		<-ctx.Done()
		return nil
	})
}

// printer writes finalized log entries to stdout. An empty agentID prints
// entries for every agent.
type printer struct {
	agentID string
}

func (p printer) AppendFinal(agentID string, entry wire.MessageEntry) {
	if p.agentID != "" && p.agentID != agentID {
		return
	}
	if p.agentID == "" {
		fmt.Printf("[%s] ", agentID)
	}
	fmt.Printf("%s: %s\n", entry.Kind, entry.Text)
}

func printTurn(m sdk.TurnMetric) {
	outcome := "completed"
	if m.Failed {
		outcome = "failed"
	}
	line := fmt.Sprintf("[%s] turn %s %s in %s", m.AgentID, m.TurnID, outcome, m.Duration.Round(time.Millisecond))
	if m.HasUsage {
		line += fmt.Sprintf(" (in %d, out %d, total %d tokens)", m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.TotalTokens)
	}
	fmt.Println(line)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
