// Command durexlab runs the tutorial labs against a configured backend.
//
//	durexlab init [path]                 write a starter durexlab.yaml
//	durexlab labs                        list the labs
//	durexlab run [flags] <lab> [args]    start a lab and wait for its result
//	durexlab worker [flags]              process tasks until interrupted
//	durexlab signal [flags] <id> <name> [payload]
//	durexlab query [flags] <id> <name>
//	durexlab cancel [flags] <id>
//	durexlab list [flags]
//	durexlab history [flags] <id>
//
// Every command except init and labs accepts -config (defaults to an
// in-memory backend) and -unit, the time scale of the lab durations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/config"
	"github.com/petrijr/durex/internal/labs"
)

var errUsage = errors.New("usage: durexlab <init|labs|run|worker|signal|query|cancel|list|history> [flags] [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(rest, stdout)
	case "labs":
		return cmdLabs(stdout)
	case "run", "worker", "signal", "query", "cancel", "list", "history":
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to durexlab.yaml (default: in-memory backend)")
	unit := fs.Duration("unit", time.Second, "time scale of lab durations")
	var (
		id         = new(string)
		detach     = new(bool)
		filterName = new(string)
		filterStat = new(string)
	)
	switch cmd {
	case "run":
		id = fs.String("id", "", "instance ID (generated when empty)")
		detach = fs.Bool("detach", false, "start the instance and return without running workers")
	case "list":
		filterName = fs.String("workflow", "", "only instances of this workflow")
		filterStat = fs.String("status", "", "only instances with this status")
	}
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	logger := cfg.Log.Logger(stderr)

	eng, closeEngine, err := openEngine(ctx, cfg.Backend, durex.NewLoggingObserver(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEngine(); err != nil {
			logger.Warn("closing backend failed", slog.Any("error", err))
		}
	}()

	labCfg := labs.Config{Unit: *unit, Logger: logger}
	if len(cfg.Worker.TaskQueues) > 0 {
		labCfg.TaskQueue = cfg.Worker.TaskQueues[0]
	}
	if err := labs.Register(eng, labCfg); err != nil {
		return err
	}

	a := &app{eng: eng, cfg: cfg, logger: logger, out: stdout}
	switch cmd {
	case "run":
		return a.run(ctx, fs.Args(), *id, *detach)
	case "worker":
		return a.worker(ctx)
	case "signal":
		return a.signal(ctx, fs.Args())
	case "query":
		return a.query(ctx, fs.Args())
	case "cancel":
		return a.cancel(ctx, fs.Args())
	case "list":
		return a.list(ctx, *filterName, *filterStat)
	default:
		return a.history(ctx, fs.Args())
	}
}

func cmdInit(args []string, out io.Writer) error {
	path := "durexlab.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(config.DefaultYAML); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

func cmdLabs(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAB\tWORKFLOW\tSIGNALS\tDESCRIPTION")
	for _, l := range labs.Catalog() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Name, l.Workflow, strings.Join(l.Signals, ","), l.Description)
	}
	return tw.Flush()
}

type app struct {
	eng    durex.Engine
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
}

func (a *app) bundle() *durex.WorkerBundle {
	return durex.NewWorkerBundle(a.eng, a.cfg.Worker.WorkerConfig(a.logger))
}

func (a *app) run(ctx context.Context, args []string, id string, detach bool) error {
	if len(args) == 0 {
		return errors.New("run: missing lab name; see durexlab labs")
	}
	lab, ok := labs.Find(args[0])
	if !ok {
		return fmt.Errorf("run: unknown lab %q", args[0])
	}
	input, err := lab.Input(args[1:])
	if err != nil {
		return fmt.Errorf("run %s: %w", lab.Name, err)
	}

	inst, err := a.eng.Start(ctx, lab.Workflow, input, durex.StartOptions{ID: id})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "started %s (%s)\n", inst.ID, lab.Workflow)
	if detach {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	b := a.bundle()
	g.Go(func() error { return b.Worker.Run(gctx) })

	var final *durex.WorkflowInstance
	g.Go(func() error {
		defer cancel()
		var werr error
		final, werr = a.eng.Wait(gctx, inst.ID)
		return werr
	})
	if err := g.Wait(); err != nil && final == nil {
		return err
	}

	fmt.Fprintf(a.out, "status: %s\n", final.Status)
	if final.Failure != nil {
		fmt.Fprintf(a.out, "failure: %v\n", final.Failure)
		return nil
	}
	return printValue(a.out, final.Output)
}

func (a *app) worker(ctx context.Context) error {
	b := a.bundle()
	a.logger.Info("worker started",
		slog.String("worker_id", b.Worker.ID()),
		slog.Any("task_queues", b.Worker.TaskQueues()),
		slog.String("backend", a.cfg.Backend.Kind))
	err := b.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("worker stopped")
	return err
}

func (a *app) signal(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("signal: want <id> <name> [payload]")
	}
	var payload any
	if len(args) > 2 {
		payload = strings.Join(args[2:], " ")
	}
	if err := a.eng.Signal(ctx, args[0], args[1], payload); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signalled %s with %s\n", args[0], args[1])
	return nil
}

func (a *app) query(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("query: want <id> <name>")
	}
	v, err := a.eng.Query(ctx, args[0], args[1], nil)
	if err != nil {
		return err
	}
	return printValue(a.out, v)
}

func (a *app) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel: want <id>")
	}
	if err := a.eng.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "cancel requested for %s\n", args[0])
	return nil
}

func (a *app) list(ctx context.Context, workflow, status string) error {
	insts, err := a.eng.ListInstances(ctx, durex.InstanceListOptions{
		WorkflowName: workflow,
		Status:       durex.Status(strings.ToUpper(status)),
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tUPDATED")
	for _, inst := range insts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inst.ID, inst.Name, inst.Status, inst.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) history(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("history: want <id>")
	}
	events, err := a.eng.History(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tTYPE\tSEQ\tNAME\tATTEMPT\tDETAIL")
	for _, ev := range events {
		detail := ev.Detail
		if ev.Failure != nil {
			detail = ev.Failure.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\n", ev.Version, ev.Type, ev.Seq, ev.Name, ev.Attempt, detail)
	}
	return tw.Flush()
}

// printValue writes v as indented JSON, or with %v when it has no JSON
// form.
func printValue(out io.Writer, v any) error {
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(out, s)
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, err = fmt.Fprintf(out, "%v\n", v)
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
