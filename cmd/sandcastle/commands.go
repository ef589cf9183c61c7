package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/sandcastle/comms"
	"github.com/GoCodeAlone/sandcastle/internal/version"
	"github.com/GoCodeAlone/sandcastle/orchestrator"
	"github.com/GoCodeAlone/sandcastle/task"
)

// Globals are flags shared by every command.
type Globals struct {
	Config  string `short:"c" help:"Config file path" type:"path" env:"SANDCASTLE_CONFIG"`
	DataDir string `short:"d" name:"data-dir" help:"Data directory (overrides config file)" type:"path"`
	Debug   bool   `help:"Enable debug logging"`
}

// CLI is the root command structure for kong.
type CLI struct {
	Globals

	Run       RunCmd       `cmd:"" help:"Run one instruction and wait for it to finish"`
	Batch     BatchCmd     `cmd:"" help:"Submit instructions from a YAML file concurrently"`
	Get       GetCmd       `cmd:"" help:"Show a task"`
	List      ListCmd      `cmd:"" help:"List tasks"`
	Reconcile ReconcileCmd `cmd:"" help:"Repair active tasks left without a runner"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// RunCmd creates a task and follows it to a terminal status.
type RunCmd struct {
	Instruction string `arg:"" help:"Instruction for the coding agent"`
	User        string `short:"u" required:"" env:"SANDCASTLE_USER" help:"User the task belongs to"`
	Quiet       bool   `short:"q" help:"Only print the final task"`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	a.reconcileOnStart(ctx)

	var (
		mu     sync.Mutex
		taskID string
		early  []*comms.Event
	)
	if !c.Quiet {
		unsub := a.bus.Subscribe(comms.AllTasks, func(_ context.Context, ev *comms.Event) error {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case taskID == "":
				early = append(early, ev)
			case ev.TaskID == taskID:
				printEvent(os.Stdout, ev)
			}
			return nil
		})
		defer unsub()
	}

	t, err := a.svc.CreateTask(ctx, c.Instruction, c.User)
	if err != nil {
		return err
	}
	mu.Lock()
	taskID = t.ID
	for _, ev := range early {
		if ev.TaskID == taskID {
			printEvent(os.Stdout, ev)
		}
	}
	early = nil
	mu.Unlock()
	fmt.Fprintf(os.Stderr, "task %s submitted\n", t.ID)

	r, ok := a.sup.Lookup(t.ID)
	if !ok {
		return fmt.Errorf("task %s has no runner; run `sandcastle reconcile` to relaunch it", t.ID)
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "cancelling...")
		if err := a.svc.CancelTask(context.Background(), t.ID, c.User); err != nil {
			return err
		}
		<-r.Done()
	}

	final, err := a.svc.GetTask(context.Background(), t.ID, c.User)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, final); err != nil {
		return err
	}
	if final.Status == task.StatusFailed {
		return fmt.Errorf("task %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func printEvent(w io.Writer, ev *comms.Event) {
	switch ev.Type {
	case comms.TypeStatus:
		line := fmt.Sprintf("[%s] %s", ev.Timestamp.Format(time.TimeOnly), ev.Status)
		if ev.Content != "" {
			line += ": " + ev.Content
		}
		fmt.Fprintln(w, line)
	case comms.TypeOutput:
		fmt.Fprint(w, ev.Content)
	case comms.TypePermission:
		fmt.Fprintf(w, "[%s] permission %s: %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Content, ev.Metadata["response"])
	}
}

// BatchCmd submits many instructions at once.
type BatchCmd struct {
	File        string `arg:"" type:"existingfile" help:"YAML file with a list of {instruction, user} items"`
	User        string `short:"u" env:"SANDCASTLE_USER" help:"Default user for items without one"`
	Parallelism int    `short:"p" default:"4" help:"Concurrent submissions"`
}

type batchItem struct {
	Instruction string `yaml:"instruction"`
	User        string `yaml:"user"`
}

type batchResult struct {
	item batchItem
	task *task.Task
	err  error
}

func readBatch(path, defaultUser string) ([]batchItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var items []batchItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse batch file %s: %w", path, err)
	}
	for i := range items {
		if items[i].User == "" {
			items[i].User = defaultUser
		}
	}
	return items, nil
}

func (c *BatchCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	items, err := readBatch(c.File, c.User)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("batch file has no items")
	}

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	a.reconcileOnStart(ctx)

	return runBatch(ctx, a, items, c.Parallelism, os.Stdout, os.Stderr)
}

// runBatch submits items, waits for every runner this process started and
// prints one row per item with its final status.
func runBatch(ctx context.Context, a *app, items []batchItem, parallelism int, out, errOut io.Writer) error {
	results := make([]batchResult, len(items))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(max(parallelism, 1))
	for i, item := range items {
		grp.Go(func() error {
			t, err := a.svc.CreateTask(gctx, item.Instruction, item.User)
			results[i] = batchResult{item: item, task: t, err: err}
			return nil
		})
	}
	_ = grp.Wait()

	if !waitForRunners(ctx, a.sup) {
		fmt.Fprintln(errOut, "interrupted, cancelling running tasks...")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tUSER\tTASK\tSTATUS\tDETAIL")
	var rejected int
	for i, r := range results {
		if r.err != nil {
			rejected++
			fmt.Fprintf(w, "%d\t%s\t-\trejected\t%v\n", i+1, r.item.User, r.err)
			continue
		}
		cur := r.task
		if t, err := a.store.Get(context.WithoutCancel(ctx), r.task.ID); err == nil {
			cur = t
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, cur.UserID, cur.ID, cur.Status, cur.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if rejected > 0 {
		return fmt.Errorf("%d of %d items rejected", rejected, len(items))
	}
	return nil
}

// waitForRunners blocks until every runner of sup has exited. It reports
// false when ctx ends first; the caller's Close then cancels the rest.
func waitForRunners(ctx context.Context, sup *orchestrator.Supervisor) bool {
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetCmd prints a task as JSON.
type GetCmd struct {
	ID   string `arg:"" help:"Task ID"`
	User string `short:"u" required:"" env:"SANDCASTLE_USER" help:"User the task belongs to"`
}

func (c *GetCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	t, err := a.svc.GetTask(ctx, c.ID, c.User)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, t)
}

// ListCmd lists a user's tasks, most recent first.
type ListCmd struct {
	User   string `short:"u" required:"" env:"SANDCASTLE_USER" help:"User whose tasks to list"`
	Format string `help:"Output format" enum:"table,json" default:"table"`
}

func (c *ListCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	tasks, err := a.svc.ListTasks(ctx, c.User)
	if err != nil {
		return err
	}
	if c.Format == "json" {
		return printJSON(os.Stdout, tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	return printTable(os.Stdout, tasks)
}

func printTable(out io.Writer, tasks []*task.Task) error {
	title := cases.Title(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tINSTRUCTION\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			title.String(string(t.Status)),
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(t.Instruction, 48),
			truncate(t.Error, 60),
		)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// ReconcileCmd repairs stranded tasks and waits for the ones it relaunches.
type ReconcileCmd struct{}

func (c *ReconcileCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := g.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return runReconcile(ctx, a, os.Stdout, os.Stderr)
}

func runReconcile(ctx context.Context, a *app, out, errOut io.Writer) error {
	report, err := a.svc.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "relaunched: %d\nfailed: %d\nleased elsewhere: %d\n",
		len(report.Relaunched), len(report.Failed), len(report.Leased))
	for _, id := range report.Relaunched {
		fmt.Fprintf(out, "  relaunched %s\n", id)
	}
	for _, id := range report.Failed {
		fmt.Fprintf(out, "  failed %s\n", id)
	}
	for _, id := range report.Leased {
		fmt.Fprintf(out, "  leased %s\n", id)
	}
	for _, err := range report.Errors {
		fmt.Fprintf(errOut, "  error: %v\n", err)
	}

	if len(report.Relaunched) > 0 {
		fmt.Fprintf(errOut, "waiting for %d relaunched task(s)...\n", len(report.Relaunched))
		if !waitForRunners(ctx, a.sup) {
			fmt.Fprintln(errOut, "interrupted, cancelling relaunched tasks...")
		}
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("reconcile finished with %d error(s)", len(report.Errors))
	}
	return nil
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get())
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
