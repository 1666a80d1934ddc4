// Package main is simctl, a command-line console for simulation jobs.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	"github.com/kiranshivaraju/simconsole/internal/artifact"
	"github.com/kiranshivaraju/simconsole/internal/backend"
	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/internal/lifecycle"
	"github.com/kiranshivaraju/simconsole/internal/session"
	"github.com/kiranshivaraju/simconsole/pkg/models"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

var (
	appName = "simctl"
	appSha  = "populated-at-link-time"
)

func main() {
	if err := makeApp().Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Usage = "Manage satellite constellation simulation jobs"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "backend-url",
			Value:  "http://localhost:9000",
			EnvVar: "BACKEND_BASE_URL",
			Usage:  "The base URL of the simulation platform API",
		},
		cli.StringFlag{
			Name:   "api-token",
			EnvVar: "BACKEND_API_TOKEN",
			Usage:  "Bearer token sent to the simulation platform",
		},
		cli.DurationFlag{
			Name:   "timeout",
			Value:  30 * time.Second,
			EnvVar: "BACKEND_TIMEOUT",
			Usage:  "Per-request timeout for backend calls",
		},
		cli.StringFlag{
			Name:   "session-file",
			Value:  session.DefaultPath(),
			EnvVar: "SIMCTL_SESSION_FILE",
			Usage:  "Where the logged-in identity is kept",
		},
		cli.StringFlag{
			Name:   "jobtypes-file",
			EnvVar: "JOBTYPES_FILE",
			Usage:  "Job-type catalog to use instead of the built-in one",
		},
		cli.StringFlag{
			Name:   "output-dir",
			Value:  ".",
			EnvVar: "SIMCTL_OUTPUT_DIR",
			Usage:  "Directory downloaded reports are saved to",
		},
		cli.DurationFlag{
			Name:   "poll-interval",
			Value:  lifecycle.DefaultPollInterval,
			EnvVar: "POLL_INTERVAL",
			Usage:  "How often --wait checks job status",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log backend activity to stderr",
		},
	}

	waitFlag := cli.BoolFlag{Name: "wait", Usage: "Block until the simulation has finished"}

	app.Commands = []cli.Command{
		{
			Name:      "login",
			Usage:     "Remember the identity jobs are scoped to",
			ArgsUsage: "USER_UID",
			Action:    loginCmd,
		},
		{
			Name:   "logout",
			Usage:  "Forget the stored identity",
			Action: logoutCmd,
		},
		{
			Name:   "jobtypes",
			Usage:  "List the job-type families and their parameters",
			Action: jobTypesCmd,
		},
		{
			Name:      "list",
			Usage:     "List your jobs of a job type",
			ArgsUsage: "JOB_TYPE",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "all", Usage: "List every job type"}},
			Action:    listCmd,
		},
		{
			Name:      "submit",
			Usage:     "Create a job and start its simulation",
			ArgsUsage: "JOB_TYPE key=value...",
			Flags:     []cli.Flag{waitFlag},
			Action:    submitCmd,
		},
		{
			Name:      "run",
			Usage:     "Run the simulation of an existing job again",
			ArgsUsage: "JOB_TYPE UID",
			Flags:     []cli.Flag{waitFlag},
			Action:    runCmd,
		},
		{
			Name:      "delete",
			Usage:     "Delete a job that is not processing",
			ArgsUsage: "JOB_TYPE UID",
			Action:    deleteCmd,
		},
		{
			Name:      "download",
			Usage:     "Save the PDF report of a completed job",
			ArgsUsage: "JOB_TYPE UID",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "force", Usage: "Ask the backend even if the job has not completed"}},
			Action:    downloadCmd,
		},
	}
	return app
}

// env carries what every command needs.
type env struct {
	types   *jobtype.Registry
	client  *backend.HTTPClient
	session *session.FileAccessor
	saver   artifact.Saver
	clock   clock.Clock
	poll    time.Duration
	logger  *slog.Logger
	out     io.Writer
}

func newEnv(c *cli.Context) (*env, error) {
	types, err := jobtype.Load(c.GlobalString("jobtypes-file"))
	if err != nil {
		return nil, fmt.Errorf("load job types: %w", err)
	}

	level := slog.LevelWarn
	if c.GlobalBool("verbose") {
		level = slog.LevelDebug
	}
	errw := c.App.ErrWriter
	if errw == nil {
		errw = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(errw, &slog.HandlerOptions{Level: level}))

	return &env{
		types:   types,
		client:  backend.NewHTTPClient(strings.TrimRight(c.GlobalString("backend-url"), "/"), c.GlobalString("api-token"), c.GlobalDuration("timeout"), nil),
		session: session.NewFileAccessor(c.GlobalString("session-file")),
		saver:   artifact.DirSaver{Dir: c.GlobalString("output-dir")},
		clock:   clock.WallClock,
		poll:    c.GlobalDuration("poll-interval"),
		logger:  logger,
		out:     c.App.Writer,
	}, nil
}

func (e *env) orchestrator(jobType string) (*lifecycle.Orchestrator, error) {
	desc, err := e.types.Lookup(jobType)
	if err != nil {
		return nil, err
	}
	client := e.client.For(desc)
	return lifecycle.New(lifecycle.Config{
		JobType:      desc,
		Repository:   client,
		Runner:       client,
		Fetcher:      client,
		Session:      e.session,
		Saver:        e.saver,
		Clock:        e.clock,
		PollInterval: e.poll,
		Logger:       e.logger.With("job_type", desc.Key),
	})
}

// withOrchestrator runs fn against a freshly loaded orchestrator for the
// first argument and prints the notifications it raised.
func withOrchestrator(c *cli.Context, minArgs int, fn func(ctx context.Context, e *env, orch *lifecycle.Orchestrator) error) error {
	if c.NArg() < minArgs {
		return fmt.Errorf("usage: %s %s %s", appName, c.Command.Name, c.Command.ArgsUsage)
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	orch, err := e.orchestrator(c.Args().First())
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := orch.Refresh(ctx); err != nil {
		printNotifications(e.out, orch)
		return err
	}
	err = fn(ctx, e, orch)
	printNotifications(e.out, orch)
	return err
}

func loginCmd(c *cli.Context) error {
	uid := strings.TrimSpace(c.Args().First())
	if uid == "" {
		return fmt.Errorf("usage: %s login USER_UID", appName)
	}
	if err := session.NewFileAccessor(c.GlobalString("session-file")).Save(models.UserRef{UserUID: uid}); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Logged in as %s\n", uid)
	return nil
}

func logoutCmd(c *cli.Context) error {
	if err := session.NewFileAccessor(c.GlobalString("session-file")).Clear(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "Logged out")
	return nil
}

func jobTypesCmd(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTITLE\tPARAMETERS")
	for _, d := range e.types.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Key, d.Title, strings.Join(d.SchemaKeys(), ","))
	}
	return tw.Flush()
}

func listCmd(c *cli.Context) error {
	if !c.Bool("all") {
		return withOrchestrator(c, 1, func(_ context.Context, e *env, orch *lifecycle.Orchestrator) error {
			printJobs(e.out, orch, orch.Jobs())
			return nil
		})
	}

	e, err := newEnv(c)
	if err != nil {
		return err
	}
	keys := e.types.Keys()
	orchs := make([]*lifecycle.Orchestrator, len(keys))
	for i, k := range keys {
		if orchs[i], err = e.orchestrator(k); err != nil {
			return err
		}
		defer orchs[i].Close()
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, orch := range orchs {
		g.Go(func() error {
			_, err := orch.Refresh(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, orch := range orchs {
		fmt.Fprintf(e.out, "== %s (%s)\n", orch.JobType().Title, orch.JobType().Key)
		printJobs(e.out, orch, orch.Jobs())
	}
	return nil
}

func submitCmd(c *cli.Context) error {
	return withOrchestrator(c, 1, func(ctx context.Context, e *env, orch *lifecycle.Orchestrator) error {
		candidate, err := parseAssignments(c.Args().Tail())
		if err != nil {
			return err
		}
		res, err := orch.Submit(ctx, candidate)
		if res != nil {
			fmt.Fprintf(e.out, "Created %s (%s)\n", res.Job.UID, res.Job.Name)
		}
		if err != nil {
			return err
		}
		if c.Bool("wait") {
			return waitFor(ctx, e, orch, res.Job.UID)
		}
		return nil
	})
}

func runCmd(c *cli.Context) error {
	return withOrchestrator(c, 2, func(ctx context.Context, e *env, orch *lifecycle.Orchestrator) error {
		uid := c.Args().Get(1)
		res, err := orch.Rerun(ctx, uid)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Triggered %s (%s)\n", res.Job.UID, res.Job.Name)
		if c.Bool("wait") {
			return waitFor(ctx, e, orch, uid)
		}
		return nil
	})
}

func deleteCmd(c *cli.Context) error {
	return withOrchestrator(c, 2, func(ctx context.Context, _ *env, orch *lifecycle.Orchestrator) error {
		return orch.Delete(ctx, c.Args().Get(1))
	})
}

func downloadCmd(c *cli.Context) error {
	return withOrchestrator(c, 2, func(ctx context.Context, e *env, orch *lifecycle.Orchestrator) error {
		uid := c.Args().Get(1)
		job, ok := orch.Job(uid)
		if !ok {
			return fmt.Errorf("%w: %s", lifecycle.ErrJobNotFound, uid)
		}
		if !orch.Controls(job).CanDownload && !c.Bool("force") {
			return fmt.Errorf("job %s is %s; the result is available once it has completed", uid, job.Status)
		}
		a, err := orch.Download(ctx, uid)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, a.Path)
		return nil
	})
}

// waitFor refreshes until the triggered simulation has settled.
func waitFor(ctx context.Context, e *env, orch *lifecycle.Orchestrator, uid string) error {
	for orch.NeedsPolling() {
		printNotifications(e.out, orch)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.poll):
		}
		if _, err := orch.Refresh(ctx); err != nil {
			e.logger.Warn("status refresh failed", "job_uid", uid, "error", err)
		}
	}
	if job, ok := orch.Job(uid); ok {
		fmt.Fprintf(e.out, "%s finished: %s\n", uid, job.Status)
	}
	return nil
}

// parseAssignments turns key=value arguments into a candidate parameter set.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", a)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func printJobs(w io.Writer, orch *lifecycle.Orchestrator, jobs []models.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tNAME\tSTATUS\tUPDATED\tACTIONS")
	for _, j := range jobs {
		updated := "-"
		if j.UpdatedTime != nil {
			updated = j.UpdatedTime.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.UID, j.Name, j.Status, updated, actions(orch.Controls(j)))
	}
	tw.Flush()
}

func actions(c lifecycle.Controls) string {
	var out []string
	if c.CanRerun {
		out = append(out, "run")
	}
	if c.CanDelete {
		out = append(out, "delete")
	}
	if c.CanDownload {
		out = append(out, "download")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

// printNotifications writes and dismisses every visible notification.
func printNotifications(w io.Writer, orch *lifecycle.Orchestrator) {
	notes := orch.Notifications().Active()
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })
	for _, n := range notes {
		fmt.Fprintf(w, "[%s] %s\n", n.Level, n.Message)
		orch.Notifications().Dismiss(n.ID)
	}
}
