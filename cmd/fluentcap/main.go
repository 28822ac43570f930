// Command fluentcap controls a running fluentcap-core daemon and queries the
// analysis service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/config"
	"github.com/tiroq/fluentcap/internal/history"
	"github.com/tiroq/fluentcap/internal/ipc"
	"github.com/tiroq/fluentcap/internal/report"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `usage: fluentcap <command> [args]

session commands (sent to fluentcap-core):
  details -name NAME -email EMAIL -age N -gender male|female|other
  start | stop | reset
  select PATH          use an existing audio/video file
  submit               ask for consent before uploading
  accept | decline     answer the consent prompt
  retry                retry a failed upload or poll
  provider ID          choose the speech-language pathologist
  new                  start a new analysis
  quit                 stop the daemon

queries:
  status [-wait]       show the daemon status
  slps                 list speech-language pathologists
  tasks [SLP_ID]       list tasks for a pathologist
  history [-n N]       list local submissions
  version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, args []string, out io.Writer) error {
	dir := ipc.DefaultDir()

	switch name {
	case "details":
		fs := flag.NewFlagSet("details", flag.ContinueOnError)
		n := fs.String("name", "", "full name")
		email := fs.String("email", "", "email address")
		age := fs.Int("age", 0, "age in years")
		gender := fs.String("gender", "", "male, female or other")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return send(dir, ipc.CmdDetails, map[string]string{
			"name": *n, "email": *email, "age": strconv.Itoa(*age), "gender": *gender,
		}, out)
	case "select":
		if len(args) != 1 {
			return errors.New("select requires a file path")
		}
		return send(dir, ipc.CmdSelect, map[string]string{"path": args[0]}, out)
	case "provider":
		if len(args) != 1 {
			return errors.New("provider requires an id")
		}
		return send(dir, ipc.CmdProvider, map[string]string{"id": args[0]}, out)
	case "start", "stop", "reset", "submit", "accept", "decline", "retry", "new", "quit":
		return send(dir, ipc.Command(name), nil, out)
	case "status":
		fs := flag.NewFlagSet("status", flag.ContinueOnError)
		wait := fs.Bool("wait", false, "wait until the analysis completes or fails")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return showStatus(ctx, dir, *wait, out)
	case "slps":
		return listProviders(ctx, out)
	case "tasks":
		return listTasks(ctx, args, out)
	case "history":
		fs := flag.NewFlagSet("history", flag.ContinueOnError)
		limit := fs.Int("n", 20, "number of entries")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return listHistory(ctx, *limit, out)
	case "version":
		fmt.Fprintln(out, "fluentcap", Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q", name)
}

func send(dir string, cmd ipc.Command, args map[string]string, out io.Writer) error {
	if err := ipc.WriteCommand(dir, cmd, args); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s\n", cmd)
	return nil
}

func showStatus(ctx context.Context, dir string, wait bool, out io.Writer) error {
	for {
		st, err := ipc.ReadStatus(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.New("fluentcap-core is not running")
			}
			return err
		}
		if !wait || st.State == "completed" || st.State == "failed" {
			printStatus(st, out)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func printStatus(st *ipc.StatusSnapshot, out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "state:\t%s\n", st.State)
	if st.State == "recording" {
		fmt.Fprintf(w, "recording:\t%ds\n", st.Seconds)
	}
	if st.ArtifactBytes > 0 {
		fmt.Fprintf(w, "artifact:\t%d bytes (%s, %s)\n", st.ArtifactBytes, st.ArtifactMIME, st.ArtifactSource)
	}
	if st.ConsentPending {
		fmt.Fprintf(w, "consent:\twaiting; run 'fluentcap accept' or 'fluentcap decline'\n")
	}
	if st.ProviderID != "" {
		fmt.Fprintf(w, "provider:\t%s\n", st.ProviderID)
	}
	if st.TaskID != "" {
		fmt.Fprintf(w, "task:\t%s (%s)\n", st.TaskID, st.TaskStatus)
	}
	if st.Summary != "" {
		fmt.Fprintf(w, "result:\t%s\n", st.Summary)
	}
	for _, f := range st.SavedFiles {
		fmt.Fprintf(w, "saved:\t%s\n", f)
	}
	if st.LastAction != "" {
		fmt.Fprintf(w, "last action:\t%s\n", st.LastAction)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "error:\t%s\n", st.LastError)
	}
	fmt.Fprintf(w, "updated:\t%s\n", st.Timestamp.Local().Format(time.RFC3339))
	w.Flush()
}

func newClient() (*analysis.Client, config.Config, error) {
	cfg, _, err := config.LoadUserConfig()
	if err != nil {
		return nil, cfg, err
	}
	return analysis.NewClient(analysis.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		TimeoutSeconds: cfg.API.RequestTimeoutSeconds,
		Retries:        cfg.API.Retries,
	}), cfg, nil
}

func listProviders(ctx context.Context, out io.Writer) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	providers, err := client.ListProviders(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMAIL")
	for _, p := range providers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Email)
	}
	return w.Flush()
}

func listTasks(ctx context.Context, args []string, out io.Writer) error {
	client, cfg, err := newClient()
	if err != nil {
		return err
	}
	slp := cfg.User.ID
	if len(args) > 0 {
		slp = args[0]
	}
	if slp == "" {
		return errors.New("tasks requires a pathologist id")
	}
	tasks, err := client.ListTasks(ctx, slp)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tUSER\tTIMESTAMP")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.TaskID, t.Status, t.UserID, t.Timestamp)
	}
	return w.Flush()
}

func listHistory(ctx context.Context, limit int, out io.Writer) error {
	cfg, _, err := config.LoadUserConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return errors.New("history is disabled in the configuration")
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tSCORE\tSIZE\tCREATED")
	for _, s := range subs {
		score := "-"
		if s.Result != nil {
			score = strconv.Itoa(report.Score(s.Result))
		}
		status := string(s.Status)
		if !s.Accepted {
			status += " (not accepted)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.TaskID, status, score, s.Size,
			s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
