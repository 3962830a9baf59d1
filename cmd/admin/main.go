package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
	"github.com/tendant/simple-objectstore/pkg/objectstore/config"
)

const usage = `Object Store Admin CLI

An operator tool that works directly against the configured registry and
blob store.

USAGE:
  admin <command> [arguments] [options]

COMMANDS:
  ingest <file|->           Ingest a serialized object
  export <pid>              Write an object to stdout
  show <pid>                Print object properties and datastreams
  purge <pid>               Remove an object and its managed content
  set-state <pid> <state>   Change the object state (A, I, D or the full name)
  next-pid [namespace]      Issue the next identifier
  resolve <cmodel> <sdef>   Print the deployment bound to a service context

ENVIRONMENT VARIABLES:
  OBJECTSTORE_REGISTRY_URL  memory, postgres://... or sqlite://path
  OBJECTSTORE_STORAGE_URL   memory://, file:///path, s3://bucket, badger:///path
  OBJECTSTORE_PID_NAMESPACE namespace for generated identifiers

  Configuration can be loaded from a .env file in the current directory.

OPTIONS:
  --format=<json|xml>       Serialization format (default: xml)
  --context=<name>          Export context: public, migrate, archive, storage
  --generate-pid            Ingest under a newly generated identifier
  --message=<text>          Commit message recorded in the audit trail
  --user=<principal>        Acting principal (default: system)
  --json                    Output as JSON
`

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}
	command := os.Args[1]
	if command == "help" || command == "--help" || command == "-h" {
		fmt.Print(usage + "\n")
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.Load(config.WithEnv("OBJECTSTORE_"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	rt, err := cfg.Build(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open object store: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := run(ctx, rt, command, os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		rt.Close()
		os.Exit(1)
	}
}

type options struct {
	args        []string
	format      string
	context     string
	generatePID bool
	message     string
	user        string
	json        bool
}

func parseArgs(args []string) options {
	opts := options{format: codec.FormatXML}
	for _, arg := range args {
		key, value := parseFlag(arg)
		switch key {
		case "":
			opts.args = append(opts.args, arg)
		case "format":
			opts.format = value
		case "context":
			opts.context = value
		case "generate-pid":
			opts.generatePID = value == "true"
		case "message":
			opts.message = value
		case "user":
			opts.user = value
		case "json":
			opts.json = value == "true"
		}
	}
	return opts
}

func parseFlag(arg string) (string, string) {
	if len(arg) > 2 && arg[:2] == "--" {
		arg = arg[2:]
		if i := strings.IndexByte(arg, '='); i >= 0 {
			return arg[:i], arg[i+1:]
		}
		return arg, "true"
	}
	return "", ""
}

func run(ctx context.Context, rt *config.Runtime, command string, args []string, stdin io.Reader, stdout io.Writer) error {
	opts := parseArgs(args)
	if opts.user != "" {
		ctx = objectstore.WithPrincipal(ctx, opts.user)
	}

	need := func(n int) error {
		if len(opts.args) != n {
			return fmt.Errorf("expected %d argument(s), got %d", n, len(opts.args))
		}
		return nil
	}

	switch command {
	case "ingest":
		if err := need(1); err != nil {
			return err
		}
		return handleIngest(ctx, rt, opts, stdin, stdout)
	case "export":
		if err := need(1); err != nil {
			return err
		}
		return handleExport(ctx, rt, opts, stdout)
	case "show":
		if err := need(1); err != nil {
			return err
		}
		return handleShow(ctx, rt, opts, stdout)
	case "purge":
		if err := need(1); err != nil {
			return err
		}
		return handlePurge(ctx, rt, opts, stdout)
	case "set-state":
		if err := need(2); err != nil {
			return err
		}
		return handleSetState(ctx, rt, opts, stdout)
	case "next-pid":
		ns := rt.Coordinator.Namespace()
		if len(opts.args) > 0 {
			ns = opts.args[0]
		}
		next, err := rt.Generator.Generate(ctx, ns)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, next)
		return nil
	case "resolve":
		if err := need(2); err != nil {
			return err
		}
		id, ok := rt.Coordinator.Resolve(opts.args[0], opts.args[1])
		if !ok {
			return fmt.Errorf("no deployment bound to %s / %s: %w", opts.args[0], opts.args[1], objectstore.ErrNotFound)
		}
		fmt.Fprintln(stdout, id)
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func handleIngest(ctx context.Context, rt *config.Runtime, opts options, stdin io.Reader, stdout io.Writer) error {
	in := stdin
	if name := opts.args[0]; name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	w, err := rt.Coordinator.OpenIngestWriter(ctx, in, opts.format, opts.generatePID)
	if err != nil {
		return err
	}
	defer rt.Coordinator.Release(ctx, w)

	committed, err := rt.Coordinator.Commit(ctx, w, opts.message, false)
	if err != nil {
		return err
	}
	if opts.json {
		return json.NewEncoder(stdout).Encode(map[string]interface{}{"pid": w.PID(), "committed": committed})
	}
	fmt.Fprintf(stdout, "%s\t%s\n", w.PID(), committed.Format(time.RFC3339Nano))
	return nil
}

func handleExport(ctx context.Context, rt *config.Runtime, opts options, stdout io.Writer) error {
	tc, err := objectstore.ParseTranslationContext(opts.context)
	if err != nil {
		return err
	}
	r, err := rt.Coordinator.OpenReader(ctx, opts.args[0])
	if err != nil {
		return err
	}
	return r.Export(ctx, stdout, opts.format, tc)
}

func handleShow(ctx context.Context, rt *config.Runtime, opts options, stdout io.Writer) error {
	r, err := rt.Coordinator.OpenReader(ctx, opts.args[0])
	if err != nil {
		return err
	}
	kind, err := r.Kind()
	if err != nil {
		return err
	}

	type datastream struct {
		ID           string    `json:"id"`
		VersionID    string    `json:"version_id"`
		ControlGroup string    `json:"control_group"`
		State        string    `json:"state"`
		MIMEType     string    `json:"mime_type"`
		Size         int64     `json:"size"`
		CreatedAt    time.Time `json:"created_at"`
	}
	var streams []datastream
	for _, id := range r.DatastreamIDs("") {
		v, err := r.Datastream(id, time.Time{})
		if err != nil {
			return err
		}
		streams = append(streams, datastream{
			ID:           id,
			VersionID:    v.VersionID,
			ControlGroup: string(v.ControlGroup),
			State:        string(v.State),
			MIMEType:     v.MIMEType,
			Size:         v.Size,
			CreatedAt:    v.CreatedAt,
		})
	}

	if opts.json {
		return json.NewEncoder(stdout).Encode(map[string]interface{}{
			"pid":         r.PID(),
			"label":       r.Label(),
			"state":       r.State(),
			"owner_id":    r.OwnerID(),
			"kind":        kind.String(),
			"created_at":  r.CreatedAt(),
			"modified_at": r.ModifiedAt(),
			"datastreams": streams,
		})
	}

	fmt.Fprintf(stdout, "PID:       %s\n", r.PID())
	fmt.Fprintf(stdout, "Label:     %s\n", r.Label())
	fmt.Fprintf(stdout, "State:     %s\n", r.State())
	fmt.Fprintf(stdout, "Owner:     %s\n", r.OwnerID())
	fmt.Fprintf(stdout, "Kind:      %s\n", kind)
	fmt.Fprintf(stdout, "Created:   %s\n", r.CreatedAt().Format(time.RFC3339Nano))
	fmt.Fprintf(stdout, "Modified:  %s\n\n", r.ModifiedAt().Format(time.RFC3339Nano))

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tGROUP\tSTATE\tMIME\tSIZE\tCREATED")
	for _, ds := range streams {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			ds.ID, ds.VersionID, ds.ControlGroup, ds.State, ds.MIMEType, ds.Size, ds.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func handleSetState(ctx context.Context, rt *config.Runtime, opts options, stdout io.Writer) error {
	state, err := objectstore.ParseState(opts.args[1])
	if err != nil {
		return err
	}
	w, err := rt.Coordinator.OpenWriter(ctx, opts.args[0])
	if err != nil {
		return err
	}
	defer rt.Coordinator.Release(ctx, w)

	if err := w.SetState(state); err != nil {
		return err
	}
	if _, err := rt.Coordinator.Commit(ctx, w, opts.message, false); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\t%s\n", opts.args[0], state)
	return nil
}

func handlePurge(ctx context.Context, rt *config.Runtime, opts options, stdout io.Writer) error {
	w, err := rt.Coordinator.OpenWriter(ctx, opts.args[0])
	if err != nil {
		return err
	}
	defer rt.Coordinator.Release(ctx, w)

	if _, err := rt.Coordinator.Commit(ctx, w, opts.message, true); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "purged %s\n", opts.args[0])
	return nil
}
