package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/floegence/redeven-impact/internal/auditlog"
	"github.com/floegence/redeven-impact/internal/impact"
	"github.com/floegence/redeven-impact/internal/lockfile"
)

func actorFlag(fs *flag.FlagSet) *string {
	def := strings.TrimSpace(os.Getenv("USER"))
	if def == "" {
		def = "local"
	}
	return fs.String("user", "local:"+def, "Actor recorded in the audit log")
}

func requireFlag(fs *flag.FlagSet, name string, value string) error {
	if strings.TrimSpace(value) == "" {
		fs.Usage()
		return fmt.Errorf("missing -%s", name)
	}
	return nil
}

func importCmd(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	cfgPath := configFlag(fs)
	file := fs.String("file", "", "Document to import")
	id := fs.String("id", "", "Artefact id (default: front matter id or file name)")
	title := fs.String("title", "", "Artefact title")
	kind := fs.String("kind", "", "Artefact kind (prd, spec, backlog, ...)")
	contentType := fs.String("content-type", "", "Content type (default: from file extension)")
	product := fs.String("product", "", "Product context id")
	analyze := fs.Bool("analyze", false, "Run an analysis after importing")
	user := actorFlag(fs)
	_ = fs.Parse(args)
	if err := requireFlag(fs, "file", *file); err != nil {
		return err
	}

	b, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	art, err := artefactFromFile(importArgs{
		Path:        *file,
		Content:     string(b),
		ID:          *id,
		Title:       *title,
		Kind:        *kind,
		ContentType: *contentType,
		ProductID:   *product,
		NowUnixMs:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("parse front matter: %w", err)
	}

	ctx := context.Background()
	prev, err := a.store.GetArtefact(ctx, art.ID)
	if err != nil {
		return err
	}
	if err := a.store.PutArtefact(ctx, art); err != nil {
		return err
	}
	a.audit.Append(auditlog.Entry{
		Action:     auditlog.ActionArtefactImported,
		Status:     "success",
		UserID:     strings.TrimSpace(*user),
		ArtefactID: art.ID,
		Detail: map[string]any{
			"file":         *file,
			"content_type": art.ContentType,
			"updated":      prev != nil,
		},
	})
	fmt.Printf("imported %s (%s, %d bytes)\n", art.ID, firstNonEmpty(art.ContentType, "auto"), len(art.Content))

	if !*analyze {
		return nil
	}
	run, err := a.engine.RunAnalysis(ctx, impact.AnalysisRequest{ArtefactID: art.ID})
	if err != nil {
		return err
	}
	printRun(os.Stdout, run, isTerminalWriter(os.Stdout))
	return nil
}

func analyzeCmd(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id")
	compare := fs.String("compare", "", "Compare against this file instead of the last analysed snapshot")
	compareType := fs.String("compare-content-type", "", "Content type of -compare (default: from file extension)")
	trigger := fs.String("trigger", "", "Change set id that triggered the analysis")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)
	if err := requireFlag(fs, "artefact", *artefactID); err != nil {
		return err
	}

	req := impact.AnalysisRequest{
		ArtefactID:         strings.TrimSpace(*artefactID),
		TriggerChangeSetID: strings.TrimSpace(*trigger),
	}
	if p := strings.TrimSpace(*compare); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		content := string(b)
		req.ComparisonContent = &content
		req.ComparisonContentType = firstNonEmpty(*compareType, contentTypeForPath(p))
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	run, err := a.engine.RunAnalysis(ctx, req)
	if err != nil {
		return err
	}
	var items []impact.Item
	if run.Status == impact.RunCompleted {
		if items, err = a.engine.ListItems(ctx, run.ID); err != nil {
			return err
		}
	}
	if *asJSON {
		return printJSON(os.Stdout, map[string]any{"run": run, "items": items})
	}
	useANSI := isTerminalWriter(os.Stdout)
	printRun(os.Stdout, run, useANSI)
	if len(items) > 0 {
		fmt.Println()
		return printItems(os.Stdout, items, useANSI)
	}
	return nil
}

func runsCmd(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id")
	limit := fs.Int("limit", 20, "Maximum number of runs (<= 0: all)")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)
	if err := requireFlag(fs, "artefact", *artefactID); err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.engine.ListRuns(context.Background(), *artefactID, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, runs)
	}
	return printRuns(os.Stdout, runs, isTerminalWriter(os.Stdout))
}

func itemsCmd(args []string) error {
	fs := flag.NewFlagSet("items", flag.ExitOnError)
	cfgPath := configFlag(fs)
	runID := fs.String("run", "", "Run id")
	artefactID := fs.String("artefact", "", "Artefact id (uses the latest completed run)")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)
	if strings.TrimSpace(*runID) == "" && strings.TrimSpace(*artefactID) == "" {
		fs.Usage()
		return errors.New("one of -run or -artefact is required")
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	id := strings.TrimSpace(*runID)
	if id == "" {
		latest, err := a.engine.LatestRun(ctx, *artefactID)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("no completed run for %s", *artefactID)
		}
		id = latest.ID
	}
	items, err := a.engine.ListItems(ctx, id)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, items)
	}
	return printItems(os.Stdout, items, isTerminalWriter(os.Stdout))
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := configFlag(fs)
	itemID := fs.String("item", "", "Item id")
	status := fs.String("status", "", "reviewed|ignored|review_required|pending")
	user := actorFlag(fs)
	_ = fs.Parse(args)
	if err := requireFlag(fs, "item", *itemID); err != nil {
		return err
	}
	if err := requireFlag(fs, "status", *status); err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.engine.SetItemStatus(context.Background(), *itemID, *status, *user)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s:%s -> %s\n", it.ID, it.Type, it.Name, it.ReviewStatus)
	return nil
}

func diffCmd(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id (compares its two latest completed runs)")
	older := fs.String("older", "", "Older run id")
	newer := fs.String("newer", "", "Newer run id")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)

	byRuns := strings.TrimSpace(*older) != "" || strings.TrimSpace(*newer) != ""
	if !byRuns && strings.TrimSpace(*artefactID) == "" {
		fs.Usage()
		return errors.New("either -artefact or -older and -newer are required")
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var d impact.Diff
	if byRuns {
		d, err = a.engine.DiffRuns(ctx, *older, *newer)
	} else {
		d, err = a.engine.DiffLatest(ctx, *artefactID)
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, d)
	}
	return printDiff(os.Stdout, d, isTerminalWriter(os.Stdout))
}

func linkCmd(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: impactd link add|rm|ls [flags]")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("link "+sub, flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id")
	edgeID := fs.String("id", "", "Edge id (rm)")
	targetType := fs.String("type", "", "Target type: code|test|data|artefact (add)")
	targetID := fs.String("target", "", "Target id (add)")
	linkType := fs.String("link-type", "", "Link type (add; default depends on target type)")
	dataKind := fs.String("data-kind", "", "Data kind for data targets: table|event|kpi (add)")
	confidence := fs.Float64("confidence", 1, "Edge confidence in [0,1] (add)")
	asJSON := fs.Bool("json", false, "Print JSON")
	user := actorFlag(fs)
	_ = fs.Parse(rest)

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	switch sub {
	case "add":
		if err := requireFlag(fs, "artefact", *artefactID); err != nil {
			return err
		}
		tt, ok := impact.ParseTargetType(*targetType)
		if !ok {
			return fmt.Errorf("invalid -type %q", *targetType)
		}
		e, err := a.engine.AddLink(ctx, *artefactID, impact.Edge{
			TargetType: tt,
			TargetID:   *targetID,
			LinkType:   *linkType,
			DataKind:   impact.DataKind(strings.ToLower(strings.TrimSpace(*dataKind))),
			Confidence: *confidence,
			Source:     impact.LinkManual,
		}, *user)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(os.Stdout, e)
		}
		fmt.Printf("linked %s -> %s:%s (%s)\n", e.ArtefactID, e.TargetType, e.TargetID, e.ID)
		return nil
	case "rm":
		if err := requireFlag(fs, "id", *edgeID); err != nil {
			return err
		}
		if err := a.engine.RemoveLink(ctx, *edgeID, *user); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", *edgeID)
		return nil
	case "ls":
		if err := requireFlag(fs, "artefact", *artefactID); err != nil {
			return err
		}
		g, err := a.engine.Links(ctx, *artefactID)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(os.Stdout, g)
		}
		return printGraph(os.Stdout, g)
	default:
		return fmt.Errorf("unknown link command %q", sub)
	}
}

func suggestCmd(args []string) error {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id")
	list := fs.Bool("list", false, "List stored suggestions instead of generating new ones")
	status := fs.String("status", "", "Filter listed suggestions: pending|accepted|rejected")
	asJSON := fs.Bool("json", false, "Print JSON")
	_ = fs.Parse(args)
	if err := requireFlag(fs, "artefact", *artefactID); err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var out []impact.Suggestion
	if *list {
		out, err = a.engine.ListSuggestions(ctx, *artefactID, *status)
	} else {
		out, err = a.engine.GenerateSuggestions(ctx, *artefactID)
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(os.Stdout, out)
	}
	return printSuggestions(os.Stdout, out)
}

func decideCmd(decision string, args []string) error {
	fs := flag.NewFlagSet(decision, flag.ExitOnError)
	cfgPath := configFlag(fs)
	id := fs.String("id", "", "Suggestion id")
	user := actorFlag(fs)
	_ = fs.Parse(args)
	if err := requireFlag(fs, "id", *id); err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if decision == "reject" {
		if err := a.engine.RejectSuggestion(ctx, *id, *user); err != nil {
			return err
		}
		fmt.Printf("rejected %s\n", *id)
		return nil
	}
	e, err := a.engine.AcceptSuggestion(ctx, *id, *user)
	if err != nil {
		return err
	}
	fmt.Printf("accepted %s: %s -> %s:%s (%s)\n", *id, e.ArtefactID, e.TargetType, e.TargetID, e.ID)
	return nil
}

func scheduleCmd(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Artefact id")
	at := fs.String("at", "", "Run at this time (RFC3339)")
	in := fs.Duration("in", 0, "Run after this delay")
	trigger := fs.String("trigger", "", "Change set id that triggered the analysis")
	_ = fs.Parse(args)
	if err := requireFlag(fs, "artefact", *artefactID); err != nil {
		return err
	}

	when := time.Now().Add(*in)
	if s := strings.TrimSpace(*at); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
		when = t
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	art, err := a.store.GetArtefact(ctx, *artefactID)
	if err != nil {
		return err
	}
	if art == nil {
		return fmt.Errorf("%w: %s", impact.ErrArtefactNotFound, *artefactID)
	}

	// A running server owns the queue; hand the entry to it so it is armed
	// without a restart.
	lk, err := lockfile.Acquire(a.paths.LockPath)
	switch {
	case err == nil:
		_ = lk.Release()
	case errors.Is(err, lockfile.ErrAlreadyLocked):
		return scheduleViaServer(ctx, a.cfg.ResolvedListenAddr(), *artefactID, when, *trigger)
	default:
		return err
	}

	sched, err := impact.NewScheduler(impact.SchedulerOptions{
		Logger:  a.log,
		Queue:   a.store,
		Starter: a.engine,
	})
	if err != nil {
		return err
	}
	entry, err := sched.Enqueue(ctx, *artefactID, when, *trigger)
	if err != nil {
		return err
	}
	fmt.Printf("queued %s for %s at %s\n", entry.ID, entry.ArtefactID, formatUnixMs(entry.ScheduledAtUnixMs))
	return nil
}

func scheduleViaServer(ctx context.Context, addr string, artefactID string, when time.Time, trigger string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp struct {
		Entry impact.QueueEntry `json:"entry"`
	}
	if err := callServer(ctx, addr, impact.TypeID_IMPACT_SCHEDULE, map[string]any{
		"artefact_id":           artefactID,
		"scheduled_at_unix_ms":  when.UnixMilli(),
		"trigger_change_set_id": trigger,
	}, &resp); err != nil {
		return fmt.Errorf("schedule via running server: %w", err)
	}
	fmt.Printf("queued %s for %s at %s (server)\n", resp.Entry.ID, resp.Entry.ArtefactID, formatUnixMs(resp.Entry.ScheduledAtUnixMs))
	return nil
}

func auditCmd(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := configFlag(fs)
	artefactID := fs.String("artefact", "", "Only entries for this artefact")
	limit := fs.Int("limit", 50, "Maximum number of entries")
	_ = fs.Parse(args)

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []auditlog.Entry
	if id := strings.TrimSpace(*artefactID); id != "" {
		entries, err = a.audit.ListFor(id, *limit)
	} else {
		entries, err = a.audit.List(*limit)
	}
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, entries)
}

func secretsCmd(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: impactd secrets set|clear -provider <id>")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("secrets "+sub, flag.ExitOnError)
	cfgPath := configFlag(fs)
	providerID := fs.String("provider", "", "Provider id from the oracle config")
	_ = fs.Parse(rest)
	if err := requireFlag(fs, "provider", *providerID); err != nil {
		return err
	}

	a, err := openApp(appOptions{ConfigPath: *cfgPath})
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "set":
		key, err := readSecret("API key: ")
		if err != nil {
			return err
		}
		if err := a.secrets.SetProviderAPIKey(*providerID, key); err != nil {
			return err
		}
		fmt.Printf("stored key for %s\n", *providerID)
		return nil
	case "clear":
		if err := a.secrets.ClearProviderAPIKey(*providerID); err != nil {
			return err
		}
		fmt.Printf("cleared key for %s\n", *providerID)
		return nil
	default:
		return fmt.Errorf("unknown secrets command %q", sub)
	}
}
