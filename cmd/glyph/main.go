package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/config"
	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/internal/app"
	"xdao.co/glyph/internal/logging"
	"xdao.co/glyph/keys"
	"xdao.co/glyph/resonance"
	"xdao.co/glyph/storage/bundle"
	"xdao.co/glyph/timeindex"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "fingerprint":
		return cmdFingerprint(args[1:], out, errOut)
	case "compare":
		return cmdCompare(args[1:], out, errOut)
	case "insert":
		return cmdInsert(args[1:], out, errOut)
	case "window":
		return cmdWindow(args[1:], out, errOut)
	case "project":
		return cmdProject(args[1:], out, errOut)
	case "score":
		return cmdScore(args[1:], out, errOut)
	case "crystallize":
		return cmdCrystallize(args[1:], out, errOut)
	case "glyph":
		return cmdGlyph(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "export":
		return cmdExport(args[1:], out, errOut)
	case "import":
		return cmdImport(args[1:], out, errOut)
	case "seed":
		return cmdSeed(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "glyph: tiered fingerprints, spiral time index and glyph crystallization")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  glyph fingerprint [--tier exact|structural|intent] [--format text|json] [--kind <k>] <file>")
	fmt.Fprintln(w, "  glyph compare [--format text|json] [--kind <k>] <file-a> <file-b>")
	fmt.Fprintln(w, "  glyph insert --layer <id> --weight <0..1> [--tier <t>] [--format <f>] [--kind <k>] <file>")
	fmt.Fprintln(w, "  glyph window --layer <id> [--min <r>] [--max <r>]")
	fmt.Fprintln(w, "  glyph project --layer <id> [--steps <n>]")
	fmt.Fprintln(w, "  glyph score --point <layer>:<index> [--point ...]")
	fmt.Fprintln(w, "  glyph crystallize --point <layer>:<index> [--point ...]")
	fmt.Fprintln(w, "  glyph glyph show <glyph-id>")
	fmt.Fprintln(w, "  glyph glyph list")
	fmt.Fprintln(w, "  glyph verify [<glyph-id> ...]")
	fmt.Fprintln(w, "  glyph export --out <bundle.tar> [--index] [<glyph-id> ...]")
	fmt.Fprintln(w, "  glyph import [--verify-seals] [--require-seal] [--ignore-unknown] <bundle.tar>")
	fmt.Fprintln(w, "  glyph seed init --out <file>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Common flags for commands that use a data directory:")
	fmt.Fprintln(w, "  --config <file>     YAML configuration (GLYPH_* environment variables override it)")
	fmt.Fprintln(w, "  --data-dir <dir>    overrides data_dir")
	fmt.Fprintln(w, "  --threshold <t>     overrides crystal.threshold (required, in (0, 1])")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - project never writes; its point is provisional")
	fmt.Fprintln(w, "  - crystallize exits 3 when the chord does not reach the threshold")
	fmt.Fprintln(w, "  - export without ids writes every glyph in the ledger")
	fmt.Fprintln(w, "  - glyph show writes the canonical record to stdout (no trailing newline)")
}

// dataFlags are shared by every command that opens a data directory.
type dataFlags struct {
	configPath string
	dataDir    string
	threshold  string
	logLevel   string
}

func addDataFlags(fs *flag.FlagSet) *dataFlags {
	d := &dataFlags{}
	fs.StringVar(&d.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&d.dataDir, "data-dir", "", "Data directory (overrides data_dir)")
	fs.StringVar(&d.threshold, "threshold", "", "Crystallization threshold (overrides crystal.threshold)")
	fs.StringVar(&d.logLevel, "log-level", "", "Log level: info, debug, trace")
	return d
}

func (d *dataFlags) open(ctx context.Context, errOut io.Writer) (*app.App, error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return nil, err
	}
	if d.dataDir != "" {
		cfg.DataDir = d.dataDir
	}
	if d.threshold != "" {
		t, err := strconv.ParseFloat(d.threshold, 64)
		if err != nil {
			return nil, fmt.Errorf("--threshold: %w", err)
		}
		cfg.Crystal.Threshold = &t
	}
	if d.logLevel != "" {
		cfg.Logging.Level = d.logLevel
	}
	return app.Open(ctx, cfg, logging.NewLogger(cfg.Logging.Level, errOut), nil)
}

// artifactFlags select the capabilities used for the weaker tiers.
type artifactFlags struct {
	tier   string
	format string
	kind   string
}

func addArtifactFlags(fs *flag.FlagSet, defaultTier string) *artifactFlags {
	a := &artifactFlags{}
	fs.StringVar(&a.tier, "tier", defaultTier, "Fingerprint tier: exact, structural, intent")
	fs.StringVar(&a.format, "format", "text", "Artifact format for normalization: text, json")
	fs.StringVar(&a.kind, "kind", "", "Artifact kind passed to the classifier")
	return a
}

func (a *artifactFlags) hierarchy() (fingerprint.Hierarchy, error) {
	var n fingerprint.Normalizer
	switch a.format {
	case "text":
		n = fingerprint.TextNormalizer{}
	case "json":
		n = fingerprint.JSONNormalizer{}
	default:
		return fingerprint.Hierarchy{}, fmt.Errorf("unknown --format %q (valid: text, json)", a.format)
	}
	return fingerprint.Hierarchy{Normalizer: n, Classifier: fingerprint.TokenClassifier{}}, nil
}

func (a *artifactFlags) hints() fingerprint.Hints {
	if a.kind == "" {
		return nil
	}
	return fingerprint.Hints{"kind": a.kind}
}

// fingerprintFile computes the fingerprint at the requested tier together
// with its chain to the stronger tiers.
func (a *artifactFlags) fingerprintFile(path string) (fingerprint.Fingerprint, error) {
	tier, err := fingerprint.ParseTier(a.tier)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	h, err := a.hierarchy()
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return h.Compute(tier, data, a.hints())
}

func cmdFingerprint(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(errOut)
	af := addArtifactFlags(fs, "exact")
	chain := fs.Bool("chain", false, "Also print the stronger tiers")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: glyph fingerprint [--tier <t>] [--format <f>] [--kind <k>] [--chain] <file>")
		return 2
	}
	fp, err := af.fingerprintFile(fs.Arg(0))
	if err != nil {
		return fail(errOut, "fingerprint", err)
	}
	for cur := &fp; cur != nil; cur = cur.Parent {
		_, _ = fmt.Fprintln(out, cur.Key())
		if !*chain {
			break
		}
	}
	return 0
}

func cmdCompare(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	fs.SetOutput(errOut)
	af := addArtifactFlags(fs, "intent")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(errOut, "usage: glyph compare [--tier <t>] [--format <f>] [--kind <k>] <file-a> <file-b>")
		return 2
	}
	a, err := af.fingerprintFile(fs.Arg(0))
	if err != nil {
		return fail(errOut, fs.Arg(0), err)
	}
	b, err := af.fingerprintFile(fs.Arg(1))
	if err != nil {
		return fail(errOut, fs.Arg(1), err)
	}
	_, _ = fmt.Fprintln(out, fingerprint.Compare(a, b))
	return 0
}

func cmdInsert(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("insert", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	af := addArtifactFlags(fs, "exact")
	layer := fs.String("layer", "", "Layer id")
	weight := fs.Float64("weight", 1, "Signal weight in [0, 1]")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *layer == "" || fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: glyph insert --layer <id> --weight <w> [--tier <t>] <file>")
		return 2
	}
	ref, err := af.fingerprintFile(fs.Arg(0))
	if err != nil {
		return fail(errOut, "fingerprint", err)
	}

	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	p, err := a.Index.Insert(ctx, *layer, *weight, ref)
	if err != nil {
		return fail(errOut, "insert", err)
	}
	a.Log.Log(ctx, logging.LevelTrace, "point inserted", "layer", p.Layer, "index", p.Index, "phase", p.Phase, "radius", p.Radius)
	renderPoints(out, []timeindex.TimePoint{p})
	return 0
}

func cmdWindow(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("window", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	layer := fs.String("layer", "", "Layer id")
	rmin := fs.Float64("min", 0, "Minimum radius (inclusive)")
	rmax := fs.Float64("max", 0, "Maximum radius (inclusive, 0 means unbounded)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *layer == "" {
		fmt.Fprintln(errOut, "usage: glyph window --layer <id> [--min <r>] [--max <r>]")
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	hi := *rmax
	if hi == 0 {
		hi = inf
	}
	renderPoints(out, a.Index.PointsInWindow(*layer, *rmin, hi))
	return 0
}

func cmdProject(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	layer := fs.String("layer", "", "Layer id")
	steps := fs.Int("steps", 1, "Insertions ahead (>= 1)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *layer == "" {
		fmt.Fprintln(errOut, "usage: glyph project --layer <id> [--steps <n>]")
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	p, err := a.Index.FutureProjection(*layer, *steps)
	if err != nil {
		return fail(errOut, "project", err)
	}
	renderPoints(out, []timeindex.TimePoint{p})
	return 0
}

// pointList collects repeated --point <layer>:<index> flags.
type pointList []string

func (p *pointList) String() string { return strings.Join(*p, ",") }
func (p *pointList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func chordFrom(ix *timeindex.Index, refs []string) (resonance.Chord, error) {
	pts := make([]timeindex.TimePoint, 0, len(refs))
	for _, r := range refs {
		i := strings.LastIndexByte(r, ':')
		if i <= 0 {
			return nil, fmt.Errorf("invalid --point %q (want <layer>:<index>)", r)
		}
		idx, err := strconv.ParseUint(r[i+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --point %q: %w", r, err)
		}
		p, ok := ix.Point(r[:i], idx)
		if !ok {
			return nil, fmt.Errorf("no point %s", r)
		}
		pts = append(pts, p)
	}
	return resonance.NewChord(pts...)
}

func cmdScore(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	var points pointList
	fs.Var(&points, "point", "Chord member <layer>:<index> (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	chord, err := chordFrom(a.Index, points)
	if err != nil {
		return fail(errOut, "chord", err)
	}
	s, err := a.Engine.Score(chord)
	if err != nil {
		return fail(errOut, "score", err)
	}
	_, _ = fmt.Fprintln(out, strconv.FormatFloat(s, 'f', 6, 64))
	return 0
}

func cmdCrystallize(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("crystallize", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	var points pointList
	fs.Var(&points, "point", "Chord member <layer>:<index> (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	chord, err := chordFrom(a.Index, points)
	if err != nil {
		return fail(errOut, "chord", err)
	}
	g, err := a.Engine.Crystallize(ctx, chord)
	if fault.IsKind(err, fault.BelowThreshold) {
		fmt.Fprintf(errOut, "not crystallized: %v\n", err)
		return 3
	}
	if err != nil {
		return fail(errOut, "crystallize", err)
	}
	_, _ = fmt.Fprintln(out, g.ID.String())
	return 0
}

func cmdGlyph(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: glyph glyph <subcommand> ...")
		fmt.Fprintln(errOut, "subcommands: show, list")
		return 2
	}
	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("glyph show", flag.ContinueOnError)
		fs.SetOutput(errOut)
		df := addDataFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, "usage: glyph glyph show <glyph-id>")
			return 2
		}
		id, err := cid.Decode(fs.Arg(0))
		if err != nil {
			return fail(errOut, "glyph id", err)
		}
		ctx := context.Background()
		a, err := df.open(ctx, errOut)
		if err != nil {
			return fail(errOut, "open", err)
		}
		defer a.Close()
		g, err := a.Ledger.Lookup(ctx, id)
		if err != nil {
			return fail(errOut, "lookup", err)
		}
		rec, err := crystal.MarshalRecord(g)
		if err != nil {
			return fail(errOut, "render", err)
		}
		_, _ = out.Write(rec)
		return 0
	case "list":
		fs := flag.NewFlagSet("glyph list", flag.ContinueOnError)
		fs.SetOutput(errOut)
		df := addDataFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		ctx := context.Background()
		a, err := df.open(ctx, errOut)
		if err != nil {
			return fail(errOut, "open", err)
		}
		defer a.Close()
		list, err := a.Ledger.Glyphs(ctx)
		if err != nil {
			return fail(errOut, "list", err)
		}
		rows := make([][]string, len(list))
		for i, g := range list {
			rows[i] = []string{
				g.ID.String(),
				strconv.FormatFloat(g.Resonance, 'f', 4, 64),
				strconv.FormatFloat(g.CreatedAtRadius, 'f', 4, 64),
				strconv.Itoa(g.Depth),
				strconv.Itoa(g.Members),
			}
		}
		renderTable(out, []string{"ID", "RESONANCE", "RADIUS", "DEPTH", "MEMBERS"}, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight})
		return 0
	default:
		fmt.Fprintf(errOut, "unknown glyph subcommand: %s\n", args[0])
		return 2
	}
}

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	requireSeal := fs.Bool("require-seal", false, "Fail glyphs without a seal")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	var ids []cid.Cid
	if fs.NArg() > 0 {
		for _, s := range fs.Args() {
			id, err := cid.Decode(s)
			if err != nil {
				return fail(errOut, "glyph id", err)
			}
			ids = append(ids, id)
		}
	} else {
		list, err := a.Ledger.Glyphs(ctx)
		if err != nil {
			return fail(errOut, "list", err)
		}
		for _, g := range list {
			ids = append(ids, g.ID)
		}
	}

	bad := 0
	for _, id := range ids {
		if err := verifyGlyph(ctx, a, id, *requireSeal); err != nil {
			bad++
			fmt.Fprintf(out, "FAIL %s: %v\n", id, err)
			continue
		}
		fmt.Fprintf(out, "OK   %s\n", id)
	}
	if bad > 0 {
		return 1
	}
	return 0
}

func verifyGlyph(ctx context.Context, a *app.App, id cid.Cid, requireSeal bool) error {
	g, err := a.Ledger.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if g.Seal == "" {
		if requireSeal {
			return errors.New("glyph is not sealed")
		}
		return nil
	}
	payload, err := crystal.SigningPayload(g)
	if err != nil {
		return err
	}
	return keys.VerifySeal(payload, g.Seal)
}

func cmdExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	outPath := fs.String("out", "", "Bundle file to write")
	withIndex := fs.Bool("index", false, "Include index.json")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outPath == "" {
		fmt.Fprintln(errOut, "usage: glyph export --out <bundle.tar> [--index] [<glyph-id> ...]")
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	var ids []cid.Cid
	for _, s := range fs.Args() {
		id, err := cid.Decode(s)
		if err != nil {
			return fail(errOut, "glyph id", err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		list, err := a.Ledger.Glyphs(ctx)
		if err != nil {
			return fail(errOut, "list", err)
		}
		for _, g := range list {
			ids = append(ids, g.ID)
		}
	}

	f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fail(errOut, "create bundle", err)
	}
	if err := bundle.Export(ctx, f, a.Ledger, ids, bundle.ExportOptions{IncludeIndex: *withIndex}); err != nil {
		_ = f.Close()
		_ = os.Remove(*outPath)
		return fail(errOut, "export", err)
	}
	if err := f.Close(); err != nil {
		return fail(errOut, "export", err)
	}
	fmt.Fprintf(out, "exported %d glyphs to %s\n", len(ids), *outPath)
	return 0
}

func cmdImport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(errOut)
	df := addDataFlags(fs)
	var opts bundle.ImportOptions
	fs.BoolVar(&opts.VerifySeals, "verify-seals", false, "Verify the seal of every sealed record")
	fs.BoolVar(&opts.RequireSeal, "require-seal", false, "Reject unsealed records")
	fs.BoolVar(&opts.IgnoreUnknown, "ignore-unknown", false, "Skip unknown bundle entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: glyph import [--verify-seals] [--require-seal] [--ignore-unknown] <bundle.tar>")
		return 2
	}
	ctx := context.Background()
	a, err := df.open(ctx, errOut)
	if err != nil {
		return fail(errOut, "open", err)
	}
	defer a.Close()

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fail(errOut, "open bundle", err)
	}
	defer f.Close()

	st, err := bundle.Import(ctx, f, a.Engine.Registry(), opts)
	if err != nil {
		return fail(errOut, "import", err)
	}
	fmt.Fprintf(out, "imported %d glyphs (%d already present)\n", st.Created, st.Existing)
	return 0
}

func cmdSeed(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(errOut, "usage: glyph seed init --out <file>")
		return 2
	}
	fs := flag.NewFlagSet("seed init", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String("out", "", "Seed file to create (never overwritten)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(errOut, "usage: glyph seed init --out <file>")
		return 2
	}
	seed := make([]byte, keys.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fail(errOut, "random", err)
	}
	if err := keys.WriteSeedFile(*path, seed); err != nil {
		return fail(errOut, "write seed", err)
	}
	_, _ = fmt.Fprintln(out, *path)
	return 0
}

func fail(errOut io.Writer, what string, err error) int {
	if rule := fault.RuleID(err); rule != "" {
		fmt.Fprintf(errOut, "%s: %v [%s %s]\n", what, err, fault.KindOf(err), rule)
	} else {
		fmt.Fprintf(errOut, "%s: %v\n", what, err)
	}
	return 1
}
