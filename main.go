package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/secinv-io/secinv-mcp/internal/api"
	"github.com/secinv-io/secinv-mcp/internal/output"
	"github.com/secinv-io/secinv-mcp/internal/registry"
	"github.com/secinv-io/secinv-mcp/internal/usage"
)

var version = "0.1.0-dev"

func resolveVersion() string {
	if version != "0.1.0-dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
		return info.Main.Version
	}
	return version
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "mcp":
		runMCP(os.Args[2:])
	case "resources":
		runResources(os.Args[2:])
	case "tools":
		runTools(os.Args[2:])
	case "usage":
		runUsage(os.Args[2:])
	case "version":
		fmt.Println(resolveVersion())
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage(os.Stdout)
		os.Exit(1)
	}
}

func runMCP(args []string) {
	cfg, configPath, err := resolveConfig(args)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	apiOpts := addAPIFlags(fs, cfg)
	serverOpts := addServerFlags(fs, cfg)
	logOpts := addLoggingFlags(fs, cfg)
	usageOpts := addUsageFlags(fs, cfg, "none")
	fs.Parse(args)

	logger, err := setupLogger(os.Stderr, logOpts.Level, logOpts.Format)
	if err != nil {
		exitError(err)
	}

	gw, err := newGateway(gatewayOptions{
		API:            *apiOpts,
		Scheme:         serverOpts.Scheme,
		Usage:          usageOpts,
		Logger:         logger,
		RequireBackend: true,
	})
	if err != nil {
		exitError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger.Info("starting",
		"version", resolveVersion(),
		"scheme", gw.registry.Scheme(),
		"resources", len(gw.registry.Resources())+len(gw.registry.Templates()),
		"tools", len(gw.registry.Tools()),
	)

	if addr := strings.TrimSpace(serverOpts.HTTPAddr); addr != "" {
		err = serveHTTP(ctx, addr, newHTTPHandler(gw.server(), gw.metrics), logger)
	} else {
		err = serveMCP(ctx, gw.server(), os.Stdin, os.Stdout)
	}
	stop()
	gw.Close()
	if err != nil {
		exitError(err)
	}
}

func runResources(args []string) {
	if len(args) == 0 {
		resourcesUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		resourcesList(args[1:])
	case "read":
		resourcesRead(args[1:])
	case "help", "-h", "--help":
		resourcesUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown resources command: %s\n", args[0])
		resourcesUsage()
		os.Exit(1)
	}
}

func resourcesList(args []string) {
	cfg, configPath, err := resolveConfig(args)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("resources list", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	serverOpts := addServerFlags(fs, cfg)
	format := fs.String("format", "table", "Output format: json|table|csv")
	fs.Parse(args)

	formatValue, err := output.ParseFormat(*format)
	if err != nil {
		exitError(err)
	}

	gw, err := newGateway(gatewayOptions{Scheme: serverOpts.Scheme})
	if err != nil {
		exitError(err)
	}
	defer gw.Close()

	if formatValue == "json" {
		payload := map[string]any{
			"resources":         resourceList(gw.registry),
			"resourceTemplates": resourceTemplateList(gw.registry),
		}
		if err := output.PrintJSON(os.Stdout, payload); err != nil {
			exitError(err)
		}
		return
	}

	table := output.Table{Columns: []string{"name", "uri", "description"}}
	for _, d := range append(gw.registry.Resources(), gw.registry.Templates()...) {
		table.Rows = append(table.Rows, []string{d.Name, d.URI, d.Description})
	}
	if err := output.Print(os.Stdout, formatValue, table); err != nil {
		exitError(err)
	}
}

func resourcesRead(args []string) {
	uri, rest := splitPositional(args)

	cfg, configPath, err := resolveConfig(rest)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("resources read", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	apiOpts := addAPIFlags(fs, cfg)
	serverOpts := addServerFlags(fs, cfg)
	format := fs.String("format", "json", "Output format: json|table|csv")
	fs.Parse(rest)

	if uri == "" {
		uri = fs.Arg(0)
	}
	if strings.TrimSpace(uri) == "" {
		exitError(errors.New("resource URI is required (e.g. secinv resources read mcp://licenseInventory)"))
	}

	formatValue, err := output.ParseFormat(*format)
	if err != nil {
		exitError(err)
	}

	gw, err := newGateway(gatewayOptions{API: *apiOpts, Scheme: serverOpts.Scheme, RequireBackend: true})
	if err != nil {
		exitError(err)
	}
	defer gw.Close()

	payload, err := gw.registry.Dispatch(context.Background(), uri)
	if err != nil {
		exitError(err)
	}
	if err := output.Print(os.Stdout, formatValue, payload); err != nil {
		exitError(err)
	}
}

func runTools(args []string) {
	if len(args) == 0 {
		toolsUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		toolsList(args[1:])
	case "call":
		toolsCall(args[1:])
	case "help", "-h", "--help":
		toolsUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown tools command: %s\n", args[0])
		toolsUsage()
		os.Exit(1)
	}
}

func toolsList(args []string) {
	cfg, configPath, err := resolveConfig(args)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("tools list", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	serverOpts := addServerFlags(fs, cfg)
	format := fs.String("format", "table", "Output format: json|table|csv")
	fs.Parse(args)

	formatValue, err := output.ParseFormat(*format)
	if err != nil {
		exitError(err)
	}

	gw, err := newGateway(gatewayOptions{Scheme: serverOpts.Scheme})
	if err != nil {
		exitError(err)
	}
	defer gw.Close()

	if formatValue == "json" {
		if err := output.PrintJSON(os.Stdout, map[string]any{"tools": toolDefinitions(gw.registry)}); err != nil {
			exitError(err)
		}
		return
	}

	table := output.Table{Columns: []string{"name", "arguments", "description"}}
	for _, d := range gw.registry.Tools() {
		table.Rows = append(table.Rows, []string{d.Name, describeParams(d.Params), d.Description})
	}
	if err := output.Print(os.Stdout, formatValue, table); err != nil {
		exitError(err)
	}
}

func toolsCall(args []string) {
	name, rest := splitPositional(args)

	cfg, configPath, err := resolveConfig(rest)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("tools call", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	apiOpts := addAPIFlags(fs, cfg)
	serverOpts := addServerFlags(fs, cfg)
	rawArgs := fs.String("args", "", "Tool arguments as a JSON object")
	format := fs.String("format", "json", "Output format: json|table|csv")
	fs.Parse(rest)

	if name == "" {
		name = fs.Arg(0)
	}
	if strings.TrimSpace(name) == "" {
		exitError(errors.New("tool name is required (e.g. secinv tools call projectLicenseDetails --args '{\"project_id\":42}')"))
	}

	formatValue, err := output.ParseFormat(*format)
	if err != nil {
		exitError(err)
	}

	arguments, err := parseToolArguments(*rawArgs)
	if err != nil {
		exitError(err)
	}

	gw, err := newGateway(gatewayOptions{API: *apiOpts, Scheme: serverOpts.Scheme, RequireBackend: true})
	if err != nil {
		exitError(err)
	}
	defer gw.Close()

	payload, err := gw.registry.Call(context.Background(), name, arguments)
	if err != nil {
		exitError(err)
	}
	if err := output.Print(os.Stdout, formatValue, payload); err != nil {
		exitError(err)
	}
}

func parseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	var arguments map[string]any
	if err := decodeJSON([]byte(raw), &arguments); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	return arguments, nil
}

func describeParams(params []registry.Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		part := p.Name + ":" + p.Type.String()
		if p.Optional {
			part += "?"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// splitPositional pulls a leading non-flag argument off args.
func splitPositional(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func runUsage(args []string) {
	if len(args) == 0 {
		usageUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "setup":
		usageSetup(args[1:])
	case "get":
		usageGet(args[1:])
	case "help", "-h", "--help":
		usageUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown usage command: %s\n", args[0])
		usageUsage()
		os.Exit(1)
	}
}

func usageSetup(args []string) {
	cfg, configPath, err := resolveConfig(args)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("usage setup", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	driverOpts := addUsageFlags(fs, cfg, "sqlite")
	fs.Parse(args)

	if !driverOpts.Enabled() {
		exitError(errors.New("usage setup needs a driver (sqlite, postgres, mysql, redis, mongo)"))
	}

	store, err := usage.Open(*driverOpts)
	if err != nil {
		exitError(err)
	}
	defer store.Close()

	if err := store.Setup(); err != nil {
		exitError(err)
	}

	target := strings.TrimSpace(store.TableName)
	if target == "" {
		target = "(default)"
	}
	driverLabel := store.DriverName
	if driverLabel != "" {
		driverLabel = strings.ToUpper(driverLabel[:1]) + driverLabel[1:]
	}
	fmt.Fprintf(os.Stdout, "%s setup complete for %s\n", driverLabel, target)
}

func usageGet(args []string) {
	cfg, configPath, err := resolveConfig(args)
	if err != nil {
		exitError(err)
	}

	fs := flag.NewFlagSet("usage get", flag.ExitOnError)
	addConfigFlag(fs, configPath)
	driverOpts := addUsageFlags(fs, cfg, "sqlite")
	from := fs.String("from", "", "RFC3339 start timestamp (default: 24h ago)")
	to := fs.String("to", "", "RFC3339 end timestamp (default: now)")
	granularity := fs.String("granularity", "", "Granularity (e.g. 1h, 1d)")
	paths := fs.String("path", "", "Comma-separated value paths for table/csv (e.g. count,names.licenseInventory)")
	format := fs.String("format", "json", "Output format: json|table|csv")
	fs.Parse(args)

	if !driverOpts.Enabled() {
		exitError(errors.New("usage get needs a driver (sqlite, postgres, mysql, redis, mongo)"))
	}

	formatValue, err := output.ParseFormat(*format)
	if err != nil {
		exitError(err)
	}

	fromTime, toTime, err := resolveTimeRange(*from, *to, time.Now())
	if err != nil {
		exitError(err)
	}

	store, err := usage.Open(*driverOpts)
	if err != nil {
		exitError(err)
	}
	defer store.Close()

	series, granularityValue, err := store.Series(usage.DispatchKey, fromTime, toTime, *granularity)
	if err != nil {
		exitError(err)
	}

	if formatValue == "json" {
		response := map[string]any{
			"granularity": granularityValue,
			"data": map[string]any{
				"at":     series.At,
				"values": series.Values,
			},
		}
		if err := output.PrintJSON(os.Stdout, response); err != nil {
			exitError(err)
		}
		return
	}

	columns, rows := usage.SeriesTable(series, splitPaths(*paths))
	if err := output.Print(os.Stdout, formatValue, output.Table{Columns: columns, Rows: rows}); err != nil {
		exitError(err)
	}
}

func splitPaths(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// resolveTimeRange defaults to the 24 hours before now. Bounds must be given
// together.
func resolveTimeRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)

	if from == "" && to == "" {
		end := now.UTC()
		return end.Add(-24 * time.Hour), end, nil
	}
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("from and to are required together (RFC3339, e.g. 2024-01-02T15:04:05Z)")
	}

	fromTime, err := parseTimestamp("from", from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	toTime, err := parseTimestamp("to", to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return fromTime, toTime, nil
}

func parseTimestamp(label, value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339 (e.g. 2024-01-02T15:04:05Z or 2024-01-02T15:04:05+00:00)", label)
	}
	return parsed, nil
}

func printUsage(w io.Writer) {
	reset := "\x1b[0m"
	lines := []string{
		"███████╗███████╗ ██████╗██╗███╗   ██╗██╗   ██╗",
		"██╔════╝██╔════╝██╔════╝██║████╗  ██║██║   ██║",
		"███████╗█████╗  ██║     ██║██╔██╗ ██║██║   ██║",
		"╚════██║██╔══╝  ██║     ██║██║╚██╗██║╚██╗ ██╔╝",
		"███████║███████╗╚██████╗██║██║ ╚████║ ╚████╔╝ ",
		"╚══════╝╚══════╝ ╚═════╝╚═╝╚═╝  ╚═══╝  ╚═══╝  ",
	}
	start := [3]int{255, 176, 59}
	end := [3]int{222, 60, 75}
	lerp := func(a, b int, t float64) int {
		return int(float64(a) + (float64(b-a) * t) + 0.5)
	}
	fmt.Fprintln(w)
	for i, line := range lines {
		var t float64
		if len(lines) > 1 {
			t = float64(i) / float64(len(lines)-1)
		}
		r := lerp(start[0], end[0], t)
		g := lerp(start[1], end[1], t)
		b := lerp(start[2], end[2], t)
		color := fmt.Sprintf("\x1b[38;2;%d;%d;%dm", r, g, b)
		fmt.Fprintln(w, color + line + reset)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "secinv: read-only MCP gateway for security inventory data")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Serve MCP:")
	fmt.Fprintln(w, "  secinv mcp --url https://api.example.com --token $SECINV_JWT")
	fmt.Fprintln(w, "  secinv mcp --http :8080 --log-format json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Browse:")
	fmt.Fprintln(w, "  secinv resources list")
	fmt.Fprintln(w, "  secinv resources read mcp://licenseInventory --format table")
	fmt.Fprintln(w, "  secinv resources read 'mcp://vulnerability.searchIssues?severity=CRITICAL'")
	fmt.Fprintln(w, "  secinv tools call projectLicenseDetails --args '{\"project_id\":42}'")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage accounting:")
	fmt.Fprintln(w, "  secinv usage setup --usage-driver sqlite --usage-db ./usage.db")
	fmt.Fprintln(w, "  secinv mcp --usage-driver sqlite --usage-db ./usage.db")
	fmt.Fprintln(w, "  secinv usage get --usage-driver sqlite --usage-db ./usage.db --granularity 1h --format table")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  mcp         Serve MCP over stdio or Streamable HTTP")
	fmt.Fprintln(w, "  resources   List or read resources")
	fmt.Fprintln(w, "  tools       List or call tools")
	fmt.Fprintln(w, "  usage       Set up or query the usage store")
	fmt.Fprintln(w, "  version     Print version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'secinv <command> --help' for details.")
}

func resourcesUsage() {
	fmt.Println("secinv resources <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list   List static resources and templates")
	fmt.Println("  read   Read one resource by URI")
}

func toolsUsage() {
	fmt.Println("secinv tools <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  list   List tools and their arguments")
	fmt.Println("  call   Call a tool with --args JSON")
}

func usageUsage() {
	fmt.Println("secinv usage <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  setup  Initialize the usage store (sqlite/postgres/mysql/mongo; redis is no-op)")
	fmt.Println("  get    Read dispatch counts over a time range")
}

func exitError(err error) {
	var reqErr *api.RequestError
	switch {
	case errors.As(err, &reqErr) && (reqErr.StatusCode == 401 || reqErr.StatusCode == 403):
		fmt.Fprintf(os.Stderr, "%s (check --token, SECINV_JWT or api.token in config)\n", reqErr.Error())
	case errors.Is(err, api.ErrConfigurationMissing):
		fmt.Fprintf(os.Stderr, "%s (set --url/--token, SECINV_API_URL/SECINV_JWT or api.url/api.token in config)\n", err.Error())
	case err != nil:
		fmt.Fprintln(os.Stderr, err.Error())
	}
	os.Exit(1)
}
