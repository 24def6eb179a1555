package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pagpeter/redirector/pkg/server"
	"github.com/pagpeter/redirector/pkg/stats"
	"github.com/pagpeter/redirector/pkg/tcp"
	"github.com/pagpeter/redirector/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ruleFlag appends PATTERN=URL rules of one mode to a list shared by every
// rule flag, so the table keeps command line order across modes.
type ruleFlag struct {
	mode  types.MatchMode
	rules *[]types.RuleSpec
}

func (f ruleFlag) String() string { return "" }

func (f ruleFlag) Set(s string) error {
	spec, err := server.ParseRule(f.mode, s)
	if err != nil {
		return err
	}
	*f.rules = append(*f.rules, spec)
	return nil
}

type options struct {
	configFile  string
	appendPath  bool
	permanent   bool
	port        int
	host        string
	verbose     bool
	metricsAddr string
	rules       []types.RuleSpec
	target      string
	set         map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{set: map[string]bool{}}
	fs.StringVar(&o.configFile, "config", "config.json", "config file, created with defaults if missing")
	fs.BoolVar(&o.appendPath, "a", false, "append the request path to the default URL")
	fs.BoolVar(&o.permanent, "p", false, "redirect permanently (301) instead of temporarily (302)")
	fs.IntVar(&o.port, "port", 80, "port to listen on")
	fs.StringVar(&o.host, "host", "", "address to listen on, empty for all")
	fs.BoolVar(&o.verbose, "v", false, "log aborted connections")
	fs.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.Var(ruleFlag{types.Exact, &o.rules}, "exact", "redirect PATTERN exactly to URL (PATTERN=URL, repeatable)")
	fs.Var(ruleFlag{types.PrefixNoAppend, &o.rules}, "prefix", "redirect paths under PATTERN to URL (PATTERN=URL, repeatable)")
	fs.Var(ruleFlag{types.PrefixAppend, &o.rules}, "prefix-append", "redirect paths under PATTERN to URL plus the rest of the path (PATTERN=URL, repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [OPTION]... [URL]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Redirects every HTTP request to URL, or to the URL of the first matching rule.")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	switch fs.NArg() {
	case 0:
	case 1:
		o.target = fs.Arg(0)
	default:
		return nil, fmt.Errorf("expected a single URL, got %s", strings.Join(fs.Args(), " "))
	}
	return o, nil
}

// apply overrides cfg with whatever was given on the command line. Rules
// given on the command line replace the configured ones.
func (o *options) apply(cfg *types.Config) {
	if o.set["a"] {
		cfg.AppendPath = o.appendPath
	}
	if o.set["p"] {
		cfg.Permanent = o.permanent
	}
	if o.set["port"] {
		cfg.HTTPPort = o.port
	}
	if o.set["host"] {
		cfg.Host = o.host
	}
	if o.set["v"] {
		cfg.Verbose = o.verbose
	}
	if o.set["metrics"] {
		cfg.MetricsAddr = o.metricsAddr
	}
	if len(o.rules) > 0 {
		cfg.Rules = o.rules
	}
	if o.target != "" {
		cfg.Redirect = o.target
	}
}

func openSink(ctx context.Context, cfg *types.Config) (server.RequestSink, error) {
	var (
		sink server.RequestSink
		err  error
	)
	switch {
	case cfg.MongoURL != "":
		log.Println("Logging requests to mongo:", cfg.DB, cfg.Collection)
		sink, err = server.NewMongoSink(ctx, cfg.MongoURL, cfg.DB, cfg.Collection)
	case cfg.SQLitePath != "":
		log.Println("Logging requests to sqlite:", cfg.SQLitePath)
		sink, err = server.NewSQLiteSink(ctx, cfg.SQLitePath)
	default:
		return nil, errors.New("log_to_db is set but neither mongo_url nor sqlite_path is configured")
	}
	if err != nil {
		return nil, err
	}
	if n, err := sink.CountRequests(ctx); err == nil {
		log.Printf("%d requests already logged", n)
	}
	return sink, nil
}

// optional runs a side service whose failure is logged without stopping the
// redirector.
func optional(name string, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("%s stopped: %v", name, err)
		}
		return nil
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	opts, err := parseFlags(fs, args[1:])
	if err != nil {
		return err
	}

	cfg := &types.Config{}
	if err := cfg.LoadFromFile(opts.configFile); err != nil {
		return err
	}
	opts.apply(cfg)

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	ropts, err := server.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	fd, err := tcp.Listen(cfg.Host, cfg.HTTPPort)
	if err != nil {
		return err
	}
	defer tcp.Close(fd)

	reactor, err := server.NewReactor(srv, fd, server.NewMetrics(), ropts)
	if err != nil {
		return err
	}
	defer reactor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	observers := []stats.Observer{stats.NewPrinter(os.Stdout)}
	if cfg.MetricsAddr != "" {
		exp := stats.NewExporter()
		observers = append(observers, exp)
		log.Println("Serving metrics on", cfg.MetricsAddr)
		g.Go(optional("metrics", func() error { return exp.Serve(gctx, cfg.MetricsAddr) }))
	}
	reactor.SetReporter(stats.NewCollector(observers...))

	if cfg.LogToDB {
		sink, err := openSink(gctx, cfg)
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		access := server.NewAccessLog(srv, sink, 0)
		reactor.SetAccessLog(access)
		g.Go(func() error { return access.Run(gctx) })
	}

	if cfg.Device != "" {
		g.Go(optional("sniffer", func() error { return tcp.SniffTCP(gctx, cfg.Device, cfg.HTTPPort, srv) }))
	}

	log.Printf("redirector v%s - %s", server.Version, srv.Banner())
	log.Println("Listening on", cfg.Host+":"+fmt.Sprint(cfg.HTTPPort))

	g.Go(func() error { return reactor.Run(gctx) })
	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		log.Println("Shutting down")
		return nil
	}
	return err
}

func main() {
	if err := run(os.Args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Println(err)
		os.Exit(2)
	}
}
