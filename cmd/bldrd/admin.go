package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/bldr-io/bldr/internal/client"
	"github.com/bldr-io/bldr/internal/config"
	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/protocol/routersrv"
	"github.com/bldr-io/bldr/internal/routing"
)

// adminTimeout bounds a single admin command.
const adminTimeout = 30 * time.Second

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "status":
		runAdminStatus(args[1:])
	case "routers":
		runAdminRouters(args[1:])
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: bldrd admin <command> [options]

Admin commands for inspecting a bldr cluster.

Commands:
  status     Show a router's registered services and pending requests
  routers    List the routers known to discovery

Run 'bldrd admin <command> --help' for more information on a command.`)
}

// ============================================================================
// Status
// ============================================================================

func runAdminStatus(args []string) {
	fs := flag.NewFlagSet("admin status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	routerAddr := fs.String("router", "", "Router address (default: first router from discovery)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: bldrd admin status [options]

Show a router's registered services, replicas and pending requests.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	logger := logging.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	addr := *routerAddr
	if addr == "" {
		routers, cleanup, err := discoverRouters(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cleanup()
		addr = routers[0].Addr
	}

	status, err := queryRouterStatus(ctx, cfg, addr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := writeRouterStatus(os.Stdout, status, *jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// queryRouterStatus asks the router at addr for its status.
func queryRouterStatus(ctx context.Context, cfg *config.Config, addr string, logger *logging.Logger) (routersrv.RouterStatusReply, error) {
	connCfg, err := connConfig(cfg)
	if err != nil {
		return routersrv.RouterStatusReply{}, err
	}
	connCfg.Service = "admin"
	connCfg.InstanceID = uuid.NewString()
	connCfg.Addr = addr

	c, err := client.Dial(connCfg, client.Config{
		CallTimeout: cfg.Client.CallTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return routersrv.RouterStatusReply{}, err
	}
	defer c.Close()

	return client.Route[routersrv.RouterStatusReply](ctx, c, routersrv.RouterStatus{})
}

func writeRouterStatus(out io.Writer, status routersrv.RouterStatusReply, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintln(out, "Router Status")
	fmt.Fprintln(out, "=============")
	fmt.Fprintf(out, "Router ID:   %s\n", status.RouterID)
	fmt.Fprintf(out, "Started:     %s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Connections: %d\n", status.Connections)
	fmt.Fprintf(out, "Pending:     %d\n", status.Pending)
	fmt.Fprintln(out)

	if len(status.Services) == 0 {
		fmt.Fprintln(out, "No services registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tINSTANCE\tREMOTE\tIN-FLIGHT\tSINCE")
	for _, svc := range status.Services {
		for _, r := range svc.Replicas {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				svc.Name, r.InstanceID, r.RemoteAddr, r.InFlight, r.Since.Format(time.RFC3339))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	for _, svc := range status.Services {
		fmt.Fprintf(out, "%s: %s\n", svc.Name, strings.Join(svc.MessageTypes, ", "))
	}
	return nil
}

// ============================================================================
// Routers
// ============================================================================

func runAdminRouters(args []string) {
	fs := flag.NewFlagSet("admin routers", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: bldrd admin routers [options]

List the routers known to discovery.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	routers, cleanup, err := discoverRouters(ctx, cfg, logging.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := writeRouterList(os.Stdout, routers, *jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// discoverRouters resolves the router list from the configured discovery
// mode. cleanup releases the metadata store, if one was opened.
func discoverRouters(ctx context.Context, cfg *config.Config, logger *logging.Logger) ([]routing.RouterInfo, func(), error) {
	cleanup := func() {}
	if cfg.Discovery.Mode != config.DiscoveryOxia {
		routers, err := routing.StaticResolver(cfg.Discovery.Routers).Routers(ctx)
		return routers, cleanup, err
	}

	store, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to open metadata store: %w", err)
	}
	cleanup = func() { store.Close() }

	routers, err := newDiscovery(cfg, store, logger).Routers(ctx)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return routers, cleanup, nil
}

func writeRouterList(out io.Writer, routers []routing.RouterInfo, asJSON bool) error {
	sorted := make([]routing.RouterInfo, len(routers))
	copy(sorted, routers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RouterID < sorted[j].RouterID })

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sorted)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROUTER ID\tADDRESS\tZONE\tVERSION\tSTARTED")
	for _, r := range sorted {
		started := "-"
		if r.StartedAt > 0 {
			started = time.UnixMilli(r.StartedAt).UTC().Format(time.RFC3339)
		}
		zone := r.ZoneID
		if zone == "" {
			zone = "-"
		}
		ver := r.BuildInfo.Version
		if ver == "" {
			ver = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RouterID, r.Addr, zone, ver, started)
	}
	return w.Flush()
}
