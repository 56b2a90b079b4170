package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gustycube/netenrich/internal/config"
	"github.com/gustycube/netenrich/internal/inventory"
	"github.com/gustycube/netenrich/internal/logging"
	"github.com/gustycube/netenrich/internal/netmap"
)

func main() {
	var (
		configFile    string
		netMap        string
		sites         string
		roles         string
		manufacturers string
		deviceTypes   string
		wait          bool
		waitTimeout   time.Duration
	)
	flag.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	flag.String("netbox_url", "", "NetBox base URL")
	flag.String("netbox_token", "", "NetBox API token")
	flag.Bool("verbose", false, "verbose logging")
	flag.StringVar(&netMap, "net_map", "", "JSON network map of segments and hosts to import")
	flag.StringVar(&sites, "sites", "", "comma-separated sites to create (default: default_site)")
	flag.StringVar(&roles, "roles", "", "comma-separated device roles to create (default: default_role)")
	flag.StringVar(&manufacturers, "manufacturers", "", "comma-separated manufacturers to create (default: default_manufacturer)")
	flag.StringVar(&deviceTypes, "device_types", "", "comma-separated device types to create (default: default_device_type)")
	flag.BoolVar(&wait, "wait", true, "wait for NetBox to answer first")
	flag.DurationVar(&waitTimeout, "wait_timeout", 5*time.Minute, "how long -wait keeps trying")
	flag.Parse()

	var cfg *config.Config
	var err error
	if configFile != "" {
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			fatal(err)
		}
	} else {
		cfg = &config.Config{}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fatal(err)
	}
	flags := make(map[string]interface{})
	flag.Visit(func(f *flag.Flag) {
		if g, ok := f.Value.(flag.Getter); ok {
			flags[f.Name] = g.Get()
		}
	})
	cfg.MergeWithFlags(flags)
	// the importer needs the backend even where enrichment is switched off
	cfg.Enabled = nil
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	log := logging.New(cfg.Verbose)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nb, err := inventory.NewNetBox(cfg.Inventory(), log)
	if err != nil {
		log.Fatalw("inventory client", "err", err)
	}
	if wait {
		if err := nb.WaitReady(ctx, waitTimeout); err != nil {
			log.Fatalw("inventory did not become available", "url", cfg.NetBoxURL, "err", err)
		}
	}

	seed := inventory.Seed{
		Sites:         list(sites, cfg.DefaultSite),
		Roles:         list(roles, cfg.DefaultRole),
		Manufacturers: list(manufacturers, cfg.DefaultManufacturer),
		DeviceTypes:   list(deviceTypes, cfg.DefaultDeviceType),
	}
	defs := inventory.Defaults{
		Site:         seed.Sites[0],
		Role:         seed.Roles[0],
		Manufacturer: seed.Manufacturers[0],
		DeviceType:   seed.DeviceTypes[0],
	}

	var entries []netmap.Entry
	if netMap != "" {
		if entries, err = netmap.Load(netMap); err != nil {
			log.Fatalw("net map", "err", err)
		}
	}

	st, err := netmap.Import(ctx, nb, entries, seed, defs, log)
	if err != nil {
		log.Fatalw("import interrupted", "err", err)
	}
	log.Infow("import complete",
		"prefixes_created", st.Prefixes,
		"devices_created", st.Devices,
		"existing", st.Existing,
		"skipped", st.Skipped,
		"failed", st.Failed,
	)
}

// list splits a comma-separated flag, falling back to def.
func list(s, def string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = []string{def}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "netmap:", err)
	os.Exit(2)
}
