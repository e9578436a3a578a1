package cmd

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dustdevil/internal/config"
	"dustdevil/internal/events"
	"dustdevil/internal/metrics"
	"dustdevil/internal/proto"
	"dustdevil/internal/server"
	"dustdevil/internal/state"
	"dustdevil/internal/users"
	logg "dustdevil/pkg/logger"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (

	//go:embed version.txt
	version string

	flagListen        []string
	flagManagement    []string
	flagUsersFile     string
	flagUsers         []string
	flagAuthEnable    []string
	flagAuthDisable   []string
	flagBufferSize    string
	flagLogFile       string
	flagSilent        bool
	flagVerbose       bool
	flagDisableEvents bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "serve the dustdevil proxy",
		Run:   serve,
	}
)

func init() {
	rootCmd.Version = strings.TrimSpace(version)
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringArrayVar(&flagListen, "listen", nil, "SOCKS5 listening address, repeatable")
	flags.StringArrayVar(&flagManagement, "management", nil, "Sandstorm listening address, repeatable")
	flags.StringVar(&flagUsersFile, "users-file", "", "path of the users file")
	flags.StringArrayVar(&flagUsers, "user", nil, "user definition ('@name:pass' admin, '#name:pass' regular), repeatable")
	flags.StringArrayVar(&flagAuthEnable, "auth-enable", nil, "enable an auth method (noauth|userpass)")
	flags.StringArrayVar(&flagAuthDisable, "auth-disable", nil, "disable an auth method (noauth|userpass)")
	flags.StringVar(&flagBufferSize, "buffer-size", "", "relay buffer size, accepts K/M/G suffixes")
	flags.StringVar(&flagLogFile, "log-file", "", "log file path")
	flags.BoolVar(&flagSilent, "silent", false, "disable console output")
	flags.BoolVar(&flagVerbose, "verbose", false, "enable debug output")
	flags.BoolVar(&flagDisableEvents, "disable-events", false, "refuse Sandstorm event stream subscriptions")
}

// bootstrapError prints the problem and exits with the bootstrap failure
// code.
func bootstrapError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func serve(_ *cobra.Command, _ []string) {
	cfg := resolveConfig()

	loggerCfg := cfg.Logger
	if flagLogFile != "" {
		loggerCfg.File = flagLogFile
	}
	if flagSilent {
		loggerCfg.Silent = true
	}
	if flagVerbose {
		loggerCfg.Level = "debug"
	}

	lg := logg.New(loggerCfg)
	zap.ReplaceGlobals(lg.Desugar())
	configureLogrus(loggerCfg)

	socks5Addrs := resolveAddrs(flagListen, cfg.Server.Listen, config.DefaultListen)
	sandstormAddrs := resolveAddrs(flagManagement, cfg.Server.Management, config.DefaultManagement)

	bufferSpec := cfg.Server.BufferSize
	if flagBufferSize != "" {
		bufferSpec = flagBufferSize
	}
	bufferSize, err := config.ParseBufferSize(bufferSpec)
	if err != nil {
		bootstrapError("invalid buffer size %q: %v", bufferSpec, err)
	}

	usersFile := cfg.Server.UsersFile
	if flagUsersFile != "" {
		usersFile = flagUsersFile
	}

	store := users.NewStore()
	bus := events.NewBus()
	counters := metrics.New()
	co := state.NewCoordinator(store, bus, counters, !(flagDisableEvents || cfg.Server.DisableEvents))
	co.SetBufferSizeBootstrap(bufferSize)
	applyAuthFlags(co)

	var eventRecords io.Writer
	if loggerCfg.File != "" {
		eventRecords = logg.FileWriter(loggerCfg.File + ".jsonl")
	}
	sink := events.NewSink(bus, lg, eventRecords)

	bootstrapUsers(co, store, usersFile)

	srv := server.New(co, server.Config{
		Socks5Addrs:    socks5Addrs,
		SandstormAddrs: sandstormAddrs,
		UsersFile:      usersFile,
		PersistUsers:   true,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	runErr := g.Wait()
	sink.Close(bus)

	switch {
	case errors.Is(runErr, server.ErrNoSockets):
		os.Exit(1)
	case runErr != nil:
		lg.Errorf("fatal runtime error: %v", runErr)
		os.Exit(2)
	}
}

func configureLogrus(cfg logg.Config) {
	if cfg.Silent {
		log.SetOutput(io.Discard)
		return
	}
	if cfg.Level == "debug" {
		log.SetLevel(log.DebugLevel)
	}
}

func resolveAddrs(flagValues, cfgValues, defaults []string) []netip.AddrPort {
	specs := defaults
	if len(cfgValues) > 0 {
		specs = cfgValues
	}
	if len(flagValues) > 0 {
		specs = flagValues
	}

	addrs := make([]netip.AddrPort, 0, len(specs))
	for _, spec := range specs {
		addr, err := netip.ParseAddrPort(spec)
		if err != nil {
			bootstrapError("invalid listening address %q: %v", spec, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func applyAuthFlags(co *state.Coordinator) {
	parse := func(name string) proto.AuthMethod {
		switch name {
		case "noauth":
			return proto.AuthNone
		case "userpass":
			return proto.AuthUserPass
		default:
			bootstrapError("unknown auth method %q (want noauth or userpass)", name)
			return 0
		}
	}
	for _, name := range flagAuthEnable {
		co.SetAuthBootstrap(parse(name), true)
	}
	for _, name := range flagAuthDisable {
		co.SetAuthBootstrap(parse(name), false)
	}
}

// bootstrapUsers loads the users file, layers --user definitions on top,
// and falls back to the default admin when the store ends up empty.
func bootstrapUsers(co *state.Coordinator, store *users.Store, usersFile string) {
	co.Publish(proto.FileEvent{K: proto.EvLoadingUsersFromFile, Path: usersFile})
	list, err := users.LoadFile(usersFile)
	if err != nil {
		ioErr := proto.IoErrorFrom(err)
		co.Publish(proto.FileResultEvent{K: proto.EvUsersLoadedFromFile, Path: usersFile, Err: &ioErr})
	} else {
		for _, u := range list {
			store.Insert(u)
		}
		co.Publish(proto.FileResultEvent{K: proto.EvUsersLoadedFromFile, Path: usersFile, Count: uint64(len(list))})
	}

	for _, spec := range flagUsers {
		u, ok, err := users.ParseLine(spec)
		if err != nil || !ok {
			bootstrapError("invalid user specification %q", spec)
		}
		kind := proto.EvUserRegisteredByArgs
		if store.Insert(u) {
			kind = proto.EvUserReplacedByArgs
		}
		co.Publish(proto.ArgsUserEvent{K: kind, Username: u.Username, Role: u.Role})
	}

	if store.Len() == 0 {
		admin := users.DefaultAdmin()
		store.Insert(admin)
		co.Publish(proto.FileEvent{K: proto.EvStartingWithDefaultUser, Path: admin.Username + ":" + admin.Password})
	}
}
