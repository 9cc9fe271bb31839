package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/kolonialno/sacar/pkg/coordinator"
	httpdaemon "github.com/kolonialno/sacar/pkg/http/daemon"
	"github.com/kolonialno/sacar/pkg/report"
	"github.com/kolonialno/sacar/pkg/server"
	"github.com/kolonialno/sacar/pkg/store"
)

var version string

func main() {
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  sacard is the release coordination daemon.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	var (
		versionFlag = fs.Bool("version", false, "print the version and exit")
		configFile  = fs.String("config", "", "path to an optional YAML config file; flags take precedence")

		listenAddr = fs.StringP("listen", "l", ":3031", "listen address for API clients and metrics")

		storeAddress = fs.String("store-address", "127.0.0.1:8500", "host:port of the state store's HTTP API")
		storeToken   = fs.String("store-token", "", "access token for the state store")
		storePrefix  = fs.String("store-prefix", "sacar", "key prefix for all state store entries")

		rosterService = fs.String("roster-service", "sacar", "service name agents register under in the store catalog")
		rosterTag     = fs.String("roster-tag", "agent", "service tag selecting deployable machines")

		autoDeploy   = fs.Bool("auto-deploy", false, "deploy a release as soon as every agent has prepared it")
		phaseTimeout = fs.Duration("phase-timeout", 5*time.Minute, "how long to wait for all agents to converge on a phase")

		githubOwner = fs.String("github-owner", "", "GitHub organisation or user to report commit statuses to")
		githubRepo  = fs.String("github-repo", "", "GitHub repository to report commit statuses to")
		githubToken = fs.String("github-token", "", "GitHub token; commit statuses are disabled when empty")
	)
	fs.Parse(os.Args[1:])

	if *versionFlag {
		fmt.Println(versionString())
		os.Exit(0)
	}

	// Logger component.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", versionString())

	if *configFile != "" {
		if err := loadConfigFile(fs, *configFile); err != nil {
			logger.Log("err", err)
			os.Exit(1)
		}
	}

	// State store component.
	var st *store.Client
	{
		logger := log.With(logger, "component", "store")
		st = store.NewClient(store.Config{
			Address: *storeAddress,
			Token:   *storeToken,
			Prefix:  *storePrefix,
		}, nil, logger)
		logger.Log("address", *storeAddress, "prefix", *storePrefix)
	}

	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	// Status reporting component.
	var reporter report.Reporter
	{
		logger := log.With(logger, "component", "reporter")
		if *githubToken != "" && *githubOwner != "" && *githubRepo != "" {
			logger.Log("target", "github", "repo", fmt.Sprintf("%s/%s", *githubOwner, *githubRepo))
			reporter = report.NewGitHubReporter(context.Background(), *githubOwner, *githubRepo, *githubToken)
		} else {
			logger.Log("target", "log")
			reporter = report.LoggingReporter{Logger: logger}
		}
		reporter = report.NewAsyncReporter(reporter, logger, shutdown, shutdownWg)
	}

	// Coordinator component.
	var coord *coordinator.Coordinator
	{
		logger := log.With(logger, "component", "coordinator")
		roster := coordinator.StoreRoster{Client: st, Service: *rosterService, Tag: *rosterTag}
		coord = coordinator.New(coordinator.Config{
			AutoDeploy:   *autoDeploy,
			PhaseTimeout: *phaseTimeout,
		}, st, roster, reporter, logger)
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := coord.Restore(restoreCtx); err != nil {
			cancel()
			logger.Log("err", err)
			os.Exit(1)
		}
		cancel()
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	// Transport component.
	go func() {
		logger := log.With(logger, "component", "http")
		apiServer := server.New(versionString(), coord, st)
		handler := httpdaemon.NewHandler(apiServer, httpdaemon.NewRouter())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", handler)
		logger.Log("addr", *listenAddr)
		errc <- http.ListenAndServe(*listenAddr, mux)
	}()

	logger.Log("exit", <-errc)
	close(shutdown)
	coord.Stop()
	shutdownWg.Wait()
}

func versionString() string {
	if version == "" {
		return "unversioned"
	}
	return version
}
