package main

import (
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

	"github.com/kolonialno/sacar/pkg/agent"
	"github.com/kolonialno/sacar/pkg/artifact"
	"github.com/kolonialno/sacar/pkg/store"
)

var version string

func main() {
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  sacar-agentd prepares and activates releases on this machine.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	var (
		versionFlag = fs.Bool("version", false, "print the version and exit")

		listenAddr = fs.StringP("listen", "l", ":3032", "listen address for metrics and health checks")

		storeAddress = fs.String("store-address", "127.0.0.1:8500", "host:port of the state store's HTTP API")
		storeToken   = fs.String("store-token", "", "access token for the state store")
		storePrefix  = fs.String("store-prefix", "sacar", "key prefix for all state store entries")

		agentID         = fs.String("agent-id", "", "identity of this agent; defaults to the hostname")
		rootDir         = fs.String("root-dir", "/srv/sacar", "directory holding release working directories and the active pointer")
		downloadRetries = fs.Int("download-retries", 3, "how often to re-attempt a transiently failing artifact download")
		heartbeat       = fs.Duration("heartbeat", 30*time.Second, "interval between agent state record refreshes")
		abandonOnNew    = fs.Bool("abandon-on-new-command", true, "cancel a mid-flight run when a newer release is dispatched")

		artifactToken = fs.String("artifact-token", "", "bearer token for authenticated artifact downloads")
		interpreters  = fs.StringToString("interpreter", nil,
			"runtime version constraint to interpreter path, e.g. '~3.11=/usr/bin/python3.11'; repeatable")
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

	// Agent component.
	var a *agent.Agent
	{
		logger := log.With(logger, "component", "agent")
		if len(*interpreters) == 0 {
			logger.Log("warning", "no --interpreter configured; every prepare will fail at provisioning")
		}
		a = agent.New(agent.Config{
			AgentID:             *agentID,
			RootDir:             *rootDir,
			DownloadRetries:     *downloadRetries,
			HeartbeatInterval:   *heartbeat,
			AbandonOnNewCommand: *abandonOnNew,
		}, st,
			artifact.DefaultFetchers(*artifactToken),
			agent.VirtualenvManager{Interpreters: *interpreters},
			agent.ExecHookRunner{},
			logger)
	}

	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	shutdownWg.Add(1)
	go a.Loop(shutdown, shutdownWg, log.With(logger, "component", "agent"))

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		logger := log.With(logger, "component", "http")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
			if err := st.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		logger.Log("addr", *listenAddr)
		errc <- http.ListenAndServe(*listenAddr, mux)
	}()

	logger.Log("exit", <-errc)
	close(shutdown)
	shutdownWg.Wait()
}

func versionString() string {
	if version == "" {
		return "unversioned"
	}
	return version
}
