package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"golang.org/x/net/http2/hpack"

	"example.com/httpbridge/internal/bridge"
	"example.com/httpbridge/internal/config"
	"example.com/httpbridge/internal/kvstore"
	"example.com/httpbridge/internal/logger"
	"example.com/httpbridge/internal/transport"
)

var (
	configFilePath string
	method         string
	body           string
	explicitFlow   bool
	dumpStats      bool
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (TOML or JSON)")
	flag.StringVar(&method, "X", "GET", "Request method")
	flag.StringVar(&body, "d", "", "Request body")
	flag.BoolVar(&explicitFlow, "explicit", false, "Use explicit flow control (overrides config)")
	flag.BoolVar(&dumpStats, "stats", false, "Print the engine stats snapshot after the request")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: fetch [flags] URL")
		flag.Usage()
		os.Exit(1)
	}
	target := flag.Arg(0)

	// 1. Load configuration (defaults when no file is given).
	var cfg *config.Config
	if configFilePath == "" {
		cfg = config.DefaultConfig()
	} else {
		var err error
		cfg, err = config.LoadConfig(configFilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", configFilePath, err)
			os.Exit(1)
		}
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Level(cfg.Logging.LogLevel), cfg.Logging.Target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 3. Optional persistent address-resolution cache.
	var store kvstore.KeyValueStore
	if cfg.Engine.DNSCacheFile != nil && *cfg.Engine.DNSCacheFile != "" {
		fs, serr := kvstore.NewFileStore(*cfg.Engine.DNSCacheFile)
		if serr != nil {
			log.Warn("address cache unavailable", logger.LogFields{"error": serr.Error()})
		} else {
			store = fs
			defer func() {
				if ferr := fs.Flush(); ferr != nil {
					log.Warn("failed to flush address cache", logger.LogFields{"error": ferr.Error()})
				}
			}()
		}
	}

	// 4. Build the transport and the engine.
	idle, _ := config.ParseDuration(cfg.Engine.StreamIdleTimeout)
	connect, _ := config.ParseDuration(cfg.Engine.ConnectTimeout)
	tr := transport.NewHTTPTransport(transport.HTTPOptions{
		CleartextPermitted: *cfg.Engine.CleartextPermitted,
		StreamIdleTimeout:  idle,
		ConnectTimeout:     connect,
		Log:                log,
	})
	engine, err := bridge.NewEngine(bridge.Options{Transport: tr, Store: store, Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create engine: %v\n", err)
		os.Exit(1)
	}
	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	explicit := *cfg.Engine.ExplicitFlowControl || explicitFlow
	exitCode := run(engine, log, target, explicit)

	if err := engine.Terminate(); err != nil {
		log.Error("engine terminate failed", logger.LogFields{"error": err.Error()})
	}
	if dumpStats {
		fmt.Fprint(os.Stderr, engine.DumpStats())
	}
	os.Exit(exitCode)
}

// run performs one request to completion and returns the process exit code.
// The wait on the terminal callback is application-level; the bridge itself
// never blocks the caller.
func run(engine *bridge.Engine, log *logger.Logger, target string, explicit bool) int {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		fmt.Fprintf(os.Stderr, "Invalid URL %q\n", target)
		return 1
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	headers := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: u.Scheme},
		{Name: ":authority", Value: u.Host},
		{Name: ":path", Value: path},
	}

	done := make(chan int, 1)
	var stream *bridge.Stream

	proto := engine.StreamClient().NewStreamPrototype().
		SetOnHeaders(func(headers []hpack.HeaderField, endStream bool) {
			for _, hf := range headers {
				fmt.Fprintf(os.Stderr, "%s: %s\n", hf.Name, hf.Value)
			}
		}).
		SetOnData(func(data []byte, endStream bool) {
			os.Stdout.Write(data)
			if explicit && !endStream {
				_ = stream.ReadData(64 * 1024)
			}
		}).
		SetOnComplete(func(stats bridge.FinalStreamStats) {
			log.Info("request complete", logger.LogFields{
				"protocol":       stats.Protocol,
				"bytes_sent":     stats.BytesSent,
				"bytes_received": stats.BytesReceived,
			})
			done <- 0
		}).
		SetOnError(func(berr *bridge.BridgeError, stats bridge.FinalStreamStats) {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", berr)
			done <- 1
		}).
		SetOnCancel(func(stats bridge.FinalStreamStats) {
			fmt.Fprintln(os.Stderr, "Request cancelled")
			done <- 1
		})

	stream, err = proto.Start(explicit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start stream: %v\n", err)
		return 1
	}

	if body == "" {
		_ = stream.SendHeaders(headers, true)
	} else {
		_ = stream.SendHeaders(headers, false)
		_ = stream.SendData([]byte(body))
		_ = stream.Close(nil)
	}
	if explicit {
		_ = stream.ReadData(64 * 1024)
	}

	return <-done
}
