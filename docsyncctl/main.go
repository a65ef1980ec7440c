package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/duckduckfit/docsync/diff"
	"github.com/duckduckfit/docsync/p2p"
	"github.com/duckduckfit/docsync/relay"
)

const DocsyncCtlVersion = "0.1.0"

const DefaultApiUrl = "http://localhost:8090"
const DefaultRelayAddr = ":8090"

func main() {
	usage := fmt.Sprintf(
		`Document sync control.

The default urls are:
    api_url: %s
    relay addr: %s

Usage:
    docsyncctl diff <from> <to> [--key=<key>] [--patch]
    docsyncctl relay [--addr=<addr>] [--secret=<secret>] [--redis=<redis_addr>]
        [--metrics_addr=<metrics_addr>]
    docsyncctl token --room=<room> [--password=<password>] [--id=<device_id>]
        [--api_url=<api_url>]
    docsyncctl sync [--config=<config>] [--data_dir=<data_dir>] [--storage=<storage>]
        [--api_url=<api_url>]
        [--ws_url=<ws_url>]
        [--public_url=<public_url>]
        [--join=<sync_url> --account=<account_id>]
        [--name=<name>]
        [--metrics_addr=<metrics_addr>]
    docsyncctl device-id

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --key=<key>                      Array elements are matched by this field [default: id].
    --patch                          Print an RFC 6902 json patch.
    --addr=<addr>                    Relay listen address.
    --secret=<secret>                Relay token signing secret. Read from DOCSYNC_RELAY_SECRET when unset.
    --redis=<redis_addr>             Share rooms between relays through redis.
    --metrics_addr=<metrics_addr>    Serve prometheus metrics on this address.
    --room=<room>
    --password=<password>
    --id=<device_id>
    --api_url=<api_url>
    --ws_url=<ws_url>                Relay websocket url. Defaults to the api url.
    --public_url=<public_url>        Base of printed sync urls.
    --config=<config>                Yaml config file.
    --data_dir=<data_dir>            Document storage directory.
    --storage=<storage>              badger, pebble or memory.
    --join=<sync_url>                Join the account of another device.
    --account=<account_id>           The account id printed by the other device.
    --name=<name>                    Name of this device.`,
		DefaultApiUrl,
		DefaultRelayAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if diff_, _ := opts.Bool("diff"); diff_ {
		diffDocuments(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		serveRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		syncDevice(opts)
	} else if deviceId_, _ := opts.Bool("device-id"); deviceId_ {
		deviceId(opts)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// handle Ctrl+C for graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func readJsonFile(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(b, &value); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return value, nil
}

func diffDocuments(opts docopt.Opts) {
	fromPath, _ := opts.String("<from>")
	toPath, _ := opts.String("<to>")
	key, _ := opts.String("--key")
	patch, _ := opts.Bool("--patch")

	from, err := readJsonFile(fromPath)
	if err != nil {
		panic(err)
	}
	to, err := readJsonFile(toPath)
	if err != nil {
		panic(err)
	}

	differences, err := diff.Diff(from, to, diff.KeyByField(key))
	if err != nil {
		panic(err)
	}

	if patch {
		patchBytes, err := diff.ToJSONPatch(differences)
		if err != nil {
			panic(err)
		}
		fmt.Printf("%s\n", patchBytes)
		return
	}
	printDifferences(differences, diff.Path{}, 0)
}

func printDifferences(differences []diff.Difference, prefix diff.Path, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, difference := range differences {
		path := prefix.Concat(difference.DifferencePath())
		switch v := difference.(type) {
		case *diff.Set:
			fmt.Printf("%s%s %s = %s\n", pad, color.YellowString("~"), path, formatValue(v.Value))
		case *diff.Insert:
			fmt.Printf("%s%s %s = %s\n", pad, color.GreenString("+"), path, formatValue(v.Value))
		case *diff.Delete:
			fmt.Printf("%s%s %s\n", pad, color.RedString("-"), path)
		case *diff.Move:
			fmt.Printf("%s%s %s %d -> %d\n", pad, color.CyanString(">"), path, v.From, v.To)
		case *diff.Nested:
			fmt.Printf("%s%s\n", pad, color.New(color.Bold).Sprint(path.String()))
			printDifferences(v.Children, path, indent+1)
		}
	}
}

func formatValue(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}

func serveRelay(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	addr := DefaultRelayAddr
	if addr_, err := opts.String("--addr"); err == nil {
		addr = addr_
	}
	secret, _ := opts.String("--secret")
	if secret == "" {
		secret = os.Getenv("DOCSYNC_RELAY_SECRET")
	}
	if secret == "" {
		panic(errors.New("A relay secret is required. Set --secret or DOCSYNC_RELAY_SECRET."))
	}

	var broker relay.Broker
	if redisAddr, err := opts.String("--redis"); err == nil && redisAddr != "" {
		redisBroker, err := relay.NewRedisBrokerWithAddr(ctx, redisAddr)
		if err != nil {
			panic(err)
		}
		broker = redisBroker
	} else {
		broker = relay.NewMemoryBroker()
	}
	defer broker.Close()

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil && metricsAddr != "" {
		serveMetrics(ctx, metricsAddr)
	}

	server := relay.NewServerWithDefaults(ctx, []byte(secret), broker)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("[relay]listen %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func token(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	apiUrl := DefaultApiUrl
	if apiUrl_, err := opts.String("--api_url"); err == nil {
		apiUrl = apiUrl_
	}
	room, _ := opts.String("--room")
	id, _ := opts.String("--id")

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		password = readPassword()
	}

	token, err := relay.FetchToken(ctx, nil, apiUrl, relay.Credentials{
		Room:     room,
		Password: password,
	}, id)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", token)
}

func readPassword() string {
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func serveMetrics(ctx context.Context, addr string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(p2p.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[metrics]listen %s error = %s\n", addr, err)
		}
	}()
	go func() {
		<-ctx.Done()
		metricsServer.Close()
	}()
}
