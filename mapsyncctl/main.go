package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	json "github.com/goccy/go-json"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/bringyour/mapsync/mapsync"
)

const DefaultServerUrl = "wss://facilmap.org"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Map sync control.

The default server url is:
    server_url: %s

Usage:
    mapsyncctl watch <map_slug> [--server_url=<server_url>] [--config=<config>]
        [--password=<password> | --ask_password]
        [--pick=<pick>]
        [--bbox=<bbox>]
        [--metrics_port=<metrics_port>]
    mapsyncctl export <map_slug> [--server_url=<server_url>] [--config=<config>]
        [--password=<password> | --ask_password]
        [--format=<format>]
    mapsyncctl snapshot <map_slug> [--server_url=<server_url>] [--config=<config>]
        [--password=<password> | --ask_password]
        [--bbox=<bbox>]
    mapsyncctl find <query> [--server_url=<server_url>] [--config=<config>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --server_url=<server_url>
    --config=<config>                YAML client config.
    --password=<password>            Map link password.
    --ask_password                   Read the map link password from the terminal.
    --pick=<pick>                    Comma separated resource kinds [default: mapData,types,views,markers,linesWithTrackPoints].
    --bbox=<bbox>                    top,left,right,bottom,zoom
    --format=<format>                geojson or gpx [default: geojson].
    --metrics_port=<metrics_port>    Serve prometheus metrics on this port.`,
		DefaultServerUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	// glog flags are not parsed by docopt
	flagsFromEnv()

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		export(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if find_, _ := opts.Bool("find"); find_ {
		find(opts)
	}
}

type Config struct {
	ServerUrl string `yaml:"server_url"`
	Namespace string `yaml:"namespace,omitempty"`
	// use the binary frame encoding
	Binary  bool   `yaml:"binary,omitempty"`
	AuthJwt string `yaml:"auth_jwt,omitempty"`

	Reconnect struct {
		InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
		MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
		MaxElapsedTime  time.Duration `yaml:"max_elapsed_time,omitempty"`
	} `yaml:"reconnect,omitempty"`
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

func loadConfig(opts docopt.Opts) *Config {
	config := &Config{
		ServerUrl: DefaultServerUrl,
	}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			panic(err)
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			panic(err)
		}
	}
	if serverUrl, err := opts.String("--server_url"); err == nil && serverUrl != "" {
		config.ServerUrl = serverUrl
	}
	return config
}

func (self *Config) transportSettings() *mapsync.WebsocketTransportSettings {
	settings := mapsync.DefaultWebsocketTransportSettings()
	if self.Namespace != "" {
		settings.Namespace = self.Namespace
	}
	settings.AuthJwt = self.AuthJwt
	if 0 < self.Reconnect.InitialInterval {
		settings.ReconnectInitialInterval = self.Reconnect.InitialInterval
	}
	if 0 < self.Reconnect.MaxInterval {
		settings.ReconnectMaxInterval = self.Reconnect.MaxInterval
	}
	settings.ReconnectMaxElapsedTime = self.Reconnect.MaxElapsedTime
	return settings
}

func (self *Config) clientSettings() *mapsync.ClientSettings {
	settings := mapsync.DefaultClientSettings()
	if self.Binary {
		settings.Codec = &mapsync.ProtobufCodec{}
	}
	if 0 < self.CallTimeout {
		settings.CallTimeout = self.CallTimeout
	}
	return settings
}

func newClient(ctx context.Context, config *Config, registerer prometheus.Registerer) *mapsync.Client {
	transport := mapsync.NewWebsocketTransport(ctx, config.ServerUrl, config.transportSettings())
	settings := config.clientSettings()
	settings.MetricsRegisterer = registerer
	return mapsync.NewClient(ctx, transport, mapsync.NewReactiveProvider(), settings)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func mapKey(opts docopt.Opts) mapsync.MapSlugWithPassword {
	key := mapsync.MapSlugWithPassword{
		MapSlug: opts["<map_slug>"].(string),
	}
	if password, err := opts.String("--password"); err == nil && password != "" {
		key.Password = password
		key.HasPassword = true
	} else if askPassword, _ := opts.Bool("--ask_password"); askPassword {
		fmt.Fprint(os.Stderr, "Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			panic(err)
		}
		key.Password = string(passwordBytes)
		key.HasPassword = true
	}
	return key
}

func parseBbox(opts docopt.Opts) (*mapsync.BboxWithZoom, error) {
	bboxStr, err := opts.String("--bbox")
	if err != nil || bboxStr == "" {
		return nil, nil
	}
	var bbox mapsync.BboxWithZoom
	n, err := fmt.Sscanf(
		strings.ReplaceAll(bboxStr, ",", " "),
		"%f %f %f %f %d",
		&bbox.Top, &bbox.Left, &bbox.Right, &bbox.Bottom, &bbox.Zoom,
	)
	if err != nil || n != 5 {
		return nil, fmt.Errorf("Bad bbox: %s", bboxStr)
	}
	return &bbox, nil
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	config := loadConfig(opts)
	key := mapKey(opts)

	pickStr, _ := opts.String("--pick")
	pick, err := mapsync.ParseMapPick(pickStr)
	if err != nil {
		panic(err)
	}
	bbox, err := parseBbox(opts)
	if err != nil {
		panic(err)
	}

	registry := prometheus.NewRegistry()
	if metricsPort, err := opts.Int("--metrics_port"); err == nil {
		go serveMetrics(ctx, metricsPort, registry)
	}

	client := newClient(ctx, config, registry)
	defer client.Close()
	store := mapsync.NewClientStore(client)
	defer store.Close()

	out := newPrinter()

	for _, name := range []string{"mapData", "marker", "deleteMarker", "line", "deleteLine", "linePoints", "type", "deleteType", "view", "deleteView", "history", "deleteMap"} {
		client.On(name, func(event *mapsync.Event) {
			out.print(event.Name, event.Args)
		})
	}
	removeObserver := client.Provider().AddMutationCallback(func(mutation *mapsync.Mutation) {
		if mutation.Target == client.ConnectionState() {
			state := client.ConnectionState().Get()
			out.print("connection", state.Type)
		}
	})
	defer removeObserver()

	mapSubscription := mapsync.NewMapSubscription(client, key, mapsync.MapSubscriptionOptions{Pick: pick})
	if err := mapSubscription.WaitSubscribed(ctx); err != nil {
		glog.Errorf("[ctl]subscribe %s error = %s\n", key.MapSlug, err)
		return
	}
	out.print("subscription", mapSubscription.State().Get().Type)

	if bbox != nil {
		if err := client.SetBbox(ctx, *bbox); err != nil {
			glog.Errorf("[ctl]set bbox error = %s\n", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-client.Done():
	}

	unsubscribe(mapSubscription)
}

func export(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	config := loadConfig(opts)
	key := mapKey(opts)
	format, _ := opts.String("--format")

	client := newClient(ctx, config, nil)
	defer client.Close()

	mapSubscription := mapsync.NewMapSubscription(client, key, mapsync.MapSubscriptionOptions{Pick: []mapsync.MapPick{}})
	defer unsubscribe(mapSubscription)
	if err := mapSubscription.WaitSubscribed(ctx); err != nil {
		panic(err)
	}

	var stream *mapsync.Stream
	var err error
	switch format {
	case "geojson":
		stream, err = mapSubscription.ExportMapAsGeoJson(ctx)
	case "gpx":
		stream, err = mapSubscription.ExportMapAsGpx(ctx)
	default:
		err = fmt.Errorf("Unknown format: %s", format)
	}
	if err != nil {
		panic(err)
	}

	for {
		chunk, err := mapsync.StreamNext[string](ctx, stream)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stream.Cancel()
			panic(err)
		}
		os.Stdout.WriteString(chunk)
	}
}

func snapshot(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	config := loadConfig(opts)
	key := mapKey(opts)
	bbox, err := parseBbox(opts)
	if err != nil {
		panic(err)
	}

	client := newClient(ctx, config, nil)
	defer client.Close()
	store := mapsync.NewClientStore(client)

	if bbox != nil {
		// before subscribing, so the subscription sends the markers in the bbox
		if err := client.SetBbox(ctx, *bbox); err != nil {
			panic(err)
		}
	}

	mapSubscription := mapsync.NewMapSubscription(client, key, mapsync.MapSubscriptionOptions{
		Pick: []mapsync.MapPick{mapsync.MapPickMapData, mapsync.MapPickMarkers, mapsync.MapPickLinesWithTrackPoints},
	})
	if err := mapSubscription.WaitSubscribed(ctx); err != nil {
		panic(err)
	}
	if err := store.Sync(ctx); err != nil {
		panic(err)
	}

	storage, ok := store.Map(mapSubscription.MapSlug())
	if !ok {
		panic(fmt.Errorf("Map %s is not tracked.", mapSubscription.MapSlug()))
	}
	b, err := storage.GeoJSON().MarshalJSON()
	if err != nil {
		panic(err)
	}
	os.Stdout.Write(b)
	os.Stdout.WriteString("\n")

	unsubscribe(mapSubscription)
}

func find(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	config := loadConfig(opts)
	query := opts["<query>"].(string)

	client := newClient(ctx, config, nil)
	defer client.Close()

	searchResults, err := client.Find(ctx, query)
	if err != nil {
		panic(err)
	}
	out := newPrinter()
	for _, searchResult := range searchResults {
		out.print("result", searchResult)
	}
}

func unsubscribe(mapSubscription *mapsync.MapSubscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mapSubscription.Unsubscribe(ctx); err != nil {
		glog.Infof("[ctl]unsubscribe %s error = %s\n", mapSubscription.MapSlug(), err)
	}
}

func serveMetrics(ctx context.Context, port int, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("[ctl]metrics error = %s\n", err)
	}
}

// indented output on a terminal, one json line per record otherwise
type printer struct {
	indent bool
}

func newPrinter() *printer {
	return &printer{
		indent: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

func (self *printer) print(name string, value any) {
	record := map[string]any{
		"name":  name,
		"value": value,
	}
	var b []byte
	var err error
	if self.indent {
		b, err = json.MarshalIndent(record, "", "  ")
	} else {
		b, err = json.Marshal(record)
	}
	if err != nil {
		glog.Infof("[ctl]print %s error = %s\n", name, err)
		return
	}
	os.Stdout.Write(b)
	os.Stdout.WriteString("\n")
}

func flagsFromEnv() {
	if v := os.Getenv("MAPSYNC_LOG_V"); v != "" {
		flag.Set("v", v)
	}
	flag.Set("logtostderr", "true")
}

func RequireVersion() string {
	if version := os.Getenv("MAPSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
