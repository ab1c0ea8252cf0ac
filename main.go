package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relayproxy/internal/conn"
	"github.com/die-net/relayproxy/internal/dialer"
	"github.com/die-net/relayproxy/internal/metrics"
	"github.com/die-net/relayproxy/internal/proxy"
	"github.com/die-net/relayproxy/internal/socks5"
	"github.com/die-net/relayproxy/internal/tproxy"
)

// envDefaults supplies flag defaults from RELAYPROXY_* environment variables.
type envDefaults struct {
	HTTPListen   string `env:"HTTP_LISTEN"`
	SOCKS5Listen string `env:"SOCKS5_LISTEN"`
	TProxyListen string `env:"TPROXY_LISTEN"`
	DebugListen  string `env:"DEBUG_LISTEN"`
	Upstream     string `env:"UPSTREAM"`

	Backlog            int           `env:"BACKLOG"             envDefault:"5"`
	DialTimeout        time.Duration `env:"DIAL_TIMEOUT"        envDefault:"10s"`
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"10s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT"       envDefault:"60s"`
	LingerTimeout      time.Duration `env:"LINGER_TIMEOUT"      envDefault:"30s"`
	SendUnitSize       int           `env:"SEND_UNIT_SIZE"      envDefault:"1024"`
	ReadBufferSize     int           `env:"READ_BUFFER_SIZE"    envDefault:"32768"`
	PollInterval       time.Duration `env:"POLL_INTERVAL"       envDefault:"1s"`
	DNSCacheTTL        time.Duration `env:"DNS_CACHE_TTL"       envDefault:"30s"`
	TCPKeepAlive       string        `env:"TCP_KEEPALIVE"       envDefault:"45:45:3"`

	SOCKS5User string `env:"SOCKS5_USER"`
	SOCKS5Pass string `env:"SOCKS5_PASS"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	Verbose   bool   `env:"VERBOSE"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	def, err := loadEnvDefaults()
	if err != nil {
		return err
	}
	if def.Upstream == "" {
		def.Upstream = defaultUpstream()
	}

	var (
		httpListen   = pflag.String("http-listen", def.HTTPListen, "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		socksListen  = pflag.String("socks5-listen", def.SOCKS5Listen, "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		tproxyListen = pflag.String("tproxy-listen", def.TProxyListen, "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")

		upstream = pflag.String("upstream", def.Upstream, "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = pflag.String("debug-listen", def.DebugListen, "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		backlog            = pflag.Int("backlog", def.Backlog, "Listen backlog for proxy listeners")
		dialTimeout        = pflag.Duration("dial-timeout", def.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", def.NegotiationTimeout, "Timeout for protocol negotiation to set up connection")
		writeTimeout       = pflag.Duration("write-timeout", def.WriteTimeout, "Timeout for each write to a client or origin connection")
		lingerTimeout      = pflag.Duration("linger-timeout", def.LingerTimeout, "How long a half-closed connection may keep sending before it is closed")
		sendUnitSize       = pflag.Int("send-unit-size", def.SendUnitSize, "Size of each queued outbound send unit in bytes")
		readBufferSize     = pflag.Int("read-buffer-size", def.ReadBufferSize, "Size of each read buffer in bytes")
		pollInterval       = pflag.Duration("poll-interval", def.PollInterval, "Interval for periodic housekeeping")
		dnsCacheTTL        = pflag.Duration("dns-cache-ttl", def.DNSCacheTTL, "How long resolved addresses are cached; 0 disables")
		tcpKeepAlive       = pflag.String("tcp-keepalive", def.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		socksUser          = pflag.String("socks5-user", def.SOCKS5User, "Require this SOCKS5 username. Empty allows unauthenticated clients.")
		socksPass          = pflag.String("socks5-pass", def.SOCKS5Pass, "SOCKS5 password used with --socks5-user")
		logFormat          = pflag.String("log-format", def.LogFormat, "Log format: text|json")
		verbose            = pflag.Bool("verbose", def.Verbose, "Enable per-connection debug logging")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logger, err := newLogger(os.Stderr, *logFormat, *verbose)
	if err != nil {
		return fmt.Errorf("invalid --log-format: %w", err)
	}
	slog.SetDefault(logger)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpListen == "" && *socksListen == "" && *tproxyListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen, --tproxy-listen)")
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		DNSCacheTTL:        *dnsCacheTTL,
	}
	d, err := dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	loop := proxy.NewLoop(proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		WriteTimeout:       *writeTimeout,
		LingerTimeout:      *lingerTimeout,
		SendUnitSize:       *sendUnitSize,
		ReadBufferSize:     *readBufferSize,
		PollInterval:       *pollInterval,
		Dialer:             d,
		Logger:             logger,
		Metrics:            metrics.New(prometheus.DefaultRegisterer),
	})

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go(func() error {
		return loop.Run(ctx)
	})

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", slog.String("addr", *debugListen))
	}

	if *httpListen != "" {
		ln, err := conn.ListenTCP("tcp", *httpListen, *backlog, ka)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		srv := proxy.NewServer(loop)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		logger.Info("http proxy listening", slog.String("addr", *httpListen), slog.Int("backlog", *backlog))
	}

	if *socksListen != "" {
		ln, err := conn.ListenTCP("tcp", *socksListen, *backlog, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(loop, socks5.Auth{Username: *socksUser, Password: *socksPass})
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		logger.Info("socks5 proxy listening", slog.String("addr", *socksListen), slog.Bool("auth", *socksUser != ""))
	}

	if *tproxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(*tproxyListen, ka)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(loop, logger)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		logger.Info("tproxy listening", slog.String("addr", *tproxyListen))
	}

	err = g.Wait()

	logger.Info("shutting down")
	return err
}

// loadEnvDefaults reads an optional .env file and then the RELAYPROXY_*
// environment.
func loadEnvDefaults() (envDefaults, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return envDefaults{}, fmt.Errorf("load .env: %w", err)
	}

	var def envDefaults
	if err := env.ParseWithOptions(&def, env.Options{Prefix: "RELAYPROXY_"}); err != nil {
		return envDefaults{}, fmt.Errorf("parse environment: %w", err)
	}
	return def, nil
}

func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}
