package cli

import (
	"github.com/Sternrassler/onyphe-client/pkg/config"
	"github.com/spf13/pflag"
)

// globalFlags mirror the config keys. Only flags set on the command line
// enter the CLI layer, so file and environment values are not shadowed by
// flag defaults.
type globalFlags struct {
	configPath string

	scheme     string
	host       string
	port       int
	apiVersion string
	apiKey     string

	proxyScheme   string
	proxyHost     string
	proxyPort     int
	proxyUsername string
	proxyPassword string
	proxyHeaders  string

	total       float64
	connect     float64
	sockRead    float64
	sockConnect float64

	redisURL     string
	rps          float64
	logLevel     string
	disableGates bool
	exportLimit  int

	logPretty   bool
	metricsAddr string
	retries     int
}

func (f *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", config.DefaultPath(), "Path to configuration file (YAML or JSON)")

	fs.StringVar(&f.scheme, "scheme", "https", "API scheme (http or https)")
	fs.StringVar(&f.host, "host", "www.onyphe.io", "API host")
	fs.IntVar(&f.port, "port", 443, "API port")
	fs.StringVar(&f.apiVersion, "api-version", "v2", "API version")
	fs.StringVar(&f.apiKey, "api-key", "", "API key (prefer ONYPHE_API_KEY or the config file)")

	fs.StringVar(&f.proxyScheme, "proxy-scheme", "", "Proxy scheme (http or https)")
	fs.StringVar(&f.proxyHost, "proxy-host", "", "Proxy host")
	fs.IntVar(&f.proxyPort, "proxy-port", 0, "Proxy port")
	fs.StringVar(&f.proxyUsername, "proxy-username", "", "Proxy username")
	fs.StringVar(&f.proxyPassword, "proxy-password", "", "Proxy password (prompted when a username is set)")
	fs.StringVar(&f.proxyHeaders, "proxy-headers", "", "Proxy CONNECT headers as a comma separated key:value list")

	fs.Float64Var(&f.total, "total", 0, "Total timeout per request in seconds (0 = none)")
	fs.Float64Var(&f.connect, "connect", 0, "Connection acquisition timeout in seconds")
	fs.Float64Var(&f.sockRead, "sock-read", 0, "Socket read timeout in seconds")
	fs.Float64Var(&f.sockConnect, "sock-connect", 0, "Socket connect timeout in seconds")

	fs.StringVar(&f.redisURL, "redis-url", "", "Redis URL for rate limit state shared across processes")
	fs.Float64Var(&f.rps, "rps", 0, "Maximum requests per second (0 = unlimited)")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error, disabled)")
	fs.BoolVar(&f.disableGates, "disable-gates", false, "Disable client-side concurrency gates")
	fs.IntVar(&f.exportLimit, "export-limit", 0, "Concurrent export streams (0 = default of 1)")

	fs.BoolVar(&f.logPretty, "log-pretty", false, "Human-readable logs instead of JSON")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.IntVar(&f.retries, "retries", 0, "Retries for rate-limited or failed page requests (0 = none)")
}

// layer returns the CLI config layer: every explicitly set flag.
func (f *globalFlags) layer(fs *pflag.FlagSet) (config.Layer, error) {
	var l config.Layer
	set := func(name string) bool { return fs.Changed(name) }

	if set("scheme") {
		l.Scheme = &f.scheme
	}
	if set("host") {
		l.Host = &f.host
	}
	if set("port") {
		l.Port = &f.port
	}
	if set("api-version") {
		l.Version = &f.apiVersion
	}
	if set("api-key") {
		l.APIKey = &f.apiKey
	}
	if set("proxy-scheme") {
		l.ProxyScheme = &f.proxyScheme
	}
	if set("proxy-host") {
		l.ProxyHost = &f.proxyHost
	}
	if set("proxy-port") {
		l.ProxyPort = &f.proxyPort
	}
	if set("proxy-username") {
		l.ProxyUsername = &f.proxyUsername
	}
	if set("proxy-password") {
		l.ProxyPassword = &f.proxyPassword
	}
	if set("proxy-headers") {
		headers, err := config.ParseHeaders(f.proxyHeaders)
		if err != nil {
			return config.Layer{}, err
		}
		l.ProxyHeaders = headers
	}
	if set("total") {
		l.Total = &f.total
	}
	if set("connect") {
		l.Connect = &f.connect
	}
	if set("sock-read") {
		l.SockRead = &f.sockRead
	}
	if set("sock-connect") {
		l.SockConnect = &f.sockConnect
	}
	if set("redis-url") {
		l.RedisURL = &f.redisURL
	}
	if set("rps") {
		l.RequestsPerSecond = &f.rps
	}
	if set("log-level") {
		l.LogLevel = &f.logLevel
	}
	if set("disable-gates") {
		l.DisableGates = &f.disableGates
	}
	if set("export-limit") {
		l.ExportLimit = &f.exportLimit
	}
	return l, nil
}
