package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/config"
	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/metrics"
	"github.com/Sternrassler/onyphe-client/pkg/onyphe"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/Sternrassler/onyphe-client/pkg/retry"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errNoTerminal = errors.New("stdin is not a terminal")

// runtime is everything one command invocation needs. Close tears it down
// in reverse order of construction.
type runtime struct {
	cfg     config.Config
	session *transport.Session
	client  *onyphe.Client
	retry   retry.Config
	out     *recordWriter
	logger  zerolog.Logger
	closers []func()
}

// run opens the runtime, calls fn, and always closes the runtime afterwards.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	rt, err := a.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	start := time.Now()
	err = fn(ctx, rt)
	event := rt.logger.Debug()
	if err != nil {
		event = rt.logger.Error().Err(err).Str("kind", string(onyphe.Kind(err)))
	}
	event.
		Str("command", cmd.CommandPath()).
		Int("records", rt.out.count).
		Dur("duration", time.Since(start)).
		Msg("Command finished")
	return err
}

func (a *app) open(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cliLayer, err := a.flags.layer(cmd.Flags())
	if err != nil {
		return nil, err
	}
	fileLayer, err := config.LoadFile(a.flags.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Resolve(cliLayer, config.FromEnv(a.opts.LookupEnv), fileLayer)
	if err != nil {
		return nil, err
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: a.flags.logPretty,
		Output: a.opts.Stderr,
	})
	logger := logging.NewLogger("cli")

	if cfg.APIKey == "" {
		key, err := a.opts.Prompt("Onyphe API key: ")
		if err != nil || key == "" {
			return nil, fmt.Errorf("%w: api key is required (set %s, api_key in %s, or --api-key)",
				onyphe.ErrInvalidArgument, config.EnvAPIKey, a.flags.configPath)
		}
		cfg.APIKey = logging.Secret(key)
	}
	if cfg.Proxy.Username != "" && cfg.Proxy.Password == "" {
		password, err := a.opts.Prompt("Proxy password: ")
		if err != nil {
			return nil, fmt.Errorf("%w: proxy password is required for user %s", onyphe.ErrInvalidArgument, cfg.Proxy.Username)
		}
		cfg.Proxy.Password = logging.Secret(password)
	}

	rt := &runtime{
		cfg:    cfg,
		out:    newRecordWriter(a.opts.Stdout),
		logger: logger,
		retry:  retry.WithAttempts(a.flags.retries),
	}

	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	tc := cfg.TransportConfig()
	tc.Tracker = ratelimit.NewTracker(store, logging.NewLogger("ratelimit"))
	rt.session, err = transport.New(tc)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = rt.session.Close() })

	if a.flags.metricsAddr != "" {
		server, err := metrics.NewServer(a.flags.metricsAddr, logging.NewLogger("metrics"))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		server.Start()
		rt.closers = append(rt.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	rt.client = onyphe.New(rt.session, onyphe.Config{Gates: cfg.Gates()})
	return rt, nil
}

// openStore returns the cooldown store: Redis when configured, memory otherwise.
func (rt *runtime) openStore(ctx context.Context) (ratelimit.Store, error) {
	if rt.cfg.RedisURL == "" {
		return ratelimit.NewMemoryStore(), nil
	}

	opts, err := redis.ParseURL(rt.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", onyphe.ErrInvalidArgument, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	rt.logger.Info().Str("addr", opts.Addr).Msg("Sharing rate limit state through redis")

	rt.closers = append(rt.closers, func() { _ = client.Close() })
	return ratelimit.NewRedisStore(client), nil
}

// Close runs every registered closer, last first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}
