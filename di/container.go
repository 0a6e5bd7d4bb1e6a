package di

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samber/do/v2"
	"github.com/web3tea/dvm-relay/capture"
	"github.com/web3tea/dvm-relay/config"
	"github.com/web3tea/dvm-relay/pkg/log"
	"github.com/web3tea/dvm-relay/processor"
	"github.com/web3tea/dvm-relay/relay"
	"github.com/web3tea/dvm-relay/sink"
	"github.com/web3tea/dvm-relay/store"
)

const storeOpenTimeout = 30 * time.Second

func SetupContainer(cfgPath string) do.Injector {

	injector := do.New()

	do.ProvideNamedValue(injector, "configPath", cfgPath)
	do.Provide(injector, NewConfig)
	do.Provide(injector, NewLogger)
	do.Provide(injector, NewStore)
	do.Provide(injector, NewPlatform)
	do.Provide(injector, NewProvider)
	do.Provide(injector, NewRelay)

	return injector
}

func NewConfig(i do.Injector) (*config.Config, error) {
	cfg, err := config.Load(do.MustInvokeNamed[string](i, "configPath"))
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// NewLogger is the root logger; components log under children of it.
func NewLogger(i do.Injector) (*log.ZeroLogger, error) {
	return log.NewLogger("relay", os.Stderr), nil
}

func namedLogger(i do.Injector, name string) (*log.ZeroLogger, error) {
	root, err := do.Invoke[*log.ZeroLogger](i)
	if err != nil {
		return nil, err
	}
	return root.Named(name), nil
}

func NewStore(i do.Injector) (store.Store, error) {
	cfg, err := do.Invoke[*config.Config](i)
	if err != nil {
		return nil, err
	}

	switch cfg.State.Type {
	case "file":
		return store.NewFileStore(cfg.State.Path), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
		defer cancel()
		return store.NewPostgresStore(ctx, cfg.State.DSN, cfg.State.Table, cfg.State.Key)
	default:
		return nil, fmt.Errorf("unsupported state type: %s", cfg.State.Type)
	}
}

func NewPlatform(i do.Injector) (sink.Platform, error) {
	cfg, err := do.Invoke[*config.Config](i)
	if err != nil {
		return nil, err
	}
	logger, err := namedLogger(i, "sink")
	if err != nil {
		return nil, err
	}

	switch cfg.Platform.Type {
	case "console":
		return sink.NewConsoleSink(
			sink.WithColorOutput(cfg.Platform.Console.Color),
			sink.WithMaxLength(cfg.Platform.Console.MaxLength),
		), nil
	case "discord":
		return sink.NewDiscordSink(cfg.Platform.Discord.Token, logger)
	case "telegram":
		return sink.NewTelegramSink(cfg.Platform.Telegram.Token, cfg.Platform.Telegram.Admins, logger)
	default:
		return nil, fmt.Errorf("unsupported platform type: %s", cfg.Platform.Type)
	}
}

func NewProvider(i do.Injector) (capture.Provider, error) {
	cfg, err := do.Invoke[*config.Config](i)
	if err != nil {
		return nil, err
	}
	logger, err := namedLogger(i, "process")
	if err != nil {
		return nil, err
	}

	switch cfg.Process.Type {
	case "docker":
		return capture.NewDockerProvider(cfg.Process.Docker, logger), nil
	case "pty":
		return capture.NewPTYProvider(cfg.Process.PTY, logger), nil
	default:
		return nil, fmt.Errorf("unsupported process type: %s", cfg.Process.Type)
	}
}

func NewRelay(i do.Injector) (*relay.Relay, error) {
	cfg, err := do.Invoke[*config.Config](i)
	if err != nil {
		return nil, err
	}

	platform, err := do.Invoke[sink.Platform](i)
	if err != nil {
		return nil, fmt.Errorf("failed to set up platform: %w", err)
	}
	provider, err := do.Invoke[capture.Provider](i)
	if err != nil {
		return nil, fmt.Errorf("failed to set up process: %w", err)
	}
	st, err := do.Invoke[store.Store](i)
	if err != nil {
		return nil, fmt.Errorf("failed to set up state store: %w", err)
	}
	logger, err := do.Invoke[*log.ZeroLogger](i)
	if err != nil {
		return nil, err
	}

	autoRegister := cfg.Relay.AutoRegister
	if platform.Type() == "console" {
		autoRegister = append(autoRegister, sink.ConsoleSinkID)
	}

	return relay.NewRelay(platform, provider, st,
		relay.WithLogger(logger),
		relay.WithProcessor(processor.NewDefaultChain()),
		relay.WithDebounce(cfg.Relay.Debounce.Std()),
		relay.WithMaxDelay(cfg.Relay.MaxDelay.Std()),
		relay.WithFlushTimeout(cfg.Relay.FlushTimeout.Std()),
		relay.WithMaxFlushRetries(cfg.Relay.MaxFlushRetries),
		relay.WithReadBufferSize(cfg.Relay.ReadBufferSize),
		relay.WithCommandPrefix(cfg.Relay.CommandPrefix),
		relay.WithDeleteInput(cfg.Relay.DeleteInput),
		relay.WithAutoRegister(autoRegister...),
	), nil
}
