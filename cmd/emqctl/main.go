// Command emqctl is a command-line client for emq brokers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vitalvas/emq"
	"github.com/vitalvas/emq/internal/cliconfig"
)

// config is the emqctl configuration file.
type config struct {
	Address  string           `yaml:"address"`
	Servers  []string         `yaml:"servers"`
	Username string           `yaml:"username"`
	Password string           `yaml:"password"`
	Timeout  time.Duration    `yaml:"timeout"`
	LogLevel string           `yaml:"log_level"`
	TLS      *cliconfig.TLS   `yaml:"tls"`
	Proxy    *emq.ProxyConfig `yaml:"proxy"`
}

func defaultConfig() config {
	return config{
		Address:  fmt.Sprintf("tcp://127.0.0.1:%d", emq.DefaultPort),
		Username: emq.DefaultUser,
		Password: emq.DefaultPassword,
		Timeout:  5 * time.Second,
		LogLevel: "none",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		configPath string
		address    string
		username   string
		password   string
		timeout    time.Duration
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("emqctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVarP(&address, "address", "a", "", "broker address (tcp://, tls://, unix://, ws://, wss://, quic://)")
	flagSet.StringVarP(&username, "user", "u", "", "account name")
	flagSet.StringVarP(&password, "password", "p", "", "account password")
	flagSet.DurationVar(&timeout, "timeout", 0, "connect and request timeout")
	flagSet.StringVar(&logLevel, "log-level", "", "client log level (debug, info, warn, error, none)")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg := defaultConfig()
	if err := cliconfig.Load(configPath, &cfg); err != nil {
		return err
	}
	if flagSet.Changed("address") {
		cfg.Address = address
	}
	if flagSet.Changed("user") {
		cfg.Username = username
	}
	if flagSet.Changed("password") {
		cfg.Password = password
	}
	if flagSet.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	cmd, rest, err := lookup(flagSet.Args())
	if err != nil {
		printUsage(stderr, flagSet)
		return err
	}

	opts, err := cfg.options(stderr)
	if err != nil {
		return err
	}

	client, err := emq.DialContext(ctx, cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Address, err)
	}
	defer client.Close()

	return cmd.run(&env{ctx: ctx, client: client, out: stdout}, rest)
}

func (c config) options(logOut io.Writer) ([]emq.Option, error) {
	logger, err := cliconfig.Logger(logOut, c.LogLevel)
	if err != nil {
		return nil, err
	}

	opts := []emq.Option{
		emq.WithCredentials(c.Username, c.Password),
		emq.WithLogger(logger),
	}
	if c.Timeout > 0 {
		opts = append(opts, emq.WithConnectTimeout(c.Timeout), emq.WithRequestTimeout(c.Timeout))
	}
	if len(c.Servers) > 0 {
		opts = append(opts, emq.WithServers(c.Servers...))
	}
	if c.Proxy != nil {
		opts = append(opts, emq.WithProxy(*c.Proxy))
	}

	tlsConfig, err := c.TLS.Build()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, emq.WithTLS(tlsConfig))
	}
	return opts, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "usage: emqctl [flags] <command> [args]\n\nflags:\n")
	flagSet.PrintDefaults()

	usages := make([]string, 0, len(commands))
	for _, cmd := range commands {
		usages = append(usages, "  "+cmd.usage)
	}
	sort.Strings(usages)
	fmt.Fprintf(w, "\ncommands:\n%s\n", strings.Join(usages, "\n"))
}
