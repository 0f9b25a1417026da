package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sheerbytes/gomerlink/internal/config"
	"github.com/sheerbytes/gomerlink/internal/logging"
	"github.com/sheerbytes/gomerlink/pkg/gomer"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	cfgPath string
	logOut  io.Writer

	v      *viper.Viper
	cfg    config.Config
	level  *slog.LevelVar
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{logOut: os.Stderr})
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gomerctl",
		Short:         "Discover and drive a Gomer robot on the local network",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "config file (yaml, toml or json)")
	flags.String("log-level", "", "log level: debug|info|warn|error")
	flags.String("device", "", "device name to connect to (default: first responder)")

	root.AddCommand(
		newSearchCmd(a),
		newSendCmd(a),
		newUploadCmd(a),
		newVideoCmd(a),
		newVersionCmd(a),
		newWatchCmd(a),
		newSimCmd(a),
	)
	return root
}

// load resolves flags, file and GOMERLINK_* env into a validated Config.
func (a *app) load(cmd *cobra.Command) error {
	a.v = config.NewViper(a.cfgPath)
	flags := cmd.Root().PersistentFlags()
	if err := a.v.BindPFlag("log_level", flags.Lookup("log-level")); err != nil {
		return fmt.Errorf("bind --log-level: %w", err)
	}
	if err := a.v.BindPFlag("device", flags.Lookup("device")); err != nil {
		return fmt.Errorf("bind --device: %w", err)
	}
	cfg, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.level = new(slog.LevelVar)
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.NewWithLevel(a.logOut, "gomerctl", a.level)
	return nil
}

// newClient builds a Client and, when a config file is in use, follows its
// edits for the lifetime of ctx.
func (a *app) newClient(ctx context.Context) (*gomer.Client, error) {
	c, err := gomer.New(a.cfg, gomer.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if a.cfgPath == "" {
		return c, nil
	}
	w, err := config.Watch(a.v, a.logger, func(cfg config.Config) {
		a.level.Set(logging.ParseLevel(cfg.LogLevel))
		if err := c.Reload(cfg); err != nil {
			a.logger.Warn("config reload rejected", "err", err)
		}
	})
	if err != nil {
		a.logger.Warn("config watch unavailable", "err", err)
		return c, nil
	}
	go func() {
		<-ctx.Done()
		_ = w.Close()
	}()
	return c, nil
}

// connect searches and opens a session to the configured device. Inbound messages are
// printed to out.
func (a *app) connect(ctx context.Context, out io.Writer) (*gomer.Client, error) {
	c, err := a.newClient(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.Search(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if res.Count() == 0 {
		_ = c.Close()
		return nil, errNoDevice
	}
	onMessage := func(m gomer.Message) {
		if m.Lost {
			fmt.Fprintf(out, "session lost: %v\n", m.Err)
			return
		}
		fmt.Fprintf(out, "< %s\n", m.Payload)
	}
	if err := c.Connect(ctx, a.cfg.Device, onMessage); err != nil {
		_ = c.Close()
		return nil, err
	}
	peer, _ := c.Peer()
	a.logger.Info("connected", "device", peer.Name, "addr", peer.Addr)
	return c, nil
}
