// Package cli implements the bulkmail command tree.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattiq/bulkmail"
)

// Config wires the command tree to its environment.
type Config struct {
	// ConfigPath is the default YAML config file. Empty means environment only.
	ConfigPath string

	In  io.Reader
	Out io.Writer

	// ClientOptions are applied after the loaded configuration.
	ClientOptions []bulkmail.Option
}

// DefaultConfig returns a Config bound to the process stdio.
func DefaultConfig() Config {
	return Config{
		ConfigPath: os.Getenv("BULKMAIL_CONFIG"),
		In:         os.Stdin,
		Out:        os.Stdout,
	}
}

type runtimeState struct {
	configPath string
	in         io.Reader
	out        io.Writer
	opts       []bulkmail.Option
	cfg        bulkmail.Config
}

type runtimeKey struct{}

// NewRootCommand builds the bulkmail command tree.
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath: cfg.ConfigPath,
		in:         cfg.In,
		out:        cfg.Out,
		opts:       cfg.ClientOptions,
	}

	root := &cobra.Command{
		Use:           "bulkmail",
		Short:         "Send paced bulk email through Gmail and other transports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.in == nil {
				rt.in = os.Stdin
			}
			if rt.out == nil {
				rt.out = cmd.OutOrStdout()
			}

			// These never touch a transport.
			if cmd.Name() == "version" || cmd.Name() == "auth" {
				return nil
			}

			loaded, err := bulkmail.LoadConfig(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to YAML config file")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewSendCommand(),
		NewServeCommand(),
		NewAuthCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// newClient builds a client from the loaded configuration; extra options win
// over those supplied through Config.
func (rt *runtimeState) newClient(extra ...bulkmail.Option) (*bulkmail.Client, error) {
	opts := append(append([]bulkmail.Option{}, rt.opts...), extra...)
	return bulkmail.New(rt.cfg, opts...)
}
