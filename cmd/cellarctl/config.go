package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings are the resolved connection and output options.
type settings struct {
	Server string
	Tenant string
	User   string
	Output outputFormat
}

// cli carries the state shared by every subcommand.
type cli struct {
	out      io.Writer
	v        *viper.Viper
	cfgFile  string
	settings settings
	client   *cellarClient
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out, v: viper.New()}

	root := &cobra.Command{
		Use:   "cellarctl",
		Short: "CLI for the cellar production server",
		Long: `cellarctl manages tanks, batches, lots and tank assignments on a cellar server.

Connection settings come from flags, CELLARCTL_* environment variables or
~/.cellarctl.yaml, in that order of precedence.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.SetOut(out)
	root.SetErr(os.Stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "Config file (default $HOME/.cellarctl.yaml)")
	flags.String("server", "http://localhost:8080", "Cellar server URL")
	flags.String("tenant", "", "Tenant id sent as X-Tenant-ID")
	flags.String("user", "", "User sent as X-Remote-User")
	flags.StringP("output", "o", "table", "Output format: table, json, yaml")
	for _, name := range []string{"server", "tenant", "user", "output"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newTanksCmd(c))
	root.AddCommand(newBatchesCmd(c))
	root.AddCommand(newAssignmentsCmd(c))
	root.AddCommand(newLotsCmd(c))
	root.AddCommand(newCalendarCmd(c))
	root.AddCommand(newHealthCmd(c))

	return root
}

// load resolves settings from flags, environment and the config file and
// builds the HTTP client.
func (c *cli) load() error {
	c.v.SetEnvPrefix("CELLARCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		c.v.SetConfigName(".cellarctl")
		c.v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			c.v.AddConfigPath(home)
		}
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config %s: %w", filepath.Clean(c.v.ConfigFileUsed()), err)
		}
	}

	format, err := parseOutputFormat(c.v.GetString("output"))
	if err != nil {
		return err
	}
	c.settings = settings{
		Server: strings.TrimRight(c.v.GetString("server"), "/"),
		Tenant: c.v.GetString("tenant"),
		User:   c.v.GetString("user"),
		Output: format,
	}
	c.client = newCellarClient(c.settings)
	return nil
}

// render prints data in the configured format.
func (c *cli) render(data any, headers []string, rows [][]string) error {
	return printOutput(c.out, c.settings.Output, data, headers, rows)
}
