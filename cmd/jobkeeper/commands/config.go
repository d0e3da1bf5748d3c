package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobkeeper/am"
	"github.com/teranos/jobkeeper/errors"
)

// ConfigCmd manages the jobkeeper configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit configuration",
	Long: `Show and edit the jobkeeper configuration.

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/jobkeeper/config.toml)
3. User config (~/.jobkeeper/config.toml)
4. Project config (jobkeeper.toml, searched upward from the working directory)
5. Environment variables (JOBKEEPER_* prefix, e.g. JOBKEEPER_LOG_LEVEL)

Examples:
  jobkeeper config show
  jobkeeper config where
  jobkeeper config init                      # Write defaults to ~/.jobkeeper/config.toml
  jobkeeper config set log.level debug       # Edit the active config file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# jobkeeper configuration\n%s", data)
		return nil
	},
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "List the config files consulted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data := pterm.TableData{{"FILE", "STATUS"}}
		for _, path := range am.ConfigPaths() {
			status := "missing"
			if _, err := os.Stat(path); err == nil {
				status = "loaded"
			}
			data = append(data, []string{path, status})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := am.UserConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("could not determine home directory; pass a path")
		}
		if err := am.WriteDefault(path, initForce); err != nil {
			return err
		}
		pterm.Success.Printfln("Wrote %s", path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the active config file",
	Long: `Set a dotted key in the highest-precedence config file that exists
(or ~/.jobkeeper/config.toml when none does). The previous file is kept as
.back1. A value that would make the configuration invalid is rejected.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := setFile
		if path == "" {
			path = am.ActiveConfigPath()
		}
		if path == "" {
			path = am.UserConfigPath()
		}
		if err := am.SetValue(path, args[0], args[1]); err != nil {
			return err
		}
		pterm.Success.Printfln("%s = %s in %s", args[0], args[1], path)
		return nil
	},
}

var (
	initForce bool
	setFile   string
)

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file (keeps a .back1 copy)")
	configSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to edit instead of the active one")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configWhereCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configSetCmd)
}

func itoa(n int) string { return strconv.Itoa(n) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
