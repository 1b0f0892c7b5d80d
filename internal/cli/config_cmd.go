package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/prompt"
	"github.com/lucasnoah/coursefactory/internal/stage"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect factory configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the factory configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.ValidateWith(cfg, stage.DefaultRegistry())
		if len(errs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if formatFlag(cmd) == "json" {
			return writeJSON(cmd, cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configTemplatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Install the built-in prompt templates for editing",
	Long: `Write the built-in prompt templates into <data_dir>/templates (or --dir).
Files there override the built-in copies. Existing files are not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		list, _ := cmd.Flags().GetBool("list")

		if list {
			for _, name := range prompt.Names() {
				cmd.Println(name)
			}
			return nil
		}

		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = filepath.Join(cfg.Factory.DataDir, "templates")
		}
		written, err := prompt.InstallBuiltinTemplates(dir)
		if err != nil {
			return err
		}
		for _, name := range written {
			cmd.Printf("wrote %s\n", filepath.Join(dir, name))
		}
		cmd.Printf("%d template(s) installed in %s\n", len(written), dir)
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")
	configTemplatesCmd.Flags().String("dir", "", "Target directory (default: <data_dir>/templates)")
	configTemplatesCmd.Flags().Bool("list", false, "Only list the built-in template names")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configTemplatesCmd)
}
