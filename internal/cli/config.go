package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"campusctl.toml", ".campusctl.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	Server string `toml:"server"`
	// Owner is the default address for badge lookups.
	Owner string `toml:"owner,omitempty"`
	// BadgeContract narrows badge lookups to one contract.
	BadgeContract string `toml:"badge_contract,omitempty"`
}

// GlobalConfig is stored in ~/.campusctl/config.yaml
type GlobalConfig struct {
	Server string `yaml:"server"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".campusctl"
	}
	return filepath.Join(home, ".campusctl")
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())
	cmd.AddCommand(createConfigSetServerCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var serverURL, owner string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create campusctl.toml in the current directory",
		Long: `Create a campusctl.toml configuration file in the current directory.

EXAMPLES:
  campusctl config init --server https://bridge.campusdao.example
  campusctl config init --owner 0x1f9090aaE28b8a3dCeaDf281B0F12828e676c326
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(serverURL, owner, force)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server URL")
	cmd.Flags().StringVar(&owner, "owner", "", "default owner address for badge lookups")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func createConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Store the default server in ~/.campusctl/config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveGlobalConfig(&GlobalConfig{Server: args[0]})
		},
	}
}

func runConfigInit(serverURL, owner string, force bool) error {
	configPath := projectConfigFiles[0]

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", name)
		}
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# campusctl project configuration")
	if err := toml.NewEncoder(f).Encode(ProjectConfig{Server: serverURL, Owner: owner}); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  campusctl info                 check the server is reachable")
	fmt.Println("  campusctl proposal publish FILE publish a proposal document")
	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --config")
	fmt.Println()

	fmt.Println("2. Environment variables")
	if env := os.Getenv("CAMPUSCTL_SERVER"); env != "" {
		fmt.Printf("   CAMPUSCTL_SERVER=%s\n", env)
	} else {
		fmt.Println("   CAMPUSCTL_SERVER=(not set)")
	}
	fmt.Println()

	fmt.Println("3. Project config (campusctl.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	switch {
	case os.IsNotExist(err):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		fmt.Printf("   Loaded from: %s\n", configPath)
		if projectConfig.Server != "" {
			fmt.Printf("   server: %s\n", projectConfig.Server)
		}
		if projectConfig.Owner != "" {
			fmt.Printf("   owner: %s\n", projectConfig.Owner)
		}
		if projectConfig.BadgeContract != "" {
			fmt.Printf("   badge_contract: %s\n", projectConfig.BadgeContract)
		}
	}
	fmt.Println()

	fmt.Println("4. Global config (~/.campusctl/config.yaml)")
	if global := loadGlobalConfig(); global != nil && global.Server != "" {
		fmt.Printf("   server: %s\n", global.Server)
	} else {
		fmt.Println("   (not found)")
	}
	fmt.Println()

	fmt.Println("Effective configuration:")
	fmt.Printf("   Server: %s\n", getServer())
	return nil
}

// loadProjectConfig loads the project config from --config or the first
// matching file.
func loadProjectConfig() (*ProjectConfig, string, error) {
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		if err != nil {
			return nil, cfgFile, err
		}
		return config, cfgFile, nil
	}

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			if err != nil {
				return nil, name, err
			}
			return config, name, nil
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	var config ProjectConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	return &config, nil
}

// loadProjectConfigSilent returns nil when no project config exists and
// warns on parse failures.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		}
		return nil
	}
	return config
}

func loadGlobalConfig() *GlobalConfig {
	data, err := os.ReadFile(filepath.Join(configDir(), "config.yaml"))
	if err != nil {
		return nil
	}
	var config GlobalConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load global config: %v\n", err)
		return nil
	}
	return &config
}

func saveGlobalConfig(config *GlobalConfig) error {
	dir := configDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Default server set to %s\n", config.Server)
	return nil
}
