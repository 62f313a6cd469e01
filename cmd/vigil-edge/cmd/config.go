package cmd

import (
	"fmt"
	"reflect"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vigil-video/vigil/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting and validating vigil configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration in YAML after merging defaults, the
config file, and environment variables.

Redirect the output to create a configuration template:

  vigil-edge config show > vigil.yaml

Configuration can be set via:
  - Config file (vigil.yaml in ., $HOME/.config/vigil, /etc/vigil)
  - Environment variables with the VIGIL_ prefix and underscores for
    nesting (VIGIL_EDGE_DEVICE_ID, VIGIL_WORKER_LISTEN, ...)
  - Command-line flags (for some options)`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the edge configuration",
	Long: `Validate the effective configuration for the edge agent.

Exits non-zero when a required field is missing or out of range.`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes formatted for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch v := field.Interface().(type) {
		case config.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# vigil configuration")
	fmt.Println("# ===================")
	fmt.Println("#")
	fmt.Println("# Duration format: 500ms, 3s, 5m, 1h, 7d")
	fmt.Println("# Size format: 64MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides use the VIGIL_ prefix:")
	fmt.Println("#   VIGIL_EDGE_DEVICE_ID, VIGIL_EDGE_INFERENCE_WORKER_HOST,")
	fmt.Println("#   VIGIL_WORKER_LISTEN, VIGIL_LOG_LEVEL, etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if err := cfg.ValidateEdge(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Println("configuration ok")
	return nil
}
