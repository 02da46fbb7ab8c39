package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/Utitofon-Udoekong/nexushield/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	validateDump   bool
	validateFormat string
)

// secretKeys are redacted from dumps.
var secretKeys = map[string]bool{
	"storage.redis.password": true,
	"storage.postgres.url":   true,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the NexuShield configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with non-default values highlighted")
	validateCmd.Flags().StringVar(&validateFormat, "format", "text", "Dump format: text or yaml")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if !validateDump {
		return nil
	}

	switch validateFormat {
	case "yaml":
		return dumpYAML(os.Stdout, cfg)
	case "text", "":
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))
		dumpConfig(cfg, config.Default())
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		return nil
	default:
		return fmt.Errorf("unknown dump format: %s", validateFormat)
	}
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.ValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// settings flattens cfg into dotted keys named after its mapstructure tags.
func settings(cfg *config.Config) map[string]interface{} {
	out := make(map[string]interface{})
	flatten(reflect.ValueOf(*cfg), "", out)
	return out
}

func flatten(v reflect.Value, prefix string, out map[string]interface{}) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			flatten(field, key, out)
			continue
		}
		out[key] = field.Interface()
	}
}

// nested rebuilds the section tree from dotted keys.
func nested(flat map[string]interface{}) map[string]interface{} {
	root := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

func redacted(flat map[string]interface{}) map[string]interface{} {
	for key := range secretKeys {
		if s, ok := flat[key].(string); ok && s != "" {
			flat[key] = "***REDACTED***"
		}
	}
	return flat
}

// dumpYAML writes the effective configuration as YAML.
func dumpYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(nested(redacted(settings(cfg)))); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	current := redacted(settings(cfg))
	defaults := redacted(settings(defaultCfg))

	keys := make([]string, 0, len(current))
	for key := range current {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	section := ""
	for _, key := range keys {
		idx := strings.LastIndex(key, ".")
		if parent := key[:idx]; parent != section {
			section = parent
			_, _ = cyan.Printf("\n[%s]\n", section)
		}
		dumpField("  "+key[idx+1:], current[key], defaults[key], yellow, green)
	}
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}
