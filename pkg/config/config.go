package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "kmemscope"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// DllType, DllLink and DllMaxDepth are the initial values of the sticky
	// defaults of the dll command.
	DllType     string `yaml:"dll-type,omitempty"`
	DllLink     string `yaml:"dll-link,omitempty"`
	DllMaxDepth *int   `yaml:"dll-max-depth,omitempty"`

	// SlubPrefix and SlubExclude select which caches the slub command
	// reports when no filter is given on the command line.
	SlubPrefix  *string `yaml:"slub-prefix,omitempty"`
	SlubExclude *string `yaml:"slub-exclude,omitempty"`
	// SlubMaxObjectSize hides caches whose object size is not below this
	// value, zero disables the check.
	SlubMaxObjectSize *uint64 `yaml:"slub-max-object-size,omitempty"`

	// PartialLimit bounds the walk of every per-CPU partial slab chain.
	PartialLimit *int `yaml:"partial-limit,omitempty"`

	// Layout overrides the type, field and symbol names used by the
	// allocator model, for kernels where they differ from the defaults.
	Layout LayoutOverrides `yaml:"layout,omitempty"`

	// PerCPUOffsetSymbol and NrCPUsSymbol name the kernel symbols holding the
	// per-CPU area offsets and the number of possible CPUs.
	PerCPUOffsetSymbol string `yaml:"per-cpu-offset-symbol,omitempty"`
	NrCPUsSymbol       string `yaml:"nr-cpus-symbol,omitempty"`

	// DebugInfoDirectories is the list of directories searched for a
	// separate debug info file when the given kernel image has no DWARF.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// NoColor disables colored output even on terminals that support it.
	NoColor bool `yaml:"no-color"`
}

// LayoutOverrides holds the allocator layout names that can be changed
// from the configuration file. Empty values keep the built-in default.
type LayoutOverrides struct {
	CacheType        string   `yaml:"cache-type,omitempty"`
	RegistrySymbol   string   `yaml:"registry-symbol,omitempty"`
	ListField        string   `yaml:"list-field,omitempty"`
	CPUSlabField     string   `yaml:"cpu-slab-field,omitempty"`
	ActiveSlabFields []string `yaml:"active-slab-fields,omitempty"`
	PartialNext      string   `yaml:"partial-next,omitempty"`
	// FreelistEncoding is "swab" (Linux 5.7 and later) or "plain".
	FreelistEncoding string `yaml:"freelist-encoding,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	c, err := Parse(data)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return c, nil
}

// Parse decodes a configuration file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	f.Seek(0, 0)
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for kmemscope.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Initial node type, link field and depth bound of the dll command.
# dll-type: "struct list_node"
# dll-link: next
# dll-max-depth: 64

# Caches reported by the slub command when no filter is given.
# slub-prefix: kmalloc
# slub-exclude: rcl
# slub-max-object-size: 1024

# Maximum number of slabs read from a per-CPU partial chain.
# partial-limit: 1024

# Allocator layout overrides for unusual kernels.
# layout:
#   cache-type: "struct kmem_cache"
#   registry-symbol: slab_caches
#   list-field: list
#   cpu-slab-field: cpu_slab
#   active-slab-fields: [slab, page]
#   partial-next: next
#   freelist-encoding: swab

# per-cpu-offset-symbol: __per_cpu_offset
# nr-cpus-symbol: nr_cpu_ids

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]

# no-color: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("KMEMSCOPE_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return path.Join(userConfigDir, configDir, file), nil
}
