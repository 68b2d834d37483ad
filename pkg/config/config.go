package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".scalpel"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// SolverPath is the path to the SMT solver binary.
	SolverPath string `yaml:"solver-path"`
	// SolverArgs are extra arguments passed to the solver binary.
	SolverArgs []string `yaml:"solver-args,omitempty"`
	// SolverTimeout is the per-query solver timeout, in seconds.
	SolverTimeout *int `yaml:"solver-timeout,omitempty"`
	// VerifyWorkers is the number of concurrent gadget verifications.
	// It should be sized to the solver capacity of the machine.
	VerifyWorkers *int `yaml:"verify-workers,omitempty"`
	// GadgetDepth is the default maximum gadget length, in instructions.
	GadgetDepth *int `yaml:"gadget-depth,omitempty"`
	// CacheSize is the capacity of the verification result cache.
	CacheSize *int `yaml:"cache-size,omitempty"`
}

// DefaultSolverTimeout is used when solver-timeout is not set.
const DefaultSolverTimeout = 10

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
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
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for scalpel.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Path to the SMT solver binary and extra arguments. The solver must speak
# SMT-LIB 2 on its standard input (z3 and cvc5 both qualify).
# solver-path: z3
# solver-args: ["-in", "-smt2"]

# Per-query solver timeout, in seconds.
# solver-timeout: 10

# Number of concurrent gadget verifications.
# verify-workers: 4

# Default maximum gadget length, in instructions.
# gadget-depth: 4

# Capacity of the verification result cache.
# cache-size: 4096
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
	if configPath := os.Getenv("SCALPEL_HOME"); configPath != "" {
		return path.Join(configPath, file), nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
