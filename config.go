// BSD 3-Clause License
//
// Copyright (c) 2024, Xendit
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix     = "HEXPROXY_"
	envConfigName = envPrefix + "CONFIG"
)

// Config is read once at startup and never modified afterwards.
type Config struct {
	ListenAddress      string `json:"listen" toml:"listen" yaml:"listen" env:"LISTEN"`
	TargetAddress      string `json:"target" toml:"target" yaml:"target" env:"TARGET"`
	DumpClientToServer bool   `json:"dumpClientToServer" toml:"dump_c2s" yaml:"dump_c2s" env:"DUMP_C2S"`
	DumpServerToClient bool   `json:"dumpServerToClient" toml:"dump_s2c" yaml:"dump_s2c" env:"DUMP_S2C"`
	DumpFile           string `json:"dumpFile" toml:"dump_file" yaml:"dump_file" env:"DUMP_FILE"`
}

// Whether any direction is dumped.
func (c Config) Dumping() bool {
	return c.DumpClientToServer || c.DumpServerToClient
}

// Validate reports every problem found in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if err := validateAddress("listen", c.ListenAddress); err != nil {
		errs = append(errs, err)
	}
	if err := validateAddress("target", c.TargetAddress); err != nil {
		errs = append(errs, err)
	}
	if c.DumpFile != "" && !c.Dumping() {
		errs = append(errs, fmt.Errorf("dump file %v given but no direction is dumped", c.DumpFile))
	}
	return errors.Join(errs...)
}

func validateAddress(name string, address string) error {
	if address == "" {
		return fmt.Errorf("%v address is required", name)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return fmt.Errorf("invalid %v address %v: %w", name, address, err)
	}
	return nil
}

// Load a configuration file. The format is picked from the extension: .toml, .yaml, .yml
// or .json.
func LoadConfigFromFile(configFile string) (Config, error) {
	data, readError := os.ReadFile(configFile)
	if readError != nil {
		return Config{}, fmt.Errorf("failed to read config file %v: %w", configFile, readError)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(configFile)), ".")
	config, parseError := LoadConfigFromString(string(data), format)
	if parseError != nil {
		return Config{}, fmt.Errorf("failed to load config file %v: %w", configFile, parseError)
	}
	return config, nil
}

func LoadConfigFromString(config string, format string) (Config, error) {
	var c Config
	switch format {
	case "toml":
		meta, decodeError := toml.Decode(config, &c)
		if decodeError != nil {
			return Config{}, fmt.Errorf("failed to unmarshal toml config: %w", decodeError)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown keys in toml config: %v", undecoded)
		}
	case "yaml", "yml":
		decoder := yaml.NewDecoder(strings.NewReader(config))
		decoder.KnownFields(true)
		if decodeError := decoder.Decode(&c); decodeError != nil {
			return Config{}, fmt.Errorf("failed to unmarshal yaml config: %w", decodeError)
		}
	case "json":
		decoder := json.NewDecoder(bytes.NewReader([]byte(config)))
		decoder.DisallowUnknownFields()
		if decodeError := decoder.Decode(&c); decodeError != nil {
			return Config{}, fmt.Errorf("failed to unmarshal json config: %w", decodeError)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	return c, nil
}

// Load the inline JSON configuration held in HEXPROXY_CONFIG. The boolean result reports
// whether the variable was set at all.
func LoadConfigFromEnv() (Config, bool, error) {
	configString, exists := os.LookupEnv(envConfigName)
	if !exists {
		return Config{}, false, nil
	}
	config, err := LoadConfigFromString(configString, "json")
	if err != nil {
		return Config{}, true, fmt.Errorf("invalid %v: %w", envConfigName, err)
	}
	return config, true, nil
}

// Override fields of base with the HEXPROXY_* environment variables that are set.
func ApplyEnvOverrides(base Config) (Config, error) {
	if err := env.ParseWithOptions(&base, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return base, nil
}
