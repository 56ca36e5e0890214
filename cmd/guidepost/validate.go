// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/guidepost-ai/guidepost/pkg/config"
)

// ValidateCmd checks a configuration file without starting the server.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given")
	}

	config.LoadEnvFiles()
	if _, err := config.LoadFromFile(path); err != nil {
		return err
	}
	fmt.Printf("%s: configuration valid\n", path)
	return nil
}
