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

// Command guidepost runs the conversational alignment engine.
//
// Usage:
//
//	guidepost serve --config guidepost.yaml
//	guidepost validate guidepost.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/guidepost-ai/guidepost"
	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the alignment engine server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(guidepost.GetVersion().String())
	return nil
}

// initLogging configures the process logger from flags, falling back to
// the config file's logging section where flags are unset.
func initLogging(cli *CLI, cfg config.LoggingConfig) (func(), error) {
	levelStr := cli.LogLevel
	if levelStr == "" {
		levelStr = cfg.Level
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	format := cli.LogFormat
	if format == "" {
		format = cfg.Format
	}

	output := os.Stderr
	cleanup := func() {}
	path := cli.LogFile
	if path == "" && cfg.Output != "stderr" && cfg.Output != "stdout" {
		path = cfg.Output
	}
	switch {
	case path != "":
		f, closeFile, err := logger.OpenLogFile(path)
		if err != nil {
			return nil, err
		}
		output, cleanup = f, closeFile
	case cfg.Output == "stdout":
		output = os.Stdout
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(path)
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("guidepost"),
		kong.Description("Multi-tenant conversational alignment engine."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(cli))
}
