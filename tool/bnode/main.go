/*
Copyright 2024 NMP Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command bnode runs the C-Node fleet coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/nmplabs/bnode"
	"github.com/nmplabs/bnode/lib/config"
	"github.com/nmplabs/bnode/lib/service"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("bnode", "C-Node fleet coordinator")
	debug := app.Flag("debug", "Enable verbose logging").Short('d').Bool()

	start := app.Command("start", "Start the coordinator")
	configPath := start.Flag("config", "Path to the configuration file").
		Short('c').Default("config.jsonc").String()
	environment := start.Flag("env", "Environment to run, overrides the config document").String()

	version := app.Command("version", "Print the version and exit")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *environment))
	case version.FullCommand():
		fmt.Printf("bnode v%v\n", bnode.Version)
		return nil
	}
	return nil
}

func onStart(configPath, environment string) error {
	fileConfig, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if environment != "" {
		fileConfig.CurrentEnvironment = environment
		if err := fileConfig.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	log.Infof("Starting bnode v%v in environment %q.", bnode.Version, fileConfig.CurrentEnvironment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator, err := service.New(ctx, service.Config{
		FileConfig: fileConfig,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(coordinator.Run(ctx))
}
