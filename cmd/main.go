/*
Copyright 2024 Mextic Authors.

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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	recargas "github.com/mextic/recargas-sub003"
	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/database"
)

// Recargas represents the CLI application, encapsulating the root Cobra command.
type Recargas struct {
	cmd *cobra.Command
}

// engineInstance holds the engine and its configuration for use by subcommands.
type engineInstance struct {
	engine *recargas.Recargas
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any
// subcommand executes.
func preRun(app *engineInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		// migrate opens its own connection; building the engine here
		// would dial the database and Redis a second time just to run
		// the same idempotent DDL.
		if cmd.Name() == "migrate" {
			return nil
		}

		engine, err := setupEngine(cnf)
		if err != nil {
			log.Fatal(err)
		}
		app.engine = engine

		return nil
	}
}

// setupEngine connects the data source and wires the engine from it.
func setupEngine(cfg *config.Configuration) (*recargas.Recargas, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := recargas.NewRecargas(db)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %v", err)
	}
	return engine, nil
}

// NewCLI creates the command-line interface for the recharge engine.
func NewCLI() *Recargas {
	var configFile string
	e := &engineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "recargas",
		Short: "Prepaid recharge processing engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./recargas.json", "Configuration file for the recharge engine")

	rootCmd.PersistentPreRunE = preRun(e, &configFile)

	rootCmd.AddCommand(processCommands(e))
	rootCmd.AddCommand(recoverCommands(e))
	rootCmd.AddCommand(workerCommands(e))
	rootCmd.AddCommand(migrateCommands(e))

	return &Recargas{cmd: rootCmd}
}

func (w Recargas) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
