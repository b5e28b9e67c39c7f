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
	"context"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mextic/recargas-sub003/model"
)

// resolveFleets turns the --fleet flag into the fleet list to work on.
// An empty flag means every fleet.
func resolveFleets(flag string) ([]model.FleetType, error) {
	if flag == "" {
		return model.AllFleets, nil
	}
	fleet, err := model.ParseFleetType(flag)
	if err != nil {
		return nil, err
	}
	return []model.FleetType{fleet}, nil
}

// processCommands defines the "process" command: run one full processing
// cycle per fleet and exit. This is the entry point scheduled runners or
// operators use for a single pass.
func processCommands(e *engineInstance) *cobra.Command {
	var fleetFlag string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "run one recharge cycle per fleet",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			fleets, err := resolveFleets(fleetFlag)
			if err != nil {
				log.Fatal(err)
			}

			for _, fleet := range fleets {
				summary, err := e.engine.ProcessCycle(ctx, e.engine.ProcessorFor(fleet))
				if err != nil {
					logrus.Errorf("cycle for fleet %s failed: %v", fleet, err)
					continue
				}
				if summary.LockDenied {
					fmt.Printf("fleet %s: lock denied, another worker is running\n", fleet)
					continue
				}
				fmt.Printf("fleet %s: processed=%d success=%d failed=%d recovered=%d\n",
					fleet, summary.Processed, summary.Success, summary.Failed, summary.Recovered)
			}
		},
	}

	cmd.Flags().StringVar(&fleetFlag, "fleet", "", "fleet to process (tracking, voice, iot); all fleets when omitted")

	return cmd
}

// recoverCommands defines the "recover" command: drain the auxiliary
// queues without charging anything new. Operators run this after an
// incident to close out paid-but-unpersisted transactions.
func recoverCommands(e *engineInstance) *cobra.Command {
	var fleetFlag string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "drain pending auxiliary queue items into the database",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			fleets, err := resolveFleets(fleetFlag)
			if err != nil {
				log.Fatal(err)
			}

			for _, fleet := range fleets {
				recovered, err := e.engine.RecoverPending(ctx, fleet)
				if err != nil {
					logrus.Errorf("recovery for fleet %s failed: %v", fleet, err)
					continue
				}
				fmt.Printf("fleet %s: recovered=%d\n", fleet, recovered)
			}
		},
	}

	cmd.Flags().StringVar(&fleetFlag, "fleet", "", "fleet to recover (tracking, voice, iot); all fleets when omitted")

	return cmd
}
