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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/model"
)

// fleetSchedule pairs a fleet with its cron expression from config.
func fleetSchedules(cnf *config.Configuration) map[model.FleetType]string {
	return map[model.FleetType]string{
		model.FleetTracking: cnf.Schedules.Tracking,
		model.FleetVoice:    cnf.Schedules.Voice,
		model.FleetIoT:      cnf.Schedules.IoT,
	}
}

// workerCommands defines the "workers" command: a long-running scheduler
// that fires one processing cycle per fleet on its configured cron
// expression. Overlap within a fleet is prevented by the distributed
// lock, not by the scheduler, so running several workers is safe.
func workerCommands(e *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start the scheduled recharge workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			scheduler := cron.New(cron.WithChain(
				cron.Recover(cron.DefaultLogger),
			))

			for fleet, expr := range fleetSchedules(e.cnf) {
				fleet := fleet
				_, err := scheduler.AddFunc(expr, func() {
					summary, err := e.engine.ProcessCycle(ctx, e.engine.ProcessorFor(fleet))
					if err != nil {
						logrus.Errorf("scheduled cycle for fleet %s failed: %v", fleet, err)
						return
					}
					if summary.LockDenied {
						return
					}
					logrus.WithFields(logrus.Fields{
						"fleet":     fleet,
						"processed": summary.Processed,
						"success":   summary.Success,
						"failed":    summary.Failed,
						"recovered": summary.Recovered,
					}).Info("scheduled cycle finished")
				})
				if err != nil {
					log.Fatalf("invalid schedule %q for fleet %s: %v", expr, fleet, err)
				}
				logrus.Infof("fleet %s scheduled at %q", fleet, expr)
			}

			scheduler.Start()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			logrus.Info("shutting down, waiting for running cycles")
			<-scheduler.Stop().Done()
		},
	}

	return cmd
}
