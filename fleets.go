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

package recargas

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/database"
	"github.com/mextic/recargas-sub003/model"
)

// FleetProcessor is the per-fleet capability the orchestrator is generic
// over: identify the fleet and select its recharge candidates. Candidate
// selection is the only behaviour that differs between fleets; the
// charge-and-persist cycle is shared.
type FleetProcessor interface {
	FleetType() model.FleetType
	GetCandidates(ctx context.Context) ([]model.RechargeCandidate, error)
}

// TrackingProcessor selects GPS tracking units with expiring SIM balance.
type TrackingProcessor struct {
	datasource database.IDataSource
}

func NewTrackingProcessor(db database.IDataSource) *TrackingProcessor {
	return &TrackingProcessor{datasource: db}
}

func (p *TrackingProcessor) FleetType() model.FleetType {
	return model.FleetTracking
}

func (p *TrackingProcessor) GetCandidates(ctx context.Context) ([]model.RechargeCandidate, error) {
	candidates, err := p.datasource.GetCandidatesToProcess(ctx, model.FleetTracking)
	if err != nil {
		return nil, err
	}
	// Tracking SIMs come from the fleet inventory with occasional manual
	// entry; drop anything that is not a dialable number before money
	// moves.
	valid := candidates[:0]
	for _, c := range candidates {
		if len(c.SIM) < 10 {
			logrus.Warnf("skipping tracking candidate with malformed sim %q", c.SIM)
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}

// VoiceProcessor selects prepaid voice lines near balance expiry.
type VoiceProcessor struct {
	datasource database.IDataSource
}

func NewVoiceProcessor(db database.IDataSource) *VoiceProcessor {
	return &VoiceProcessor{datasource: db}
}

func (p *VoiceProcessor) FleetType() model.FleetType {
	return model.FleetVoice
}

func (p *VoiceProcessor) GetCandidates(ctx context.Context) ([]model.RechargeCandidate, error) {
	candidates, err := p.datasource.GetCandidatesToProcess(ctx, model.FleetVoice)
	if err != nil {
		return nil, err
	}
	// Shared lines can appear once per contract; charge each SIM once.
	seen := make(map[string]bool, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		if seen[c.SIM] {
			continue
		}
		seen[c.SIM] = true
		unique = append(unique, c)
	}
	return unique, nil
}

// iotCycleCap bounds one IoT cycle; the fleet is an order of magnitude
// larger than the others and a stale-checkin backlog after an outage
// would otherwise starve provider balance for the rest of the day.
const iotCycleCap = 500

// IoTProcessor selects IoT modules that stopped checking in.
type IoTProcessor struct {
	datasource database.IDataSource
}

func NewIoTProcessor(db database.IDataSource) *IoTProcessor {
	return &IoTProcessor{datasource: db}
}

func (p *IoTProcessor) FleetType() model.FleetType {
	return model.FleetIoT
}

func (p *IoTProcessor) GetCandidates(ctx context.Context) ([]model.RechargeCandidate, error) {
	candidates, err := p.datasource.GetCandidatesToProcess(ctx, model.FleetIoT)
	if err != nil {
		return nil, err
	}
	if len(candidates) > iotCycleCap {
		logrus.Warnf("iot backlog of %d candidates capped to %d for this cycle", len(candidates), iotCycleCap)
		candidates = candidates[:iotCycleCap]
	}
	return candidates, nil
}

// ProcessorFor returns the concrete processor for a fleet.
func (r *Recargas) ProcessorFor(fleet model.FleetType) FleetProcessor {
	switch fleet {
	case model.FleetTracking:
		return NewTrackingProcessor(r.datasource)
	case model.FleetVoice:
		return NewVoiceProcessor(r.datasource)
	case model.FleetIoT:
		return NewIoTProcessor(r.datasource)
	}
	return nil
}
