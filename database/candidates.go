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

package database

import (
	"context"
	"fmt"

	"github.com/mextic/recargas-sub003/model"
)

// Candidate selection queries. The fleet inventory tables are owned by
// the fleet-management system; the engine only reads them. Each query
// computes the eligibility reason so operators can audit why a line was
// picked up in a cycle.

const trackingCandidatesSQL = `
	SELECT sim, COALESCE(descripcion, ''), 'expiring tracking sim', COALESCE(monto_recarga, 50)
	FROM tracking_units
	WHERE estado = 'active'
	  AND saldo_expira < NOW() + INTERVAL '2 days'
	  AND ultimo_reporte > NOW() - INTERVAL '14 days'
	ORDER BY saldo_expira ASC
`

const voiceCandidatesSQL = `
	SELECT sim, COALESCE(descripcion, ''), 'expiring voice line', COALESCE(monto_recarga, 100)
	FROM voice_lines
	WHERE estado = 'active'
	  AND plan_tipo <> 'postpaid'
	  AND saldo_expira < NOW() + INTERVAL '3 days'
	ORDER BY saldo_expira ASC
`

const iotCandidatesSQL = `
	SELECT sim, COALESCE(descripcion, ''), 'stale iot module', COALESCE(monto_recarga, 30)
	FROM iot_modules
	WHERE estado = 'active'
	  AND ultimo_checkin < NOW() - INTERVAL '7 days'
	ORDER BY ultimo_checkin ASC
`

// GetCandidatesToProcess runs the fleet's selection query and returns the
// candidates in selection order; the engine charges them in exactly this
// order.
func (d *Datasource) GetCandidatesToProcess(ctx context.Context, fleet model.FleetType) ([]model.RechargeCandidate, error) {
	var query string
	switch fleet {
	case model.FleetTracking:
		query = trackingCandidatesSQL
	case model.FleetVoice:
		query = voiceCandidatesSQL
	case model.FleetIoT:
		query = iotCandidatesSQL
	default:
		return nil, fmt.Errorf("unknown fleet type %q", fleet)
	}

	rows, err := d.Conn.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyPersistence(fmt.Sprintf("selecting %s candidates", fleet), err)
	}
	defer rows.Close()

	candidates := []model.RechargeCandidate{}
	for rows.Next() {
		candidate := model.RechargeCandidate{Fleet: fleet}
		err = rows.Scan(&candidate.SIM, &candidate.Description, &candidate.Reason, &candidate.Amount)
		if err != nil {
			return nil, classifyPersistence("scanning candidate row", err)
		}
		candidates = append(candidates, candidate)
	}

	if err = rows.Err(); err != nil {
		return nil, classifyPersistence("iterating candidate rows", err)
	}
	return candidates, nil
}
