package database

import (
	"context"

	"github.com/mextic/recargas-sub003/model"
)

type batch interface {
	InsertBatchRecharges(ctx context.Context, fleet model.FleetType, items []*model.QueueItem) (*model.BatchResult, error)
	InsertRecharge(ctx context.Context, item *model.QueueItem) error
	FolioExists(ctx context.Context, fleet model.FleetType, folio string) (bool, error)
}

type candidates interface {
	GetCandidatesToProcess(ctx context.Context, fleet model.FleetType) ([]model.RechargeCandidate, error)
}

type IDataSource interface {
	batch
	candidates
}
