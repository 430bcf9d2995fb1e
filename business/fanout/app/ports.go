package app

import (
	"context"
	"encoding/json"

	dataflowApp "github.com/fd1az/market-collector/business/dataflow/app"
)

// SystemStatsProvider serves getSystemStats requests; the engine
// implements it.
type SystemStatsProvider interface {
	Stats() dataflowApp.StatsSnapshot
}

// SnapshotSource serves requestSnapshot requests from the latest-message
// cache.
type SnapshotSource interface {
	Snapshot(ctx context.Context, exchange string, symbols []string) (map[string]json.RawMessage, error)
}
