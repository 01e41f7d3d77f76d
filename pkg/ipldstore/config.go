package ipldstore

import (
	"github.com/mikeal/ipld-store/pkg/core"
)

type Config = core.Config
type EngineConfig = core.EngineConfig
type BulkConfig = core.BulkConfig
type FeedConfig = core.FeedConfig
type TransformConfig = core.TransformConfig
type ChunkingConfig = core.ChunkingConfig
type LogConfig = core.LogConfig

// Defaults returns a Config with every optional field populated.
func Defaults() Config {
	return core.Defaults()
}
