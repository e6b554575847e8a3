// Package cache implements the Code Cache (C3): the multi-level
// (L1/L2/L3/persistent) artifact store, its directory-protocol
// coherency, content-addressed keys, and pluggable eviction (§4.3).
package cache

import (
	"fmt"

	"github.com/aott-dev/aott/internal/bytecode"
)

// Key is the content-addressed cache key (§3 CacheEntry.key): the tuple
// uniquely determines the artifact, so two different inputs never
// collide (I3-adjacent guarantee).
type Key struct {
	FunctionId    bytecode.FunctionId
	Tier          bytecode.TierLevel
	TargetTriple  string
	ConstantsHash uint64
	DepsHash      uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s[%s]/c%x/d%x", k.FunctionId, k.Tier, k.TargetTriple, k.ConstantsHash, k.DepsHash)
}
