package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
)

func fid(name string) bytecode.FunctionId {
	return bytecode.FunctionId{FunctionName: name, SignatureHash: bytecode.SignatureHash(name, 0)}
}

func TestRegistry_GetReturnsNilBeforeInstall(t *testing.T) {
	r := New()
	require.Nil(t, r.Get(fid("f")))
}

func TestRegistry_InstallIfAbsentIsIdempotent(t *testing.T) {
	r := New()
	id := fid("f")
	a := &Entry{Artifact: &Artifact{Tier: bytecode.T0}}
	b := &Entry{Artifact: &Artifact{Tier: bytecode.T0}}

	got1 := r.InstallIfAbsent(id, a)
	got2 := r.InstallIfAbsent(id, b)
	require.Same(t, got1, got2)
	require.Same(t, a, got1)
}

func TestRegistry_SwapPublishesExactlyOneCurrentArtifact(t *testing.T) {
	r := New()
	id := fid("f")
	t0 := &Entry{Artifact: &Artifact{Tier: bytecode.T0}}
	t1 := &Entry{Artifact: &Artifact{Tier: bytecode.T1}}

	r.InstallIfAbsent(id, t0)
	prev := r.Swap(id, t1)
	require.Same(t, t0, prev)

	cur := r.Get(id)
	require.Same(t, t1, cur)
	tier, ok := r.CurrentTier(id)
	require.True(t, ok)
	require.Equal(t, bytecode.T1, tier) // I1: exactly one current artifact per (id, tier)
}

func TestRegistry_RetiredArtifactsDrainByRefcount(t *testing.T) {
	r := New()
	id := fid("f")
	t0 := &Entry{Artifact: &Artifact{Tier: bytecode.T0}}
	t1 := &Entry{Artifact: &Artifact{Tier: bytecode.T1}}

	r.InstallIfAbsent(id, t0)
	t0.Artifact.Retain() // simulate an in-flight invocation holding the old Arc
	r.Swap(id, t1)

	require.Len(t, r.DrainCandidates(id), 1)
	require.Equal(t, 0, r.ReapDrained(id)) // still referenced

	t0.Artifact.Release()
	require.Equal(t, 1, r.ReapDrained(id))
	require.Empty(t, r.DrainCandidates(id))
}

func TestRegistry_ConcurrentSwapsNeverTornRead(t *testing.T) {
	r := New()
	id := fid("concurrent")
	r.InstallIfAbsent(id, &Entry{Artifact: &Artifact{Tier: bytecode.T0}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(tier bytecode.TierLevel) {
			defer wg.Done()
			r.Swap(id, &Entry{Artifact: &Artifact{Tier: tier % 5}})
		}(bytecode.TierLevel(i))
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e := r.Get(id)
			require.NotNil(t, e) // never observes a nil/torn entry mid-swap
		}
		close(done)
	}()
	wg.Wait()
	<-done
}
