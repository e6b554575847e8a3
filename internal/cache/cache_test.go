package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/registry"
)

func testKey(name string) Key {
	return Key{
		FunctionId:   bytecode.FunctionId{FunctionName: name, SignatureHash: bytecode.SignatureHash(name, 0)},
		Tier:         bytecode.T0,
		TargetTriple: "test",
	}
}

func TestCache_LookupMissesThenHitsAfterCompile(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	key := testKey("f")

	require.Nil(t, c.Lookup(key))

	e, err := c.GetOrCompile(context.Background(), key, func(ctx context.Context, k Key) (*registry.Artifact, error) {
		return &registry.Artifact{Tier: bytecode.T0, FunctionId: k.FunctionId}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, e)

	got := c.Lookup(key)
	require.Same(t, e, got)
}

func TestCache_ConcurrentGetOrCompileCallsCompilerOnce(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	key := testKey("dedup")

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompile(context.Background(), key, func(ctx context.Context, k Key) (*registry.Artifact, error) {
				calls.Add(1)
				return &registry.Artifact{Tier: bytecode.T0, FunctionId: k.FunctionId}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls.Load())
}

func TestCache_InvalidateMarksEntryInvalidButLookupSkipsIt(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	key := testKey("invalidate")

	e, err := c.GetOrCompile(context.Background(), key, func(ctx context.Context, k Key) (*registry.Artifact, error) {
		return &registry.Artifact{Tier: bytecode.T0, FunctionId: k.FunctionId}, nil
	})
	require.NoError(t, err)
	require.True(t, c.Lookup(key) != nil)

	c.Invalidate(key)
	require.True(t, e.Invalid())
	require.Nil(t, c.Lookup(key))
}

func TestLevels_EvictionCascadesL1ToL2ToL3(t *testing.T) {
	var spilled []string
	lv := NewLevels(
		LevelConfig{MaxEntries: 1, Policy: LRU{}},
		LevelConfig{MaxEntries: 1, Policy: LRU{}},
		LevelConfig{MaxEntries: 1, Policy: LRU{}},
		func(key string, e *Entry) { spilled = append(spilled, key) },
	)

	k1, k2, k3 := testKey("a").String(), testKey("b").String(), testKey("c").String()
	e1 := newEntry(testKey("a"), &registry.Artifact{}, LevelL1, 0)
	e2 := newEntry(testKey("b"), &registry.Artifact{}, LevelL1, 0)
	e3 := newEntry(testKey("c"), &registry.Artifact{}, LevelL1, 0)

	lv.Put(k1, e1)
	lv.Put(k2, e2) // evicts e1 from L1 into L2
	lv.Put(k3, e3) // evicts e2 from L1 into L2, which evicts e1 from L2 into L3

	require.True(t, e3.HeldAt(LevelL1))
	require.True(t, e2.HeldAt(LevelL2))
	require.True(t, e1.HeldAt(LevelL3))
}

func TestEviction_PolicyOrdering(t *testing.T) {
	e1 := &Entry{Access: newAccessInfo(0)}
	e2 := &Entry{Access: newAccessInfo(0)}
	e1.Access.Touch()
	e1.Access.Touch()
	e2.Access.Touch()

	ranked := (LFU{}).Select([]*Entry{e1, e2})
	require.Same(t, e2, ranked[0]) // fewer accesses evicts first
}

func TestPersistent_StoreLoadDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistent(dir, zerolog.Nop())

	_, ok, err := p.Load("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Store("k", []byte("payload")))
	data, ok, err := p.Load("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), data)

	require.NoError(t, p.Delete("k"))
	_, ok, err = p.Load("k")
	require.NoError(t, err)
	require.False(t, ok)
}
