package memory

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	rpcapp "github.com/stablepay/chainexec/business/rpc/app"
	"github.com/stablepay/chainexec/internal/apperror"
	"github.com/stablepay/chainexec/internal/logger"
)

// fakeNonceClient answers PendingNonceAt from a settable counter. The
// embedded interface panics on anything else the allocator should not call.
type fakeNonceClient struct {
	rpcapp.ChainClient

	mu      sync.Mutex
	pending uint64
	calls   int
}

func (f *fakeNonceClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.pending, nil
}

func (f *fakeNonceClient) setPending(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

type fakeNoncePool struct {
	client *fakeNonceClient
}

func (p *fakeNoncePool) ClientFor(chain string) (rpcapp.ChainClient, error) { return p.client, nil }

func (p *fakeNoncePool) Chains() []string { return []string{"testchain"} }

func (p *fakeNoncePool) SetFailoverListener(fn rpcapp.FailoverListener) {}

func newTestAllocator(pending uint64, ttl time.Duration) (*Allocator, *fakeNonceClient) {
	client := &fakeNonceClient{pending: pending}
	log := logger.New(io.Discard, logger.LevelError, "test", nil)
	return NewAllocator(&fakeNoncePool{client: client}, log, ttl), client
}

var testAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestReserveHandsOutSequentialNonces(t *testing.T) {
	a, client := newTestAllocator(10, time.Minute)
	ctx := context.Background()

	for want := uint64(10); want < 13; want++ {
		got, err := a.Reserve(ctx, "testchain", testAddr)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if got != want {
			t.Fatalf("nonce = %d, want %d", got, want)
		}
	}
	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 1 {
		t.Errorf("chain reads = %d, want 1 (cache ttl not honored)", calls)
	}
}

func TestReserveConcurrentCallersGetDistinctNonces(t *testing.T) {
	a, _ := newTestAllocator(0, time.Minute)
	ctx := context.Background()

	const workers = 32
	results := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := a.Reserve(ctx, "testchain", testAddr)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			results[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		if n != uint64(i) {
			t.Fatalf("results[%d] = %d, want %d (duplicate or gap)", i, n, i)
		}
	}
}

func TestReleaseReusesLowestFirst(t *testing.T) {
	a, _ := newTestAllocator(0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := a.Reserve(ctx, "testchain", testAddr); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	// Release 3 then 1: reuse must hand out 1 before 3.
	if err := a.Release(ctx, "testchain", testAddr, 3); err != nil {
		t.Fatalf("Release(3): %v", err)
	}
	if err := a.Release(ctx, "testchain", testAddr, 1); err != nil {
		t.Fatalf("Release(1): %v", err)
	}

	n, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 1 {
		t.Errorf("first reuse = %d, want 1", n)
	}
	n, err = a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 3 {
		t.Errorf("second reuse = %d, want 3", n)
	}
	n, err = a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 5 {
		t.Errorf("fresh nonce = %d, want 5", n)
	}
}

func TestReleaseTopCollapsesRun(t *testing.T) {
	a, _ := newTestAllocator(0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := a.Reserve(ctx, "testchain", testAddr); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	// Releasing 2 leaves a gap; releasing the top 3 collapses both.
	if err := a.Release(ctx, "testchain", testAddr, 2); err != nil {
		t.Fatalf("Release(2): %v", err)
	}
	if err := a.Release(ctx, "testchain", testAddr, 3); err != nil {
		t.Fatalf("Release(3): %v", err)
	}

	n, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 2 {
		t.Errorf("nonce after collapse = %d, want 2", n)
	}
}

func TestReleaseRejectsUnknownNonce(t *testing.T) {
	a, _ := newTestAllocator(5, time.Minute)
	ctx := context.Background()

	if _, err := a.Reserve(ctx, "testchain", testAddr); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	cases := []struct {
		name  string
		nonce uint64
	}{
		{"never handed out", 9},
		{"below chain nonce", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Release(ctx, "testchain", testAddr, tc.nonce)
			if !apperror.HasCode(err, apperror.CodeNonceConflict) {
				t.Fatalf("Release(%d) = %v, want code %s", tc.nonce, err, apperror.CodeNonceConflict)
			}
		})
	}
}

func TestReleaseForcesChainResync(t *testing.T) {
	a, client := newTestAllocator(10, time.Hour)
	ctx := context.Background()

	n, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 10 {
		t.Fatalf("nonce = %d, want 10", n)
	}

	// The transaction was given up on but landed anyway: the chain's
	// pending nonce moved past the reservation before the release.
	client.setPending(11)
	if err := a.Release(ctx, "testchain", testAddr, 10); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got != 11 {
		t.Errorf("Reserve after release = %d, want 11 (chain consumed 10)", got)
	}
}

func TestSyncResetsLocalState(t *testing.T) {
	a, client := newTestAllocator(0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Reserve(ctx, "testchain", testAddr); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}
	if err := a.Release(ctx, "testchain", testAddr, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The chain moved on; a forced sync discards the local view.
	client.setPending(7)
	n, err := a.Sync(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 7 {
		t.Errorf("Sync = %d, want 7", n)
	}

	got, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got != 7 {
		t.Errorf("post-sync nonce = %d, want 7 (released gap must be gone)", got)
	}
}

func TestReserveFastForwardsWhenChainIsAhead(t *testing.T) {
	a, client := newTestAllocator(0, time.Millisecond)
	ctx := context.Background()

	if _, err := a.Reserve(ctx, "testchain", testAddr); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Another signer for the same key consumed nonces out of band.
	client.setPending(20)
	time.Sleep(5 * time.Millisecond)

	n, err := a.Reserve(ctx, "testchain", testAddr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if n != 20 {
		t.Errorf("nonce after fast-forward = %d, want 20", n)
	}
}
