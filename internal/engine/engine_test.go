package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/persistence/memstore"
	"mss.voxelcraft.ai/internal/topology"
)

func at(x int) topology.Location { return topology.Location{World: "w", X: x} }

func seqIDs() func() topology.NetworkID {
	var mu sync.Mutex
	n := 0
	return func() topology.NetworkID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return topology.NetworkID(fmt.Sprintf("N%03d", n))
	}
}

type recorder struct {
	mu       sync.Mutex
	entries  []engine.AuditEntry
	blocks   []topology.Location
	networks []topology.NetworkID
}

func (r *recorder) WriteAudit(e engine.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) InvalidateBlock(loc topology.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, loc)
}

func (r *recorder) InvalidateNetwork(id topology.NetworkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks = append(r.networks, id)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	t   *testing.T
	e   *engine.Engine
	st  *memstore.Store
	rec *recorder
}

func newFixture(t *testing.T, cfg engine.Config) *fixture {
	t.Helper()
	st := memstore.New()
	return openFixture(t, st, cfg)
}

func openFixture(t *testing.T, st *memstore.Store, cfg engine.Config) *fixture {
	t.Helper()
	rec := &recorder{}
	r := topology.NewResolver(128, topology.WithIDFunc(seqIDs()))
	e := engine.New(st, r, cfg, engine.WithAudit(rec), engine.WithInvalidator(rec))
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return &fixture{t: t, e: e, st: st, rec: rec}
}

func (f *fixture) add(loc topology.Location, role topology.Role) engine.TopologyResult {
	f.t.Helper()
	res, err := f.e.BlockAdded(context.Background(), loc, role)
	if err != nil {
		f.t.Fatalf("BlockAdded(%s, %s): %v", loc, role, err)
	}
	return res
}

func (f *fixture) disk(tier ledger.Tier, bay topology.Location, slot int) string {
	f.t.Helper()
	info, err := f.e.CreateDisk(context.Background(), tier, ledger.Crafter{UUID: "u1", Name: "alice"})
	if err != nil {
		f.t.Fatalf("CreateDisk: %v", err)
	}
	if err := f.e.InsertDisk(context.Background(), bay, slot, info.ID); err != nil {
		f.t.Fatalf("InsertDisk: %v", err)
	}
	return info.ID
}

// basic builds server(0) bay(1) terminal(2) and returns the network id.
func (f *fixture) basic() topology.NetworkID {
	f.t.Helper()
	f.add(at(0), topology.RoleServer)
	f.add(at(1), topology.RoleDriveBay)
	res := f.add(at(2), topology.RoleTerminal)
	if _, err := f.e.Resolver().Valid(res.Change.Network); err != nil {
		f.t.Fatalf("network not valid: %v", err)
	}
	return res.Change.Network
}

func (f *fixture) quantity(netID topology.NetworkID, h item.ContentHash) int64 {
	f.t.Helper()
	items, err := f.e.QueryNetworkItems(context.Background(), netID)
	if err != nil {
		f.t.Fatalf("QueryNetworkItems: %v", err)
	}
	for _, it := range items {
		if it.Hash == h {
			return it.Quantity
		}
	}
	return 0
}

func desc(typ string) item.Descriptor { return item.Descriptor{Type: typ} }

func stack(typ string, q int64) engine.ItemStack {
	return engine.ItemStack{Descriptor: desc(typ), Quantity: q}
}

func TestStoreFitsOneCell(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 27})
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)

	rem, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("STONE", 2000)})
	if err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	if len(rem) != 0 {
		t.Fatalf("remainder = %+v, want none", rem)
	}
	info, err := f.e.DiskInfo(id)
	if err != nil {
		t.Fatalf("DiskInfo: %v", err)
	}
	if info.UsedCells != 1 {
		t.Fatalf("used cells = %d, want 1", info.UsedCells)
	}
	if got := f.quantity(netID, item.Hash(desc("STONE"))); got != 2000 {
		t.Fatalf("quantity = %d, want 2000", got)
	}
}

func TestStoreFullDiskReturnsEverything(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 27})
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)

	var fill []engine.ItemStack
	for i := 0; i < 27; i++ {
		fill = append(fill, stack(fmt.Sprintf("FILL_%02d", i), 1))
	}
	if rem, err := f.e.StoreItems(context.Background(), netID, fill); err != nil || len(rem) != 0 {
		t.Fatalf("fill: rem=%v err=%v", rem, err)
	}

	rem, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("DIAMOND", 64)})
	if err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	if len(rem) != 1 || rem[0].Quantity != 64 || rem[0].Index != 0 || !errors.Is(rem[0].Reason, engine.ErrDiskFull) {
		t.Fatalf("remainder = %+v, want full 64 with ErrDiskFull", rem)
	}
	info, _ := f.e.DiskInfo(id)
	for _, en := range info.Entries {
		if en.Hash == item.Hash(desc("DIAMOND")) {
			t.Fatalf("ledger entry created for rejected item")
		}
	}
	if info.UsedCells != 27 {
		t.Fatalf("used cells = %d, want 27", info.UsedCells)
	}
}

func TestRetrieveMoreThanPresent(t *testing.T) {
	f := newFixture(t, engine.Config{})
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)
	h := item.Hash(desc("IRON"))

	if _, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("IRON", 300)}); err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	got, err := f.e.RetrieveItems(context.Background(), netID, h, 500)
	if err != nil {
		t.Fatalf("RetrieveItems: %v", err)
	}
	if got.Retrieved != 300 {
		t.Fatalf("retrieved = %d, want 300", got.Retrieved)
	}
	if got.Descriptor.Type != "IRON" {
		t.Fatalf("descriptor = %+v", got.Descriptor)
	}
	info, _ := f.e.DiskInfo(id)
	if len(info.Entries) != 0 || info.UsedCells != 0 {
		t.Fatalf("entry not removed: %+v", info)
	}
	if _, err := f.e.RetrieveItems(context.Background(), netID, h, 1); !errors.Is(err, engine.ErrItemNotFound) {
		t.Fatalf("second retrieve err = %v, want ErrItemNotFound", err)
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 3})
	netID := f.basic()
	f.disk(ledger.Tier1K, at(1), 0)
	f.disk(ledger.Tier4K, at(1), 1)
	ctx := context.Background()

	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 10), stack("B", 5)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := item.Hash(desc("A"))
	before := f.quantity(netID, h)
	for _, q := range []int64{1, 7, 1000, 1 << 40} {
		rem, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", q)})
		if err != nil {
			t.Fatalf("store %d: %v", q, err)
		}
		var left int64
		for _, r := range rem {
			left += r.Quantity
		}
		got, err := f.e.RetrieveItems(ctx, netID, h, q)
		if err != nil {
			t.Fatalf("retrieve %d: %v", q, err)
		}
		if left+got.Retrieved != q {
			t.Fatalf("q=%d: remainder %d + retrieved %d != q", q, left, got.Retrieved)
		}
		if after := f.quantity(netID, h); after != before {
			t.Fatalf("q=%d: total %d, want %d", q, after, before)
		}
	}
}

func TestConcurrentStoresDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 27, LockTimeout: 10 * time.Second})
	netID := f.basic()
	f.disk(ledger.Tier1K, at(1), 0)
	f.disk(ledger.Tier1K, at(1), 1)

	const n, q = 64, 13
	types := []string{"A", "B", "C", "D"}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rem, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack(types[i%len(types)], q)})
			if err == nil && len(rem) != 0 {
				err = fmt.Errorf("unexpected remainder %+v", rem)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("StoreItems: %v", err)
		}
	}
	var total int64
	for _, typ := range types {
		total += f.quantity(netID, item.Hash(desc(typ)))
	}
	if total != n*q {
		t.Fatalf("total = %d, want %d", total, n*q)
	}
	for _, d := range f.e.Disks() {
		if d.UsedCells > d.MaxCells {
			t.Fatalf("disk %s: %d > %d cells", d.ID, d.UsedCells, d.MaxCells)
		}
	}
}

func TestDiskPreferenceOrder(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 2})
	netID := f.basic()
	big := f.disk(ledger.Tier4K, at(1), 0)
	small := f.disk(ledger.Tier1K, at(1), 1)
	ctx := context.Background()

	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("X", 1), stack("Y", 1), stack("Z", 1)}); err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	onDisk := func(id, typ string) int64 {
		info, _ := f.e.DiskInfo(id)
		for _, en := range info.Entries {
			if en.Hash == item.Hash(desc(typ)) {
				return en.Quantity
			}
		}
		return 0
	}
	if onDisk(small, "X") != 1 || onDisk(small, "Y") != 1 || onDisk(big, "Z") != 1 {
		t.Fatalf("lower tier should fill first: small X=%d Y=%d, big Z=%d",
			onDisk(small, "X"), onDisk(small, "Y"), onDisk(big, "Z"))
	}

	// Z lives on the bigger disk, so more Z goes there too.
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("Z", 5)}); err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	if onDisk(big, "Z") != 6 || onDisk(small, "Z") != 0 {
		t.Fatalf("holder first: big Z=%d small Z=%d", onDisk(big, "Z"), onDisk(small, "Z"))
	}
}

func TestCellCeilingSpillsAndStops(t *testing.T) {
	f := newFixture(t, engine.Config{CellsPerDisk: 2, EnforceCellCeiling: true})
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)

	rem, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("SAND", 3000)})
	if err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	if len(rem) != 1 || rem[0].Quantity != 3000-2048 {
		t.Fatalf("remainder = %+v, want %d", rem, 3000-2048)
	}
	info, _ := f.e.DiskInfo(id)
	if info.UsedCells != 2 || info.TotalQuantity != 2048 {
		t.Fatalf("disk = %d cells %d items", info.UsedCells, info.TotalQuantity)
	}
}

func TestInvalidNetworkRejectsAllocation(t *testing.T) {
	f := newFixture(t, engine.Config{})
	f.add(at(0), topology.RoleServer)
	res := f.add(at(1), topology.RoleDriveBay)
	f.disk(ledger.Tier1K, at(1), 0)
	ctx := context.Background()

	if _, err := f.e.StoreItems(ctx, res.Change.Network, []engine.ItemStack{stack("A", 1)}); !errors.Is(err, engine.ErrNetworkInvalid) {
		t.Fatalf("store err = %v, want ErrNetworkInvalid", err)
	}
	if _, err := f.e.RetrieveItems(ctx, res.Change.Network, item.Hash(desc("A")), 1); !errors.Is(err, engine.ErrNetworkInvalid) {
		t.Fatalf("retrieve err = %v, want ErrNetworkInvalid", err)
	}
	if _, err := f.e.QueryNetworkItems(ctx, "NOPE"); !errors.Is(err, engine.ErrNetworkInvalid) {
		t.Fatalf("query err = %v, want ErrNetworkInvalid", err)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, engine.Config{})
	netID := f.basic()
	ctx := context.Background()
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 0)}); !errors.Is(err, engine.ErrBadRequest) {
		t.Fatalf("zero quantity err = %v", err)
	}
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{{Quantity: 1}}); !errors.Is(err, engine.ErrBadRequest) {
		t.Fatalf("empty type err = %v", err)
	}
	if _, err := f.e.RetrieveItems(ctx, netID, item.Hash(desc("A")), -1); !errors.Is(err, engine.ErrBadQuantity) {
		t.Fatalf("negative retrieve err = %v", err)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t, engine.Config{})
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)
	ctx := context.Background()
	h := item.Hash(desc("A"))
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 10)}); err != nil {
		t.Fatalf("StoreItems: %v", err)
	}

	f.st.FailCommits(errors.New("disk on fire"))
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 5), stack("B", 5)}); !errors.Is(err, engine.ErrPersistenceFailure) {
		t.Fatalf("store err = %v, want ErrPersistenceFailure", err)
	}
	if _, err := f.e.RetrieveItems(ctx, netID, h, 3); !errors.Is(err, engine.ErrPersistenceFailure) {
		t.Fatalf("retrieve err = %v, want ErrPersistenceFailure", err)
	}
	if _, err := f.e.BlockAdded(ctx, at(3), topology.RoleCable); !errors.Is(err, engine.ErrPersistenceFailure) {
		t.Fatalf("block err = %v, want ErrPersistenceFailure", err)
	}
	if got := f.quantity(netID, h); got != 10 {
		t.Fatalf("quantity after failures = %d, want 10", got)
	}
	if got := f.quantity(netID, item.Hash(desc("B"))); got != 0 {
		t.Fatalf("B leaked: %d", got)
	}
	if _, ok := f.e.Resolver().Owner(at(3)); ok {
		t.Fatalf("cable registered despite failed commit")
	}

	f.st.FailCommits(nil)
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 5)}); err != nil {
		t.Fatalf("store after recovery: %v", err)
	}
	info, _ := f.e.DiskInfo(id)
	if info.TotalQuantity != 15 {
		t.Fatalf("total = %d, want 15", info.TotalQuantity)
	}
}

func TestPersistenceTimeout(t *testing.T) {
	f := newFixture(t, engine.Config{PersistenceTimeout: 20 * time.Millisecond})
	netID := f.basic()
	f.disk(ledger.Tier1K, at(1), 0)
	f.st.SetDelay(time.Second)

	start := time.Now()
	_, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("A", 1)})
	if !errors.Is(err, engine.ErrPersistenceFailure) {
		t.Fatalf("err = %v, want ErrPersistenceFailure", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("store blocked for %s", time.Since(start))
	}
}

func TestLockTimeout(t *testing.T) {
	f := newFixture(t, engine.Config{LockTimeout: 20 * time.Millisecond, PersistenceTimeout: 5 * time.Second})
	netID := f.basic()
	f.disk(ledger.Tier1K, at(1), 0)
	f.st.SetDelay(400 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("A", 1)})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	if _, err := f.e.StoreItems(context.Background(), netID, []engine.ItemStack{stack("B", 1)}); !errors.Is(err, engine.ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first store: %v", err)
	}
	if got := f.quantity(netID, item.Hash(desc("B"))); got != 0 {
		t.Fatalf("timed-out store applied %d", got)
	}
}

func TestMergeSumsLedgers(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	left := f.basic() // 0..2
	f.disk(ledger.Tier1K, at(1), 0)

	f.add(at(10), topology.RoleServer)
	f.add(at(11), topology.RoleDriveBay)
	right := f.add(at(12), topology.RoleTerminal).Change.Network
	f.disk(ledger.Tier1K, at(11), 0)

	if _, err := f.e.StoreItems(ctx, left, []engine.ItemStack{stack("A", 10)}); err != nil {
		t.Fatalf("store left: %v", err)
	}
	if _, err := f.e.StoreItems(ctx, right, []engine.ItemStack{stack("A", 5), stack("B", 2)}); err != nil {
		t.Fatalf("store right: %v", err)
	}

	// Drop the right server so the merged network keeps exactly one.
	if _, err := f.e.BlockRemoved(ctx, at(10)); err != nil {
		t.Fatalf("remove server: %v", err)
	}
	for x := 3; x <= 10; x++ {
		f.add(at(x), topology.RoleCable)
	}
	id, err := f.e.Resolve(at(12))
	if err != nil {
		t.Fatalf("Resolve merged: %v", err)
	}
	if id != left {
		t.Fatalf("merged id = %s, want %s", id, left)
	}
	if got := f.quantity(id, item.Hash(desc("A"))); got != 15 {
		t.Fatalf("A = %d, want 15", got)
	}
	if got := f.quantity(id, item.Hash(desc("B"))); got != 2 {
		t.Fatalf("B = %d, want 2", got)
	}
}

func TestSplitStrandsDisksWithTheirBay(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	netID := f.basic() // server 0, bay 1, terminal 2
	keep := f.disk(ledger.Tier1K, at(1), 0)
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 20)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	f.add(at(3), topology.RoleCable)
	f.add(at(4), topology.RoleDriveBay)
	f.add(at(5), topology.RoleTerminal)
	far := f.disk(ledger.Tier1K, at(4), 0)

	// With the near disk out, B lands on the far one.
	if _, err := f.e.EjectDisk(ctx, at(1), 0); err != nil {
		t.Fatalf("eject: %v", err)
	}
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("B", 7)}); err != nil {
		t.Fatalf("store far: %v", err)
	}
	if err := f.e.InsertDisk(ctx, at(1), 0, keep); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	res, err := f.e.BlockRemoved(ctx, at(3))
	if err != nil {
		t.Fatalf("BlockRemoved: %v", err)
	}
	if res.Change.Kind != topology.ChangeSplit || res.Change.Network != netID || len(res.Change.Created) != 1 {
		t.Fatalf("change = %+v", res.Change)
	}
	if len(res.Stranded) != 1 || res.Stranded[0] != far {
		t.Fatalf("stranded = %v, want [%s]", res.Stranded, far)
	}
	if got := f.quantity(netID, item.Hash(desc("A"))); got != 20 {
		t.Fatalf("A = %d, want 20", got)
	}
	if got := f.quantity(netID, item.Hash(desc("B"))); got != 0 {
		t.Fatalf("B still visible in kept network: %d", got)
	}
	info, _ := f.e.DiskInfo(far)
	if info.Network != res.Change.Created[0] || info.TotalQuantity != 7 {
		t.Fatalf("far disk = %+v", info)
	}

	// Reconnecting brings the far disk back.
	f.add(at(3), topology.RoleCable)
	if got := f.quantity(netID, item.Hash(desc("B"))); got != 7 {
		t.Fatalf("B after reconnect = %d, want 7", got)
	}
}

func TestRemovingBayOrphansDisks(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 3)
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 42)}); err != nil {
		t.Fatalf("store: %v", err)
	}

	res, err := f.e.BlockRemoved(ctx, at(1))
	if !errors.Is(err, engine.ErrDisksOrphaned) {
		t.Fatalf("err = %v, want ErrDisksOrphaned", err)
	}
	if ids, ok := engine.IsOrphaned(err); !ok || len(ids) != 1 || ids[0] != id {
		t.Fatalf("orphaned ids = %v", ids)
	}
	if len(res.Orphaned) != 1 {
		t.Fatalf("result orphaned = %v", res.Orphaned)
	}
	if _, ok := f.e.Resolver().Owner(at(1)); ok {
		t.Fatalf("bay still registered")
	}
	orphans := f.e.OrphanedDisks()
	if len(orphans) != 1 || orphans[0].ID != id || orphans[0].LastBay == nil || *orphans[0].LastBay != at(1) {
		t.Fatalf("orphans = %+v", orphans)
	}

	f.add(at(1), topology.RoleDriveBay)
	if err := f.e.InsertDisk(ctx, at(1), 0, id); !errors.Is(err, engine.ErrDiskIsOrphan) {
		t.Fatalf("insert orphan err = %v", err)
	}
	info, err := f.e.RecoverDisk(ctx, id, false)
	if err != nil {
		t.Fatalf("RecoverDisk: %v", err)
	}
	if info.Orphaned || info.TotalQuantity != 42 {
		t.Fatalf("recovered = %+v", info)
	}
	if err := f.e.InsertDisk(ctx, at(1), 0, id); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if got := f.quantity(netID, item.Hash(desc("A"))); got != 42 {
		t.Fatalf("A = %d, want 42", got)
	}
}

func TestRecoverDiskInBayNeedsForce(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)

	if _, err := f.e.RecoverDisk(ctx, id, false); !errors.Is(err, engine.ErrDiskInUse) {
		t.Fatalf("err = %v, want ErrDiskInUse", err)
	}
	if _, err := f.e.RecoverDisk(ctx, id, true); err != nil {
		t.Fatalf("forced RecoverDisk: %v", err)
	}
	slots, err := f.e.BaySlots(at(1))
	if err != nil {
		t.Fatalf("BaySlots: %v", err)
	}
	if slots[0] != "" {
		t.Fatalf("slot still holds %s", slots[0])
	}
	if _, err := f.e.RecoverDisk(ctx, id, false); !errors.Is(err, engine.ErrDiskNotOrphan) {
		t.Fatalf("loose disk err = %v, want ErrDiskNotOrphan", err)
	}
}

func TestInsertEjectErrors(t *testing.T) {
	f := newFixture(t, engine.Config{BaySlots: 2})
	ctx := context.Background()
	f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)
	other, _ := f.e.CreateDisk(ctx, ledger.Tier4K, ledger.Crafter{})

	cases := []struct {
		name string
		bay  topology.Location
		slot int
		disk string
		want error
	}{
		{"not a bay", at(2), 0, other.ID, engine.ErrNotDriveBay},
		{"out of range", at(1), 2, other.ID, engine.ErrSlotOutOfRange},
		{"occupied", at(1), 0, other.ID, engine.ErrSlotOccupied},
		{"in use", at(1), 1, id, engine.ErrDiskInUse},
		{"unknown", at(1), 1, "FFFF", engine.ErrUnknownDisk},
	}
	for _, tc := range cases {
		err := f.e.InsertDisk(ctx, tc.bay, tc.slot, tc.disk)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if _, err := f.e.EjectDisk(ctx, at(1), 1); !errors.Is(err, engine.ErrSlotEmpty) {
		t.Fatalf("eject empty err = %v", err)
	}
	if _, err := f.e.CreateDisk(ctx, "2k", ledger.Crafter{}); !errors.Is(err, engine.ErrBadRequest) {
		t.Fatalf("bad tier err = %v", err)
	}
}

func TestReopenRestoresState(t *testing.T) {
	st := memstore.New()
	f := openFixture(t, st, engine.Config{})
	ctx := context.Background()
	netID := f.basic()
	tagged := item.Descriptor{Type: "SWORD", DisplayName: "Ember", Tags: []item.Tag{{Key: "level", Value: item.IntTag(3)}}}
	f.disk(ledger.Tier16K, at(1), 5)
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{{Descriptor: tagged, Quantity: 2}, stack("A", 9)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	want, _ := f.e.QueryNetworkItems(ctx, netID)

	g := openFixture(t, st, engine.Config{})
	id, err := g.e.Resolve(at(2))
	if err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
	if id != netID {
		t.Fatalf("network id = %s, want %s", id, netID)
	}
	got, err := g.e.QueryNetworkItems(ctx, id)
	if err != nil {
		t.Fatalf("QueryNetworkItems: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("items = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].Hash != want[i].Hash || got[i].Quantity != want[i].Quantity || got[i].Descriptor.String() != want[i].Descriptor.String() {
			t.Fatalf("item %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	slots, _ := g.e.BaySlots(at(1))
	if slots[5] == "" {
		t.Fatalf("slot 5 empty after reopen: %v", slots)
	}
}

func TestCleanupFixesDrift(t *testing.T) {
	st := memstore.New()
	f := openFixture(t, st, engine.Config{})
	ctx := context.Background()
	netID := f.basic()
	id := f.disk(ledger.Tier1K, at(1), 0)
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 3)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := f.e.RetrieveItems(ctx, netID, item.Hash(desc("A")), 3); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	info, _ := f.e.DiskInfo(id)
	st.Seed(engine.Batch{
		Items: []engine.ItemRecord{{Disk: "GONE", Hash: item.Hash(desc("Z")), Quantity: 4}},
		Disks: []engine.DiskRecord{{ID: id, Tier: info.Tier, MaxCells: info.MaxCells, UsedCells: 9}},
	})

	g := openFixture(t, st, engine.Config{})
	rep, err := g.e.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if rep.RemovedItems != 1 || rep.FixedDisks != 1 || rep.DroppedDescriptors != 1 {
		t.Fatalf("report = %+v", rep)
	}
	rep, err = g.e.Cleanup(ctx)
	if err != nil || rep != (engine.CleanupReport{}) {
		t.Fatalf("second cleanup = %+v, %v", rep, err)
	}
}

func TestStatsAndNotifications(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	netID := f.basic()
	f.add(at(3), topology.RoleCable)
	f.add(at(4), topology.RoleImporter)
	f.disk(ledger.Tier1K, at(1), 0)
	if _, err := f.e.StoreItems(engine.WithActor(ctx, "alice"), netID, []engine.ItemStack{stack("A", 4), stack("B", 6)}); err != nil {
		t.Fatalf("store: %v", err)
	}

	s := f.e.Stats()
	want := engine.Stats{Networks: 1, ValidNetworks: 1, Blocks: 5, Cables: 1, Importers: 1, Disks: 1, ItemTypes: 2, TotalItems: 10}
	if s != want {
		t.Fatalf("stats = %+v, want %+v", s, want)
	}

	acts := f.rec.actions()
	if acts[len(acts)-1] != "STORE" || acts[len(acts)-2] != "STORE" {
		t.Fatalf("audit tail = %v", acts)
	}
	last := f.rec.entries[len(f.rec.entries)-1]
	if last.Actor != "alice" || last.Network != netID {
		t.Fatalf("last audit = %+v", last)
	}
	if len(f.rec.blocks) != 5 {
		t.Fatalf("block invalidations = %d, want 5", len(f.rec.blocks))
	}
	if len(f.rec.networks) == 0 || f.rec.networks[len(f.rec.networks)-1] != netID {
		t.Fatalf("network invalidations = %v", f.rec.networks)
	}
}

func TestCleanupKeepsDescriptorOfConcurrentStore(t *testing.T) {
	st := memstore.New()
	f := openFixture(t, st, engine.Config{LockTimeout: 10 * time.Second})
	ctx := context.Background()
	netID := f.basic()
	f.disk(ledger.Tier4K, at(1), 0)
	h := item.Hash(desc("A"))
	st.SetDelay(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		// Known but unheld: the next Cleanup wants to drop it.
		if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 5)}); err != nil {
			t.Fatalf("store: %v", err)
		}
		if _, err := f.e.RetrieveItems(ctx, netID, h, 5); err != nil {
			t.Fatalf("retrieve: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.e.Cleanup(ctx)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				time.Sleep(5 * time.Millisecond)
			}
			_, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 5)})
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", i, err)
			}
		}

		items, err := f.e.QueryNetworkItems(ctx, netID)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(items) != 1 || items[0].Hash != h || items[0].Quantity != 5 || items[0].Descriptor.Type != "A" {
			t.Fatalf("round %d: items = %+v", i, items)
		}
		if _, err := f.e.RetrieveItems(ctx, netID, h, 5); err != nil {
			t.Fatalf("retrieve: %v", err)
		}
	}

	// The store survives a restart with its descriptor.
	if _, err := f.e.StoreItems(ctx, netID, []engine.ItemStack{stack("A", 1)}); err != nil {
		t.Fatalf("store: %v", err)
	}
	st.SetDelay(0)
	g := openFixture(t, st, engine.Config{})
	items, err := g.e.QueryNetworkItems(ctx, netID)
	if err != nil {
		t.Fatalf("Query after reopen: %v", err)
	}
	if len(items) != 1 || items[0].Descriptor.Type != "A" {
		t.Fatalf("items after reopen = %+v", items)
	}
}

// storeLoop runs n stores of q items spread over nets and returns the
// quantity that actually landed. Failures against a network that is gone or
// invalid are expected while topology changes.
func storeLoop(t *testing.T, e *engine.Engine, n int, q int64, nets ...topology.NetworkID) (int64, chan error) {
	t.Helper()
	types := []string{"A", "B", "C", "D"}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int64
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rem, err := e.StoreItems(context.Background(), nets[i%len(nets)], []engine.ItemStack{stack(types[i%len(types)], q)})
			if err != nil {
				if !errors.Is(err, topology.ErrNetworkInvalid) {
					errs <- err
				}
				return
			}
			got := q
			for _, r := range rem {
				got -= r.Quantity
			}
			mu.Lock()
			stored += got
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errs)
	return stored, errs
}

func diskTotal(e *engine.Engine) int64 {
	var total int64
	for _, d := range e.Disks() {
		total += d.TotalQuantity
	}
	return total
}

func TestStoresDuringMergeMatchLedger(t *testing.T) {
	f := newFixture(t, engine.Config{LockTimeout: 10 * time.Second})
	ctx := context.Background()
	left := f.basic() // 0..2
	f.disk(ledger.Tier4K, at(1), 0)
	f.add(at(10), topology.RoleServer)
	f.add(at(11), topology.RoleDriveBay)
	right := f.add(at(12), topology.RoleTerminal).Change.Network
	f.disk(ledger.Tier4K, at(11), 0)

	topoErr := make(chan error, 1)
	go func() {
		if _, err := f.e.BlockRemoved(ctx, at(10)); err != nil {
			topoErr <- err
			return
		}
		for x := 3; x <= 10; x++ {
			if _, err := f.e.BlockAdded(ctx, at(x), topology.RoleCable); err != nil {
				topoErr <- err
				return
			}
		}
		topoErr <- nil
	}()
	stored, errs := storeLoop(t, f.e, 200, 3, left, right)
	if err := <-topoErr; err != nil {
		t.Fatalf("topology: %v", err)
	}
	for err := range errs {
		t.Fatalf("StoreItems: %v", err)
	}

	id, err := f.e.Resolve(at(12))
	if err != nil || id != left {
		t.Fatalf("Resolve merged = %s, %v; want %s", id, err, left)
	}
	var total int64
	for _, typ := range []string{"A", "B", "C", "D"} {
		total += f.quantity(id, item.Hash(desc(typ)))
	}
	if total != stored {
		t.Fatalf("merged total = %d, stored %d", total, stored)
	}
	if got := diskTotal(f.e); got != stored {
		t.Fatalf("disk total = %d, stored %d", got, stored)
	}
}

func TestStoresDuringSplitMatchLedger(t *testing.T) {
	f := newFixture(t, engine.Config{LockTimeout: 10 * time.Second})
	ctx := context.Background()
	netID := f.basic() // 0..2
	f.disk(ledger.Tier4K, at(1), 0)
	for x := 3; x <= 6; x++ {
		f.add(at(x), topology.RoleCable)
	}
	f.add(at(7), topology.RoleDriveBay)
	f.disk(ledger.Tier4K, at(7), 0)

	topoErr := make(chan error, 1)
	go func() {
		_, err := f.e.BlockRemoved(ctx, at(5))
		topoErr <- err
	}()
	stored, errs := storeLoop(t, f.e, 200, 3, netID)
	if err := <-topoErr; err != nil {
		t.Fatalf("topology: %v", err)
	}
	for err := range errs {
		t.Fatalf("StoreItems: %v", err)
	}

	if id, err := f.e.Resolve(at(0)); err != nil || id != netID {
		t.Fatalf("Resolve kept = %s, %v; want %s", id, err, netID)
	}
	if got := diskTotal(f.e); got != stored {
		t.Fatalf("disk total = %d, stored %d", got, stored)
	}
}

func TestTopologyDropsLocksOfGoneNetworks(t *testing.T) {
	f := newFixture(t, engine.Config{})
	ctx := context.Background()
	left := f.basic()
	f.disk(ledger.Tier1K, at(1), 0)
	f.add(at(10), topology.RoleServer)
	f.add(at(11), topology.RoleDriveBay)
	right := f.add(at(12), topology.RoleTerminal).Change.Network
	f.disk(ledger.Tier1K, at(11), 0)
	for _, id := range []topology.NetworkID{left, right} {
		if _, err := f.e.StoreItems(ctx, id, []engine.ItemStack{stack("A", 1)}); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	if n := engine.LockCount(f.e); n != 2 {
		t.Fatalf("locks before merge = %d, want 2", n)
	}

	if _, err := f.e.BlockRemoved(ctx, at(10)); err != nil {
		t.Fatalf("remove server: %v", err)
	}
	for x := 3; x <= 10; x++ {
		f.add(at(x), topology.RoleCable)
	}
	if n := engine.LockCount(f.e); n != 1 {
		t.Fatalf("locks after merge = %d, want 1", n)
	}

	for x := 12; x >= 0; x-- {
		if _, err := f.e.BlockRemoved(ctx, at(x)); err != nil {
			t.Fatalf("remove %d: %v", x, err)
		}
	}
	if n := engine.LockCount(f.e); n != 0 {
		t.Fatalf("locks after teardown = %d, want 0", n)
	}
}
