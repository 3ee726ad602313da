//go:build integration

package export

import (
	"sort"
	"testing"

	"github.com/netconsole/netconsole/internal/testutil"
)

func TestRedisStoreReplace(t *testing.T) {
	rdb := testutil.NewRedis(t)
	ctx := testutil.Context(t)

	store := NewRedisStore(rdb.Addr, rdb.DB)
	defer store.Close()
	if err := store.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// A field left by an earlier writer must not survive a replace.
	rdb.HSet(t, TableDevice, "eth0", map[string]string{"old": "x"})

	rows := BuildRows(testSnapshot(1))
	if err := store.Replace(ctx, rows, nil); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}

	dev := rdb.HGetAll(t, TableDevice, "eth0")
	if _, ok := dev["old"]; ok {
		t.Error("stale field survived Replace")
	}
	if dev["mtu"] != "1500" {
		t.Errorf("mtu = %q, want 1500", dev["mtu"])
	}

	got, err := store.Get(ctx, TableInterface, "eth0")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got["main_connection"] != "uplink" {
		t.Errorf("main_connection = %q, want uplink", got["main_connection"])
	}

	if err := store.Replace(ctx, Rows{}, []string{TableInterface + "|dummy0"}); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	if rdb.Exists(t, TableInterface, "dummy0") {
		t.Error("stale key survived Replace")
	}

	keys, err := store.TableKeys(ctx, TableConnection)
	if err != nil {
		t.Fatalf("TableKeys() error: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "u-1" || keys[1] != "u-2" {
		t.Errorf("TableKeys() = %v, want [u-1 u-2]", keys)
	}
}

func TestRedisStorePurge(t *testing.T) {
	rdb := testutil.NewRedis(t)
	ctx := testutil.Context(t)

	store := NewRedisStore(rdb.Addr, rdb.DB)
	defer store.Close()

	if err := store.Replace(ctx, BuildRows(testSnapshot(1)), nil); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	rdb.HSet(t, "OTHER", "k", map[string]string{"a": "b"})

	if err := store.Purge(ctx); err != nil {
		t.Fatalf("Purge() error: %v", err)
	}
	for _, table := range []string{TableInterface, TableDevice, TableConnection} {
		keys, err := store.TableKeys(ctx, table)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("%s has %d keys after Purge", table, len(keys))
		}
	}
	if !rdb.Exists(t, "OTHER", "k") {
		t.Error("Purge deleted a key outside the export tables")
	}
}
