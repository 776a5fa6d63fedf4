// Package sqlstore is the durable engine.Backend on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack"
	_ "modernc.org/sqlite"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

const schemaVersion = "1"

type Store struct {
	db   *sql.DB
	once sync.Once
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS networks (
			network_id TEXT PRIMARY KEY,
			server TEXT,
			valid INTEGER NOT NULL,
			blocks INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS network_blocks (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			role TEXT NOT NULL,
			network_id TEXT NOT NULL,
			PRIMARY KEY (world, x, y, z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_network_blocks_network ON network_blocks(network_id);`,
		`CREATE TABLE IF NOT EXISTS storage_disks (
			disk_id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			max_cells INTEGER NOT NULL,
			used_cells INTEGER NOT NULL,
			cell_ceiling INTEGER NOT NULL DEFAULT 0,
			crafter_uuid TEXT NOT NULL DEFAULT '',
			crafter_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			orphaned INTEGER NOT NULL DEFAULT 0,
			last_bay TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS storage_items (
			disk_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			PRIMARY KEY (disk_id, content_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_storage_items_hash ON storage_items(content_hash);`,
		`CREATE TABLE IF NOT EXISTS drive_bay_slots (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			slot_index INTEGER NOT NULL,
			disk_id TEXT NOT NULL UNIQUE,
			network_id TEXT NOT NULL,
			PRIMARY KEY (world, x, y, z, slot_index)
		);`,
		`CREATE TABLE IF NOT EXISTS item_descriptors (
			content_hash TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			descriptor BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS importers (
			agent_id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			target TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			filters BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS exporters (
			agent_id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			target TEXT NOT NULL,
			enabled INTEGER NOT NULL,
			filters BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}

func (s *Store) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func locText(l *topology.Location) sql.NullString {
	if l == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: l.String(), Valid: true}
}

func parseLoc(ns sql.NullString) (*topology.Location, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	l, err := topology.ParseLocation(ns.String)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Load reads the whole engine state.
func (s *Store) Load(ctx context.Context) (engine.State, error) {
	st := engine.State{Descriptors: map[item.ContentHash]item.Descriptor{}}

	rows, err := s.db.QueryContext(ctx, `SELECT network_id, server, valid, blocks, updated_at FROM networks ORDER BY network_id`)
	if err != nil {
		return st, fmt.Errorf("networks: %w", err)
	}
	for rows.Next() {
		var (
			n       engine.NetworkRecord
			server  sql.NullString
			valid   int
			updated string
		)
		if err := rows.Scan(&n.ID, &server, &valid, &n.Blocks, &updated); err != nil {
			rows.Close()
			return st, fmt.Errorf("networks: %w", err)
		}
		if n.Server, err = parseLoc(server); err != nil {
			rows.Close()
			return st, fmt.Errorf("networks %s: %w", n.ID, err)
		}
		n.Valid = valid != 0
		n.UpdatedAt = parseTime(updated)
		st.Networks = append(st.Networks, n)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("networks: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT world, x, y, z, role, network_id FROM network_blocks ORDER BY world, x, y, z`)
	if err != nil {
		return st, fmt.Errorf("network_blocks: %w", err)
	}
	for rows.Next() {
		var b topology.BlockRecord
		if err := rows.Scan(&b.Location.World, &b.Location.X, &b.Location.Y, &b.Location.Z, &b.Role, &b.Network); err != nil {
			rows.Close()
			return st, fmt.Errorf("network_blocks: %w", err)
		}
		st.Blocks = append(st.Blocks, b)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("network_blocks: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT disk_id, tier, max_cells, used_cells, cell_ceiling, crafter_uuid, crafter_name, created_at, orphaned, last_bay FROM storage_disks ORDER BY disk_id`)
	if err != nil {
		return st, fmt.Errorf("storage_disks: %w", err)
	}
	for rows.Next() {
		var (
			d        engine.DiskRecord
			tier     string
			created  string
			orphaned int
			lastBay  sql.NullString
		)
		if err := rows.Scan(&d.ID, &tier, &d.MaxCells, &d.UsedCells, &d.CellCeiling, &d.Crafter.UUID, &d.Crafter.Name, &created, &orphaned, &lastBay); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage_disks: %w", err)
		}
		d.Tier = ledger.Tier(tier)
		d.CreatedAt = parseTime(created)
		d.Orphaned = orphaned != 0
		if d.LastBay, err = parseLoc(lastBay); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage_disks %s: %w", d.ID, err)
		}
		st.Disks = append(st.Disks, d)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("storage_disks: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT disk_id, content_hash, quantity FROM storage_items ORDER BY disk_id, rowid`)
	if err != nil {
		return st, fmt.Errorf("storage_items: %w", err)
	}
	for rows.Next() {
		var it engine.ItemRecord
		if err := rows.Scan(&it.Disk, &it.Hash, &it.Quantity); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage_items: %w", err)
		}
		st.Items = append(st.Items, it)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("storage_items: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT world, x, y, z, slot_index, disk_id, network_id FROM drive_bay_slots ORDER BY world, x, y, z, slot_index`)
	if err != nil {
		return st, fmt.Errorf("drive_bay_slots: %w", err)
	}
	for rows.Next() {
		var sl engine.SlotRecord
		if err := rows.Scan(&sl.Bay.World, &sl.Bay.X, &sl.Bay.Y, &sl.Bay.Z, &sl.Slot, &sl.Disk, &sl.Network); err != nil {
			rows.Close()
			return st, fmt.Errorf("drive_bay_slots: %w", err)
		}
		st.Slots = append(st.Slots, sl)
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("drive_bay_slots: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT content_hash, descriptor FROM item_descriptors`)
	if err != nil {
		return st, fmt.Errorf("item_descriptors: %w", err)
	}
	for rows.Next() {
		var (
			h    item.ContentHash
			blob []byte
			d    item.Descriptor
		)
		if err := rows.Scan(&h, &blob); err != nil {
			rows.Close()
			return st, fmt.Errorf("item_descriptors: %w", err)
		}
		if err := msgpack.Unmarshal(blob, &d); err != nil {
			rows.Close()
			return st, fmt.Errorf("item_descriptors %s: %w", h.Short(), err)
		}
		st.Descriptors[h] = d
	}
	if err := closeRows(rows); err != nil {
		return st, fmt.Errorf("item_descriptors: %w", err)
	}
	return st, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// Commit applies b in one transaction.
func (s *Store) Commit(ctx context.Context, b engine.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range b.DeleteNetworks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM networks WHERE network_id=?`, id); err != nil {
			return fmt.Errorf("delete network %s: %w", id, err)
		}
	}
	for _, n := range b.Networks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO networks(network_id,server,valid,blocks,updated_at) VALUES(?,?,?,?,?)`,
			n.ID, locText(n.Server), boolInt(n.Valid), n.Blocks, formatTime(n.UpdatedAt)); err != nil {
			return fmt.Errorf("network %s: %w", n.ID, err)
		}
	}
	for _, l := range b.DeleteBlocks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM network_blocks WHERE world=? AND x=? AND y=? AND z=?`, l.World, l.X, l.Y, l.Z); err != nil {
			return fmt.Errorf("delete block %s: %w", l, err)
		}
	}
	for _, r := range b.Blocks {
		l := r.Location
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO network_blocks(world,x,y,z,role,network_id) VALUES(?,?,?,?,?,?)`,
			l.World, l.X, l.Y, l.Z, string(r.Role), string(r.Network)); err != nil {
			return fmt.Errorf("block %s: %w", l, err)
		}
	}
	for _, d := range b.Disks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO storage_disks(disk_id,tier,max_cells,used_cells,cell_ceiling,crafter_uuid,crafter_name,created_at,orphaned,last_bay) VALUES(?,?,?,?,?,?,?,?,?,?)`,
			d.ID, string(d.Tier), d.MaxCells, d.UsedCells, d.CellCeiling, d.Crafter.UUID, d.Crafter.Name,
			formatTime(d.CreatedAt), boolInt(d.Orphaned), locText(d.LastBay)); err != nil {
			return fmt.Errorf("disk %s: %w", d.ID, err)
		}
	}
	for _, it := range b.Items {
		if it.Quantity <= 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM storage_items WHERE disk_id=? AND content_hash=?`, it.Disk, string(it.Hash)); err != nil {
				return fmt.Errorf("delete item %s/%s: %w", it.Disk, it.Hash.Short(), err)
			}
			continue
		}
		// Upsert keeps rowid so entry order survives reloads.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO storage_items(disk_id,content_hash,quantity) VALUES(?,?,?)
			 ON CONFLICT(disk_id,content_hash) DO UPDATE SET quantity=excluded.quantity`,
			it.Disk, string(it.Hash), it.Quantity); err != nil {
			return fmt.Errorf("item %s/%s: %w", it.Disk, it.Hash.Short(), err)
		}
	}
	for _, k := range b.ClearSlots {
		if _, err := tx.ExecContext(ctx, `DELETE FROM drive_bay_slots WHERE world=? AND x=? AND y=? AND z=? AND slot_index=?`,
			k.Bay.World, k.Bay.X, k.Bay.Y, k.Bay.Z, k.Slot); err != nil {
			return fmt.Errorf("clear slot %s#%d: %w", k.Bay, k.Slot, err)
		}
	}
	for _, sl := range b.Slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO drive_bay_slots(world,x,y,z,slot_index,disk_id,network_id) VALUES(?,?,?,?,?,?,?)`,
			sl.Bay.World, sl.Bay.X, sl.Bay.Y, sl.Bay.Z, sl.Slot, sl.Disk, string(sl.Network)); err != nil {
			return fmt.Errorf("slot %s#%d: %w", sl.Bay, sl.Slot, err)
		}
	}
	for _, id := range b.Descriptors {
		blob, err := msgpack.Marshal(id.Descriptor)
		if err != nil {
			return fmt.Errorf("descriptor %s: %w", id.Hash.Short(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO item_descriptors(content_hash,item_type,descriptor) VALUES(?,?,?)`,
			string(id.Hash), id.Descriptor.Type, blob); err != nil {
			return fmt.Errorf("descriptor %s: %w", id.Hash.Short(), err)
		}
	}
	for _, h := range b.DropDescriptor {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_descriptors WHERE content_hash=?`, string(h)); err != nil {
			return fmt.Errorf("drop descriptor %s: %w", h.Short(), err)
		}
	}
	return tx.Commit()
}
