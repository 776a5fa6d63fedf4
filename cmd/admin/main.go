package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/persistence/archive"
	persistlog "mss.voxelcraft.ai/internal/persistence/log"
	"mss.voxelcraft.ai/internal/persistence/snapshot"
)

const actor = "ADMIN"

var logger = log.New(os.Stderr, "[admin] ", log.LstdFlags)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "info":
		infoCmd(args)
	case "cleanup":
		cleanupCmd(args)
	case "recovery":
		recoveryCmd(args)
	case "disks":
		disksCmd(args)
	case "give":
		giveCmd(args)
	case "snapshot":
		snapshotCmd(args)
	case "audit":
		auditCmd(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

Commands that change state go through the running server at -url when it
answers; with no server (or -offline) they open the store directly.

  info                          store statistics
  cleanup                       drop stale item rows, fix drifted disks
  recovery [-confirm] <disk_id> release an orphaned disk (-force pulls it from a bay)
  disks [-orphaned]             list disks
  give -tier 4k -crafter name   create a loose disk
  snapshot export [-out path]   write a full snapshot
  snapshot import [-force] path load a snapshot (default: newest in <data>/snapshots; server must be stopped)
  audit [-action -actor -disk -since -limit]`)
}

type common struct {
	data    *string
	config  *string
	url     *string
	offline *bool
}

func commonFlags(fs *flag.FlagSet) common {
	return common{
		data:    fs.String("data", "./data", "runtime data directory"),
		config:  fs.String("config", "./configs/config.yaml", "path to config.yaml"),
		url:     fs.String("url", "http://127.0.0.1:8080", "running server base url"),
		offline: fs.Bool("offline", false, "always open the store directly"),
	}
}

// server returns the running server to route a command through, or nil
// when the command should open the store itself.
func (c common) server() *liveServer {
	if *c.offline {
		return nil
	}
	return dialServer(*c.url)
}

func (c common) open() (*offline, context.Context) {
	ctx := engine.WithActor(context.Background(), actor)
	o, err := openOffline(ctx, *c.data, *c.config, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return o, ctx
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func infoCmd(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	c := commonFlags(fs)
	_ = fs.Parse(args)

	if s := c.server(); s != nil {
		var st json.RawMessage
		if err := s.get("/admin/stats", &st); err != nil {
			fmt.Fprintln(os.Stderr, "stats:", err)
			os.Exit(1)
		}
		printJSON(st)
		return
	}
	o, _ := c.open()
	defer o.Close()
	printJSON(o.eng.Stats())
}

func cleanupCmd(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	c := commonFlags(fs)
	_ = fs.Parse(args)

	var rep engine.CleanupReport
	var err error
	if s := c.server(); s != nil {
		err = s.post("/admin/cleanup", struct{}{}, &rep)
	} else {
		o, ctx := c.open()
		defer o.Close()
		rep, err = o.eng.Cleanup(ctx)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cleanup:", err)
		os.Exit(1)
	}
	fmt.Printf("cleanup ok: removed_items=%d fixed_disks=%d dropped_descriptors=%d\n",
		rep.RemovedItems, rep.FixedDisks, rep.DroppedDescriptors)
}

func recoveryCmd(args []string) {
	fs := flag.NewFlagSet("recovery", flag.ExitOnError)
	c := commonFlags(fs)
	confirm := fs.Bool("confirm", false, "apply the recovery (default: show what would change)")
	force := fs.Bool("force", false, "also pull a disk that is still in a drive bay")
	_ = fs.Parse(args)

	id := strings.ToUpper(strings.TrimSpace(fs.Arg(0)))
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing disk_id")
		os.Exit(2)
	}

	var info engine.DiskInfo
	var err error
	if s := c.server(); s != nil {
		if !*confirm {
			var list []engine.DiskInfo
			if err = s.get("/admin/disks?id="+url.QueryEscape(id), &list); err == nil && len(list) == 1 {
				info = list[0]
			}
		} else {
			err = s.post("/admin/recovery", recoveryRequest{DiskID: id, Force: *force}, &info)
		}
	} else {
		o, ctx := c.open()
		defer o.Close()
		if info, err = o.eng.DiskInfo(id); err == nil && *confirm {
			info, err = o.eng.RecoverDisk(ctx, id, *force)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "recovery:", err)
		os.Exit(1)
	}
	if !*confirm {
		printJSON(info)
		fmt.Println("dry run; pass -confirm to recover")
		return
	}
	fmt.Printf("recovery ok: disk=%s tier=%s types=%d total=%d\n", info.ID, info.Tier, info.Types, info.TotalQuantity)
}

func disksCmd(args []string) {
	fs := flag.NewFlagSet("disks", flag.ExitOnError)
	c := commonFlags(fs)
	orphaned := fs.Bool("orphaned", false, "only disks awaiting recovery")
	_ = fs.Parse(args)

	var list []engine.DiskInfo
	if s := c.server(); s != nil {
		path := "/admin/disks"
		if *orphaned {
			path += "?orphaned=1"
		}
		if err := s.get(path, &list); err != nil {
			fmt.Fprintln(os.Stderr, "disks:", err)
			os.Exit(1)
		}
	} else {
		o, _ := c.open()
		defer o.Close()
		list = o.eng.Disks()
		if *orphaned {
			list = o.eng.OrphanedDisks()
		}
	}
	for _, d := range list {
		where := "loose"
		switch {
		case d.Slot != nil:
			where = fmt.Sprintf("%s#%d", d.Slot.Bay, d.Slot.Slot)
		case d.Orphaned:
			where = "orphaned"
			if d.LastBay != nil {
				where += " (last " + d.LastBay.String() + ")"
			}
		}
		fmt.Printf("%s  %-4s  cells=%d/%d  types=%d  total=%d  %s\n",
			d.ID, d.Tier, d.UsedCells, d.MaxCells, d.Types, d.TotalQuantity, where)
	}
}

func giveCmd(args []string) {
	fs := flag.NewFlagSet("give", flag.ExitOnError)
	c := commonFlags(fs)
	tierFlag := fs.String("tier", "", "disk tier: 1k, 4k, 16k or 64k (default from config)")
	crafter := fs.String("crafter", "", "crafter name recorded on the disk")
	crafterUUID := fs.String("crafter_uuid", "", "crafter uuid (optional)")
	_ = fs.Parse(args)

	t := strings.TrimSpace(*tierFlag)
	if t != "" {
		if _, err := ledger.ParseTier(t); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	var info engine.DiskInfo
	var err error
	if s := c.server(); s != nil {
		// An empty tier picks the server's configured default.
		err = s.post("/admin/give", giveRequest{Tier: t, Crafter: *crafter, CrafterUUID: *crafterUUID}, &info)
	} else {
		if t == "" {
			t = loadConfig(*c.config).Storage.DefaultTier
		}
		tier, perr := ledger.ParseTier(t)
		if perr != nil {
			fmt.Fprintln(os.Stderr, perr)
			os.Exit(2)
		}
		o, ctx := c.open()
		defer o.Close()
		info, err = o.eng.CreateDisk(ctx, tier, ledger.Crafter{UUID: *crafterUUID, Name: *crafter})
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "create disk:", err)
		os.Exit(1)
	}
	fmt.Printf("give ok: disk=%s tier=%s cells=%d\n", info.ID, info.Tier, info.MaxCells)
}

func snapshotCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: admin snapshot export|import [flags]")
		os.Exit(2)
	}
	switch args[0] {
	case "export":
		snapshotExportCmd(args[1:])
	case "import":
		snapshotImportCmd(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown snapshot command:", args[0])
		os.Exit(2)
	}
}

func snapshotExportCmd(args []string) {
	fs := flag.NewFlagSet("snapshot export", flag.ExitOnError)
	c := commonFlags(fs)
	out := fs.String("out", "", "output path (default: <data>/snapshots/<name>)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*out) == "" {
		if s := c.server(); s != nil {
			var res struct {
				Path string `json:"path"`
			}
			if err := s.post("/admin/snapshot", nil, &res); err != nil {
				fmt.Fprintln(os.Stderr, "export:", err)
				os.Exit(1)
			}
			fmt.Printf("snapshot ok: out=%s (written by server)\n", res.Path)
			return
		}
	}
	now := time.Now()
	if strings.TrimSpace(*out) == "" {
		*out = filepath.Join(*c.data, "snapshots", snapshot.FileName(now))
	}
	o, ctx := c.open()
	defer o.Close()
	h, err := exportSnapshot(ctx, o.db, *out, now)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot ok: networks=%d blocks=%d disks=%d items=%d out=%s\n",
		h.Networks, h.Blocks, h.Disks, h.Items, *out)
}

func snapshotImportCmd(args []string) {
	fs := flag.NewFlagSet("snapshot import", flag.ExitOnError)
	c := commonFlags(fs)
	force := fs.Bool("force", false, "import into a store that already holds data")
	_ = fs.Parse(args)

	path := strings.TrimSpace(fs.Arg(0))
	if path == "" || path == "latest" {
		latest, err := archive.Latest(filepath.Join(*c.data, "snapshots"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "list snapshots:", err)
			os.Exit(1)
		}
		if latest == "" {
			fmt.Fprintln(os.Stderr, "missing snapshot path (no snapshot in data dir)")
			os.Exit(2)
		}
		path = latest
	}
	if !*c.offline && dialServer(*c.url) != nil {
		fmt.Fprintf(os.Stderr, "a server is running at %s; stop it before importing\n", *c.url)
		os.Exit(1)
	}
	if err := os.MkdirAll(*c.data, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "data dir:", err)
		os.Exit(1)
	}
	// The target may be brand new, so open the store without an engine.
	db, err := openStore(*c.data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()
	h, err := importSnapshot(context.Background(), db, path, *force)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import:", err)
		os.Exit(1)
	}
	fmt.Printf("import ok: networks=%d blocks=%d disks=%d items=%d created=%s\n",
		h.Networks, h.Blocks, h.Disks, h.Items, h.CreatedAt.Format(time.RFC3339))
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	action := fs.String("action", "", "action filter (e.g. STORE, DISK_EJECT)")
	who := fs.String("actor", "", "actor filter")
	disk := fs.String("disk", "", "disk id filter")
	since := fs.Duration("since", 0, "only entries newer than this (e.g. 2h)")
	limit := fs.Int("limit", 50, "newest N entries (0: all)")
	_ = fs.Parse(args)

	f := persistlog.AuditFilter{
		Action: strings.TrimSpace(*action),
		Actor:  strings.TrimSpace(*who),
		Disk:   strings.ToUpper(strings.TrimSpace(*disk)),
		Limit:  *limit,
	}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}
	entries, err := persistlog.ReadAudit(persistlog.AuditDir(*dataDir), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		_ = enc.Encode(e)
	}
}
