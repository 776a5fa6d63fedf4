package sqlstore

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

func agentTable(k agents.Kind) string {
	if k == agents.KindExporter {
		return "exporters"
	}
	return "importers"
}

func (s *Store) SaveAgent(ctx context.Context, a agents.Agent) error {
	filters, err := msgpack.Marshal(a.Filters)
	if err != nil {
		return fmt.Errorf("agent %s filters: %w", a.ID, err)
	}
	l := a.Location
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s(agent_id,world,x,y,z,target,enabled,filters,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?)`, agentTable(a.Kind))
	if _, err := s.db.ExecContext(ctx, q, a.ID, l.World, l.X, l.Y, l.Z, a.Target.String(), boolInt(a.Enabled), filters,
		formatTime(a.Created), formatTime(a.Updated)); err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range []string{"importers", "exporters"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE agent_id=?`, t), id); err != nil {
			return fmt.Errorf("delete agent %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadAgents(ctx context.Context) ([]agents.Agent, error) {
	var out []agents.Agent
	for _, kind := range []agents.Kind{agents.KindImporter, agents.KindExporter} {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT agent_id, world, x, y, z, target, enabled, filters, created_at, updated_at FROM %s ORDER BY agent_id`, agentTable(kind)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", agentTable(kind), err)
		}
		for rows.Next() {
			var (
				a                agents.Agent
				target           string
				enabled          int
				filters          []byte
				created, updated string
			)
			if err := rows.Scan(&a.ID, &a.Location.World, &a.Location.X, &a.Location.Y, &a.Location.Z,
				&target, &enabled, &filters, &created, &updated); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%s: %w", agentTable(kind), err)
			}
			a.Kind = kind
			a.Enabled = enabled != 0
			a.Created, a.Updated = parseTime(created), parseTime(updated)
			if a.Target, err = topology.ParseLocation(target); err != nil {
				rows.Close()
				return nil, fmt.Errorf("agent %s target: %w", a.ID, err)
			}
			if len(filters) > 0 {
				var fs []item.ContentHash
				if err := msgpack.Unmarshal(filters, &fs); err != nil {
					rows.Close()
					return nil, fmt.Errorf("agent %s filters: %w", a.ID, err)
				}
				a.Filters = fs
			}
			out = append(out, a)
		}
		if err := closeRows(rows); err != nil {
			return nil, fmt.Errorf("%s: %w", agentTable(kind), err)
		}
	}
	return out, nil
}
