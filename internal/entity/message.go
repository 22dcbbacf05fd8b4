package entity

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/replicon-project/replicon/internal/protocol"
)

// ParseResult summarises an applied entity message.
type ParseResult struct {
	// Values is the number of id/value pairs applied.
	Values int

	// Skipped counts class and variable blocks that were skipped because the
	// local registry does not know them or disagrees on their size.
	Skipped int
}

// selection maps entity ids to the variable ids to encode for them.
type selection map[uint16][]uint8

type valueGroup struct {
	data []byte
	ids  []uint16
}

// encodeEntityMessage writes the selected variables grouped by class, then by
// variable, then by distinct snapshot bytes. Classes are ordered by name,
// variables by id, and values by first appearance in ascending entity id.
// It returns nil when nothing is selected.
func (m *Manager) encodeEntityMessage(sel selection) ([]byte, error) {
	if len(sel) == 0 {
		return nil, nil
	}

	byClass := make(map[string][]Entity)
	for id := range sel {
		e, ok := m.Entity(id)
		if !ok {
			continue
		}
		byClass[e.ClassName()] = append(byClass[e.ClassName()], e)
	}
	if len(byClass) == 0 {
		return nil, nil
	}
	classes := make([]string, 0, len(byClass))
	for class, list := range byClass {
		classes = append(classes, class)
		sort.Slice(list, func(i, j int) bool { return list[i].EntityID() < list[j].EntityID() })
	}
	sort.Strings(classes)

	b := protocol.NewPacketBuilder()
	b.WriteUint16(uint16(len(classes)))

	for _, class := range classes {
		meta, _ := m.registry.class(class)
		list := byClass[class]

		entityBlock := b.Reserve16()
		b.WriteString(class)
		countAt := b.Reserve16()
		blocks := 0

		for _, vm := range meta.vars {
			var groups []*valueGroup
			for _, e := range list {
				if !selected(sel[e.EntityID()], vm.id) {
					continue
				}
				data := vm.get(e).AppendSnapshot(nil)
				var g *valueGroup
				for _, existing := range groups {
					if bytes.Equal(existing.data, data) {
						g = existing
						break
					}
				}
				if g == nil {
					g = &valueGroup{data: data}
					groups = append(groups, g)
				}
				g.ids = append(g.ids, e.EntityID())
			}

			for _, g := range groups {
				varBlock := b.Reserve16()
				b.WriteString(vm.name)
				b.WriteUint16(uint16(len(g.ids)))
				b.WriteByte(uint8(vm.size))
				for _, id := range g.ids {
					b.WriteUint16(id)
					b.WriteBytes(g.data)
				}
				if err := b.PatchSize16(varBlock); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", class, vm.name, ErrMessageTooLarge)
				}
				blocks++
			}
		}

		if blocks > 0xFFFF {
			return nil, fmt.Errorf("%s: %w", class, ErrMessageTooLarge)
		}
		b.Patch16(countAt, uint16(blocks))
		if err := b.PatchSize16(entityBlock); err != nil {
			return nil, fmt.Errorf("%s: %w", class, ErrMessageTooLarge)
		}
	}
	return b.Build(), nil
}

// encodeSplit encodes sel into messages of at most limit bytes by halving the
// entity set until each part fits.
func (m *Manager) encodeSplit(sel selection, limit int) ([][]byte, error) {
	msg, err := m.encodeEntityMessage(sel)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	if limit <= 0 || len(msg) <= limit {
		return [][]byte{msg}, nil
	}
	if len(sel) == 1 {
		return nil, fmt.Errorf("%d bytes for one entity: %w", len(msg), ErrMessageTooLarge)
	}

	ids := make([]uint16, 0, len(sel))
	for id := range sel {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	half := len(ids) / 2
	var out [][]byte
	for _, part := range [][]uint16{ids[:half], ids[half:]} {
		sub := make(selection, len(part))
		for _, id := range part {
			sub[id] = sel[id]
		}
		msgs, err := m.encodeSplit(sub, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func selected(varIDs []uint8, id uint8) bool {
	for _, v := range varIDs {
		if v == id {
			return true
		}
	}
	return false
}

// ParseEntityMessage applies an entity message to the local entities.
// Unknown classes, unknown variables and size mismatches skip their block.
// An unknown entity id aborts the message with ErrUnknownEntity, leaving the
// values applied so far in place.
func (m *Manager) ParseEntityMessage(data []byte) (ParseResult, error) {
	var res ParseResult
	now := m.clock()
	r := protocol.NewPacketReader(data)

	classCount := int(r.ReadUint16())
	for i := 0; i < classCount && r.Err() == nil; i++ {
		blockSize := int(r.ReadUint16())
		end := r.Offset() + blockSize
		if r.Err() != nil || end > len(data) {
			return res, fmt.Errorf("entity block %d: %w", i, protocol.ErrMalformedPacket)
		}

		class := r.ReadString()
		meta, known := m.registry.class(class)
		if !known {
			res.Skipped++
			m.logger.Debug().Str("class", class).Msg("skipping unknown class")
			r.Seek(end)
			continue
		}

		varCount := int(r.ReadUint16())
		for j := 0; j < varCount && r.Err() == nil; j++ {
			varSize := int(r.ReadUint16())
			varEnd := r.Offset() + varSize
			if r.Err() != nil || varEnd > end {
				return res, fmt.Errorf("%s variable block %d: %w", class, j, protocol.ErrMalformedPacket)
			}

			name := r.ReadString()
			idCount := int(r.ReadUint16())
			dataSize := int(r.ReadUint8())
			vm, ok := meta.byName[name]
			if !ok || vm.size != dataSize {
				res.Skipped++
				m.logger.Debug().Str("class", class).Str("variable", name).Msg("skipping variable block")
				r.Seek(varEnd)
				continue
			}

			for k := 0; k < idCount; k++ {
				id := r.ReadUint16()
				value := r.ReadBytes(dataSize)
				if err := r.Err(); err != nil {
					return res, err
				}
				e, ok := m.Entity(id)
				if !ok || e.ClassName() != class {
					m.metrics.BlocksSkipped(res.Skipped)
					return res, fmt.Errorf("%s entity %d: %w", class, id, ErrUnknownEntity)
				}
				if err := vm.get(e).Decode(value, now); err != nil {
					return res, fmt.Errorf("%s.%s: %w", class, name, err)
				}
				res.Values++
			}
			r.Seek(varEnd)
		}
		r.Seek(end)
	}

	m.metrics.BlocksSkipped(res.Skipped)
	if err := r.Err(); err != nil {
		return res, err
	}
	return res, nil
}
