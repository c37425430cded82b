package governance

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"Conclave/internal/capability"
)

// Persistence records. Maps are flattened into sorted entry slices so
// the encoded form is deterministic.

type controllerEntry struct {
	ID     []byte `cbor:"1,keyasint"`
	Weight uint64 `cbor:"2,keyasint"`
}

type proposalRecord struct {
	ID              []byte            `cbor:"1,keyasint"`
	Votes           uint64            `cbor:"2,keyasint"`
	Voters          []controllerEntry `cbor:"3,keyasint"`
	ExpirationEpoch *uint64           `cbor:"4,keyasint,omitempty"`
	Action          Action            `cbor:"5,keyasint"`
}

type instanceRecord struct {
	ID             []byte            `cbor:"1,keyasint"`
	Threshold      uint64            `cbor:"2,keyasint"`
	Version        uint64            `cbor:"3,keyasint"`
	Value          []byte            `cbor:"4,keyasint,omitempty"`
	Deactivated    bool              `cbor:"5,keyasint,omitempty"`
	UpgradeCount   uint64            `cbor:"6,keyasint,omitempty"`
	ProposalSeq    uint64            `cbor:"7,keyasint"`
	Controllers    []controllerEntry `cbor:"8,keyasint"`
	Proposals      []proposalRecord  `cbor:"9,keyasint,omitempty"`
	Inbox          []*Asset          `cbor:"10,keyasint,omitempty"`
	PendingReturns []*Asset          `cbor:"11,keyasint,omitempty"`
}

// record snapshots the instance into a persistence record.
func (m *Multicontroller) record() *instanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &instanceRecord{
		ID:           append([]byte(nil), m.id[:]...),
		Threshold:    m.threshold,
		Version:      m.version,
		Value:        append([]byte(nil), m.value...),
		Deactivated:  m.deactivated,
		UpgradeCount: m.upgradeCount,
		ProposalSeq:  m.proposalSeq,
		Controllers:  controllerEntries(m.controllers),
	}

	for _, id := range sortedProposalIDs(m.proposals) {
		p := m.proposals[id]

		var exp *uint64
		if p.ExpirationEpoch != nil {
			e := *p.ExpirationEpoch
			exp = &e
		}

		rec.Proposals = append(rec.Proposals, proposalRecord{
			ID:              append([]byte(nil), p.ID[:]...),
			Votes:           p.Votes,
			Voters:          controllerEntries(p.Voters),
			ExpirationEpoch: exp,
			Action:          p.Action,
		})
	}

	for _, id := range sortedKeys(m.inbox) {
		rec.Inbox = append(rec.Inbox, m.inbox[id])
	}

	for _, id := range sortedKeys(m.pendingReturns) {
		rec.PendingReturns = append(rec.PendingReturns, m.pendingReturns[id])
	}

	return rec
}

// instanceFromRecord rebuilds an instance from its persistence record.
func instanceFromRecord(rec *instanceRecord) (*Multicontroller, error) {
	if len(rec.ID) != 32 {
		return nil, fmt.Errorf("invalid instance ID length %d", len(rec.ID))
	}

	m := &Multicontroller{
		threshold:      rec.Threshold,
		version:        rec.Version,
		value:          append([]byte(nil), rec.Value...),
		deactivated:    rec.Deactivated,
		upgradeCount:   rec.UpgradeCount,
		proposalSeq:    rec.ProposalSeq,
		controllers:    make(map[capability.ID]uint64, len(rec.Controllers)),
		proposals:      make(map[Hash]*Proposal, len(rec.Proposals)),
		inbox:          make(map[Hash]*Asset, len(rec.Inbox)),
		pendingReturns: make(map[Hash]*Asset, len(rec.PendingReturns)),
	}
	copy(m.id[:], rec.ID)

	for _, e := range rec.Controllers {
		var id capability.ID
		copy(id[:], e.ID)
		m.controllers[id] = e.Weight
	}

	for _, pr := range rec.Proposals {
		var id Hash
		copy(id[:], pr.ID)

		p := &Proposal{
			ID:              id,
			Votes:           pr.Votes,
			Voters:          make(map[capability.ID]uint64, len(pr.Voters)),
			ExpirationEpoch: pr.ExpirationEpoch,
			Action:          pr.Action,
		}

		for _, v := range pr.Voters {
			var vid capability.ID
			copy(vid[:], v.ID)
			p.Voters[vid] = v.Weight
		}

		m.proposals[id] = p
	}

	for _, a := range rec.Inbox {
		m.inbox[a.ID] = a
	}

	for _, a := range rec.PendingReturns {
		m.pendingReturns[a.ID] = a
	}

	return m, nil
}

// Encode serializes the instance for persistence.
func (m *Multicontroller) Encode() ([]byte, error) {
	data, err := cbor.Marshal(m.record())
	if err != nil {
		return nil, fmt.Errorf("encode instance:\n%w", err)
	}

	return data, nil
}

// Decode rebuilds an instance from its persisted form.
func Decode(data []byte) (*Multicontroller, error) {
	var rec instanceRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode instance:\n%w", err)
	}

	return instanceFromRecord(&rec)
}

// controllerEntries flattens a weight map into sorted entries.
func controllerEntries(weights map[capability.ID]uint64) []controllerEntry {
	entries := make([]controllerEntry, 0, len(weights))
	for id, w := range weights {
		entries = append(entries, controllerEntry{
			ID:     append([]byte(nil), id[:]...),
			Weight: w,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].ID, entries[j].ID) < 0
	})

	return entries
}

// sortedProposalIDs returns proposal IDs in byte order.
func sortedProposalIDs(proposals map[Hash]*Proposal) []Hash {
	ids := make([]Hash, 0, len(proposals))
	for id := range proposals {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	return ids
}
