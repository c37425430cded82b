package main

import (
	"fmt"

	"Conclave/internal/governance"
	"Conclave/internal/logger"
)

// handleDelivery deposits a relayed asset into the recipient instance's
// inbox. Deliveries for instances this node does not host are dropped;
// the dedup layer already stopped duplicates, and another relay hop
// will reach the hosting node.
func (n *Node) handleDelivery(payload []byte) error {
	d, err := governance.DecodeDelivery(payload)
	if err != nil {
		return err
	}

	if err := n.engine.Deposit(d.Recipient, d.Asset); err != nil {
		return fmt.Errorf("deposit %x:\n%w", d.Asset.ID[:8], err)
	}

	logger.Debug("asset delivered",
		"asset", d.Asset.ID.String()[:8],
		"recipient", d.Recipient.String()[:8],
	)

	return nil
}

// forwardDeliveries relays externally addressed deliveries, e.g. the
// remainder of a send execution whose recipients are not hosted here.
func (n *Node) forwardDeliveries(deliveries []governance.Delivery) {
	for _, d := range deliveries {
		payload, err := d.Encode()
		if err != nil {
			logger.Error("encode delivery", "error", err)
			continue
		}

		if err := n.relay.Broadcast(payload); err != nil {
			logger.Warn("delivery broadcast failed",
				"asset", d.Asset.ID.String()[:8],
				"error", err,
			)
		}
	}
}
