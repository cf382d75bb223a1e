package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ClassifyCustomer decides new vs returning for a purchase, before the
// purchase itself is stored. A customer is returning when any visitor in the
// identity family — the effective visitor, rows merged into it, or any row
// sharing the same email (case-insensitive) — has a prior Purchase with a
// different order id. The current order is always excluded so a replayed or
// split-delivered purchase can never classify itself as returning.
func (g *Graph) ClassifyCustomer(ctx context.Context, tenantID uuid.UUID, email string, visitorID uuid.UUID, orderID string) (bool, error) {
	if visitorID == uuid.Nil && email == "" {
		return true, nil
	}

	var returning bool
	err := g.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events e
			WHERE e.tenant_id = $1
				AND e.event_name = 'Purchase'
				AND e.order_id IS NOT NULL
				AND e.order_id <> $4
				AND e.visitor_id IN (
					SELECT id FROM visitors
					WHERE tenant_id = $1 AND (
						id = $2
						OR canonical_id = $2
						OR (NULLIF($3, '') IS NOT NULL AND LOWER(email) = LOWER($3))
					)
				)
		)
	`, tenantID, visitorID, email, orderID).Scan(&returning)
	if err != nil {
		return false, fmt.Errorf("failed to classify customer: %w", err)
	}
	return !returning, nil
}
