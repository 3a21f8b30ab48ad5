package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"daytrader/internal/models"
)

// Brokers and middlemen disagree on field names and casing for order
// events. ParseOrderEvent normalizes a push payload through explicit
// fallback field lists and safe numeric coercion into the one canonical
// Order shape reconciliation consumes; per-call ad hoc parsing is banned.

var (
	idFields        = []string{"id", "order_id", "orderId", "broker_order_id", "brokerOrderId"}
	symbolFields    = []string{"symbol", "ticker", "asset"}
	sideFields      = []string{"side", "action", "direction"}
	statusFields    = []string{"status", "order_status", "orderStatus", "event"}
	qtyFields       = []string{"filled_qty", "filledQty", "filled_quantity", "filledQuantity", "qty", "quantity"}
	fillPriceFields = []string{"filled_avg_price", "filledAvgPrice", "filled_average_price", "avg_fill_price", "avgFillPrice", "fill_price", "price"}
	filledAtFields  = []string{"filled_at", "filledAt", "timestamp", "updated_at", "updatedAt"}
)

// ParseOrderEvent decodes one webhook payload into a canonical Order.
func ParseOrderEvent(raw []byte) (*models.Order, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("engine.ParseOrderEvent: %w", err)
	}

	// Some senders wrap the event in an envelope.
	for _, key := range []string{"order", "data", "event"} {
		if inner, ok := m[key].(map[string]any); ok {
			m = inner
			break
		}
	}

	order := &models.Order{
		ID:             pickString(m, idFields),
		Symbol:         strings.ToUpper(pickString(m, symbolFields)),
		Side:           strings.ToLower(pickString(m, sideFields)),
		Status:         strings.ToLower(pickString(m, statusFields)),
		FilledQty:      pickDecimal(m, qtyFields),
		FilledAvgPrice: pickDecimal(m, fillPriceFields),
	}

	if order.ID == "" {
		return nil, fmt.Errorf("engine.ParseOrderEvent: event carries no order id")
	}
	if order.Side != "buy" && order.Side != "sell" {
		return nil, fmt.Errorf("engine.ParseOrderEvent: unrecognized side %q", order.Side)
	}

	if ts := pickString(m, filledAtFields); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			order.FilledAt = &t
		}
	}

	return order, nil
}

// pickString returns the first present, non-empty string among the fields.
func pickString(m map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := m[f]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// pickDecimal returns the first field coercible to a decimal. Numbers may
// arrive as JSON numbers or as strings depending on the sender.
func pickDecimal(m map[string]any, fields []string) decimal.Decimal {
	for _, f := range fields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n)
		case string:
			if d, err := decimal.NewFromString(n); err == nil {
				return d
			}
		case json.Number:
			if d, err := decimal.NewFromString(n.String()); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}
