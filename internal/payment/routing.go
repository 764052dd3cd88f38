package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Metadata keys the surrounding application attaches to payment intents to
// tell the webhook path which table an event belongs to.
const (
	MetaOrderType = "order_type"
	MetaOrderID   = "order_id"
	MetaUserID    = "user_id"
	MetaCartID    = "cart_id"
	MetaAdminID   = "admin_id"
	MetaMonth     = "month"
	MetaYear      = "year"
)

// order_type values.
const (
	OrderTypeRequestPayment   = "request_payment"
	OrderTypeAdditionalCharge = "additional_charge"
	OrderTypeCommission       = "commission_payment"
)

// ErrMalformedRouting is returned when routing metadata is present but does
// not decode. Callers acknowledge the event anyway; the processor would only
// redeliver the same broken metadata.
var ErrMalformedRouting = errors.New("malformed routing metadata")

// RouteKind discriminates the decoded routing variants.
type RouteKind int

const (
	// KindReference routes by reverse lookup of the stored processor
	// reference across all tables. Used when no routing metadata is present.
	KindReference RouteKind = iota
	// KindRequestPayment routes to the request payment table by user.
	KindRequestPayment
	// KindAdditionalCharge routes to the additional charge table by cart or
	// user.
	KindAdditionalCharge
	// KindCommission routes to the commission table by (admin, month, year)
	// period or by stored reference.
	KindCommission
	// KindOrderSingle routes a single order id, tried against the invoice
	// table first and the rule payment table second.
	KindOrderSingle
	// KindOrderBatch routes a comma-separated id list to the rule payment
	// table as a bulk update.
	KindOrderBatch
)

// Route is the routing metadata decoded once at the boundary into an explicit
// tagged variant. Only the fields for the active Kind are meaningful.
type Route struct {
	Kind RouteKind

	UserID int64 // KindRequestPayment, KindAdditionalCharge, order variants
	CartID int64 // KindAdditionalCharge, 0 when keyed by user

	AdminID   int64 // KindCommission with HasPeriod
	Month     int
	Year      int
	HasPeriod bool // false: match commission by stored reference

	OrderID  int64   // KindOrderSingle
	BatchIDs []int64 // KindOrderBatch
}

// ParseRoute decodes the order_type/order_id metadata convention. Metadata
// that names a route but fails to decode is rejected with ErrMalformedRouting
// rather than falling through to a different table.
func ParseRoute(metadata map[string]string) (Route, error) {
	switch metadata[MetaOrderType] {
	case OrderTypeRequestPayment:
		userID, err := parseID(metadata[MetaUserID])
		if err != nil {
			return Route{}, fmt.Errorf("%w: request_payment user_id %q", ErrMalformedRouting, metadata[MetaUserID])
		}
		return Route{Kind: KindRequestPayment, UserID: userID}, nil

	case OrderTypeAdditionalCharge:
		return parseAdditionalCharge(metadata)

	case OrderTypeCommission:
		return parseCommission(metadata)

	case "":
		if orderID, ok := metadata[MetaOrderID]; ok && orderID != "" {
			return parseOrderID(orderID)
		}
		return Route{Kind: KindReference}, nil
	}

	return Route{}, fmt.Errorf("%w: unknown order_type %q", ErrMalformedRouting, metadata[MetaOrderType])
}

func parseAdditionalCharge(metadata map[string]string) (Route, error) {
	route := Route{Kind: KindAdditionalCharge}
	if raw, ok := metadata[MetaCartID]; ok && raw != "" {
		cartID, err := parseID(raw)
		if err != nil {
			return Route{}, fmt.Errorf("%w: additional_charge cart_id %q", ErrMalformedRouting, raw)
		}
		route.CartID = cartID
		return route, nil
	}
	userID, err := parseID(metadata[MetaUserID])
	if err != nil {
		return Route{}, fmt.Errorf("%w: additional_charge needs cart_id or user_id", ErrMalformedRouting)
	}
	route.UserID = userID
	return route, nil
}

func parseCommission(metadata map[string]string) (Route, error) {
	adminRaw, hasAdmin := metadata[MetaAdminID]
	monthRaw, hasMonth := metadata[MetaMonth]
	yearRaw, hasYear := metadata[MetaYear]

	// No period keys at all: match on the stored processor reference.
	if !hasAdmin && !hasMonth && !hasYear {
		return Route{Kind: KindCommission}, nil
	}
	if !hasAdmin || !hasMonth || !hasYear {
		return Route{}, fmt.Errorf("%w: commission_payment needs admin_id, month and year together", ErrMalformedRouting)
	}

	adminID, err := parseID(adminRaw)
	if err != nil {
		return Route{}, fmt.Errorf("%w: commission_payment admin_id %q", ErrMalformedRouting, adminRaw)
	}
	month, err := strconv.Atoi(monthRaw)
	if err != nil || month < 1 || month > 12 {
		return Route{}, fmt.Errorf("%w: commission_payment month %q", ErrMalformedRouting, monthRaw)
	}
	year, err := strconv.Atoi(yearRaw)
	if err != nil || year < 2000 {
		return Route{}, fmt.Errorf("%w: commission_payment year %q", ErrMalformedRouting, yearRaw)
	}
	return Route{Kind: KindCommission, AdminID: adminID, Month: month, Year: year, HasPeriod: true}, nil
}

// parseOrderID decodes the "<ids>|<user_id>" convention, where <ids> is a
// single id or a comma-separated list.
func parseOrderID(raw string) (Route, error) {
	idsPart, userPart, found := strings.Cut(raw, "|")
	if !found {
		return Route{}, fmt.Errorf("%w: order_id %q missing user separator", ErrMalformedRouting, raw)
	}
	userID, err := parseID(userPart)
	if err != nil {
		return Route{}, fmt.Errorf("%w: order_id %q user part", ErrMalformedRouting, raw)
	}

	parts := strings.Split(idsPart, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := parseID(strings.TrimSpace(part))
		if err != nil {
			return Route{}, fmt.Errorf("%w: order_id %q id part %q", ErrMalformedRouting, raw, part)
		}
		ids = append(ids, id)
	}

	if len(ids) == 1 {
		return Route{Kind: KindOrderSingle, OrderID: ids[0], UserID: userID}, nil
	}
	return Route{Kind: KindOrderBatch, BatchIDs: ids, UserID: userID}, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("non-positive id %d", id)
	}
	return id, nil
}
