package payment

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     Route
	}{
		{
			name:     "request payment by user",
			metadata: map[string]string{"order_type": "request_payment", "user_id": "42"},
			want:     Route{Kind: KindRequestPayment, UserID: 42},
		},
		{
			name:     "additional charge by cart",
			metadata: map[string]string{"order_type": "additional_charge", "cart_id": "9", "user_id": "42"},
			want:     Route{Kind: KindAdditionalCharge, CartID: 9},
		},
		{
			name:     "additional charge falls back to user",
			metadata: map[string]string{"order_type": "additional_charge", "user_id": "42"},
			want:     Route{Kind: KindAdditionalCharge, UserID: 42},
		},
		{
			name: "commission by period",
			metadata: map[string]string{
				"order_type": "commission_payment",
				"admin_id":   "3", "month": "5", "year": "2024",
			},
			want: Route{Kind: KindCommission, AdminID: 3, Month: 5, Year: 2024, HasPeriod: true},
		},
		{
			name:     "commission without period keys matches by reference",
			metadata: map[string]string{"order_type": "commission_payment"},
			want:     Route{Kind: KindCommission},
		},
		{
			name:     "single order id",
			metadata: map[string]string{"order_id": "17|42"},
			want:     Route{Kind: KindOrderSingle, OrderID: 17, UserID: 42},
		},
		{
			name:     "batch order ids",
			metadata: map[string]string{"order_id": "7,8,9|42"},
			want:     Route{Kind: KindOrderBatch, BatchIDs: []int64{7, 8, 9}, UserID: 42},
		},
		{
			name:     "no routing metadata",
			metadata: map[string]string{},
			want:     Route{Kind: KindReference},
		},
		{
			name:     "nil metadata",
			metadata: nil,
			want:     Route{Kind: KindReference},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoute(tt.metadata)
			if err != nil {
				t.Fatalf("ParseRoute() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRoute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseRoute_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{"unknown order_type", map[string]string{"order_type": "gift_card"}},
		{"request payment without user", map[string]string{"order_type": "request_payment"}},
		{"request payment with bad user", map[string]string{"order_type": "request_payment", "user_id": "abc"}},
		{"additional charge without keys", map[string]string{"order_type": "additional_charge"}},
		{"additional charge with bad cart", map[string]string{"order_type": "additional_charge", "cart_id": "x"}},
		{"commission with partial period", map[string]string{"order_type": "commission_payment", "admin_id": "3", "month": "5"}},
		{"commission with bad month", map[string]string{"order_type": "commission_payment", "admin_id": "3", "month": "13", "year": "2024"}},
		{"order id without separator", map[string]string{"order_id": "17"}},
		{"order id with bad user part", map[string]string{"order_id": "17|abc"}},
		{"order id with bad list entry", map[string]string{"order_id": "7,x,9|42"}},
		{"order id with zero id", map[string]string{"order_id": "0|42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoute(tt.metadata)
			if !errors.Is(err, ErrMalformedRouting) {
				t.Errorf("ParseRoute() error = %v, want ErrMalformedRouting", err)
			}
		})
	}
}
