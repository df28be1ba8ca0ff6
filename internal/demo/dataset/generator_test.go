package dataset

import (
	"reflect"
	"testing"
	"time"
)

func TestGeneratorDeterministicForSeed(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	g1 := NewGenerator(42, start, 28, 10)
	g2 := NewGenerator(42, start, 28, 10)

	for i := 0; i < 5; i++ {
		o1 := g1.NextOrder()
		o2 := g2.NextOrder()
		if !reflect.DeepEqual(o1, o2) {
			t.Fatalf("order %d differs: %#v vs %#v", i, o1, o2)
		}
	}
}

func TestGeneratorOrdersAreConsistent(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 10)
	orders := NewGenerator(7, start, 10, 3).Orders(200)
	if len(orders) != 200 {
		t.Fatalf("len(orders) = %d", len(orders))
	}
	for i, order := range orders {
		if order.OrderID != int64(i+1) {
			t.Fatalf("order_id = %d, want %d", order.OrderID, i+1)
		}
		day, err := time.Parse(time.DateOnly, order.OrderDate)
		if err != nil {
			t.Fatalf("order_date %q: %v", order.OrderDate, err)
		}
		if day.Before(start) || !day.Before(end) {
			t.Fatalf("order_date %s outside window", order.OrderDate)
		}
		if order.Quantity < 1 {
			t.Fatalf("quantity = %d", order.Quantity)
		}
		if want := round2(order.UnitPrice * float64(order.Quantity)); order.Amount != want {
			t.Fatalf("amount = %v, want %v", order.Amount, want)
		}
		switch order.Customer {
		case "customer-001", "customer-002", "customer-003":
		default:
			t.Fatalf("customer = %q", order.Customer)
		}
	}
}
