package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Order is one row of the sales dataset.
type Order struct {
	OrderID   int64   `parquet:"order_id"`
	OrderDate string  `parquet:"order_date"`
	Customer  string  `parquet:"customer"`
	Region    string  `parquet:"region"`
	Category  string  `parquet:"category"`
	Product   string  `parquet:"product"`
	Quantity  int64   `parquet:"quantity"`
	UnitPrice float64 `parquet:"unit_price"`
	Amount    float64 `parquet:"amount"`
	Channel   string  `parquet:"channel"`
}

var orderColumns = []string{"order_id", "order_date", "customer", "region", "category", "product", "quantity", "unit_price", "amount", "channel"}

type product struct {
	name     string
	category string
	price    float64
}

var catalog = []product{
	{"Laptop", "Electronics", 1199},
	{"Headphones", "Electronics", 149},
	{"Monitor", "Electronics", 329},
	{"Desk Chair", "Furniture", 249},
	{"Standing Desk", "Furniture", 549},
	{"Bookshelf", "Furniture", 129},
	{"Coffee Beans", "Groceries", 18.5},
	{"Green Tea", "Groceries", 9.75},
	{"Notebook", "Office", 4.25},
	{"Pen Set", "Office", 12},
}

type Generator struct {
	rnd       *rand.Rand
	start     time.Time
	days      int
	customers int
	sequence  int64
}

func NewGenerator(seed int64, start time.Time, days, customers int) *Generator {
	return &Generator{
		rnd:       rand.New(rand.NewSource(seed)),
		start:     start.UTC(),
		days:      days,
		customers: customers,
	}
}

func (g *Generator) NextOrder() Order {
	g.sequence++
	item := catalog[g.rnd.Intn(len(catalog))]
	quantity := int64(g.pickQuantity(item.category))
	// Unit prices stay within 10% of the list price.
	unitPrice := round2(item.price * (0.9 + g.rnd.Float64()*0.2))
	day := g.start.AddDate(0, 0, g.rnd.Intn(g.days))

	return Order{
		OrderID:   g.sequence,
		OrderDate: day.Format(time.DateOnly),
		Customer:  fmt.Sprintf("customer-%03d", g.rnd.Intn(g.customers)+1),
		Region:    pickOne(g.rnd, []string{"North", "South", "East", "West"}),
		Category:  item.category,
		Product:   item.name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Amount:    round2(unitPrice * float64(quantity)),
		Channel:   g.pickChannel(),
	}
}

func (g *Generator) Orders(n int) []Order {
	orders := make([]Order, 0, n)
	for i := 0; i < n; i++ {
		orders = append(orders, g.NextOrder())
	}
	return orders
}

func (g *Generator) pickQuantity(category string) int {
	switch category {
	case "Groceries", "Office":
		return g.rnd.Intn(12) + 1
	default:
		return g.rnd.Intn(3) + 1
	}
}

func (g *Generator) pickChannel() string {
	p := g.rnd.Intn(100)
	switch {
	case p < 60:
		return "online"
	case p < 90:
		return "store"
	default:
		return "partner"
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
