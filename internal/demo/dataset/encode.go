package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

func WriteCSV(w io.Writer, orders []Order) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(orderColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, order := range orders {
		record := []string{
			strconv.FormatInt(order.OrderID, 10),
			order.OrderDate,
			order.Customer,
			order.Region,
			order.Category,
			order.Product,
			strconv.FormatInt(order.Quantity, 10),
			strconv.FormatFloat(order.UnitPrice, 'f', 2, 64),
			strconv.FormatFloat(order.Amount, 'f', 2, 64),
			order.Channel,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteParquet(w io.Writer, orders []Order) error {
	writer := parquet.NewGenericWriter[Order](w)
	if _, err := writer.Write(orders); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
