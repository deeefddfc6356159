package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bmsnet/internal/model"
)

var csvHeader = []string{
	"timestamp",
	"node_id",
	"offset_us",
	"round_trip_us",
}

// WriteCSV writes sync samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.SyncSample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends samples to path, writing the header only when the file is
// new or empty.
func AppendCSV(path string, items []model.SyncSample) error {
	if len(items) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.SyncSample) error {
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.NodeID,
			strconv.FormatInt(s.OffsetUS, 10),
			strconv.FormatInt(s.RoundTripUS, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
