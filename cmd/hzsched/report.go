package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/inhies/go-bytesize"

	"github.com/hzcore/hzsched/metrics"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// writeReport prints every metric of src as a table.
func writeReport(w io.Writer, src metrics.Source) {
	descs := metrics.All()
	samples := make([]metrics.Sample, len(descs))
	for i, d := range descs {
		samples[i].Name = d.Name
	}
	metrics.Read(src, samples)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("METRIC", "VALUE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, s := range samples {
		t.Row(s.Name, formatValue(s))
	}
	fmt.Fprintln(w, t.Render())
}

func formatValue(s metrics.Sample) string {
	switch v := s.Value; v.Kind() {
	case metrics.KindUint64:
		if strings.HasSuffix(s.Name, ":bytes") {
			return bytesize.New(float64(v.Uint64())).String()
		}
		return fmt.Sprint(v.Uint64())
	case metrics.KindFloat64:
		return fmt.Sprintf("%.3f", v.Float64())
	case metrics.KindFloat64Histogram:
		return formatHistogram(v.Float64Histogram())
	default:
		return "n/a"
	}
}

// Non-empty buckets as "[lo,hi):count", with bounds in emulated time.
func formatHistogram(h *metrics.Float64Histogram) string {
	var parts []string
	for i, n := range h.Counts {
		if n == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s,%s):%d", formatSeconds(h.Buckets[i]), formatSeconds(h.Buckets[i+1]), n))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func formatSeconds(sec float64) string {
	if math.IsInf(sec, 1) {
		return "inf"
	}
	return time.Duration(sec * float64(time.Second)).String()
}
