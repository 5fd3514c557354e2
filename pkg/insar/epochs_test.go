package insar

import (
	"math"
	"testing"
	"time"

	"insarrate/internal/models"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

// TestGetEpochs verifies deduplication, ordering and span calculation over
// a small network.
func TestGetEpochs(t *testing.T) {
	ifgs := []models.PrereadIfg{
		{Master: date(2006, 8, 28), Slave: date(2006, 12, 11)},
		{Master: date(2006, 8, 28), Slave: date(2007, 3, 26)},
		{Master: date(2006, 12, 11), Slave: date(2007, 3, 26)},
	}
	epochs := GetEpochs(ifgs)

	if len(epochs.Dates) != 3 {
		t.Fatalf("Expected 3 unique epochs, got %d", len(epochs.Dates))
	}
	want := []time.Time{date(2006, 8, 28), date(2006, 12, 11), date(2007, 3, 26)}
	for i, d := range want {
		if !epochs.Dates[i].Equal(d) {
			t.Errorf("Expected epoch %d to be %v, got %v", i, d, epochs.Dates[i])
		}
	}

	if epochs.Spans[0] != 0 {
		t.Errorf("Expected first span to be zero, got %g", epochs.Spans[0])
	}
	// 2006-08-28 to 2006-12-11 is 105 days.
	if got := epochs.Spans[1]; math.Abs(got-105.0/365.25) > 1e-12 {
		t.Errorf("Expected second span %g years, got %g", 105.0/365.25, got)
	}
}

// TestEpochIDs verifies dense id assignment in sorted date order.
func TestEpochIDs(t *testing.T) {
	dates := []time.Time{
		date(2007, 3, 26), date(2006, 8, 28), date(2006, 12, 11), date(2006, 8, 28),
	}
	ids := EpochIDs(dates)

	if len(ids) != 3 {
		t.Fatalf("Expected 3 unique ids, got %d", len(ids))
	}
	if ids[date(2006, 8, 28).Unix()] != 0 {
		t.Errorf("Expected earliest epoch to get id 0")
	}
	if ids[date(2006, 12, 11).Unix()] != 1 {
		t.Errorf("Expected middle epoch to get id 1")
	}
	if ids[date(2007, 3, 26).Unix()] != 2 {
		t.Errorf("Expected latest epoch to get id 2")
	}
}
