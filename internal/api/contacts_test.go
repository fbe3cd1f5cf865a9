package api

import (
	"context"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

func TestMessageWeight(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		date time.Time
		want float64
	}{
		{"sent just now", now, 1.0},
		{"sent halfway through the window", now.Add(-lookbackWindow / 2), 0.5},
		{"sent at the window edge", now.Add(-lookbackWindow), minWeight},
		{"older than the window clamps", now.Add(-3 * lookbackWindow), minWeight},
		{"future dates count as now", now.Add(24 * time.Hour), 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := messageWeight(now, tt.date)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("messageWeight = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageWeightMonotonic(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	prev := math.Inf(1)
	for days := 0; days < 800; days += 30 {
		w := messageWeight(now, now.AddDate(0, 0, -days))
		if w > prev {
			t.Fatalf("weight increased with age at %d days: %v > %v", days, w, prev)
		}
		if w < minWeight {
			t.Fatalf("weight %v fell below floor at %d days", w, days)
		}
		prev = w
	}
}

// fakeRankingStore serves SentMessagesPage from a slice. The embedded
// nil Store panics on anything else, catching unexpected calls.
type fakeRankingStore struct {
	store.Store
	rows []store.SentMessage
}

func (f *fakeRankingStore) SentMessagesPage(_ context.Context, _ string, afterRow int64, limit int) ([]store.SentMessage, error) {
	var page []store.SentMessage
	for _, r := range f.rows {
		if r.RowID > afterRow {
			page = append(page, r)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func TestRankContacts(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	fake := &fakeRankingStore{rows: []store.SentMessage{
		{RowID: 1, Date: now, To: []model.Address{{Email: "often@example.com"}}},
		{RowID: 2, Date: now, To: []model.Address{{Email: "often@example.com"}}},
		{RowID: 3, Date: now, To: []model.Address{{Email: "once@example.com"}}},
		{RowID: 4, Date: now.Add(-3 * lookbackWindow), To: []model.Address{{Email: "ancient@example.com"}}},
		{RowID: 5, Date: now, To: []model.Address{{Email: ""}}},
	}}

	s := &Server{store: fake, log: zerolog.Nop()}
	got, err := s.rankContacts(context.Background(), "sent-id", now)
	if err != nil {
		t.Fatalf("rankContacts: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("ranked %d contacts, want 3: %v", len(got), got)
	}
	if got[0][0] != "often@example.com" {
		t.Errorf("top contact = %v, want often@example.com", got[0][0])
	}
	if got[0][1].(float64) <= got[1][1].(float64) {
		t.Error("scores not in descending order")
	}
	if got[2][0] != "ancient@example.com" {
		t.Errorf("last contact = %v, want the ancient one", got[2][0])
	}
	if score := got[2][1].(float64); math.Abs(score-minWeight) > 1e-9 {
		t.Errorf("ancient score = %v, want floor %v", score, minWeight)
	}
}

func TestParseLimitOffset(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultLimit, 0},
		{"limit=50", 50, 0},
		{"limit=50&offset=10", 50, 10},
		{"limit=0", defaultLimit, 0},
		{"limit=-5", defaultLimit, 0},
		{"limit=999999", maxLimit, 0},
		{"offset=-3", defaultLimit, 0},
		{"limit=abc&offset=xyz", defaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/contacts?"+tt.query, nil)
			p := parseLimitOffset(r)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("parseLimitOffset(%q) = %+v, want limit=%d offset=%d",
					tt.query, p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
