package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedPoints(t *testing.T, service *Service, clock *testClock, userID string, points int64, at time.Time) {
	t.Helper()
	clock.Set(at)
	if _, err := service.Award(context.Background(), AwardRequest{ExternalUserID: userID, Kind: KindFollow, Delta: points}); err != nil {
		t.Fatalf("failed to seed %s: %v", userID, err)
	}
}

func TestPageOrdersTiesByMostRecentUpdate(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := newTestClock(base)
	service, _ := newTestService(t, clock, nil)
	ctx := context.Background()

	seedPoints(t, service, clock, "B", 50, base.Add(time.Minute))
	seedPoints(t, service, clock, "C", 30, base.Add(2*time.Minute))
	seedPoints(t, service, clock, "A", 50, base.Add(3*time.Minute))

	page, err := service.Page(ctx, 10, 0)
	if err != nil {
		t.Fatalf("page failed: %v", err)
	}
	expected := []string{"A", "B", "C"}
	if len(page.Rows) != len(expected) {
		t.Fatalf("unexpected row count: %d", len(page.Rows))
	}
	for index, userID := range expected {
		row := page.Rows[index]
		if row.ExternalUserID != userID || row.Rank != index+1 {
			t.Fatalf("row %d: got %s rank %d, want %s rank %d", index, row.ExternalUserID, row.Rank, userID, index+1)
		}
	}
	if page.NextOffset != nil {
		t.Fatalf("partial page must not report a next offset")
	}

	standing, err := service.Me(ctx, "B")
	if err != nil {
		t.Fatalf("me failed: %v", err)
	}
	if standing.Rank != 2 || standing.Points != 50 {
		t.Fatalf("unexpected standing for B: %+v", standing)
	}
	for index, userID := range expected {
		standing, err := service.Me(ctx, userID)
		if err != nil {
			t.Fatalf("me %s failed: %v", userID, err)
		}
		if standing.Rank != page.Rows[index].Rank {
			t.Fatalf("rank mismatch for %s: me=%d page=%d", userID, standing.Rank, page.Rows[index].Rank)
		}
	}
}

func TestPagePaginationContract(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := newTestClock(base)
	service, _ := newTestService(t, clock, nil)
	ctx := context.Background()

	users := []string{"U1", "U2", "U3", "U4", "U5"}
	for index, userID := range users {
		seedPoints(t, service, clock, userID, int64(10*(index+1)), base.Add(time.Duration(index)*time.Second))
	}

	seen := map[string]bool{}
	offsets := []int{}
	offset := 0
	for {
		page, err := service.Page(ctx, 2, offset)
		if err != nil {
			t.Fatalf("page failed: %v", err)
		}
		offsets = append(offsets, offset)
		for _, row := range page.Rows {
			if seen[row.ExternalUserID] {
				t.Fatalf("user %s returned twice", row.ExternalUserID)
			}
			seen[row.ExternalUserID] = true
		}
		if page.NextOffset == nil {
			if len(page.Rows) != 1 {
				t.Fatalf("expected a final page with one row, got %d", len(page.Rows))
			}
			break
		}
		offset = *page.NextOffset
	}

	if len(offsets) != 3 || offsets[1] != 2 || offsets[2] != 4 {
		t.Fatalf("unexpected offsets sequence: %v", offsets)
	}
	if len(seen) != len(users) {
		t.Fatalf("expected all %d users, got %d", len(users), len(seen))
	}
}

func TestNormalizePage(t *testing.T) {
	testCases := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{limit: 0, offset: 0, wantLimit: DefaultPageLimit, wantOffset: 0},
		{limit: -4, offset: -1, wantLimit: DefaultPageLimit, wantOffset: 0},
		{limit: 1, offset: 7, wantLimit: 1, wantOffset: 7},
		{limit: 500, offset: 3, wantLimit: MaxPageLimit, wantOffset: 3},
	}
	for _, testCase := range testCases {
		limit, offset := NormalizePage(testCase.limit, testCase.offset)
		if limit != testCase.wantLimit || offset != testCase.wantOffset {
			t.Fatalf("NormalizePage(%d, %d) = (%d, %d)", testCase.limit, testCase.offset, limit, offset)
		}
	}
}

func TestMeUnknownUser(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	service, _ := newTestService(t, clock, nil)
	if _, err := service.Me(context.Background(), "ghost"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected entry not found, got %v", err)
	}
}
