package repository

import "testing"

func TestNormalizePageRequest(t *testing.T) {
	tests := []struct {
		name string
		in   PageRequest
		want PageRequest
	}{
		{name: "zero value gets defaults", in: PageRequest{}, want: PageRequest{Page: DefaultPage, PageSize: DefaultPageSize}},
		{name: "negative page floored", in: PageRequest{Page: -3, PageSize: 25}, want: PageRequest{Page: DefaultPage, PageSize: 25}},
		{name: "negative size floored", in: PageRequest{Page: 4, PageSize: -10}, want: PageRequest{Page: 4, PageSize: DefaultPageSize}},
		{name: "oversized page capped", in: PageRequest{Page: 1, PageSize: MaxPageSize * 2}, want: PageRequest{Page: 1, PageSize: MaxPageSize}},
		{name: "in range untouched", in: PageRequest{Page: 7, PageSize: 50}, want: PageRequest{Page: 7, PageSize: 50}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizePageRequest(tc.in); got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCalcTotalPages(t *testing.T) {
	tests := []struct {
		total    int64
		pageSize int
		want     int
	}{
		{total: 0, pageSize: 20, want: 0},
		{total: 5, pageSize: 0, want: 0},
		{total: 1, pageSize: 20, want: 1},
		{total: 40, pageSize: 20, want: 2},
		{total: 41, pageSize: 20, want: 3},
	}
	for _, tc := range tests {
		if got := calcTotalPages(tc.total, tc.pageSize); got != tc.want {
			t.Fatalf("calcTotalPages(%d, %d) = %d, want %d", tc.total, tc.pageSize, got, tc.want)
		}
	}
}

func FuzzNormalizePageRequest(f *testing.F) {
	f.Add(0, 0)
	f.Add(-7, -7)
	f.Add(3, MaxPageSize+1)
	f.Add(1<<30, 1<<30)

	f.Fuzz(func(t *testing.T, page, pageSize int) {
		got := normalizePageRequest(PageRequest{Page: page, PageSize: pageSize})
		if got.Page < 1 {
			t.Fatalf("page %d below 1", got.Page)
		}
		if got.PageSize < 1 || got.PageSize > MaxPageSize {
			t.Fatalf("page size %d outside [1, %d]", got.PageSize, MaxPageSize)
		}
	})
}

func FuzzCalcTotalPages(f *testing.F) {
	f.Add(int64(0), 20)
	f.Add(int64(41), 20)
	f.Add(int64(1)<<40, 1)

	f.Fuzz(func(t *testing.T, total int64, pageSize int) {
		got := calcTotalPages(total, pageSize)
		if total <= 0 || pageSize <= 0 {
			if got != 0 {
				t.Fatalf("want 0 pages for total=%d size=%d, got %d", total, pageSize, got)
			}
			return
		}
		low := int64(got-1) * int64(pageSize)
		high := int64(got) * int64(pageSize)
		if low >= total || total > high {
			t.Fatalf("pages=%d does not cover total=%d at size=%d", got, total, pageSize)
		}
	})
}
