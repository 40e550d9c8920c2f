package pagination

import "testing"

func TestBuildPageInfo(t *testing.T) {
	info := BuildPageInfo(Pagination{Page: 2, PageSize: 10}, 25)
	if info.Pages != 3 || info.Page != 2 || info.PerPage != 10 || info.Total != 25 {
		t.Fatalf("unexpected page info: %+v", info)
	}
	if got := (Pagination{Page: 3, PageSize: 10}).Offset(); got != 20 {
		t.Fatalf("expected offset 20, got %d", got)
	}
}

func TestNormalizeClamps(t *testing.T) {
	n := Pagination{Page: 0, PageSize: 1000}.Normalize()
	if n.Page != 1 || n.PageSize != MaxPageSize {
		t.Fatalf("unexpected normalize: %+v", n)
	}
	if info := BuildPageInfo(Pagination{}, 0); info.Pages != 0 || info.PerPage != DefaultPageSize {
		t.Fatalf("unexpected empty page info: %+v", info)
	}
}
