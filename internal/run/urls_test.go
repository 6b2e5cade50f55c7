package run

import (
	"net/url"
	"testing"
)

func TestBuildFarmURL(t *testing.T) {
	got, err := BuildFarmURL("https://dashboard.example.co.kr", "/report/point/123/7", "김농장", "2026-01-06")
	if err != nil {
		t.Fatalf("BuildFarmURL failed: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("result does not parse: %v", err)
	}
	if u.Host != "dashboard.example.co.kr" || u.Path != "/report/point/123/7" {
		t.Errorf("resolved URL: %s", got)
	}
	q := u.Query()
	if q.Get("manager") != "김농장" || q.Get("date") != "2026-01-06" {
		t.Errorf("query: %s", u.RawQuery)
	}
}

func TestBuildFarmURLOverwritesManager(t *testing.T) {
	got, err := BuildFarmURL("https://dashboard.example.co.kr", "/report/point/123/7?manager=other&tab=chart", "김농장", "")
	if err != nil {
		t.Fatalf("BuildFarmURL failed: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if vals := q["manager"]; len(vals) != 1 || vals[0] != "김농장" {
		t.Errorf("manager params: %v", vals)
	}
	if q.Get("tab") != "chart" {
		t.Errorf("unrelated param lost: %s", u.RawQuery)
	}
	if q.Get("date") != "" {
		t.Errorf("empty date must not be set: %s", u.RawQuery)
	}
}

func TestBuildFarmURLAbsoluteHref(t *testing.T) {
	got, err := BuildFarmURL("https://dashboard.example.co.kr", "https://other.example/report/point/1/2", "m", "2026-01-06")
	if err != nil {
		t.Fatalf("BuildFarmURL failed: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Host != "other.example" {
		t.Errorf("absolute href should win resolution: %s", got)
	}
}

func TestBuildFarmURLInvalid(t *testing.T) {
	if _, err := BuildFarmURL("://bad", "/x", "m", ""); err == nil {
		t.Error("expected error for invalid base")
	}
	if _, err := BuildFarmURL("https://ok.example", "://bad", "m", ""); err == nil {
		t.Error("expected error for invalid href")
	}
}
