package nutrition

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi/search.pl" {
			t.Errorf("path = %s", r.URL.Path)
		}
		queries = append(queries, r.URL.Query())
		w.Write([]byte(`{"products": [
			{"product_name": "Whole milk", "brands": "Freshvill", "serving_size": "250 ml",
			 "nutrition_grades": "b",
			 "nutriments": {"energy-kcal_100g": 64.44, "proteins_100g": 3.33, "fat_100g": 3.6,
			                "carbohydrates_100g": 4.8, "sugars_100g": 4.8, "salt_100g": 0.13}},
			{"product_name": "", "nutriments": {"energy-kcal_100g": 50}},
			{"product_name": "Empty facts", "nutriments": {}}
		]}`))
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, Country: "united-states"})
	res := s.Lookup(context.Background(), "milk 3.2% 500ml")
	if !res.OK {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Data.Query != "milk" {
		t.Errorf("query = %q, want noise stripped", res.Data.Query)
	}
	if !res.Data.Found || res.Data.Count != 1 {
		t.Fatalf("data = %+v", res.Data)
	}

	item := res.Data.Items[0]
	if item.Name != "Whole milk" || item.Brand != "Freshvill" || item.Grade != "b" {
		t.Errorf("item = %+v", item)
	}
	if item.Per100g["calories"] != 64.4 {
		t.Errorf("calories = %v, want rounded 64.4", item.Per100g["calories"])
	}
	if item.Per100g["protein"] != 3.3 {
		t.Errorf("protein = %v, want rounded 3.3", item.Per100g["protein"])
	}

	// One call: the filtered phase found calorie data.
	if len(queries) != 1 {
		t.Fatalf("requests = %d, want 1", len(queries))
	}
	q := queries[0]
	if q.Get("page_size") != "5" || q.Get("tag_0") != "united-states" || q.Get("fields") == "" {
		t.Errorf("request params = %v", q)
	}
}

func TestLookup_GlobalFallback(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("tag_0") != "" {
			// Filtered phase: entries without calorie data.
			w.Write([]byte(`{"products": [{"product_name": "Local oats", "nutriments": {"fat_100g": 7}}]}`))
			return
		}
		w.Write([]byte(`{"products": [{"product_name": "Rolled oats", "nutriments": {"energy-kcal_100g": 379}}]}`))
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, Country: "united-states"})
	res := s.Lookup(context.Background(), "oats")
	if !res.OK || !res.Data.Found {
		t.Fatalf("result = %+v", res)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want filtered then global", calls)
	}
	if res.Data.Items[0].Name != "Rolled oats" {
		t.Errorf("item = %+v", res.Data.Items[0])
	}
}

func TestLookup_NothingFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL})
	res := s.Lookup(context.Background(), "unobtainium bar")
	if !res.OK {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Data.Found || res.Data.Count != 0 {
		t.Errorf("data = %+v", res.Data)
	}
	if !strings.Contains(res.Data.Hint, "more generic") {
		t.Errorf("hint = %q", res.Data.Hint)
	}
}

func TestLookup_EmptyQuery(t *testing.T) {
	s := NewService(Config{BaseURL: "http://127.0.0.1:1"})
	if res := s.Lookup(context.Background(), "  500g  "); res.OK {
		t.Error("a query that normalizes to nothing should fail")
	}
}

func TestLookup_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL})
	res := s.Lookup(context.Background(), "milk")
	if res.OK || !strings.Contains(res.Error, "503") {
		t.Errorf("result = %+v", res)
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"milk 3.2% 500ml", "milk"},
		{"bread&nbsp;rye", "bread rye"},
		{"cottage cheese 5%", "cottage cheese"},
		{"  yogurt  ", "yogurt"},
		{"chocolate 90 g bar", "chocolate bar"},
		{"1.5 l sparkling water", "sparkling water"},
	}
	for _, tt := range tests {
		if got := NormalizeQuery(tt.in); got != tt.want {
			t.Errorf("NormalizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
