package mockserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func sampleFixtures() []Fixture {
	return []Fixture{
		{Sheet: "s1", TestName: "t1", Method: "GET", Path: "/items", Status: 200, Body: []byte(`{"ok":true}`)},
	}
}

func TestHandleSheetsListsLoadedSheets(t *testing.T) {
	srv := httptest.NewServer(New(nil, sampleFixtures()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mock/sheets")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleNamedTestReturnsFixture(t *testing.T) {
	srv := httptest.NewServer(New(nil, sampleFixtures()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mock/test/s1/t1?method=GET&path=/items")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWildcardMatchesByHeadersAndPath(t *testing.T) {
	srv := httptest.NewServer(New(nil, sampleFixtures()).Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/items", nil)
	req.Header.Set("X-Test-Sheet", "s1")
	req.Header.Set("X-Test-Name", "t1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWildcardMissesReturn404(t *testing.T) {
	srv := httptest.NewServer(New(nil, sampleFixtures()).Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/nope", nil)
	req.Header.Set("X-Test-Sheet", "unknown")
	req.Header.Set("X-Test-Name", "unknown")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
