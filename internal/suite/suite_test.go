package suite

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJSONLoaderGroupsRowsIntoFlows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "suite.json")
	data := `[
		{"sheet":"s1","test_name":"login_flow","method":"POST","url":"http://x/login","save_as":"token"},
		{"sheet":"s1","test_name":"login_flow","method":"GET","url":"http://x/me"},
		{"sheet":"s1","test_name":"other_flow","method":"GET","url":"http://x/other"}
	]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	flows, err := NewJSONLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	for _, f := range flows {
		if f.TestName == "login_flow" && len(f.Steps) != 2 {
			t.Fatalf("expected login_flow to have 2 steps, got %d", len(f.Steps))
		}
	}
}

func TestJSONLoaderMissingFileErrors(t *testing.T) {
	_, err := NewJSONLoader().Load("/nonexistent/suite.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
