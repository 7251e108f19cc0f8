package cluster

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/unixpickle/gradsync/collcomm"
)

func TestParse(t *testing.T) {
	c, err := Parse("a:1, b:2,c:3", "ps:9")
	if err != nil {
		t.Fatal(err)
	}
	if c.Size() != 3 || c.ParameterServer != "ps:9" {
		t.Fatalf("unexpected config: %+v", c)
	}
	rank, err := c.Rank("b:2")
	if err != nil || rank != 1 {
		t.Errorf("unexpected rank %d (%v)", rank, err)
	}
	if c.Successor(2) != "a:1" || c.Predecessor(0) != "c:3" || c.Successor(0) != "b:2" {
		t.Error("unexpected ring order")
	}
	if _, err := c.Rank("d:4"); !errors.Is(err, collcomm.ErrConfiguration) {
		t.Errorf("expected configuration error but got %v", err)
	}
}

func TestValidate(t *testing.T) {
	for _, workers := range []string{"", "a:1,a:1", "a:1,,b:2"} {
		if _, err := Parse(workers, ""); !errors.Is(err, collcomm.ErrConfiguration) {
			t.Errorf("%q: expected configuration error but got %v", workers, err)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.json")
	data := []byte(`{"workers": ["h1:5000", "h2:5000"], "ps": "h0:6000"}`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Size() != 2 || c.Workers[1] != "h2:5000" || c.ParameterServer != "h0:6000" {
		t.Errorf("unexpected config: %+v", c)
	}

	if err := os.WriteFile(path, []byte(`{"workers": [`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, collcomm.ErrConfiguration) {
		t.Errorf("expected configuration error but got %v", err)
	}
}
