package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMap(t *testing.T) {
	input := map[string]string{
		" order_id ":  " ord_01H ",
		"carrier":     " Yamato ",
		"blank_value": " ",
		" ":           "dropped",
		"":            "dropped",
	}

	expected := map[string]string{
		"order_id":    "ord_01H",
		"carrier":     "Yamato",
		"blank_value": "",
	}

	if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %#v got %#v", expected, actual)
	}
}

func TestNormalizeStringMapEmpty(t *testing.T) {
	if NormalizeStringMap(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	if NormalizeStringMap(map[string]string{}) != nil {
		t.Fatalf("expected nil for empty map")
	}
	if NormalizeStringMap(map[string]string{"  ": "x"}) != nil {
		t.Fatalf("expected nil when every key trims to empty")
	}
}
