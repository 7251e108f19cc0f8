package collcomm

import (
	"reflect"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestMessageEncoding(t *testing.T) {
	msg := &Message{
		From:        2,
		Seq:         17,
		Stage:       Gather,
		SampleCount: 32,
		Gradients: Gradients{
			"w": {1.5, -2, 3.25},
			"b": {0.125},
		},
	}
	decoded, err := DecodeMessage(EncodeMessage(msg))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(decoded, msg) {
		t.Errorf("expected %#v but got %#v", msg, decoded)
	}
}

func TestDecodeMessageInvalid(t *testing.T) {
	s := EncodeMessage(&Message{Gradients: Gradients{}})
	s.Fields["stage"] = structpb.NewNumberValue(7)
	if _, err := DecodeMessage(s); err == nil {
		t.Error("expected error for unknown stage")
	}

	s = EncodeMessage(&Message{Gradients: Gradients{}})
	delete(s.Fields, "seq")
	if _, err := DecodeMessage(s); err == nil {
		t.Error("expected error for missing seq")
	}

	s = EncodeMessage(&Message{Gradients: Gradients{}})
	s.Fields["gradients"] = structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{"w": structpb.NewStringValue("nope")},
	})
	if _, err := DecodeMessage(s); err == nil {
		t.Error("expected error for non-list gradient")
	}
}

func TestReduceFns(t *testing.T) {
	dst := []float64{1, 2, 3}
	Sum(dst, []float64{1, 1, 1})
	if !reflect.DeepEqual(dst, []float64{2, 3, 4}) {
		t.Errorf("unexpected sum: %v", dst)
	}
	Replace(dst, []float64{7, 8, 9})
	if !reflect.DeepEqual(dst, []float64{7, 8, 9}) {
		t.Errorf("unexpected replace: %v", dst)
	}
}

func TestGradientsSize(t *testing.T) {
	g := Gradients{"w": {1, 2, 3}, "b": {4}, "empty": {}}
	if n := g.Size(); n != 4 {
		t.Errorf("expected size 4 but got %d", n)
	}
}
