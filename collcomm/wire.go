package collcomm

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeGradients converts gradients into a protobuf
// Struct with one numeric list per variable.
func EncodeGradients(g Gradients) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(g))
	for name, vec := range g {
		values := make([]*structpb.Value, len(vec))
		for i, x := range vec {
			values[i] = structpb.NewNumberValue(x)
		}
		fields[name] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeGradients is the inverse of EncodeGradients.
func DecodeGradients(s *structpb.Struct) (Gradients, error) {
	res := make(Gradients, len(s.GetFields()))
	for name, value := range s.GetFields() {
		list, ok := value.GetKind().(*structpb.Value_ListValue)
		if !ok {
			return nil, errors.Errorf("decode gradients: %q is not a list", name)
		}
		elems := list.ListValue.GetValues()
		vec := make([]float64, len(elems))
		for i, elem := range elems {
			num, ok := elem.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, errors.Errorf("decode gradients: %q[%d] is not a number", name, i)
			}
			vec[i] = num.NumberValue
		}
		res[name] = vec
	}
	return res, nil
}

// EncodeMessage converts a ring message into a protobuf
// Struct.
func EncodeMessage(msg *Message) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"from":         structpb.NewNumberValue(float64(msg.From)),
			"seq":          structpb.NewNumberValue(float64(msg.Seq)),
			"stage":        structpb.NewNumberValue(float64(msg.Stage)),
			"sample_count": structpb.NewNumberValue(float64(msg.SampleCount)),
			"gradients":    structpb.NewStructValue(EncodeGradients(msg.Gradients)),
		},
	}
}

// DecodeMessage is the inverse of EncodeMessage.
func DecodeMessage(s *structpb.Struct) (*Message, error) {
	fields := s.GetFields()
	var ints [4]int64
	for i, key := range []string{"from", "seq", "stage", "sample_count"} {
		x, err := decodeInt(fields, key)
		if err != nil {
			return nil, err
		}
		ints[i] = x
	}
	gradsValue, ok := fields["gradients"].GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, errors.New("decode message: missing gradients")
	}
	grads, err := DecodeGradients(gradsValue.StructValue)
	if err != nil {
		return nil, err
	}
	stage := Stage(ints[2])
	if stage != Scatter && stage != Gather {
		return nil, errors.Errorf("decode message: unknown stage %d", ints[2])
	}
	return &Message{
		From:        int(ints[0]),
		Seq:         uint64(ints[1]),
		Stage:       stage,
		SampleCount: int(ints[3]),
		Gradients:   grads,
	}, nil
}

func decodeInt(fields map[string]*structpb.Value, key string) (int64, error) {
	num, ok := fields[key].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, errors.Errorf("decode message: missing %s", key)
	}
	x := num.NumberValue
	if x != math.Trunc(x) || x < 0 {
		return 0, errors.Errorf("decode message: invalid %s %v", key, x)
	}
	return int64(x), nil
}
