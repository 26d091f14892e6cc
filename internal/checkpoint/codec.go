package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidPayload is returned when an encoded checkpoint is missing required fields.
var ErrInvalidPayload = errors.New("invalid checkpoint payload")

// #region to-struct
// ToStruct converts a record to a protobuf Struct shaped like
// {"state_dict": {...}, "epoch": n, "scores": [...], ...}.
func ToStruct(rec Record) (*structpb.Struct, error) {
	stateDict := make(map[string]interface{}, len(rec.StateDict))
	for name, values := range rec.StateDict {
		list := make([]interface{}, len(values))
		for i, v := range values {
			list[i] = v
		}
		stateDict[name] = list
	}

	scores := make([]interface{}, len(rec.Scores))
	for i, s := range rec.Scores {
		scores[i] = map[string]interface{}{"name": s.Name, "value": s.Value}
	}

	created := ""
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"checkpoint_id": rec.CheckpointID,
		"run_id":        rec.RunID,
		"destination":   rec.Destination,
		"epoch":         float64(rec.Epoch),
		"created_at":    created,
		"scores":        scores,
		"state_dict":    stateDict,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkpoint struct: %w", err)
	}
	return st, nil
}

// #endregion to-struct

// #region from-struct
// FromStruct is the inverse of ToStruct.
func FromStruct(st *structpb.Struct) (Record, error) {
	fields := st.GetFields()
	epochVal, ok := fields["epoch"]
	if !ok {
		return Record{}, fmt.Errorf("%w: missing epoch", ErrInvalidPayload)
	}
	sdVal, ok := fields["state_dict"]
	if !ok || sdVal.GetStructValue() == nil {
		return Record{}, fmt.Errorf("%w: missing state_dict", ErrInvalidPayload)
	}

	rec := Record{
		CheckpointID: fields["checkpoint_id"].GetStringValue(),
		RunID:        fields["run_id"].GetStringValue(),
		Destination:  fields["destination"].GetStringValue(),
		Epoch:        int(epochVal.GetNumberValue()),
		StateDict:    make(map[string][]float64),
	}

	if created := fields["created_at"].GetStringValue(); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return Record{}, fmt.Errorf("%w: created_at: %v", ErrInvalidPayload, err)
		}
		rec.CreatedAt = t
	}

	for name, v := range sdVal.GetStructValue().GetFields() {
		list := v.GetListValue()
		if list == nil {
			return Record{}, fmt.Errorf("%w: state_dict[%q] is not a list", ErrInvalidPayload, name)
		}
		values := make([]float64, len(list.GetValues()))
		for i, x := range list.GetValues() {
			values[i] = x.GetNumberValue()
		}
		rec.StateDict[name] = values
	}

	for _, v := range fields["scores"].GetListValue().GetValues() {
		sf := v.GetStructValue().GetFields()
		rec.Scores = append(rec.Scores, monitor.Score{
			Name:  sf["name"].GetStringValue(),
			Value: sf["value"].GetNumberValue(),
		})
	}
	return rec, nil
}

// #endregion from-struct

// #region encode
// Encode serializes a record to protobuf wire bytes.
func Encode(rec Record) ([]byte, error) {
	st, err := ToStruct(rec)
	if err != nil {
		return nil, err
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return b, nil
}

// Decode parses bytes written by Encode.
func Decode(b []byte) (Record, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return Record{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return FromStruct(&st)
}

// #endregion encode
