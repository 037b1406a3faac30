package summary

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of the TensorBoard messages written here (subset of
// tensorflow/core/util/event.proto and summary.proto):
//
//	Event           1 wall_time (double)  2 step  3 file_version  5 summary
//	Summary         1 value (repeated Value)
//	Value           1 tag  2 simple_value (float)  4 image  8 tensor  9 metadata
//	Image           1 height  2 width  3 colorspace  4 encoded_image_string
//	TensorProto     1 dtype  2 tensor_shape  8 string_val (repeated)
//	SummaryMetadata 1 plugin_data
//	PluginData      1 plugin_name

const dtString = 7

// Image is an encoded image summary.
type Image struct {
	Height, Width int
	Colorspace    int
	Encoded       []byte
}

// Value is one tagged summary entry. Exactly one of Simple, Image or Text is
// meaningful, as reported by Kind.
type Value struct {
	Tag    string
	Kind   ValueKind
	Simple float32
	Image  *Image
	Text   string
}

// ValueKind tells which field of a Value carries data.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindImage
	KindText
)

// Event is one record of an event file.
type Event struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Values      []Value
}

func marshalValue(v Value) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, v.Tag)
	switch v.Kind {
	case KindScalar:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v.Simple))
	case KindImage:
		var img []byte
		img = protowire.AppendTag(img, 1, protowire.VarintType)
		img = protowire.AppendVarint(img, uint64(v.Image.Height))
		img = protowire.AppendTag(img, 2, protowire.VarintType)
		img = protowire.AppendVarint(img, uint64(v.Image.Width))
		img = protowire.AppendTag(img, 3, protowire.VarintType)
		img = protowire.AppendVarint(img, uint64(v.Image.Colorspace))
		img = protowire.AppendTag(img, 4, protowire.BytesType)
		img = protowire.AppendBytes(img, v.Image.Encoded)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, img)
	case KindText:
		var t []byte
		t = protowire.AppendTag(t, 1, protowire.VarintType)
		t = protowire.AppendVarint(t, dtString)
		t = protowire.AppendTag(t, 2, protowire.BytesType)
		t = protowire.AppendBytes(t, nil)
		t = protowire.AppendTag(t, 8, protowire.BytesType)
		t = protowire.AppendString(t, v.Text)
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, t)

		var plugin []byte
		plugin = protowire.AppendTag(plugin, 1, protowire.BytesType)
		plugin = protowire.AppendString(plugin, "text")
		var meta []byte
		meta = protowire.AppendTag(meta, 1, protowire.BytesType)
		meta = protowire.AppendBytes(meta, plugin)
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, meta)
	}
	return b
}

func marshalEvent(e Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(e.WallTime))
	if e.Step != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Step))
	}
	if e.FileVersion != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, e.FileVersion)
	}
	if len(e.Values) > 0 {
		var s []byte
		for _, v := range e.Values {
			s = protowire.AppendTag(s, 1, protowire.BytesType)
			s = protowire.AppendBytes(s, marshalValue(v))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

// fields walks the fields of a message, calling fn with the raw field value
// for varint, fixed and length-delimited fields.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			raw    []byte
			scalar uint64
		)
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			scalar = uint64(v)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, raw, scalar); err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
	}
	return nil
}

func unmarshalImage(b []byte) (*Image, error) {
	img := &Image{}
	err := fields(b, func(num protowire.Number, _ protowire.Type, raw []byte, scalar uint64) error {
		switch num {
		case 1:
			img.Height = int(scalar)
		case 2:
			img.Width = int(scalar)
		case 3:
			img.Colorspace = int(scalar)
		case 4:
			img.Encoded = append([]byte(nil), raw...)
		}
		return nil
	})
	return img, err
}

func unmarshalText(b []byte) (string, error) {
	var text string
	err := fields(b, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
		if num == 8 {
			text = string(raw)
		}
		return nil
	})
	return text, err
}

func unmarshalValue(b []byte) (Value, error) {
	var v Value
	err := fields(b, func(num protowire.Number, _ protowire.Type, raw []byte, scalar uint64) error {
		var err error
		switch num {
		case 1:
			v.Tag = string(raw)
		case 2:
			v.Kind = KindScalar
			v.Simple = math.Float32frombits(uint32(scalar))
		case 4:
			v.Kind = KindImage
			v.Image, err = unmarshalImage(raw)
		case 8:
			v.Kind = KindText
			v.Text, err = unmarshalText(raw)
		}
		return err
	})
	return v, err
}

func unmarshalEvent(b []byte) (Event, error) {
	var e Event
	err := fields(b, func(num protowire.Number, _ protowire.Type, raw []byte, scalar uint64) error {
		switch num {
		case 1:
			e.WallTime = math.Float64frombits(scalar)
		case 2:
			e.Step = int64(scalar)
		case 3:
			e.FileVersion = string(raw)
		case 5:
			return fields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
				if num != 1 {
					return nil
				}
				v, err := unmarshalValue(raw)
				if err != nil {
					return err
				}
				e.Values = append(e.Values, v)
				return nil
			})
		}
		return nil
	})
	return e, err
}
