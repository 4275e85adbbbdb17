package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Metadata is the normalized view of embedded tags. Nil sections mean the
// source carried none of that group.
type Metadata struct {
	EXIF  *EXIF  `json:"exif,omitempty" cbor:"exif,omitempty"`
	GPS   *GPS   `json:"gps,omitempty" cbor:"gps,omitempty"`
	Dates *Dates `json:"dates,omitempty" cbor:"dates,omitempty"`
	IPTC  *IPTC  `json:"iptc,omitempty" cbor:"iptc,omitempty"`
	XMP   *XMP   `json:"xmp,omitempty" cbor:"xmp,omitempty"`
	ICC   *ICC   `json:"icc,omitempty" cbor:"icc,omitempty"`
	Raw   Raw    `json:"raw" cbor:"raw"`
}

// EmptyMetadata is the snapshot used when extraction fails.
func EmptyMetadata() Metadata { return Metadata{Raw: Raw{}} }

type EXIF struct {
	Make             string  `json:"make,omitempty" cbor:"make,omitempty"`
	Model            string  `json:"model,omitempty" cbor:"model,omitempty"`
	LensModel        string  `json:"lens_model,omitempty" cbor:"lens_model,omitempty"`
	Software         string  `json:"software,omitempty" cbor:"software,omitempty"`
	Artist           string  `json:"artist,omitempty" cbor:"artist,omitempty"`
	Copyright        string  `json:"copyright,omitempty" cbor:"copyright,omitempty"`
	ImageDescription string  `json:"image_description,omitempty" cbor:"image_description,omitempty"`
	Orientation      int     `json:"orientation,omitempty" cbor:"orientation,omitempty"`
	ExposureTime     float64 `json:"exposure_time,omitempty" cbor:"exposure_time,omitempty"`
	FNumber          float64 `json:"f_number,omitempty" cbor:"f_number,omitempty"`
	ISO              int     `json:"iso,omitempty" cbor:"iso,omitempty"`
	FocalLength      float64 `json:"focal_length,omitempty" cbor:"focal_length,omitempty"`
	ImageWidth       int     `json:"image_width,omitempty" cbor:"image_width,omitempty"`
	ImageHeight      int     `json:"image_height,omitempty" cbor:"image_height,omitempty"`
}

type GPS struct {
	Latitude  *float64 `json:"latitude,omitempty" cbor:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty" cbor:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty" cbor:"altitude,omitempty"`
	Timestamp string   `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

type Dates struct {
	DateTimeOriginal string `json:"date_time_original,omitempty" cbor:"date_time_original,omitempty"`
	CreateDate       string `json:"create_date,omitempty" cbor:"create_date,omitempty"`
	ModifyDate       string `json:"modify_date,omitempty" cbor:"modify_date,omitempty"`
	OffsetTime       string `json:"offset_time,omitempty" cbor:"offset_time,omitempty"`
}

type IPTC struct {
	ObjectName      string   `json:"object_name,omitempty" cbor:"object_name,omitempty"`
	Caption         string   `json:"caption,omitempty" cbor:"caption,omitempty"`
	Byline          string   `json:"byline,omitempty" cbor:"byline,omitempty"`
	City            string   `json:"city,omitempty" cbor:"city,omitempty"`
	Country         string   `json:"country,omitempty" cbor:"country,omitempty"`
	Credit          string   `json:"credit,omitempty" cbor:"credit,omitempty"`
	CopyrightNotice string   `json:"copyright_notice,omitempty" cbor:"copyright_notice,omitempty"`
	Keywords        []string `json:"keywords,omitempty" cbor:"keywords,omitempty"`
}

type XMP struct {
	Title       string   `json:"title,omitempty" cbor:"title,omitempty"`
	Description string   `json:"description,omitempty" cbor:"description,omitempty"`
	Creator     string   `json:"creator,omitempty" cbor:"creator,omitempty"`
	Label       string   `json:"label,omitempty" cbor:"label,omitempty"`
	Rating      int      `json:"rating,omitempty" cbor:"rating,omitempty"`
	Subject     []string `json:"subject,omitempty" cbor:"subject,omitempty"`
}

type ICC struct {
	ProfileDescription string `json:"profile_description,omitempty" cbor:"profile_description,omitempty"`
	ColorSpace         string `json:"color_space,omitempty" cbor:"color_space,omitempty"`
	DeviceManufacturer string `json:"device_manufacturer,omitempty" cbor:"device_manufacturer,omitempty"`
	ProfileVersion     string `json:"profile_version,omitempty" cbor:"profile_version,omitempty"`
}

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindBytes
	KindList
	KindMap
)

// Value is a tag value that keeps its original type. Numbers are kept as
// their decimal literal so large integers survive round trips.
type Value struct {
	Kind  ValueKind `json:"k" cbor:"k"`
	Str   string    `json:"s,omitempty" cbor:"s,omitempty"`
	Num   string    `json:"n,omitempty" cbor:"n,omitempty"`
	Bool  bool      `json:"b,omitempty" cbor:"b,omitempty"`
	Bytes []byte    `json:"x,omitempty" cbor:"x,omitempty"`
	List  []Value   `json:"l,omitempty" cbor:"l,omitempty"`
	Map   Raw       `json:"m,omitempty" cbor:"m,omitempty"`
}

func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func List(vs ...Value) Value { return Value{Kind: KindList, List: vs} }
func MapValue(r Raw) Value { return Value{Kind: KindMap, Map: r} }
func Number(literal string) Value { return Value{Kind: KindNumber, Num: literal} }

// Int builds a numeric value from an integer.
func Int(n int64) Value { return Number(strconv.FormatInt(n, 10)) }

// Float builds a numeric value from a float.
func Float(f float64) Value { return Number(strconv.FormatFloat(f, 'f', -1, 64)) }

// IsNull reports whether v carries no value (used as "delete" in changes).
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Float64 returns the numeric value, or false for non-numbers.
func (v Value) Float64() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.Num, 64)
	return f, err == nil
}

// Text renders scalar values the way they are passed to tag writers.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindBytes:
		return "base64:" + base64.StdEncoding.EncodeToString(v.Bytes)
	}
	return ""
}

// MarshalJSON renders the natural JSON form. Byte blobs become {"$bytes": "<base64>"}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		if v.Num == "" {
			return []byte("0"), nil
		}
		return []byte(v.Num), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindBytes:
		return json.Marshal(map[string]string{"$bytes": base64.StdEncoding.EncodeToString(v.Bytes)})
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		return v.Map.MarshalJSON()
	}
	return nil, fmt.Errorf("value: unknown kind %d", v.Kind)
}

// UnmarshalJSON parses natural JSON, preserving object key order and number literals.
func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	out, err := DecodeValue(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Entry is one key of an ordered Raw mapping.
type Entry struct {
	Key   string `json:"key" cbor:"key"`
	Value Value  `json:"value" cbor:"value"`
}

// Raw is an ordered string → Value mapping.
type Raw []Entry

// Get returns the value stored under key.
func (r Raw) Get(key string) (Value, bool) {
	for _, e := range r {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value under key or appends a new entry.
func (r *Raw) Set(key string, v Value) {
	for i := range *r {
		if (*r)[i].Key == key {
			(*r)[i].Value = v
			return
		}
	}
	*r = append(*r, Entry{Key: key, Value: v})
}

// Keys returns keys in insertion order.
func (r Raw) Keys() []string {
	keys := make([]string, len(r))
	for i, e := range r {
		keys[i] = e.Key
	}
	return keys
}

// MarshalJSON emits a JSON object with keys in stored order.
func (r Raw) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		vb, err := e.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order.
func (r *Raw) UnmarshalJSON(b []byte) error {
	var v Value
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	switch v.Kind {
	case KindMap:
		*r = v.Map
	case KindNull:
		*r = Raw{}
	default:
		return fmt.Errorf("raw: expected object, got kind %d", v.Kind)
	}
	return nil
}

// DecodeValue reads the next JSON value from dec as a tagged Value. The
// decoder must have UseNumber enabled.
func DecodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case float64:
		return Float(t), nil
	case bool:
		return Bool(t), nil
	case json.Delim:
		switch t {
		case '[':
			list := []Value{}
			for dec.More() {
				item, err := DecodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				list = append(list, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(list...), nil
		case '{':
			m := Raw{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("raw: non-string key %v", kt)
				}
				item, err := DecodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				m = append(m, Entry{Key: key, Value: item})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			if len(m) == 1 && m[0].Key == "$bytes" && m[0].Value.Kind == KindString {
				b, err := base64.StdEncoding.DecodeString(m[0].Value.Str)
				if err == nil {
					return Bytes(b), nil
				}
			}
			return MapValue(m), nil
		}
	}
	return Value{}, fmt.Errorf("raw: unexpected token %v", tok)
}

// Change is one requested metadata edit. A null Value deletes the field.
type Change struct {
	Section string `json:"section"`
	Field   string `json:"field"`
	Value   Value  `json:"value"`
}
