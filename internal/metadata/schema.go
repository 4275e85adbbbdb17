package metadata

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

// Section names accepted in changes.
const (
	SectionEXIF  = "exif"
	SectionGPS   = "gps"
	SectionDates = "dates"
	SectionIPTC  = "iptc"
	SectionXMP   = "xmp"
	SectionICC   = "icc"
)

type fieldKind int

const (
	kindText fieldKind = iota
	kindInt
	kindFloat
	kindList
	kindCoord // signed decimal degrees, written with a hemisphere ref
	kindAltitude
)

type field struct {
	tag  string // tag name without group
	read []string
	kind fieldKind
	// bounds for kindCoord
	limit float64
	pos   string
	neg   string
}

// sectionGroups maps a section to the group its tags are written under.
var sectionGroups = map[string]string{
	SectionEXIF:  "EXIF",
	SectionGPS:   "GPS",
	SectionDates: "EXIF",
	SectionIPTC:  "IPTC",
	SectionXMP:   "XMP",
}

var schema = map[string]map[string]field{
	SectionEXIF: {
		"make":              {tag: "Make", read: []string{"EXIF:Make"}},
		"model":             {tag: "Model", read: []string{"EXIF:Model"}},
		"lens_model":        {tag: "LensModel", read: []string{"EXIF:LensModel", "Composite:LensID"}},
		"software":          {tag: "Software", read: []string{"EXIF:Software"}},
		"artist":            {tag: "Artist", read: []string{"EXIF:Artist"}},
		"copyright":         {tag: "Copyright", read: []string{"EXIF:Copyright"}},
		"image_description": {tag: "ImageDescription", read: []string{"EXIF:ImageDescription"}},
		"orientation":       {tag: "Orientation", read: []string{"EXIF:Orientation"}, kind: kindInt},
		"exposure_time":     {tag: "ExposureTime", read: []string{"EXIF:ExposureTime"}, kind: kindFloat},
		"f_number":          {tag: "FNumber", read: []string{"EXIF:FNumber"}, kind: kindFloat},
		"iso":               {tag: "ISO", read: []string{"EXIF:ISO"}, kind: kindInt},
		"focal_length":      {tag: "FocalLength", read: []string{"EXIF:FocalLength"}, kind: kindFloat},
		"image_width":       {tag: "ExifImageWidth", read: []string{"EXIF:ExifImageWidth", "File:ImageWidth"}, kind: kindInt},
		"image_height":      {tag: "ExifImageHeight", read: []string{"EXIF:ExifImageHeight", "File:ImageHeight"}, kind: kindInt},
	},
	SectionGPS: {
		"latitude":  {tag: "GPSLatitude", read: []string{"Composite:GPSLatitude"}, kind: kindCoord, limit: 90, pos: "N", neg: "S"},
		"longitude": {tag: "GPSLongitude", read: []string{"Composite:GPSLongitude"}, kind: kindCoord, limit: 180, pos: "E", neg: "W"},
		"altitude":  {tag: "GPSAltitude", read: []string{"Composite:GPSAltitude"}, kind: kindAltitude},
		"timestamp": {tag: "GPSTimeStamp", read: []string{"EXIF:GPSTimeStamp", "Composite:GPSDateTime"}},
	},
	SectionDates: {
		"date_time_original": {tag: "DateTimeOriginal", read: []string{"EXIF:DateTimeOriginal"}},
		"create_date":        {tag: "CreateDate", read: []string{"EXIF:CreateDate"}},
		"modify_date":        {tag: "ModifyDate", read: []string{"EXIF:ModifyDate"}},
		"offset_time":        {tag: "OffsetTime", read: []string{"EXIF:OffsetTime", "EXIF:OffsetTimeOriginal"}},
	},
	SectionIPTC: {
		"object_name":      {tag: "ObjectName", read: []string{"IPTC:ObjectName"}},
		"caption":          {tag: "Caption-Abstract", read: []string{"IPTC:Caption-Abstract"}},
		"byline":           {tag: "By-line", read: []string{"IPTC:By-line"}},
		"city":             {tag: "City", read: []string{"IPTC:City"}},
		"country":          {tag: "Country-PrimaryLocationName", read: []string{"IPTC:Country-PrimaryLocationName"}},
		"credit":           {tag: "Credit", read: []string{"IPTC:Credit"}},
		"copyright_notice": {tag: "CopyrightNotice", read: []string{"IPTC:CopyrightNotice"}},
		"keywords":         {tag: "Keywords", read: []string{"IPTC:Keywords"}, kind: kindList},
	},
	SectionXMP: {
		"title":       {tag: "Title", read: []string{"XMP:Title"}},
		"description": {tag: "Description", read: []string{"XMP:Description"}},
		"creator":     {tag: "Creator", read: []string{"XMP:Creator"}},
		"label":       {tag: "Label", read: []string{"XMP:Label"}},
		"rating":      {tag: "Rating", read: []string{"XMP:Rating"}, kind: kindInt},
		"subject":     {tag: "Subject", read: []string{"XMP:Subject"}, kind: kindList},
	},
	SectionICC: {
		"profile_description": {read: []string{"ICC_Profile:ProfileDescription"}},
		"color_space":         {read: []string{"ICC_Profile:ColorSpaceData"}},
		"device_manufacturer": {read: []string{"ICC_Profile:DeviceManufacturer"}},
		"profile_version":     {read: []string{"ICC_Profile:ProfileVersion"}},
	},
}

var rawTagName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w: "+format, append([]any{errs.ErrMetadataWrite, errs.ErrValidation}, args...)...)
}

// translate turns changes into tag assignments. Any invalid change fails the batch.
func translate(changes []model.Change) ([]Tag, error) {
	var tags []Tag
	for i, c := range changes {
		t, err := translateOne(c)
		if err != nil {
			return nil, fmt.Errorf("change[%d]: %w", i, err)
		}
		tags = append(tags, t...)
	}
	return tags, nil
}

func translateOne(c model.Change) ([]Tag, error) {
	section := strings.ToLower(strings.TrimSpace(c.Section))
	if section == SectionICC {
		return nil, validationErr("section %q is read-only", section)
	}
	group, ok := sectionGroups[section]
	if !ok {
		return nil, validationErr("unknown section %q", c.Section)
	}

	f, ok := schema[section][c.Field]
	if !ok {
		if !rawTagName.MatchString(c.Field) {
			return nil, validationErr("invalid field name %q", c.Field)
		}
		f = field{tag: c.Field}
	}

	if c.Value.IsNull() {
		tags := []Tag{{Group: group, Name: f.tag}}
		if f.kind == kindCoord || f.kind == kindAltitude {
			tags = append(tags, Tag{Group: group, Name: f.tag + "Ref"})
		}
		return tags, nil
	}

	switch f.kind {
	case kindList:
		vals, err := listValues(c.Value)
		if err != nil {
			return nil, err
		}
		return []Tag{{Group: group, Name: f.tag, Values: vals}}, nil
	case kindInt:
		n, err := numeric(c.Value)
		if err != nil {
			return nil, err
		}
		if n != math.Trunc(n) {
			return nil, validationErr("%s expects an integer", c.Field)
		}
		return []Tag{{Group: group, Name: f.tag, Values: []string{strconv.FormatInt(int64(n), 10)}}}, nil
	case kindFloat:
		n, err := numeric(c.Value)
		if err != nil {
			return nil, err
		}
		return []Tag{{Group: group, Name: f.tag, Values: []string{formatFloat(n)}}}, nil
	case kindCoord:
		n, err := numeric(c.Value)
		if err != nil {
			return nil, err
		}
		if math.Abs(n) > f.limit {
			return nil, validationErr("%s out of range: %v", c.Field, n)
		}
		ref := f.pos
		if n < 0 {
			ref = f.neg
		}
		return []Tag{
			{Group: group, Name: f.tag, Values: []string{formatFloat(math.Abs(n))}},
			{Group: group, Name: f.tag + "Ref", Values: []string{ref}},
		}, nil
	case kindAltitude:
		n, err := numeric(c.Value)
		if err != nil {
			return nil, err
		}
		ref := "0"
		if n < 0 {
			ref = "1"
		}
		return []Tag{
			{Group: group, Name: f.tag, Values: []string{formatFloat(math.Abs(n))}},
			{Group: group, Name: f.tag + "Ref", Values: []string{ref}},
		}, nil
	}

	v, err := scalarText(c.Value)
	if err != nil {
		return nil, err
	}
	return []Tag{{Group: group, Name: f.tag, Values: []string{v}}}, nil
}

func scalarText(v model.Value) (string, error) {
	switch v.Kind {
	case model.KindString, model.KindNumber, model.KindBool:
		return v.Text(), nil
	}
	return "", validationErr("expected a scalar value")
}

func listValues(v model.Value) ([]string, error) {
	if v.Kind != model.KindList {
		s, err := scalarText(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		s, err := scalarText(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, validationErr("empty list, use null to delete")
	}
	return out, nil
}

func numeric(v model.Value) (float64, error) {
	switch v.Kind {
	case model.KindNumber:
		if f, ok := v.Float64(); ok {
			return f, nil
		}
	case model.KindString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f, nil
		}
	}
	return 0, validationErr("expected a number")
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// structure derives the typed sections from a raw tag dump.
func structure(raw model.Raw) model.Metadata {
	md := model.Metadata{Raw: raw}

	var ex model.EXIF
	if fill(raw, SectionEXIF, map[string]any{
		"make": &ex.Make, "model": &ex.Model, "lens_model": &ex.LensModel,
		"software": &ex.Software, "artist": &ex.Artist, "copyright": &ex.Copyright,
		"image_description": &ex.ImageDescription, "orientation": &ex.Orientation,
		"exposure_time": &ex.ExposureTime, "f_number": &ex.FNumber, "iso": &ex.ISO,
		"focal_length": &ex.FocalLength, "image_width": &ex.ImageWidth, "image_height": &ex.ImageHeight,
	}) {
		md.EXIF = &ex
	}

	var gps model.GPS
	found := fill(raw, SectionGPS, map[string]any{
		"latitude": &gps.Latitude, "longitude": &gps.Longitude,
		"altitude": &gps.Altitude, "timestamp": &gps.Timestamp,
	})
	if gps.Latitude == nil {
		gps.Latitude = refSigned(raw, "EXIF:GPSLatitude", "EXIF:GPSLatitudeRef", "S")
	}
	if gps.Longitude == nil {
		gps.Longitude = refSigned(raw, "EXIF:GPSLongitude", "EXIF:GPSLongitudeRef", "W")
	}
	if found || gps.Latitude != nil || gps.Longitude != nil {
		md.GPS = &gps
	}

	var d model.Dates
	if fill(raw, SectionDates, map[string]any{
		"date_time_original": &d.DateTimeOriginal, "create_date": &d.CreateDate,
		"modify_date": &d.ModifyDate, "offset_time": &d.OffsetTime,
	}) {
		md.Dates = &d
	}

	var ip model.IPTC
	if fill(raw, SectionIPTC, map[string]any{
		"object_name": &ip.ObjectName, "caption": &ip.Caption, "byline": &ip.Byline,
		"city": &ip.City, "country": &ip.Country, "credit": &ip.Credit,
		"copyright_notice": &ip.CopyrightNotice, "keywords": &ip.Keywords,
	}) {
		md.IPTC = &ip
	}

	var x model.XMP
	if fill(raw, SectionXMP, map[string]any{
		"title": &x.Title, "description": &x.Description, "creator": &x.Creator,
		"label": &x.Label, "rating": &x.Rating, "subject": &x.Subject,
	}) {
		md.XMP = &x
	}

	var icc model.ICC
	if fill(raw, SectionICC, map[string]any{
		"profile_description": &icc.ProfileDescription, "color_space": &icc.ColorSpace,
		"device_manufacturer": &icc.DeviceManufacturer, "profile_version": &icc.ProfileVersion,
	}) {
		md.ICC = &icc
	}
	return md
}

// fill copies schema fields of section from raw into dst pointers and
// reports whether any was present.
func fill(raw model.Raw, section string, dst map[string]any) bool {
	found := false
	for name, ptr := range dst {
		f := schema[section][name]
		v, ok := lookup(raw, f.read...)
		if !ok {
			continue
		}
		switch p := ptr.(type) {
		case *string:
			*p = textOf(v)
		case *int:
			n, ok := v.Float64()
			if !ok {
				continue
			}
			*p = int(n)
		case *float64:
			n, ok := v.Float64()
			if !ok {
				continue
			}
			*p = n
		case **float64:
			n, ok := v.Float64()
			if !ok {
				continue
			}
			*p = &n
		case *[]string:
			*p = listOf(v)
		}
		found = true
	}
	return found
}

func lookup(raw model.Raw, keys ...string) (model.Value, bool) {
	for _, k := range keys {
		if v, ok := raw.Get(k); ok && !v.IsNull() {
			return v, true
		}
	}
	return model.Value{}, false
}

func textOf(v model.Value) string {
	if v.Kind == model.KindList {
		return strings.Join(listOf(v), ", ")
	}
	return v.Text()
}

func listOf(v model.Value) []string {
	if v.Kind != model.KindList {
		return []string{v.Text()}
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		out = append(out, item.Text())
	}
	return out
}

func refSigned(raw model.Raw, key, refKey, negRef string) *float64 {
	v, ok := lookup(raw, key)
	if !ok {
		return nil
	}
	n, ok := v.Float64()
	if !ok {
		return nil
	}
	if r, ok := lookup(raw, refKey); ok && strings.EqualFold(r.Text(), negRef) {
		n = -n
	}
	return &n
}
