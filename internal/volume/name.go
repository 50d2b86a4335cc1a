// Package volume encodes and decodes the remote volume formats: the filename
// scheme and the Blocks, Index, Files and Shadow archive layouts.
package volume

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dup-go/internal/model"
)

// TimeFormat is the timestamp layout embedded in volume names.
const TimeFormat = "20060102T150405Z"

// ErrUnparseable is returned by ParseName for names outside the scheme.
var ErrUnparseable = errors.New("unparseable volume name")

var typeTags = map[model.VolumeType]string{
	model.VolumeBlocks: "b",
	model.VolumeIndex:  "i",
	model.VolumeFiles:  "f",
	model.VolumeShadow: "s",
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var namePattern = regexp.MustCompile(
	`^([A-Za-z0-9_]+)-([bifs])\.([0-9a-f]{32})\.(\d{8}T\d{6}Z)(?:\.(\d+))?\.([a-z][a-z0-9]*)(?:\.([a-z][a-z0-9]*))?$`)

// Name is a parsed volume filename:
//
//	<prefix>-<type-tag>.<guid>.<timestamp>[.<suffix>].<compression>[.<encryption>]
type Name struct {
	Prefix      string
	Type        model.VolumeType
	GUID        string
	Time        time.Time
	Suffix      int
	Compression string
	Encryption  string
}

// ValidPrefix reports whether prefix can be embedded in a volume name.
func ValidPrefix(prefix string) bool {
	return prefixPattern.MatchString(prefix)
}

// NewName creates a name with a fresh generation GUID.
func NewName(prefix string, typ model.VolumeType, t time.Time, compression, encryption string) Name {
	return Name{
		Prefix:      prefix,
		Type:        typ,
		GUID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		Time:        t.UTC().Truncate(time.Second),
		Compression: compression,
		Encryption:  encryption,
	}
}

// String renders the filename.
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(n.Prefix)
	b.WriteByte('-')
	b.WriteString(typeTags[n.Type])
	b.WriteByte('.')
	b.WriteString(n.GUID)
	b.WriteByte('.')
	b.WriteString(n.Time.UTC().Format(TimeFormat))
	if n.Suffix > 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(n.Suffix))
	}
	b.WriteByte('.')
	b.WriteString(n.Compression)
	if n.Encryption != "" {
		b.WriteByte('.')
		b.WriteString(n.Encryption)
	}
	return b.String()
}

// ParseName parses a filename produced by Name.String.
func ParseName(s string) (Name, error) {
	m := namePattern.FindStringSubmatch(s)
	if m == nil {
		return Name{}, fmt.Errorf("%w: %s", ErrUnparseable, s)
	}

	var typ model.VolumeType
	for t, tag := range typeTags {
		if tag == m[2] {
			typ = t
		}
	}

	ts, err := time.Parse(TimeFormat, m[4])
	if err != nil {
		return Name{}, fmt.Errorf("%w: %s: %v", ErrUnparseable, s, err)
	}

	var suffix int
	if m[5] != "" {
		suffix, err = strconv.Atoi(m[5])
		if err != nil {
			return Name{}, fmt.Errorf("%w: %s: %v", ErrUnparseable, s, err)
		}
	}

	return Name{
		Prefix:      m[1],
		Type:        typ,
		GUID:        m[3],
		Time:        ts.UTC(),
		Suffix:      suffix,
		Compression: m[6],
		Encryption:  m[7],
	}, nil
}
