// Package plist encodes and decodes the property-list records stored in a
// munki repository.
package plist

import (
	"fmt"

	"howett.net/plist"
)

// Record is the parsed content of a single plist file. Values are the
// types produced by the decoder: string, uint64, int64, float64, bool,
// time.Time, []byte, []any and map[string]any.
type Record = map[string]any

// Codec parses and serializes records.
type Codec interface {
	Parse(data []byte) (Record, error)
	Serialize(rec Record) ([]byte, error)
}

// XMLCodec reads any plist format and writes XML, tab indented, which is
// what munki tooling and plistlib produce.
type XMLCodec struct{}

// Parse decodes data into a Record. The top level object must be a dict.
func (XMLCodec) Parse(data []byte) (Record, error) {
	var rec Record
	if _, err := plist.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	if rec == nil {
		rec = Record{}
	}
	return rec, nil
}

// Serialize encodes rec as an XML plist.
func (XMLCodec) Serialize(rec Record) ([]byte, error) {
	if rec == nil {
		rec = Record{}
	}
	data, err := plist.MarshalIndent(rec, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plist: %w", err)
	}
	return data, nil
}

// Format reports the name of the detected format of data ("XML", "Binary",
// "OpenStep" or "GNUStep"), or an error if it is not a plist at all.
func Format(data []byte) (string, error) {
	var v any
	format, err := plist.Unmarshal(data, &v)
	if err != nil {
		return "", err
	}
	return plist.FormatNames[format], nil
}
