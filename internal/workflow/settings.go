// Package workflow derives the node metadata catalog from a validated bundle.
package workflow

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/ternarybob/k2pweb/internal/archive"
	"github.com/ternarybob/k2pweb/internal/models"
)

// SettingsMeta holds the attributes captured from one settings.xml file. Any
// field may be empty when the corresponding <entry> key is absent.
type SettingsMeta struct {
	FileName string
	Factory  string
	NodeName string
	Name     string
}

// ExtractSettingsMeta scans every non-housekeeping entry whose basename is
// settings.xml (case-insensitive) and captures the factory, node-name and
// name entry values. XML parse errors are tolerated here and yield a row
// with empty fields; well-formedness was already enforced during intake.
func ExtractSettingsMeta(zr *zip.Reader) ([]SettingsMeta, error) {
	var metas []SettingsMeta
	for _, f := range zr.File {
		name := archive.NormalizeName(f.Name)
		if archive.IsHousekeeping(name) {
			continue
		}
		if !strings.EqualFold(baseName(name), "settings.xml") {
			continue
		}

		meta := SettingsMeta{FileName: name}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		if err := scanEntries(data, &meta); err != nil {
			// Tolerated: row is kept with empty fields.
			meta = SettingsMeta{FileName: name}
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// ParseWellFormed parses data strictly and reports the first XML syntax
// error. The decoder never resolves DTDs or external entities; only the
// predefined XML entities are known. That is a hard invariant of intake.
func ParseWellFormed(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	seenRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !seenRoot {
				return errors.New("xml: document has no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			seenRoot = true
		}
	}
}

func scanEntries(data []byte, meta *SettingsMeta) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "entry" {
			continue
		}
		var key, value string
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "key":
				key = attr.Value
			case "value":
				value = attr.Value
			}
		}
		switch key {
		case "factory":
			meta.Factory = value
		case "node-name":
			meta.NodeName = value
		case "name":
			meta.Name = value
		}
	}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeInvalidZip, "cannot read zip entry "+f.Name)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func baseName(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
