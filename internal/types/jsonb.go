package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*StatusFilter)(nil)
	_ driver.Valuer = StatusFilter(nil)
	_ sql.Scanner   = (*DisplayOptions)(nil)
	_ driver.Valuer = DisplayOptions{}
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (f *StatusFilter) Scan(value interface{}) error {
	if value == nil {
		*f = StatusFilter{}
		return nil
	}
	return scanJSONB(f, value)
}

// Value writes the filter as a sorted JSON array. A nil filter is stored as
// an empty array so the column never holds NULL.
func (f StatusFilter) Value() (driver.Value, error) {
	return json.Marshal(f.Statuses())
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
// Missing keys keep their defaults.
func (d *DisplayOptions) Scan(value interface{}) error {
	if value == nil {
		*d = DefaultDisplayOptions()
		return nil
	}
	*d = DefaultDisplayOptions()
	return scanJSONB(d, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (d DisplayOptions) Value() (driver.Value, error) {
	return json.Marshal(d)
}
