package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// StringSet stores a set of strings as a JSON array in a text column.
// Values are de-duplicated and kept sorted so that equal sets compare
// equal byte for byte.
type StringSet []string

// NewStringSet builds a normalised set from the given values.
func NewStringSet(values ...string) StringSet {
	s := StringSet(values)
	return s.normalise()
}

func (s StringSet) normalise() StringSet {
	if len(s) == 0 {
		return StringSet{}
	}
	seen := make(map[string]struct{}, len(s))
	out := make(StringSet, 0, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether v is in the set.
func (s StringSet) Contains(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Scan implements the sql.Scanner interface.
func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = StringSet{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("StringSet: unsupported scan type")
	}

	str := strings.TrimSpace(string(data))
	if str == "" {
		*s = StringSet{}
		return nil
	}

	var raw []string
	if err := json.Unmarshal([]byte(str), &raw); err != nil {
		return err
	}
	*s = StringSet(raw).normalise()
	return nil
}

// Value implements the driver.Valuer interface.
func (s StringSet) Value() (driver.Value, error) {
	data, err := json.Marshal(s.normalise())
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType returns the GORM data type hint.
func (StringSet) GormDataType() string {
	return "text"
}
