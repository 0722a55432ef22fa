package main

import (
	"fmt"
	"strings"
)

// FieldMapper transforms a CSV value into a property value.
type FieldMapper interface {
	Map(csvValue string) (any, error)
}

// ColumnMapping binds a CSV column to a property of the imported row.
type ColumnMapping struct {
	CSVColumn string
	Property  string
	Mapper    FieldMapper
	Required  bool
}

// RowMapper turns CSV records into property values.
type RowMapper struct {
	mappings []ColumnMapping
}

// NewRowMapper creates an empty mapper.
func NewRowMapper() *RowMapper {
	return &RowMapper{}
}

// Map adds an optional column copied as a trimmed string.
func (m *RowMapper) Map(csvColumn, property string) *RowMapper {
	return m.add(csvColumn, property, Trim(), false)
}

// MapWith adds an optional column transformed by mapper.
func (m *RowMapper) MapWith(csvColumn, property string, mapper FieldMapper) *RowMapper {
	return m.add(csvColumn, property, mapper, false)
}

// Required adds a column that must be present and non-empty.
func (m *RowMapper) Required(csvColumn, property string) *RowMapper {
	return m.add(csvColumn, property, Trim(), true)
}

func (m *RowMapper) add(csvColumn, property string, mapper FieldMapper, required bool) *RowMapper {
	m.mappings = append(m.mappings, ColumnMapping{
		CSVColumn: csvColumn,
		Property:  property,
		Mapper:    mapper,
		Required:  required,
	})
	return m
}

// MissingColumns returns the required columns absent from header.
func (m *RowMapper) MissingColumns(header []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[strings.TrimSpace(h)] = true
	}
	var missing []string
	for _, mapping := range m.mappings {
		if mapping.Required && !present[mapping.CSVColumn] {
			missing = append(missing, mapping.CSVColumn)
		}
	}
	return missing
}

// MapRecord transforms one record (column -> value). Empty optional columns
// are skipped; mappers may still supply a default for them.
func (m *RowMapper) MapRecord(record map[string]string) (map[string]any, error) {
	values := make(map[string]any, len(m.mappings))
	for _, mapping := range m.mappings {
		raw := record[mapping.CSVColumn]
		if strings.TrimSpace(raw) == "" && mapping.Required {
			return nil, &MappingError{CSVColumn: mapping.CSVColumn, Property: mapping.Property, Reason: "required field is empty"}
		}
		value, err := mapping.Mapper.Map(raw)
		if err != nil {
			return nil, &MappingError{CSVColumn: mapping.CSVColumn, Property: mapping.Property, RawValue: raw, Reason: err.Error()}
		}
		if value == nil {
			continue
		}
		values[mapping.Property] = value
	}
	return values, nil
}

// MappingError describes a column that could not be mapped.
type MappingError struct {
	CSVColumn string
	Property  string
	RawValue  string
	Reason    string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("column %q -> property %q: value %q - %s",
		e.CSVColumn, e.Property, e.RawValue, e.Reason)
}

// userMapper maps the columns of the sample users file.
func userMapper() *RowMapper {
	return NewRowMapper().
		Required("name", "Name").
		MapWith("email", "Email", TrimWith(ToLower())).
		MapWith("status", "Status", DefaultWith("active", Enum("active", "inactive"))).
		Map("street", "Street").
		Map("city", "City").
		MapWith("phones", "Phonenumbers", Split(";")).
		MapWith("groups", "Groups", Split(";"))
}

// newUser builds a user from mapped values and returns the group names it
// belongs to.
func newUser(values map[string]any) (*User, []string) {
	str := func(key string) string {
		s, _ := values[key].(string)
		return s
	}
	list := func(key string) []string {
		l, _ := values[key].([]string)
		return l
	}

	u := &User{Name: str("Name"), Email: str("Email"), Status: str("Status")}
	if street, city := str("Street"), str("City"); street != "" || city != "" {
		u.Address = &Address{Street: street, City: city}
	}
	for _, number := range list("Phonenumbers") {
		u.Phonenumbers = append(u.Phonenumbers, &Phonenumber{Number: number})
	}
	return u, list("Groups")
}
