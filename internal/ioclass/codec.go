package ioclass

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CSV column headers. Files written by older tooling carry only id, name,
// eviction priority and allocation; in that layout the name doubles as the
// rule and the eviction priority doubles as the classification priority.
const (
	colID               = "io class id"
	colName             = "io class name"
	colRule             = "rule"
	colPriority         = "priority"
	colEvictionPriority = "eviction priority"
	colAllocation       = "allocation"
	colCacheMode        = "cache mode"
)

var csvHeader = []string{
	"IO class id", "IO class name", "Rule", "Priority", "Eviction priority", "Allocation", "Cache mode",
}

// ParseConfig decodes an io class config, choosing the format from name's
// extension (.yaml/.yml/.json, anything else is CSV).
func ParseConfig(name string, data []byte) ([]ClassSpec, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return ParseYAML(data)
	default:
		return ParseCSV(bytes.NewReader(data))
	}
}

// ParseCSV decodes a CSV io class config. Row errors are reported as
// *ConfigError with the zero-based data row as Index.
func ParseCSV(r io.Reader) ([]ClassSpec, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ConfigError{Index: -1, Err: ErrEmptyConfig}
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{colID, colName} {
		if _, ok := cols[required]; !ok {
			return nil, &ConfigError{Index: -1, Err: fmt.Errorf("csv header is missing column %q", required)}
		}
	}

	var specs []ClassSpec
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", row, err)
		}
		spec, cerr := specFromRecord(cols, rec)
		if cerr != nil {
			cerr.Index = row
			return nil, cerr
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, &ConfigError{Index: -1, Err: ErrEmptyConfig}
	}
	return specs, nil
}

func specFromRecord(cols map[string]int, rec []string) (ClassSpec, *ConfigError) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		v := strings.TrimSpace(rec[i])
		return v, v != ""
	}
	parseInt := func(name string) (int, bool, error) {
		v, ok := field(name)
		if !ok {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, true, fmt.Errorf("%w: %q is not an integer", ErrInvalidField, v)
		}
		return n, true, nil
	}

	var spec ClassSpec
	idStr, _ := field(colID)
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return spec, &ConfigError{Field: "id", Err: fmt.Errorf("%w: %q is not a class id", ErrInvalidField, idStr)}
	}
	spec.ID = uint32(id)
	spec.Name, _ = field(colName)

	if r, ok := field(colRule); ok {
		spec.Rule = r
	} else if _, hasCol := cols[colRule]; !hasCol {
		spec.Rule = spec.Name
	}

	evict, hasEvict, err := parseInt(colEvictionPriority)
	if err != nil {
		return spec, &ConfigError{ClassID: spec.ID, Field: "eviction_priority", Err: err}
	}
	spec.EvictionPriority = evict

	prio, hasPrio, err := parseInt(colPriority)
	if err != nil {
		return spec, &ConfigError{ClassID: spec.ID, Field: "priority", Err: err}
	}
	switch {
	case hasPrio:
		spec.Priority = prio
	case hasEvict:
		spec.Priority = evict
	}

	spec.Allocation = 1
	if a, ok := field(colAllocation); ok {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return spec, &ConfigError{ClassID: spec.ID, Field: "allocation", Err: fmt.Errorf("%w: %q is not a number", ErrInvalidField, a)}
		}
		spec.Allocation = f
	}

	if m, ok := field(colCacheMode); ok {
		spec.CacheMode = CacheMode(strings.ToLower(m))
	}
	return spec, nil
}

// WriteCSV encodes specs with the full column set.
func WriteCSV(w io.Writer, specs []ClassSpec) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range specs {
		rec := []string{
			strconv.FormatUint(uint64(s.ID), 10),
			s.Name,
			s.Rule,
			strconv.Itoa(s.Priority),
			strconv.Itoa(s.EvictionPriority),
			strconv.FormatFloat(s.Allocation, 'f', 2, 64),
			string(s.CacheMode),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type yamlSpec struct {
	ID               *uint32  `yaml:"id"`
	Name             string   `yaml:"name"`
	Rule             string   `yaml:"rule"`
	Priority         *int     `yaml:"priority"`
	EvictionPriority int      `yaml:"eviction_priority"`
	Allocation       *float64 `yaml:"allocation"`
	CacheMode        string   `yaml:"cache_mode"`
}

// ParseYAML decodes a YAML (or JSON) list of class specs. Missing
// allocation defaults to 1 and missing priority to the eviction priority.
func ParseYAML(data []byte) ([]ClassSpec, error) {
	var docs []yamlSpec
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parsing io class yaml: %w", err)
	}
	if len(docs) == 0 {
		return nil, &ConfigError{Index: -1, Err: ErrEmptyConfig}
	}
	specs := make([]ClassSpec, len(docs))
	for i, d := range docs {
		if d.ID == nil {
			return nil, &ConfigError{Index: i, Field: "id", Err: fmt.Errorf("%w: id is required", ErrInvalidField)}
		}
		s := ClassSpec{
			ID:               *d.ID,
			Name:             d.Name,
			Rule:             d.Rule,
			Priority:         d.EvictionPriority,
			EvictionPriority: d.EvictionPriority,
			Allocation:       1,
			CacheMode:        CacheMode(strings.ToLower(d.CacheMode)),
		}
		if d.Priority != nil {
			s.Priority = *d.Priority
		}
		if d.Allocation != nil {
			s.Allocation = *d.Allocation
		}
		specs[i] = s
	}
	return specs, nil
}
