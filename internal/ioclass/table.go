// Package ioclass builds immutable io class tables and classifies requests
// against them.
package ioclass

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gftdcojp/cas-ioclass/internal/rule"
	"github.com/go-playground/validator/v10"
)

const (
	// MaxClasses bounds class ids to [0, MaxClasses).
	MaxClasses = 33

	// Unclassified is the reserved catch-all class id.
	Unclassified uint32 = 0

	MaxPriority = 255
	MaxNameLen  = 1024
)

// CacheMode optionally overrides the cache mode for requests of a class.
type CacheMode string

const (
	ModeDefault      CacheMode = ""
	ModeWriteThrough CacheMode = "wt"
	ModeWriteBack    CacheMode = "wb"
	ModeWriteAround  CacheMode = "wa"
	ModeWriteOnly    CacheMode = "wo"
	ModePassThrough  CacheMode = "pt"
)

// ClassSpec is one entry of an io class configuration, as read from a config
// file or an API request.
type ClassSpec struct {
	ID               uint32    `json:"id" yaml:"id" validate:"lt=33"`
	Name             string    `json:"name" yaml:"name" validate:"required,max=1024"`
	Rule             string    `json:"rule" yaml:"rule"`
	Priority         int       `json:"priority" yaml:"priority" validate:"gte=0,lte=255"`
	EvictionPriority int       `json:"eviction_priority" yaml:"eviction_priority" validate:"gte=0,lte=255"`
	Allocation       float64   `json:"allocation" yaml:"allocation" validate:"gte=0,lte=1"`
	CacheMode        CacheMode `json:"cache_mode,omitempty" yaml:"cache_mode,omitempty" validate:"omitempty,oneof=wt wb wa wo pt"`
}

// IoClass is a validated class with its compiled rule.
type IoClass struct {
	ID               uint32
	Name             string
	Rule             rule.Rule
	Priority         int
	EvictionPriority int
	Allocation       float64
	CacheMode        CacheMode
}

// Spec converts the class back into its configuration form.
func (c IoClass) Spec() ClassSpec {
	return ClassSpec{
		ID:               c.ID,
		Name:             c.Name,
		Rule:             c.Rule.String(),
		Priority:         c.Priority,
		EvictionPriority: c.EvictionPriority,
		Allocation:       c.Allocation,
		CacheMode:        c.CacheMode,
	}
}

// Table is an immutable, validated set of io classes. Classes are kept sorted
// by ascending priority with ties broken by ascending id.
type Table struct {
	classes []IoClass
	order   []int // evaluation order, class 0 excluded
	index   [MaxClasses]int16
	maxID   uint32
}

// Classify returns the id of the first class whose rule matches attrs,
// falling back to the unclassified class.
func (t *Table) Classify(attrs *rule.Attributes) uint32 {
	for _, i := range t.order {
		if t.classes[i].Rule.Matches(attrs) {
			return t.classes[i].ID
		}
	}
	return Unclassified
}

// Classes returns a copy of the classes in priority order.
func (t *Table) Classes() []IoClass {
	out := make([]IoClass, len(t.classes))
	copy(out, t.classes)
	return out
}

// Specs returns the table in its configuration form, in priority order.
func (t *Table) Specs() []ClassSpec {
	out := make([]ClassSpec, len(t.classes))
	for i, c := range t.classes {
		out[i] = c.Spec()
	}
	return out
}

// Lookup returns the class with the given id.
func (t *Table) Lookup(id uint32) (IoClass, bool) {
	if id >= MaxClasses || t.index[id] == 0 {
		return IoClass{}, false
	}
	return t.classes[t.index[id]-1], true
}

// Contains reports whether id is a class of this table.
func (t *Table) Contains(id uint32) bool {
	return id < MaxClasses && t.index[id] != 0
}

// Len returns the number of classes.
func (t *Table) Len() int {
	return len(t.classes)
}

// MaxID returns the largest class id in the table.
func (t *Table) MaxID() uint32 {
	return t.maxID
}

// DefaultSpecs is the configuration installed when a cache starts.
func DefaultSpecs() []ClassSpec {
	return []ClassSpec{{
		ID:         Unclassified,
		Name:       "unclassified",
		Rule:       "unclassified",
		Priority:   MaxPriority,
		Allocation: 1,
	}}
}

// Default returns the table holding only the unclassified class.
func Default() *Table {
	t, err := Build(DefaultSpecs())
	if err != nil {
		panic(err)
	}
	return t
}

var validate = newValidator()

// newValidator reports field errors under their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Builder validates class specs and compiles them into tables.
type Builder struct {
	compiler *rule.Compiler
}

// NewBuilder returns a Builder that compiles rules through compiler. A nil
// compiler compiles every rule from scratch.
func NewBuilder(compiler *rule.Compiler) *Builder {
	return &Builder{compiler: compiler}
}

// Build validates specs and compiles them with a non-caching Builder.
func Build(specs []ClassSpec) (*Table, error) {
	return NewBuilder(nil).Build(specs)
}

// Build validates every spec and returns a complete table, or a *ConfigError
// describing the first offending entry. Nothing is shared with previously
// built tables except immutable compiled rules.
func (b *Builder) Build(specs []ClassSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, &ConfigError{Index: -1, Err: ErrEmptyConfig}
	}

	t := &Table{classes: make([]IoClass, 0, len(specs))}
	var seen [MaxClasses]bool

	for i, s := range specs {
		if err := validate.Struct(s); err != nil {
			return nil, fieldError(i, s.ID, err)
		}
		if seen[s.ID] {
			return nil, &ConfigError{Index: i, ClassID: s.ID, Field: "id", Err: ErrDuplicateID}
		}
		seen[s.ID] = true

		r := rule.All()
		if s.ID != Unclassified {
			compiled, err := b.compile(s.Rule)
			if err != nil {
				return nil, &ConfigError{Index: i, ClassID: s.ID, Field: "rule", Err: err}
			}
			r = compiled
		}

		t.classes = append(t.classes, IoClass{
			ID:               s.ID,
			Name:             s.Name,
			Rule:             r,
			Priority:         s.Priority,
			EvictionPriority: s.EvictionPriority,
			Allocation:       s.Allocation,
			CacheMode:        s.CacheMode,
		})
	}
	if !seen[Unclassified] {
		return nil, &ConfigError{Index: -1, Err: ErrMissingUnclassified}
	}

	sort.Slice(t.classes, func(i, j int) bool {
		if t.classes[i].Priority != t.classes[j].Priority {
			return t.classes[i].Priority < t.classes[j].Priority
		}
		return t.classes[i].ID < t.classes[j].ID
	})

	t.order = make([]int, 0, len(t.classes)-1)
	for i, c := range t.classes {
		t.index[c.ID] = int16(i + 1)
		if c.ID > t.maxID {
			t.maxID = c.ID
		}
		if c.ID != Unclassified {
			t.order = append(t.order, i)
		}
	}
	return t, nil
}

func (b *Builder) compile(expr string) (rule.Rule, error) {
	if b.compiler != nil {
		return b.compiler.Compile(expr)
	}
	return rule.Compile(expr)
}

func fieldError(index int, id uint32, err error) *ConfigError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		return &ConfigError{
			Index:   index,
			ClassID: id,
			Field:   fe.Field(),
			Err:     fmt.Errorf("%w: value %v violates %s", ErrInvalidField, fe.Value(), constraint),
		}
	}
	return &ConfigError{Index: index, ClassID: id, Err: err}
}
