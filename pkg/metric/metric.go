// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"gvisor.dev/pager/pkg/atomicbitops"
	"gvisor.dev/pager/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

var (
	// mu protects initialized and allMetrics.
	mu sync.Mutex

	// initialized indicates that all metrics are registered. allMetrics is
	// immutable once initialized is true.
	initialized bool

	// allMetrics are the registered metrics.
	allMetrics = makeMetricSet()
)

// Initialize marks registration as complete. Metrics created afterwards fail
// with ErrInitializationDone.
func Initialize() {
	mu.Lock()
	defer mu.Unlock()
	initialized = true
}

type customUint64Metric struct {
	name        string
	description string
	fieldMapper fieldMapper

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps multi-dimensional field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It panics if the number
// of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations
IdxLookup:
	for i, val := range fieldValues {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}
		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}
	return idx
}

// keyToMultiField is the reverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	depth := len(m.fields)
	if depth == 0 {
		return nil
	}
	fields := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fields[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fields
}

// label formats the field values for key as name=value pairs.
func (m fieldMapper) label(key int) string {
	values := m.keyToMultiField(key)
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%s=%q", m.fields[i].name, v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value on each read.
//
// Preconditions:
//   - name must be globally unique.
//   - value is expected to accept exactly len(fields) arguments.
func RegisterCustomUint64Metric(name, description string, value func(...string) uint64, fields ...Field) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return ErrInitializationDone
	}
	if allMetrics.inUse(name) {
		return ErrNameInUse
	}
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return err
	}
	allMetrics.customUint64Metrics[name] = customUint64Metric{
		name:        name,
		description: description,
		fieldMapper: fm,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name, description string, value func(...string) uint64, fields ...Field) {
	if err := RegisterCustomUint64Metric(name, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil, ErrInitializationDone
	}
	if allMetrics.inUse(name) {
		return nil, ErrNameInUse
	}
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      make([]atomicbitops.Uint64, fm.numFieldCombinations),
		fieldMapper: fm,
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will
// panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// metricSet holds metric registrations.
type metricSet struct {
	uint64Metrics       map[string]*Uint64Metric
	customUint64Metrics map[string]customUint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{
		uint64Metrics:       make(map[string]*Uint64Metric),
		customUint64Metrics: make(map[string]customUint64Metric),
	}
}

func (s *metricSet) inUse(name string) bool {
	_, ok := s.uint64Metrics[name]
	_, custom := s.customUint64Metrics[name]
	return ok || custom
}

// Sample is one value of one metric field combination.
type Sample struct {
	// Name is the metric name, followed by its field values if any.
	Name  string
	Value uint64
}

// Snapshot returns the current value of every registered metric and field
// combination, sorted by name.
func Snapshot() []Sample {
	mu.Lock()
	defer mu.Unlock()
	var samples []Sample
	for name, m := range allMetrics.uint64Metrics {
		for key := range m.fields {
			samples = append(samples, Sample{
				Name:  name + m.fieldMapper.label(key),
				Value: m.fields[key].Load(),
			})
		}
	}
	for name, m := range allMetrics.customUint64Metrics {
		for key := 0; key < m.fieldMapper.numFieldCombinations; key++ {
			samples = append(samples, Sample{
				Name:  name + m.fieldMapper.label(key),
				Value: m.value(m.fieldMapper.keyToMultiField(key)...),
			})
		}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

// WriteText writes a Snapshot to w, one "name value" pair per line.
func WriteText(w io.Writer) error {
	for _, s := range Snapshot() {
		if _, err := fmt.Fprintf(w, "%s %d\n", s.Name, s.Value); err != nil {
			return err
		}
	}
	return nil
}
