package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vivosun-blebridge/internal/types"
)

// Manufacturer payload (little-endian), after the 2-byte company identifier:
// 6 bytes header/serial, a variant gap, then four int16 fields in 1/16 units
// (interior temperature, interior humidity, exterior temperature, exterior
// humidity) and a 1-byte packet counter. The gap is 2 bytes for most devices
// and 4 bytes for one family, so the measurement block starts 8 or 10 bytes
// after the identifier.
const (
	DefaultCompanyID = 0x0019

	companyIDLen  = 2
	blockLen      = 4*2 + 1
	MinPayloadLen = companyIDLen + 6 + 2 + blockLen

	extHumidityFloor = 0.1
)

var (
	ErrTruncated          = errors.New("payload truncated")
	ErrUnrecognizedFormat = errors.New("unrecognized payload format")
	ErrImplausible        = errors.New("implausible measurement")
)

// Layout is one candidate position of the measurement block.
type Layout struct {
	Name string
	// Offset counts bytes after the company identifier.
	Offset int
	// Kinds restricts the layout to the listed device kinds. Empty means any.
	Kinds []types.Kind
}

func (l Layout) appliesTo(k types.Kind) bool {
	if len(l.Kinds) == 0 {
		return true
	}
	for _, want := range l.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

func DefaultLayouts() []Layout {
	return []Layout{
		{Name: "short-gap", Offset: 8},
		{Name: "long-gap", Offset: 10},
	}
}

// Limits bound physically plausible values.
type Limits struct {
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    float64
	HumidityMax    float64
}

func DefaultLimits() Limits {
	return Limits{TemperatureMin: -40, TemperatureMax: 85, HumidityMin: 0, HumidityMax: 110}
}

func (l Limits) temperature(v float64) bool {
	return v >= l.TemperatureMin && v <= l.TemperatureMax
}

func (l Limits) humidity(v float64) bool {
	return v >= l.HumidityMin && v <= l.HumidityMax
}

// Classifier derives a device kind from its advertised name.
type Classifier func(name string) types.Kind

// VocabularyRule maps a case-insensitive name substring to a kind.
type VocabularyRule struct {
	Substring string
	Kind      types.Kind
}

func DefaultVocabulary() []VocabularyRule {
	return []VocabularyRule{
		{Substring: "vsctle", Kind: types.KindController},
		{Substring: "thermobeacon", Kind: types.KindSensor},
	}
}

// VocabularyClassifier returns a Classifier applying rules in order; the first match wins.
func VocabularyClassifier(rules []VocabularyRule) Classifier {
	return func(name string) types.Kind {
		n := strings.ToLower(name)
		for _, r := range rules {
			if r.Substring != "" && strings.Contains(n, strings.ToLower(r.Substring)) {
				return r.Kind
			}
		}
		return types.KindUnknown
	}
}

// ParseVocabulary parses "substring=kind,substring=kind".
func ParseVocabulary(s string) ([]VocabularyRule, error) {
	var rules []VocabularyRule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sub, kind, ok := strings.Cut(part, "=")
		sub = strings.TrimSpace(sub)
		if !ok || sub == "" {
			return nil, fmt.Errorf("invalid vocabulary rule %q (want substring=kind)", part)
		}
		k := types.Kind(strings.ToLower(strings.TrimSpace(kind)))
		switch k {
		case types.KindSensor, types.KindController, types.KindUnknown:
		default:
			return nil, fmt.Errorf("invalid kind %q in rule %q (allowed: sensor, controller, unknown)", kind, part)
		}
		rules = append(rules, VocabularyRule{Substring: sub, Kind: k})
	}
	if len(rules) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	return rules, nil
}

// ParseOffsets parses an ordered, comma separated list of block offsets into layouts.
func ParseOffsets(s string) ([]Layout, error) {
	var layouts []Layout
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		off, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", part, err)
		}
		if off < 6 {
			return nil, fmt.Errorf("offset %d overlaps the 6-byte header", off)
		}
		layouts = append(layouts, Layout{Name: "offset-" + part, Offset: off})
	}
	if len(layouts) == 0 {
		return nil, errors.New("no offsets")
	}
	return layouts, nil
}

// Decoder turns manufacturer payloads into validated readings. It holds no
// mutable state and is safe for concurrent use.
type Decoder struct {
	companyID uint16
	layouts   []Layout
	classify  Classifier
	limits    Limits
}

type DecoderOption func(*Decoder)

func WithCompanyID(id uint16) DecoderOption {
	return func(d *Decoder) { d.companyID = id }
}

func WithLayouts(layouts []Layout) DecoderOption {
	return func(d *Decoder) {
		if len(layouts) > 0 {
			d.layouts = append([]Layout(nil), layouts...)
		}
	}
}

func WithClassifier(c Classifier) DecoderOption {
	return func(d *Decoder) {
		if c != nil {
			d.classify = c
		}
	}
}

func WithLimits(l Limits) DecoderOption {
	return func(d *Decoder) { d.limits = l }
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		companyID: DefaultCompanyID,
		layouts:   DefaultLayouts(),
		classify:  VocabularyClassifier(DefaultVocabulary()),
		limits:    DefaultLimits(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Classify returns the device kind for an advertised name.
func (d *Decoder) Classify(name string) types.Kind {
	return d.classify(name)
}

// Decode validates payload and returns the reading it carries. The address is
// normalised to upper case. Errors wrap ErrTruncated, ErrUnrecognizedFormat or
// ErrImplausible.
func (d *Decoder) Decode(payload []byte, name, address string, rssi int, capturedAt time.Time) (types.Reading, error) {
	if len(payload) == 0 {
		return types.Reading{}, fmt.Errorf("%w: %w: no manufacturer data", ErrTruncated, ErrUnrecognizedFormat)
	}
	if len(payload) < MinPayloadLen {
		return types.Reading{}, fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(payload), MinPayloadLen)
	}
	msd := d.normalize(payload)
	kind := d.classify(name)

	candidates := d.layoutsFor(kind)
	var (
		best    *block
		fitting int
	)
	for _, l := range candidates {
		start := companyIDLen + l.Offset
		if start+blockLen > len(msd) {
			continue
		}
		fitting++
		b := readBlock(msd[start : start+blockLen])
		if !d.plausible(b) {
			continue
		}
		// Keep the first passing layout unless a later one also populates the exterior channel.
		if best == nil || (!best.extPresent && b.extPresent) {
			best = &b
		}
	}
	if fitting == 0 {
		return types.Reading{}, fmt.Errorf("%w: %d bytes fit no layout", ErrTruncated, len(msd))
	}
	if best == nil {
		return types.Reading{}, fmt.Errorf("%w: no layout passed range checks", ErrImplausible)
	}

	return types.Reading{
		Address:             strings.ToUpper(strings.TrimSpace(address)),
		Name:                name,
		Kind:                kind,
		RSSI:                rssi,
		TemperatureInterior: best.tempInt,
		HumidityInterior:    best.humInt,
		TemperatureExterior: best.tempExt,
		HumidityExterior:    best.humExt,
		PacketCounter:       best.counter,
		ExtPresent:          best.extPresent,
		Status:              types.StatusActive,
		CapturedAt:          capturedAt,
	}, nil
}

// normalize returns payload with the company identifier in front, prepending it
// when the scanning layer already stripped it.
func (d *Decoder) normalize(payload []byte) []byte {
	if binary.LittleEndian.Uint16(payload[:2]) == d.companyID {
		return payload
	}
	out := make([]byte, companyIDLen+len(payload))
	binary.LittleEndian.PutUint16(out, d.companyID)
	copy(out[companyIDLen:], payload)
	return out
}

// layoutsFor returns the layouts bound to kind, or every unbound layout when
// none is bound to it.
func (d *Decoder) layoutsFor(kind types.Kind) []Layout {
	var bound []Layout
	if kind != types.KindUnknown {
		for _, l := range d.layouts {
			if len(l.Kinds) > 0 && l.appliesTo(kind) {
				bound = append(bound, l)
			}
		}
	}
	if len(bound) > 0 {
		return bound
	}
	var open []Layout
	for _, l := range d.layouts {
		if len(l.Kinds) == 0 {
			open = append(open, l)
		}
	}
	if len(open) == 0 {
		return d.layouts
	}
	return open
}

type block struct {
	tempInt, humInt, tempExt, humExt float64
	counter                          uint8
	extPresent                       bool
}

func readBlock(b []byte) block {
	out := block{
		tempInt: fixed16(b[0:2]),
		humInt:  fixed16(b[2:4]),
		tempExt: fixed16(b[4:6]),
		humExt:  fixed16(b[6:8]),
		counter: b[8],
	}
	// The presence check runs on the decoded value before sentinel substitution.
	out.extPresent = !(out.humExt <= extHumidityFloor || out.humExt > 110.0 || math.IsNaN(out.humExt))
	if !out.extPresent {
		out.tempExt = types.Sentinel
		out.humExt = types.Sentinel
	}
	return out
}

// fixed16 converts a little-endian two's complement count of 1/16 units.
func fixed16(b []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b))) / 16.0
}

func (d *Decoder) plausible(b block) bool {
	if !d.limits.temperature(b.tempInt) || !d.limits.humidity(b.humInt) {
		return false
	}
	if b.extPresent {
		return d.limits.temperature(b.tempExt) && d.limits.humidity(b.humExt)
	}
	return true
}
