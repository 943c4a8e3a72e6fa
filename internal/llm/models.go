package llm

import (
	"fmt"
	"slices"
)

type ThinkingMode int

const (
	ThinkingDisabled ThinkingMode = iota
	ThinkingOptional
	ThinkingForced
)

type ThinkingConfigType int

const (
	ThinkingTokenLimit ThinkingConfigType = iota + 1
	ThinkingPreset
)

// DynamicBudget lets the service pick the thinking budget itself.
const DynamicBudget int32 = -1

// ThinkingCapability describes how a model accepts thinking configuration.
// Token-limit models use DefaultBudget/Min/Max, preset models use DefaultPreset/Presets.
type ThinkingCapability struct {
	Mode          ThinkingMode
	ConfigType    ThinkingConfigType
	DefaultBudget int32
	Min, Max      int32
	DefaultPreset string
	Presets       []string
}

type Model struct {
	ID           string
	APIModel     string
	Title        string
	MultiTurn    bool
	GuestAllowed bool
	Thinking     ThinkingCapability
}

func (m *Model) validate() error {
	if m.ID == "" || m.APIModel == "" {
		return fmt.Errorf("model %q: id and api model are required", m.Title)
	}
	t := m.Thinking
	switch t.Mode {
	case ThinkingDisabled:
		if t.ConfigType != 0 {
			return fmt.Errorf("model %s: disabled thinking takes no config type", m.ID)
		}
		return nil
	case ThinkingOptional, ThinkingForced:
	default:
		return fmt.Errorf("model %s: unknown thinking mode %d", m.ID, t.Mode)
	}

	switch t.ConfigType {
	case ThinkingTokenLimit:
		if t.Min > t.Max || t.DefaultBudget < t.Min || t.DefaultBudget > t.Max {
			return fmt.Errorf("model %s: default budget %d outside [%d, %d]", m.ID, t.DefaultBudget, t.Min, t.Max)
		}
	case ThinkingPreset:
		if len(t.Presets) == 0 || !slices.Contains(t.Presets, t.DefaultPreset) {
			return fmt.Errorf("model %s: default preset %q not in %v", m.ID, t.DefaultPreset, t.Presets)
		}
	default:
		return fmt.Errorf("model %s: thinking config type is required", m.ID)
	}
	return nil
}

// ThinkingFor derives the per-request thinking config from the conversation settings.
// A nil result means no thinking config is sent.
func (m *Model) ThinkingFor(enabled bool, budget *int32, preset *string) *ThinkingConfig {
	t := m.Thinking
	switch t.Mode {
	case ThinkingDisabled:
		return nil
	case ThinkingOptional:
		if !enabled {
			zero := int32(0)
			return &ThinkingConfig{Budget: &zero}
		}
	}

	if t.ConfigType == ThinkingPreset {
		level := t.DefaultPreset
		if preset != nil && slices.Contains(t.Presets, *preset) {
			level = *preset
		}
		return &ThinkingConfig{Level: level}
	}

	b := t.DefaultBudget
	if budget != nil {
		switch {
		case *budget == DynamicBudget:
			b = DynamicBudget
		case *budget < t.Min:
			b = t.Min
		case *budget > t.Max:
			b = t.Max
		default:
			b = *budget
		}
	}
	return &ThinkingConfig{Budget: &b}
}

type Registry struct {
	byID  map[string]*Model
	order []*Model
}

// NewRegistry validates every model once; requests never see an invalid capability.
func NewRegistry(models ...Model) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Model, len(models))}
	for i := range models {
		m := models[i]
		if err := m.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %s", m.ID)
		}
		r.byID[m.ID] = &m
		r.order = append(r.order, &m)
	}
	return r, nil
}

func (r *Registry) Get(id string) (*Model, bool) {
	m, ok := r.byID[id]
	return m, ok
}

func (r *Registry) All() []*Model {
	return r.order
}

const (
	Gemini3ProID          = "2f87dde7-12c8-455f-b8bf-42c82abf8c87"
	Gemini25ProID         = "972410fa-58f2-48a5-866e-0535dff3ae96"
	Gemini25FlashID       = "39e333be-2b16-4de3-bb4e-78061a753e94"
	Gemini25FlashLiteID   = "fa27f1b4-ea4d-4b62-9884-fa69c5276cb1"
	Gemini25FlashImageID  = "1b579c85-1a86-4cef-a13d-9cc9ad13b568"
	DefaultSummaryAPIName = "gemini-2.5-flash"
)

func DefaultModels() []Model {
	return []Model{
		{
			ID: Gemini3ProID, APIModel: "gemini-3-pro-preview", Title: "Gemini 3 Pro Preview", MultiTurn: true,
			Thinking: ThinkingCapability{Mode: ThinkingForced, ConfigType: ThinkingPreset, DefaultPreset: "high", Presets: []string{"high", "low"}},
		},
		{
			ID: Gemini25ProID, APIModel: "gemini-2.5-pro", Title: "Gemini 2.5 Pro", MultiTurn: true,
			Thinking: ThinkingCapability{Mode: ThinkingForced, ConfigType: ThinkingTokenLimit, DefaultBudget: 128, Min: 128, Max: 32768},
		},
		{
			ID: Gemini25FlashID, APIModel: "gemini-2.5-flash", Title: "Gemini 2.5 Flash", MultiTurn: true, GuestAllowed: true,
			Thinking: ThinkingCapability{Mode: ThinkingOptional, ConfigType: ThinkingTokenLimit, DefaultBudget: 1, Min: 1, Max: 24576},
		},
		{
			ID: Gemini25FlashLiteID, APIModel: "gemini-2.5-flash-lite", Title: "Gemini 2.5 Flash Lite", MultiTurn: true, GuestAllowed: true,
			Thinking: ThinkingCapability{Mode: ThinkingOptional, ConfigType: ThinkingTokenLimit, DefaultBudget: 512, Min: 512, Max: 24576},
		},
		{
			ID: Gemini25FlashImageID, APIModel: "gemini-2.5-flash-image-preview", Title: "Gemini 2.5 Flash Image", MultiTurn: true,
			Thinking: ThinkingCapability{Mode: ThinkingDisabled},
		},
	}
}

// DefaultRegistry panics if the built-in table is invalid.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultModels()...)
	if err != nil {
		panic(err)
	}
	return r
}
