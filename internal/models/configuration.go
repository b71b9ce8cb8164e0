package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConfigKeyPrefix is the KV prefix under which saved configurations live.
// Configuration ids include the prefix, so the id is also the KV key.
const ConfigKeyPrefix = "config:"

// DefaultConfigurationName is used when a configuration is saved without a name.
const DefaultConfigurationName = "Unnamed Configuration"

// ExtractionParameters are the tunables a user picks before starting an
// analysis. Zero values mean "not set" and are replaced by ApplyDefaults.
// Keys the struct does not know about are kept in Extra and written back
// unchanged.
type ExtractionParameters struct {
	Model               string   `json:"model,omitempty" msgpack:"model,omitempty" validate:"omitempty,oneof='Advanced NLP' 'Fast Processing' Custom"`
	TopicCount          int      `json:"topicCount,omitempty" msgpack:"topicCount,omitempty" validate:"omitempty,min=5,max=50"`
	TopicDepth          string   `json:"topicDepth,omitempty" msgpack:"topicDepth,omitempty" validate:"omitempty,oneof=Surface Detailed Comprehensive"`
	ConfidenceThreshold float64  `json:"confidenceThreshold,omitempty" msgpack:"confidenceThreshold,omitempty" validate:"omitempty,gte=0.5,lte=0.95"`
	EntityTypes         []string `json:"entityTypes" msgpack:"entityTypes,omitempty" validate:"omitempty,dive,oneof=People Organizations Locations Dates Custom"`
	DomainAdaptation    string   `json:"domainAdaptation,omitempty" msgpack:"domainAdaptation,omitempty" validate:"omitempty,oneof=Business Technical Academic General"`
	RelationshipMapping *bool    `json:"relationshipMapping,omitempty" msgpack:"relationshipMapping,omitempty"`
	SegmentationMethod  string   `json:"segmentationMethod,omitempty" msgpack:"segmentationMethod,omitempty" validate:"omitempty,oneof=Auto 'Manual chunks' 'By sections'"`
	ChunkSize           int      `json:"chunkSize,omitempty" msgpack:"chunkSize,omitempty" validate:"omitempty,min=500,max=5000"`
	HierarchyDetection  *bool    `json:"hierarchyDetection,omitempty" msgpack:"hierarchyDetection,omitempty"`
	QualityLevel        string   `json:"qualityLevel,omitempty" msgpack:"qualityLevel,omitempty" validate:"omitempty,oneof=Basic Standard Comprehensive"`
	ProcessingPriority  string   `json:"processingPriority,omitempty" msgpack:"processingPriority,omitempty" validate:"omitempty,oneof=Fast Balanced Thorough"`
	LanguageDetection   string   `json:"languageDetection,omitempty" msgpack:"languageDetection,omitempty" validate:"omitempty,oneof=Auto English Spanish French"`
	ContentType         string   `json:"contentType,omitempty" msgpack:"contentType,omitempty" validate:"omitempty,oneof=Documents Conversations Technical Creative"`

	Extra map[string]any `json:"-" msgpack:"extra,omitempty" validate:"-"`
}

// DefaultExtractionParameters returns the parameter set the UI starts with.
func DefaultExtractionParameters() ExtractionParameters {
	p := ExtractionParameters{}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills every unset field with its default.
func (p *ExtractionParameters) ApplyDefaults() {
	if p.Model == "" {
		p.Model = "Advanced NLP"
	}
	if p.TopicCount == 0 {
		p.TopicCount = 15
	}
	if p.TopicDepth == "" {
		p.TopicDepth = "Detailed"
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 0.75
	}
	if p.EntityTypes == nil {
		p.EntityTypes = []string{"People", "Organizations", "Locations"}
	}
	if p.DomainAdaptation == "" {
		p.DomainAdaptation = "Business"
	}
	if p.RelationshipMapping == nil {
		p.RelationshipMapping = boolPtr(true)
	}
	if p.SegmentationMethod == "" {
		p.SegmentationMethod = "Auto"
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = 2000
	}
	if p.HierarchyDetection == nil {
		p.HierarchyDetection = boolPtr(true)
	}
	if p.QualityLevel == "" {
		p.QualityLevel = "Standard"
	}
	if p.ProcessingPriority == "" {
		p.ProcessingPriority = "Balanced"
	}
	if p.LanguageDetection == "" {
		p.LanguageDetection = "Auto"
	}
	if p.ContentType == "" {
		p.ContentType = "Documents"
	}
}

var validate = validator.New()

// Validate checks field values against their allowed ranges and choices.
func (p *ExtractionParameters) Validate() error {
	return validate.Struct(p)
}

// type without methods, used to get default encoding of the known fields
type plainParameters ExtractionParameters

var (
	parameterKeysOnce sync.Once
	parameterKeys     map[string]struct{}
)

// knownParameterKeys returns the JSON names of the declared fields.
func knownParameterKeys() map[string]struct{} {
	parameterKeysOnce.Do(func() {
		parameterKeys = make(map[string]struct{})
		t := reflect.TypeOf(plainParameters{})
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name != "" && name != "-" {
				parameterKeys[name] = struct{}{}
			}
		}
	})
	return parameterKeys
}

// UnmarshalJSON decodes the known fields and keeps everything else in Extra.
func (p *ExtractionParameters) UnmarshalJSON(data []byte) error {
	var known plainParameters
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*p = ExtractionParameters(known)
	keys := knownParameterKeys()
	for k, raw := range all {
		if _, ok := keys[k]; ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decoding parameter %q: %w", k, err)
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes the known fields and merges Extra into the same object.
func (p ExtractionParameters) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(plainParameters(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return data, nil
	}

	merged := make(map[string]any)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ConfigurationRecord is a named, immutable snapshot of extraction parameters.
// In JSON the parameters sit next to id, name and savedAt in one flat object.
type ConfigurationRecord struct {
	ID         string
	Name       string
	SavedAt    time.Time
	Parameters ExtractionParameters
}

// MarshalJSON flattens the parameters into the record object.
func (r ConfigurationRecord) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.Parameters)
	if err != nil {
		return nil, err
	}
	obj := make(map[string]any)
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	obj["id"] = r.ID
	obj["name"] = r.Name
	obj["savedAt"] = r.SavedAt
	return json.Marshal(obj)
}

// UnmarshalJSON splits the record metadata from the parameters.
func (r *ConfigurationRecord) UnmarshalJSON(data []byte) error {
	var meta struct {
		ID      string    `json:"id"`
		Name    string    `json:"name"`
		SavedAt time.Time `json:"savedAt"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}

	var rest map[string]json.RawMessage
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	delete(rest, "id")
	delete(rest, "name")
	delete(rest, "savedAt")

	params, err := json.Marshal(rest)
	if err != nil {
		return err
	}
	var p ExtractionParameters
	if err := json.Unmarshal(params, &p); err != nil {
		return err
	}

	r.ID = meta.ID
	r.Name = meta.Name
	r.SavedAt = meta.SavedAt
	r.Parameters = p
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
