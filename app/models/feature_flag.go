package models

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ConditionOpEquals      = "equals"
	ConditionOpContains    = "contains"
	ConditionOpIn          = "in"
	ConditionOpNotIn       = "not_in"
	ConditionOpGreaterThan = "greater_than"
	ConditionOpLessThan    = "less_than"
)

// FlagCondition is one (field, operator, value) check a flag can declare.
// Field is one of user_id, email, subscription_tier or a custom context key.
type FlagCondition struct {
	Field    string   `json:"field" validate:"required"`
	Operator string   `json:"operator" validate:"required,oneof=equals contains in not_in greater_than less_than"`
	Value    string   `json:"value"`
	Values   []string `json:"values,omitempty"`
}

// RolloutStage is one step of a staged rollout plan.
type RolloutStage struct {
	Name       string   `json:"name"`
	Percentage int      `json:"percentage" validate:"min=0,max=100"`
	Enabled    bool     `json:"enabled"`
	Segments   []string `json:"segments,omitempty"`
}

// RolloutPlan is an ordered list of stages plus the index of the active one.
type RolloutPlan struct {
	Stages       []RolloutStage `json:"stages"`
	CurrentStage int            `json:"current_stage"`
}

// ABVariant is one arm of an A/B test. Variant percentages must sum to 100.
type ABVariant struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage" validate:"min=0,max=100"`
}

// FlagMetadata carries optional rollout-plan and A/B-test settings embedded in
// a flag's metadata column.
type FlagMetadata struct {
	RolloutPlan *RolloutPlan `json:"rollout_plan,omitempty"`
	ABTest      *ABTest      `json:"ab_test,omitempty"`
}

// ABTest describes the variant split for a flag used as an A/B test.
type ABTest struct {
	Variants []ABVariant `json:"variants"`
}

// FeatureFlag is a centrally evaluated gate. Segments, conditions and metadata
// are stored as JSON text columns and decoded through the typed accessors.
type FeatureFlag struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Key               string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_feature_flags_key" json:"key" validate:"required,min=1,max=191"`
	Description       string    `gorm:"type:text" json:"description"`
	Enabled           bool      `gorm:"not null;default:false" json:"enabled"`
	RolloutPercentage int       `gorm:"not null;default:100" json:"rollout_percentage" validate:"min=0,max=100"`
	UserSegmentsJSON  string    `gorm:"type:text" json:"-"`
	ConditionsJSON    string    `gorm:"type:text" json:"-"`
	MetadataJSON      string    `gorm:"type:text" json:"-"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (f *FeatureFlag) Validate() error {
	v := validator.New()
	return v.Struct(f)
}

// UserSegments decodes the segment allow-list. An empty column means no
// segment restriction.
func (f *FeatureFlag) UserSegments() ([]string, error) {
	if f.UserSegmentsJSON == "" {
		return nil, nil
	}
	var segments []string
	if err := json.Unmarshal([]byte(f.UserSegmentsJSON), &segments); err != nil {
		return nil, err
	}
	return segments, nil
}

func (f *FeatureFlag) SetUserSegments(segments []string) error {
	if len(segments) == 0 {
		f.UserSegmentsJSON = ""
		return nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return err
	}
	f.UserSegmentsJSON = string(data)
	return nil
}

// Conditions decodes the declared condition list.
func (f *FeatureFlag) Conditions() ([]FlagCondition, error) {
	if f.ConditionsJSON == "" {
		return nil, nil
	}
	var conditions []FlagCondition
	if err := json.Unmarshal([]byte(f.ConditionsJSON), &conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}

func (f *FeatureFlag) SetConditions(conditions []FlagCondition) error {
	if len(conditions) == 0 {
		f.ConditionsJSON = ""
		return nil
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return err
	}
	f.ConditionsJSON = string(data)
	return nil
}

// Metadata decodes the optional rollout-plan / A/B settings. A flag without a
// metadata column yields an empty struct.
func (f *FeatureFlag) Metadata() (*FlagMetadata, error) {
	meta := &FlagMetadata{}
	if f.MetadataJSON == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(f.MetadataJSON), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (f *FeatureFlag) SetMetadata(meta *FlagMetadata) error {
	if meta == nil {
		f.MetadataJSON = ""
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	f.MetadataJSON = string(data)
	return nil
}
