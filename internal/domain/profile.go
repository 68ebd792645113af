package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FieldID 表单字段标识，同时作为画像缓存的键
type FieldID string

const (
	FieldAge                 FieldID = "age"
	FieldGender              FieldID = "gender"
	FieldHeight              FieldID = "height"
	FieldWeight              FieldID = "weight"
	FieldTargetWeight        FieldID = "targetWeight"
	FieldJobActivity         FieldID = "jobActivity"
	FieldFitnessLevel        FieldID = "fitnessLevel"
	FieldTimeframe           FieldID = "timeframe"
	FieldWorkoutDays         FieldID = "workoutDays"
	FieldExerciseStyle       FieldID = "exerciseStyle"
	FieldWorkoutDuration     FieldID = "workoutDuration"
	FieldEquipment           FieldID = "equipment"
	FieldInjuries            FieldID = "injuries"
	FieldGoals               FieldID = "goals"
	FieldDietPreference      FieldID = "dietPreference"
	FieldAllergies           FieldID = "allergies"
	FieldAllergiesList       FieldID = "allergiesList"
	FieldDietaryRestrictions FieldID = "dietaryRestrictions"
	FieldMealFrequency       FieldID = "mealFrequency"
	FieldWaterIntake         FieldID = "waterIntake"
	FieldSleepDuration       FieldID = "sleepDuration"
	FieldSupplements         FieldID = "supplements"

	// CredentialKey API Key 与表单字段存放在同一个键值缓存中
	CredentialKey = "apiKey"
)

const (
	MaxTimeframeWeeks = 52
	MinWorkoutDays    = 1
	MaxWorkoutDays    = 7
)

// Values 表单原始取值，键为字段标识
type Values map[string]string

// Get 返回去除首尾空白后的取值
func (v Values) Get(id FieldID) string {
	return strings.TrimSpace(v[string(id)])
}

// Profile 经过类型转换与校验后的用户画像
type Profile struct {
	Age                 int
	Gender              string
	Height              float64 // cm
	Weight              float64 // kg
	TargetWeight        float64 // kg，0 表示未填写
	JobActivity         string
	FitnessLevel        string
	Timeframe           int // 周
	WorkoutDays         int
	ExerciseStyle       string
	WorkoutDuration     int // 分钟，0 表示未填写
	Equipment           string
	Injuries            string
	Goals               string
	DietPreference      string
	HasAllergies        bool
	AllergiesList       string
	DietaryRestrictions string
	MealFrequency       int
	WaterIntake         float64 // 升/天
	SleepDuration       float64 // 小时/天
	Supplements         string
}

// ValidationError 记录所有不合法字段及原因
type ValidationError struct {
	Fields map[FieldID]string
}

func (e *ValidationError) Error() string {
	ids := make([]string, 0, len(e.Fields))
	for id := range e.Fields {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, e.Fields[FieldID(id)]))
	}
	return "invalid profile: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(id FieldID, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[FieldID]string)
	}
	if _, exists := e.Fields[id]; !exists {
		e.Fields[id] = reason
	}
}

// ParseProfile 将表单取值转换为 Profile，拒绝越界或缺失的必填字段
func ParseProfile(values Values) (*Profile, error) {
	verr := &ValidationError{}
	p := &Profile{
		Gender:              values.Get(FieldGender),
		JobActivity:         values.Get(FieldJobActivity),
		FitnessLevel:        values.Get(FieldFitnessLevel),
		ExerciseStyle:       values.Get(FieldExerciseStyle),
		Equipment:           values.Get(FieldEquipment),
		Injuries:            values.Get(FieldInjuries),
		Goals:               values.Get(FieldGoals),
		DietPreference:      values.Get(FieldDietPreference),
		DietaryRestrictions: values.Get(FieldDietaryRestrictions),
		Supplements:         values.Get(FieldSupplements),
	}

	p.Age = parseInt(values, FieldAge, true, verr)
	p.Height = parseFloat(values, FieldHeight, true, verr)
	p.Weight = parseFloat(values, FieldWeight, true, verr)
	p.TargetWeight = parseFloat(values, FieldTargetWeight, false, verr)
	p.WorkoutDuration = parseInt(values, FieldWorkoutDuration, false, verr)
	p.MealFrequency = parseInt(values, FieldMealFrequency, false, verr)
	p.WaterIntake = parseFloat(values, FieldWaterIntake, false, verr)
	p.SleepDuration = parseFloat(values, FieldSleepDuration, false, verr)

	p.Timeframe = parseInt(values, FieldTimeframe, true, verr)
	if _, bad := verr.Fields[FieldTimeframe]; !bad && (p.Timeframe < 1 || p.Timeframe > MaxTimeframeWeeks) {
		verr.add(FieldTimeframe, fmt.Sprintf("must be between 1 and %d weeks", MaxTimeframeWeeks))
	}
	p.WorkoutDays = parseInt(values, FieldWorkoutDays, true, verr)
	if _, bad := verr.Fields[FieldWorkoutDays]; !bad && (p.WorkoutDays < MinWorkoutDays || p.WorkoutDays > MaxWorkoutDays) {
		verr.add(FieldWorkoutDays, fmt.Sprintf("must be between %d and %d", MinWorkoutDays, MaxWorkoutDays))
	}

	if p.Gender == "" {
		verr.add(FieldGender, "is required")
	} else if !containsFold(GenderOptions, p.Gender) {
		verr.add(FieldGender, "must be one of "+strings.Join(GenderOptions, ", "))
	}

	switch values.Get(FieldAllergies) {
	case AllergyYes:
		p.HasAllergies = true
		p.AllergiesList = values.Get(FieldAllergiesList)
		if p.AllergiesList == "" {
			verr.add(FieldAllergiesList, "is required when allergies is Yes")
		}
	case AllergyNo:
		// 未勾选过敏时忽略过敏描述
	case "":
		verr.add(FieldAllergies, "is required")
	default:
		verr.add(FieldAllergies, "must be Yes or No")
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return p, nil
}

// HasInjury 伤病字段非空且不是 none 时返回 true
func (p *Profile) HasInjury() bool {
	injuries := strings.TrimSpace(p.Injuries)
	return injuries != "" && !strings.EqualFold(injuries, "none")
}

func parseInt(values Values, id FieldID, required bool, verr *ValidationError) int {
	raw := values.Get(id)
	if raw == "" {
		if required {
			verr.add(id, "is required")
		}
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// 允许 "3.0" 这类整数值的浮点写法
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int(f)) {
			verr.add(id, "must be a whole number")
			return 0
		}
		n = int(f)
	}
	if n < 0 {
		verr.add(id, "must not be negative")
		return 0
	}
	return n
}

func parseFloat(values Values, id FieldID, required bool, verr *ValidationError) float64 {
	raw := values.Get(id)
	if raw == "" {
		if required {
			verr.add(id, "is required")
		}
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		verr.add(id, "must be a number")
		return 0
	}
	if f < 0 {
		verr.add(id, "must not be negative")
		return 0
	}
	return f
}

func containsFold(options []string, v string) bool {
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return true
		}
	}
	return false
}
