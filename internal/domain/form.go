package domain

const (
	AllergyYes = "Yes"
	AllergyNo  = "No"
)

var GenderOptions = []string{"Male", "Female", "Non-Binary", "Other"}

// InputType 表单控件类型
type InputType string

const (
	InputNumber   InputType = "number"
	InputText     InputType = "text"
	InputTextarea InputType = "textarea"
	InputSelect   InputType = "select"
	InputRadio    InputType = "radio"
)

// Dependency 字段可见性依赖：当 Field 的取值等于 Equals 时才显示
type Dependency struct {
	Field  FieldID `json:"field"`
	Equals string  `json:"equals"`
}

// FormField 表单字段的声明式定义，与渲染解耦
type FormField struct {
	ID          FieldID     `json:"id"`
	Label       string      `json:"label"`
	Type        InputType   `json:"type"`
	Placeholder string      `json:"placeholder,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Required    bool        `json:"required"`
	VisibleWhen *Dependency `json:"visible_when,omitempty"`
}

// FormFields 按展示顺序排列的全部字段
var FormFields = []FormField{
	{ID: FieldAge, Label: "Age", Type: InputNumber, Placeholder: "Enter your age", Required: true},
	{ID: FieldGender, Label: "Gender", Type: InputSelect, Options: GenderOptions, Required: true},
	{ID: FieldHeight, Label: "Height (in cm)", Type: InputNumber, Placeholder: "Enter your height in cm", Required: true},
	{ID: FieldWeight, Label: "Weight (in kg)", Type: InputNumber, Placeholder: "Enter your weight in kg", Required: true},
	{ID: FieldTargetWeight, Label: "Target Weight (in kg)", Type: InputNumber, Placeholder: "Enter your target weight in kg"},
	{ID: FieldJobActivity, Label: "Job Activity Level", Type: InputSelect, Options: []string{"Sedentary", "Lightly Active", "Moderately Active", "Very Active"}},
	{ID: FieldFitnessLevel, Label: "Fitness Level", Type: InputSelect, Options: []string{"Beginner", "Intermediate", "Advanced"}},
	{ID: FieldTimeframe, Label: "Timeframe (in weeks)", Type: InputNumber, Placeholder: "Enter the number of weeks", Required: true},
	{ID: FieldWorkoutDays, Label: "Workout Days Per Week", Type: InputNumber, Placeholder: "Enter the number of days", Required: true},
	{ID: FieldExerciseStyle, Label: "Preferred Exercise Style", Type: InputText, Placeholder: "Enter your preferred exercise style"},
	{ID: FieldWorkoutDuration, Label: "Workout Duration (in minutes)", Type: InputNumber, Placeholder: "Enter the minutes per session"},
	{ID: FieldEquipment, Label: "Available Equipment", Type: InputText, Placeholder: "e.g. dumbbells, resistance bands"},
	{ID: FieldInjuries, Label: "Injuries or Limitations", Type: InputText, Placeholder: "Enter any injuries, or None"},
	{ID: FieldGoals, Label: "Primary Fitness Goals", Type: InputTextarea, Placeholder: "Describe your fitness goals"},
	{ID: FieldDietPreference, Label: "Diet Preference", Type: InputSelect, Options: []string{"No Preference", "Vegetarian", "Vegan", "Keto", "Paleo", "Mediterranean"}},
	{ID: FieldAllergies, Label: "Have Food Allergies?", Type: InputRadio, Options: []string{AllergyYes, AllergyNo}, Required: true},
	{ID: FieldAllergiesList, Label: "List your food allergies", Type: InputTextarea, Placeholder: "Enter your allergies here",
		VisibleWhen: &Dependency{Field: FieldAllergies, Equals: AllergyYes}},
	{ID: FieldDietaryRestrictions, Label: "Dietary Restrictions", Type: InputText, Placeholder: "e.g. low sodium, halal"},
	{ID: FieldMealFrequency, Label: "Meals Per Day", Type: InputNumber, Placeholder: "Enter the number of meals"},
	{ID: FieldWaterIntake, Label: "Water Intake (litres per day)", Type: InputNumber, Placeholder: "Enter litres per day"},
	{ID: FieldSleepDuration, Label: "Sleep Duration (hours per night)", Type: InputNumber, Placeholder: "Enter hours per night"},
	{ID: FieldSupplements, Label: "Supplements", Type: InputText, Placeholder: "Enter supplements you take, or None"},
}

// LookupField 根据标识查找字段定义
func LookupField(id FieldID) (FormField, bool) {
	for _, f := range FormFields {
		if f.ID == id {
			return f, true
		}
	}
	return FormField{}, false
}

// IsKnownKey 判断键是否属于画像缓存（表单字段或 API Key）
func IsKnownKey(key string) bool {
	if key == CredentialKey {
		return true
	}
	_, ok := LookupField(FieldID(key))
	return ok
}

// Visible 根据依赖关系判断字段在当前取值下是否可见
func Visible(id FieldID, values Values) bool {
	field, ok := LookupField(id)
	if !ok {
		return false
	}
	if field.VisibleWhen == nil {
		return true
	}
	return values.Get(field.VisibleWhen.Field) == field.VisibleWhen.Equals
}
