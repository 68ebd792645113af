package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
)

// Summary 将整份画像拼接为一段第一人称的自然语言描述，每次计划生成只发送一次
func (c *Composer) Summary(p *domain.Profile) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "I am %d years old, %s, %scm. My current weight is %s kilograms.",
		p.Age, p.Gender, formatNumber(p.Height), formatNumber(p.Weight))
	if p.TargetWeight > 0 {
		fmt.Fprintf(&sb, " My target weight is %s kilograms.", formatNumber(p.TargetWeight))
	}
	if p.JobActivity != "" {
		fmt.Fprintf(&sb, " My job keeps me %s during the day.", strings.ToLower(p.JobActivity))
	}
	if p.FitnessLevel != "" {
		fmt.Fprintf(&sb, " My current fitness level is %s.", strings.ToLower(p.FitnessLevel))
	}

	if p.DietPreference != "" && !strings.EqualFold(p.DietPreference, "No Preference") {
		fmt.Fprintf(&sb, " I follow a %s diet", p.DietPreference)
	} else {
		sb.WriteString(" I have no particular diet preference")
	}
	if isProvided(p.DietaryRestrictions) {
		fmt.Fprintf(&sb, " with these dietary restrictions: %s.", p.DietaryRestrictions)
	} else {
		sb.WriteString(" and no dietary restrictions.")
	}

	if isProvided(p.Equipment) {
		fmt.Fprintf(&sb, " I have access to the following equipment: %s.", p.Equipment)
	} else {
		sb.WriteString(" I have no exercise equipment.")
	}
	if p.HasInjury() {
		fmt.Fprintf(&sb, " I have the following injuries or limitations: %s.", p.Injuries)
	} else {
		sb.WriteString(" I have no injuries or limitations.")
	}
	if p.WorkoutDuration > 0 {
		fmt.Fprintf(&sb, " I prefer workouts of about %d minutes.", p.WorkoutDuration)
	}
	if p.MealFrequency > 0 {
		fmt.Fprintf(&sb, " I eat %d meals per day.", p.MealFrequency)
	}
	if p.WaterIntake > 0 {
		fmt.Fprintf(&sb, " I drink about %s litres of water per day.", formatNumber(p.WaterIntake))
	}
	if p.SleepDuration > 0 {
		fmt.Fprintf(&sb, " I sleep about %s hours per night.", formatNumber(p.SleepDuration))
	}
	if isProvided(p.Supplements) {
		fmt.Fprintf(&sb, " I take the following supplements: %s.", p.Supplements)
	}

	if p.HasAllergies {
		fmt.Fprintf(&sb, " I have the following food allergies: %s.", p.AllergiesList)
	} else {
		sb.WriteString(" I have no food allergies.")
	}

	if p.Goals != "" {
		fmt.Fprintf(&sb, " My primary fitness and health goals are %s.", strings.TrimRight(p.Goals, ". "))
	}
	fmt.Fprintf(&sb, " I would like to achieve this in %d weeks. I can commit to working out %d days per week.",
		p.Timeframe, p.WorkoutDays)
	if p.ExerciseStyle != "" {
		fmt.Fprintf(&sb, " I prefer and enjoy %s style of exercise.", p.ExerciseStyle)
	}
	return sb.String()
}

// isProvided 过滤空值与 none
func isProvided(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "none")
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
