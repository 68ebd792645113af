package prompt

import (
	"fmt"
	"strings"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

// persona 所有阶段指令共用的角色设定
const persona = `You are a highly renowned health and nutrition expert Fitness GPT.
You are writing one section of a personalised week-by-week fitness and diet plan. Earlier sections are in the conversation; do not repeat them.
Format the section as markdown. Avoid any superfluous pre and post descriptive text. Don't break character under any circumstance.`

// InjuryClausePrefix 伤病适配条款的固定开头，便于识别
const InjuryClausePrefix = "Injury accommodation:"

// Composer 根据阶段游标与用户画像生成阶段指令
type Composer struct{}

// NewComposer 创建指令生成器
func NewComposer() *Composer {
	return &Composer{}
}

// Compose 生成当前游标对应的 system 指令
// exercise/diet 在概览未输出时返回概览模板，否则返回按周逐日模板
func (c *Composer) Compose(cursor statemachine.Cursor, profile *domain.Profile) string {
	var body string
	switch cursor.Stage {
	case statemachine.StageIntroduction:
		body = introductionTemplate(profile)
	case statemachine.StageExercise:
		if !cursor.IntroGiven {
			body = exerciseOverviewTemplate(profile)
		} else {
			body = exerciseWeekTemplate(cursor.Week, profile)
		}
		if clause := injuryClause(profile); clause != "" {
			body += "\n\n" + clause
		}
	case statemachine.StageDiet:
		if !cursor.IntroGiven {
			body = dietOverviewTemplate(profile)
		} else {
			body = dietWeekTemplate(cursor.Week, profile)
		}
	case statemachine.StageNutritionTips:
		body = nutritionTipsTemplate
	case statemachine.StageMentalWellbeing:
		body = mentalWellbeingTemplate
	case statemachine.StageProgressTracking:
		body = progressTrackingTemplate(profile)
	case statemachine.StageRecoveryRest:
		body = recoveryRestTemplate
	case statemachine.StageSafetyPrecautions:
		body = safetyPrecautionsTemplate
	default:
		return ""
	}
	return persona + "\n\n" + body
}

// injuryClause 伤病字段存在且不是 none 时返回适配条款
func injuryClause(profile *domain.Profile) string {
	if profile == nil || !profile.HasInjury() {
		return ""
	}
	return fmt.Sprintf("%s the user reports the following injury or limitation: %s. "+
		"For every exercise, offer a lighter variant and an alternative exercise that avoids loading the injured area.",
		InjuryClausePrefix, profile.Injuries)
}

func introductionTemplate(profile *domain.Profile) string {
	return fmt.Sprintf(`Write the **Introduction** of the plan: a brief 2-sentence overview of the entire %d-week plan, tailored to the user's goals.
Use the heading "# Your %d-Week Fitness Plan".`, profile.Timeframe, profile.Timeframe)
}

func exerciseOverviewTemplate(profile *domain.Profile) string {
	return fmt.Sprintf(`Write the **Exercise Plan** summary under the heading "## Exercise Plan".
- 3 sentences about the overall exercise strategy for %d weeks with %d workout days per week.
- Explain how intensity progresses across the weeks.
- Mention how the plan fits the user's preferred exercise style and available equipment.
Do not list individual weeks yet.`, profile.Timeframe, profile.WorkoutDays)
}

func exerciseWeekTemplate(week int, profile *domain.Profile) string {
	duration := "a duration that suits the user's fitness level"
	if profile.WorkoutDuration > 0 {
		duration = fmt.Sprintf("about %d minutes", profile.WorkoutDuration)
	}
	return fmt.Sprintf(`Write the exercise plan for **Week %d** of %d under the heading "### Week %d".
- Start with the key focus or theme for the week.
- Then give a day-by-day breakdown for all 7 days: %d workout days and the remaining days as rest or active recovery.
- For each workout day list the exercises with sets, reps or time, each session lasting %s.
- Note any progressions or modifications from the previous week.
Present the workout days as a markdown table with columns Day, Exercise, Sets x Reps, Notes.`,
		week, profile.Timeframe, week, profile.WorkoutDays, duration)
}

func dietOverviewTemplate(profile *domain.Profile) string {
	return `Write the **Diet Plan** overview under the heading "## Diet Plan".
- A general guideline on the nutritional approach that supports the user's goals.
- Estimated daily calorie and macronutrient targets with a short explanation.
- How the plan respects the user's diet preference, restrictions and food allergies.
Do not list individual weeks yet.` + mealNote(profile)
}

func dietWeekTemplate(week int, profile *domain.Profile) string {
	return fmt.Sprintf(`Write the diet plan for **Week %d** of %d under the heading "### Week %d Diet".
- Start with the primary nutritional focus or theme for the week.
- Then give a day-by-day meal plan for all 7 days as a markdown table with columns Day, Meals, Approx. Calories.
- Strictly avoid any foods the user is allergic to.`, week, profile.Timeframe, week) + mealNote(profile)
}

func mealNote(profile *domain.Profile) string {
	if profile.MealFrequency <= 0 {
		return ""
	}
	return fmt.Sprintf("\nPlan for %d meals per day.", profile.MealFrequency)
}

const nutritionTipsTemplate = `Write a **Nutrition Tips** section under the heading "## Nutrition Tips".
Give 5 to 7 practical tips on meal preparation, hydration, grocery shopping and eating out that support the plan.`

const mentalWellbeingTemplate = `Write a **Mental Wellbeing** section under the heading "## Mental Wellbeing".
Cover motivation, stress management, mindfulness and how to handle setbacks during the plan, in 4 to 6 bullet points.`

func progressTrackingTemplate(profile *domain.Profile) string {
	return fmt.Sprintf(`Write a **Progress Tracking** section under the heading "## Progress Tracking".
Explain which metrics to record each week, how to record them, and checkpoints for weeks %s.
Include a simple markdown table template the user can fill in.`, checkpoints(profile.Timeframe))
}

const recoveryRestTemplate = `Write a **Recovery & Rest** section under the heading "## Recovery & Rest".
Cover sleep, rest days, stretching, mobility work and signs of overtraining, taking the user's sleep duration into account.`

const safetyPrecautionsTemplate = `Write a **Safety Precautions** section under the heading "## Safety Precautions".
List warm-up and cool-down guidance, correct form reminders, when to stop exercising, and a reminder to consult a healthcare professional before starting.
Finish with a 2-sentence wrap-up on how to stay consistent and achieve the stated goals.`

// checkpoints 返回进度检查点周次，如 "2, 4 and 6"
func checkpoints(timeframe int) string {
	step := 2
	if timeframe > 12 {
		step = 4
	}
	var weeks []string
	for w := step; w <= timeframe; w += step {
		weeks = append(weeks, fmt.Sprintf("%d", w))
	}
	if len(weeks) == 0 || weeks[len(weeks)-1] != fmt.Sprintf("%d", timeframe) {
		weeks = append(weeks, fmt.Sprintf("%d", timeframe))
	}
	return joinWords(weeks)
}

// joinWords 以英文习惯拼接列表：a, b and c
func joinWords(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
