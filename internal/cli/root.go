package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/weibaohui/fitnessgpt/backend/config"
	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/database"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/llm"
	"github.com/weibaohui/fitnessgpt/backend/internal/repository"
	"github.com/weibaohui/fitnessgpt/backend/internal/service"
)

// transportFactory 创建 LLM 传输通道，测试中替换
var transportFactory service.TransportFactory = llm.Select

// NewRootCommand 构建 fitplan 命令树
// 参数优先级：命令行 > FITPLAN_ 环境变量 > 配置文件
func NewRootCommand(out io.Writer) *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "fitplan",
		Short: "Generate a personalized week-by-week fitness and diet plan",
		Long: `fitplan stores your fitness profile locally and drives a multi-turn
streamed LLM conversation that assembles an exercise and diet plan,
rendered to the terminal as it arrives.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.String("db", "", "sqlite database file (default from config)")
	flags.String("api-key", "", "API key used when none is stored in the profile")
	flags.String("model", "", "model name for OpenAI compatible providers")
	flags.String("style", "", "glamour style for terminal output (auto when empty)")
	flags.Int("width", 100, "word wrap width for terminal output")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix("FITPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root.AddCommand(newProfileCmd(v), newPlanCmd(v), newRunsCmd(v), newConfigCmd())
	return root
}

// app 一次命令调用所需的服务
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	profiles *service.ProfileService
	plans    *service.PlanService
}

func openApp(v *viper.Viper) (*app, error) {
	cfg := *config.GetConfig()
	if dsn := v.GetString("db"); dsn != "" {
		cfg.Database.Type = "sqlite"
		cfg.Database.DSN = dsn
	}
	if key := v.GetString("api-key"); key != "" {
		cfg.LLM.APIKey = key
	}
	if name := v.GetString("model"); name != "" {
		cfg.LLM.Model = name
	}

	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	profiles := service.NewProfileService(&cfg, repository.NewProfileRepository(db))
	plans := service.NewPlanService(&cfg, profiles, repository.NewPlanRunRepository(db), eventbus.NewPlanEventBus())
	plans.SetTransportFactory(transportFactory)

	return &app{cfg: &cfg, db: db, profiles: profiles, plans: plans}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
