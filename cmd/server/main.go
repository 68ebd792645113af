package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/config"
	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
	"github.com/weibaohui/fitnessgpt/backend/internal/handler"
	"github.com/weibaohui/fitnessgpt/backend/internal/pkg/database"
	"github.com/weibaohui/fitnessgpt/backend/internal/repository"
	"github.com/weibaohui/fitnessgpt/backend/internal/router"
	"github.com/weibaohui/fitnessgpt/backend/internal/service"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/orchestrator"
	"github.com/weibaohui/fitnessgpt/backend/internal/subscriber"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg := config.GetConfig()

	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 初始化 Repository
	profileRepo := repository.NewProfileRepository(db)
	runRepo := repository.NewPlanRunRepository(db)

	// 初始化事件总线与订阅者
	planBus := eventbus.NewPlanEventBus()
	subscriber.NewPlanEventSubscriber().Register(planBus)

	// 初始化 Service
	profileService := service.NewProfileService(cfg, profileRepo)
	planService := service.NewPlanService(cfg, profileService, runRepo, planBus)

	// 上次退出时未完成的运行标记为失败，用户可从失败阶段恢复
	if _, err := planService.RecoverInterrupted(context.Background()); err != nil {
		klog.Errorf("标记中断的计划失败: %v", err)
	}

	// 初始化全局编排器，PlanService 直接实现 RunExecutor
	if err := orchestrator.InitGlobalOrchestrator(cfg.Planner.Workers, planService); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	planService.SetQueue(orchestrator.GetGlobalOrchestrator())
	defer orchestrator.ShutdownGlobalOrchestrator(shutdownTimeout)

	// 初始化 Handler
	profileHandler := handler.NewProfileHandler(profileService)
	planHandler := handler.NewPlanHandler(planService)
	healthHandler := handler.NewHealthHandler(func() *orchestrator.QueueStatus {
		if o := orchestrator.GetGlobalOrchestrator(); o != nil {
			return o.GetQueueStatus()
		}
		return nil
	})

	// 设置路由
	r := router.Setup(cfg, profileHandler, planHandler, healthHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on port %s...", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	klog.V(6).Info("收到退出信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("服务关闭失败: %v", err)
	}
}
