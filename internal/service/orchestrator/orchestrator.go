package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"
)

const (
	defaultRunTimeout = 30 * time.Minute
	cancelWaitTimeout = 5 * time.Second
)

// -----------------------------
// Job 定义
// -----------------------------
type Job struct {
	RunID      string
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
}

// -----------------------------
// RunExecutor 接口
// -----------------------------
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// activeRun 正在执行的运行，done 在执行结束后关闭
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// -----------------------------
// Orchestrator
// -----------------------------
type Orchestrator struct {
	jobQueue    *jobQueue
	retryQueue  *jobQueue
	retryTicker *time.Ticker

	pool *ants.Pool

	executor RunExecutor

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	activeRuns  map[string]*activeRun
	cancelMutex sync.Mutex
}

// -----------------------------
// 错误定义
// -----------------------------
var (
	ErrOrchestratorStopped = errors.New("orchestrator is stopped")
	ErrQueueFull           = errors.New("job queue is full")
)

// NewRunJob
// 说明：创建计划生成任务。阶段级失败由调用方决定是否恢复，这里只执行一次
// 参数：runID 运行ID；timeout 整次运行的超时，<=0 时使用 30 分钟
func NewRunJob(runID string, timeout time.Duration) *Job {
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &Job{
		RunID:      runID,
		EnqueuedAt: time.Now(),
		RetryCount: 0,
		MaxRetries: 1,
		Timeout:    timeout,
	}
}

// -----------------------------
// 构造函数
// -----------------------------
func NewOrchestrator(maxWorkers int, executor RunExecutor) (*Orchestrator, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	jobQ := newJobQueue(120)
	retryQ := newJobQueue(120)

	pool, err := ants.NewPool(maxWorkers,
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(1000),
		ants.WithExpiryDuration(5*time.Minute),
	)
	if err != nil {
		cancel()
		klog.Errorf("ants pool initialization failed: %v", err)
		return nil, err
	}

	return &Orchestrator{
		jobQueue:    jobQ,
		retryQueue:  retryQ,
		retryTicker: time.NewTicker(500 * time.Millisecond),
		pool:        pool,
		activeRuns:  make(map[string]*activeRun),
		executor:    executor,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// -----------------------------
// 启动
// -----------------------------
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
	go o.processRetryQueue()
}

// -----------------------------
// 停止
// -----------------------------
// Stop 关闭队列并取消全部运行中的流读取，最多等待 releaseTimeout
func (o *Orchestrator) Stop(releaseTimeout time.Duration) {
	o.stopOnce.Do(func() {
		klog.V(6).Infof("Orchestrator stopping...")

		// 1. 停止接收新任务，关闭队列；运行中的 ctx 派生自 o.ctx，一并取消
		o.cancel()
		o.jobQueue.Close()
		o.retryQueue.Close()

		// 2. 等待正在执行的运行退出
		runningTasks := o.pool.Running()
		if runningTasks > 0 {
			klog.V(6).Infof("Waiting for %d running plans to stop (timeout: %v)", runningTasks, releaseTimeout)
		}

		if err := o.pool.ReleaseTimeout(releaseTimeout); err == nil {
			klog.V(6).Infof("All running plans stopped before timeout")
		} else {
			klog.Warningf("Timeout after %v: some running plans may be forced to stop", releaseTimeout)
		}

		klog.V(6).Infof("Orchestrator stopped completely")
	})
}

// -----------------------------
// 入队任务
// -----------------------------
func (o *Orchestrator) EnqueueJob(job *Job) error {
	select {
	case <-o.ctx.Done():
		return ErrOrchestratorStopped
	default:
	}

	if err := o.jobQueue.Enqueue(job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			klog.Warningf("Job queue full: runID=%s", job.RunID)
		}
		return err
	}
	klog.V(6).Infof("Job enqueued: runID=%s", job.RunID)
	return nil
}

// -----------------------------
// 取消任务
// -----------------------------
func (o *Orchestrator) registerRun(runID string, cancel context.CancelFunc) *activeRun {
	o.cancelMutex.Lock()
	defer o.cancelMutex.Unlock()
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.activeRuns[runID] = run
	return run
}

func (o *Orchestrator) unregisterRun(runID string, run *activeRun) {
	o.cancelMutex.Lock()
	defer o.cancelMutex.Unlock()
	if o.activeRuns[runID] == run {
		delete(o.activeRuns, runID)
	}
	close(run.done)
}

// IsActive 运行是否正在某个 worker 上执行
func (o *Orchestrator) IsActive(runID string) bool {
	o.cancelMutex.Lock()
	defer o.cancelMutex.Unlock()
	_, ok := o.activeRuns[runID]
	return ok
}

// CancelRun 取消正在执行的运行，并等待其退出（最多 5 秒）
// 运行不在执行中时返回 false
func (o *Orchestrator) CancelRun(runID string) bool {
	o.cancelMutex.Lock()
	run, ok := o.activeRuns[runID]
	o.cancelMutex.Unlock()
	if !ok {
		return false
	}

	klog.V(6).Infof("Cancelling run: runID=%s", runID)
	run.cancel()

	select {
	case <-run.done:
	case <-time.After(cancelWaitTimeout):
		klog.Warningf("Run cancel timeout: runID=%s", runID)
	case <-o.ctx.Done():
	}

	return true
}

// -----------------------------
// Dispatch Loop
// -----------------------------
func (o *Orchestrator) dispatchLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
			job, ok := o.jobQueue.Dequeue()
			if !ok {
				continue
			}
			o.tryDispatch(job)
		}
	}
}

// -----------------------------
// Retry Queue Loop
// -----------------------------
func (o *Orchestrator) processRetryQueue() {
	defer o.retryTicker.Stop()
	// 增加协程级Panic防护，避免协程退出
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Retry queue loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.retryTicker.C:
			for range 10 {
				if o.retryQueue.Len() == 0 {
					break
				}
				job, ok := o.retryQueue.Dequeue()
				if !ok {
					break
				}
				// 单个任务Panic不影响整个循环
				func() {
					defer func() {
						if r := recover(); r != nil {
							klog.Errorf("Retry dispatch panic: runID=%s, err=%v",
								job.RunID, r)
						}
					}()
					o.tryDispatch(job)
				}()
			}
		}
	}
}

// -----------------------------
// Try Dispatch
// -----------------------------
// tryDispatch
// 说明：尝试分发任务到协程池执行；池提交失败时按重试上限重新入队
func (o *Orchestrator) tryDispatch(job *Job) {
	if job.MaxRetries <= 0 || job.RetryCount >= job.MaxRetries {
		klog.Warningf("任务重试已达上限，放弃入队: runID=%s, retry=%d/%d", job.RunID, job.RetryCount, job.MaxRetries)
		return
	}
	err := o.pool.Submit(func() {
		o.executeJob(job)
	})
	if err == nil {
		return
	}
	klog.Errorf("提交任务到协程池失败: runID=%s, err=%v", job.RunID, err)

	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		klog.Warningf("任务重试已达上限，放弃入队: runID=%s, retry=%d/%d", job.RunID, job.RetryCount, job.MaxRetries)
		return
	}
	if err := o.retryQueue.Enqueue(job); err != nil {
		klog.Errorf("任务重试入队失败: runID=%s, err=%v", job.RunID, err)
	}
}

// executeJob 统一控制超时、取消与重试
func (o *Orchestrator) executeJob(job *Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()
	runCtx, manualCancel := context.WithCancel(ctx)
	defer manualCancel()

	run := o.registerRun(job.RunID, manualCancel)
	defer o.unregisterRun(job.RunID, run)

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Run panic recovered: runID=%s, err=%v", job.RunID, r)
		}
	}()

	for i := job.RetryCount; i < job.MaxRetries; i++ {
		job.RetryCount = i // 每次尝试前更新 RetryCount

		err := o.executor.ExecuteRun(runCtx, job.RunID)
		if err == nil {
			klog.V(6).Infof("Run completed: runID=%s", job.RunID)
			return
		}
		if runCtx.Err() != nil {
			klog.Warningf("任务被取消或超时: runID=%s, err=%v", job.RunID, err)
			return
		}
		if i+1 >= job.MaxRetries {
			break
		}

		backoff := time.Second << i
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}

		klog.Warningf("任务重试失败: runID=%s, retry=%d/%d, err=%v, backoff=%v",
			job.RunID, i+1, job.MaxRetries, err, backoff)

		select {
		case <-runCtx.Done():
			klog.Warningf("任务被取消或超时: runID=%s", job.RunID)
			return
		case <-time.After(backoff):
		}
	}

	klog.Errorf("任务执行失败且超过重试上限: runID=%s", job.RunID)
}

// -----------------------------
// Queue Status
// -----------------------------
type QueueStatus struct {
	QueueLength   int `json:"queue_length"`
	RetryLength   int `json:"retry_length"`
	ActiveWorkers int `json:"active_workers"`
	ActiveRuns    int `json:"active_runs"`
}

func (o *Orchestrator) GetQueueStatus() *QueueStatus {
	o.cancelMutex.Lock()
	active := len(o.activeRuns)
	o.cancelMutex.Unlock()
	return &QueueStatus{
		QueueLength:   o.jobQueue.Len(),
		RetryLength:   o.retryQueue.Len(),
		ActiveWorkers: o.pool.Running(),
		ActiveRuns:    active,
	}
}

// -----------------------------
// JobQueue (Ring Buffer) + Reject New
// -----------------------------
type jobQueue struct {
	maxSize int
	items   []*Job
	mutex   sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func newJobQueue(maxSize int) *jobQueue {
	q := &jobQueue{
		maxSize: maxSize,
		items:   make([]*Job, 0, maxSize),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *jobQueue) Enqueue(job *Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrOrchestratorStopped
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull // Reject New
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

func (q *jobQueue) Dequeue() (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mutex.Unlock()
}

// -------------------- Global Orchestrator --------------------
var (
	globalOrchestrator *Orchestrator
	orchestratorOnce   sync.Once
)

func InitGlobalOrchestrator(maxWorkers int, executor RunExecutor) error {
	var initErr error
	orchestratorOnce.Do(func() {
		orch, err := NewOrchestrator(maxWorkers, executor)
		if err != nil {
			initErr = err
			return
		}
		globalOrchestrator = orch
		globalOrchestrator.Start()
		klog.V(6).Infof("Global orchestrator initialized: maxWorkers=%d", maxWorkers)
	})
	return initErr
}

func GetGlobalOrchestrator() *Orchestrator {
	return globalOrchestrator
}

func ShutdownGlobalOrchestrator(releaseTimeout time.Duration) {
	if globalOrchestrator != nil {
		globalOrchestrator.Stop(releaseTimeout)
		klog.V(6).Infof("Global orchestrator shutdown")
	}
}
