package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/pflag"

	"cv-pipeline-go/internal/config"
	"cv-pipeline-go/internal/constants"
	"cv-pipeline-go/internal/embedding"
	"cv-pipeline-go/internal/logger"
	"cv-pipeline-go/internal/outbox"
	"cv-pipeline-go/internal/parser"
	"cv-pipeline-go/internal/search"
	"cv-pipeline-go/internal/storage"
	"cv-pipeline-go/internal/tracing"
	"cv-pipeline-go/internal/worker"
)

// 命令行参数
var (
	configPath   string
	jobName      string
	batchSize    int
	forceReparse bool
	rescanErrors bool
	scheduleMode bool
	query        string
	appliedRaw   string
)

func main() {
	pflag.StringVarP(&configPath, "config", "c", "internal/config/config.yaml", "配置文件路径")
	pflag.StringVarP(&jobName, "job", "j", "all", "执行的任务: scan, parse, retention, relay, suggest, all")
	pflag.IntVarP(&batchSize, "batch-size", "b", 0, "批量大小，0表示使用配置文件中的值")
	pflag.BoolVar(&forceReparse, "force", false, "解析任务把已解析成功的版本也重新处理")
	pflag.BoolVar(&rescanErrors, "rescan-errors", false, "扫描任务把error状态的版本重新纳入")
	pflag.BoolVar(&scheduleMode, "schedule", false, "常驻模式，按配置的间隔周期执行")
	pflag.StringVarP(&query, "query", "q", "", "suggest任务的查询文本")
	pflag.StringVar(&appliedRaw, "applied", "", "suggest任务已应用的过滤值，逗号分隔")
	pflag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracerProvider(ctx, &cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化链路追踪失败")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("关闭链路追踪失败")
		}
	}()

	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()

	if storageManager.RabbitMQ != nil {
		if err := declarePipelineTopology(storageManager, cfg); err != nil {
			logger.Fatal().Err(err).Msg("声明消息拓扑失败")
		}
	}

	app := &application{cfg: cfg, storage: storageManager}

	if jobName == "suggest" {
		if err := app.runSuggest(ctx); err != nil {
			logger.Fatal().Err(err).Msg("执行语义建议失败")
		}
		return
	}

	if scheduleMode {
		app.runScheduled(ctx)
		return
	}

	if err := app.runOnce(ctx, jobName); err != nil {
		logger.Fatal().Err(err).Str("job", jobName).Msg("任务执行失败")
	}
}

// declarePipelineTopology 声明流水线事件的交换机、队列和绑定。
// 幂等操作，每次启动都执行一遍，消费方不在时事件也不丢。
func declarePipelineTopology(storageManager *storage.Storage, cfg *config.Config) error {
	exchange := cfg.RabbitMQ.PipelineEventsExchange
	queue := exchange + ".queue"

	if err := storageManager.RabbitMQ.EnsureExchange(exchange, "topic", true); err != nil {
		return err
	}
	if err := storageManager.RabbitMQ.EnsureQueue(queue, true); err != nil {
		return err
	}
	return storageManager.RabbitMQ.BindQueue(queue, exchange, "cv.#")
}

type application struct {
	cfg     *config.Config
	storage *storage.Storage
}

// runOnce 执行一次指定任务，all按scan、parse、retention、relay的顺序全跑
func (a *application) runOnce(ctx context.Context, name string) error {
	switch name {
	case "scan":
		return a.runScan(ctx)
	case "parse":
		return a.runParse(ctx)
	case "retention":
		return a.runRetention(ctx)
	case "relay":
		return a.runRelay(ctx)
	case "all":
		for _, job := range []func(context.Context) error{a.runScan, a.runParse, a.runRetention, a.runRelay} {
			if err := job(ctx); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("未知任务: %s", name)
	}
}

func (a *application) runScan(ctx context.Context) error {
	size := batchSize
	if size <= 0 {
		size = a.cfg.Pipeline.ScanBatchSize
	}
	w := worker.NewVirusScanWorker(a.storage.MySQL, &worker.StubScanner{}, &a.cfg.RabbitMQ, size,
		worker.WithRescanErrors(rescanErrors))
	summary, err := w.Run(ctx)
	if err != nil {
		return err
	}
	return printSummary("scan", summary)
}

func (a *application) runParse(ctx context.Context) error {
	if a.storage.MinIO == nil {
		return fmt.Errorf("解析任务需要MinIO，检查minio配置")
	}

	var extractor parser.TextExtractor = &parser.PlainTextExtractor{}
	if a.cfg.Tika.ServerURL != "" {
		var tikaOptions []parser.TikaExtractorOption
		if a.cfg.Tika.TimeoutSeconds > 0 {
			tikaOptions = append(tikaOptions, parser.WithTikaTimeout(time.Duration(a.cfg.Tika.TimeoutSeconds)*time.Second))
		}
		extractor = parser.NewTikaExtractor(a.cfg.Tika.ServerURL, tikaOptions...)
	} else {
		logger.Warn().Msg("未配置Tika，只能解析纯文本文件")
	}

	size := batchSize
	if size <= 0 {
		size = a.cfg.Pipeline.ParseBatchSize
	}
	sectionParser := parser.NewSectionParser(embedding.NewFeatureEmbedder(0))
	parseOptions := []worker.CvParseOption{worker.WithForceReparse(forceReparse)}
	if a.storage.Redis != nil {
		parseOptions = append(parseOptions, worker.WithChecksumRecorder(a.storage.Redis))
	}
	w := worker.NewCvParseWorker(a.storage.MySQL, a.storage.MinIO, extractor, sectionParser,
		&a.cfg.RabbitMQ, a.cfg.Pipeline.ParserVersion, size, parseOptions...)
	summary, err := w.Run(ctx)
	if err != nil {
		return err
	}
	return printSummary("parse", summary)
}

func (a *application) runRetention(ctx context.Context) error {
	consent := storage.NewLegalHoldChecker(a.storage.MySQL, a.storage.Redis)

	var options []worker.RetentionOption
	if a.storage.Redis != nil {
		options = append(options, worker.WithChecksumRegistry(a.storage.Redis))
	}
	w := worker.NewRetentionWorker(a.storage.MySQL, consent, &a.cfg.RabbitMQ,
		a.cfg.Pipeline.RetentionWarningDays, a.cfg.Pipeline.RetentionPurgeDays, options...)
	summary, err := w.Run(ctx)
	if err != nil {
		return err
	}
	return printSummary("retention", summary)
}

func (a *application) runRelay(ctx context.Context) error {
	if a.storage.RabbitMQ == nil {
		logger.Warn().Msg("未配置RabbitMQ，跳过发件箱中继")
		return nil
	}
	relay := outbox.NewMessageRelay(a.storage.MySQL.DB(), a.storage.RabbitMQ)
	published, err := relay.Drain(ctx)
	if err != nil {
		return err
	}
	return printSummary("relay", map[string]int{"published": published})
}

// runSuggest 对存量实体跑一次语义建议，结果打到标准输出
func (a *application) runSuggest(ctx context.Context) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("suggest任务需要--query参数")
	}

	candidates, err := a.storage.MySQL.ListEntityCandidates(ctx, nil, a.cfg.Pipeline.SuggestionCandidateCap)
	if err != nil {
		return err
	}

	var applied []string
	if appliedRaw != "" {
		applied = strings.Split(appliedRaw, ",")
	}

	suggester := search.NewSuggester(embedding.NewFeatureEmbedder(0),
		search.WithThreshold(a.cfg.Pipeline.SimilarityThreshold))
	suggestions := suggester.Suggest(query, candidates, applied)
	return printSummary("suggest", suggestions)
}

// runScheduled 常驻模式：gocron按配置间隔调度各任务，
// 每次执行前先抢Redis分布式锁，多实例部署时不会重复跑同一任务
func (a *application) runScheduled(ctx context.Context) {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	jobs := []struct {
		name     string
		interval int
		run      func(context.Context) error
	}{
		{"scan", a.cfg.Scheduler.ScanIntervalSeconds, a.runScan},
		{"parse", a.cfg.Scheduler.ParseIntervalSeconds, a.runParse},
		{"retention", a.cfg.Scheduler.RetentionIntervalSeconds, a.runRetention},
	}

	for _, job := range jobs {
		job := job
		if job.interval <= 0 {
			continue
		}
		_, err := scheduler.Every(job.interval).Seconds().Do(func() {
			a.runLocked(ctx, job.name, time.Duration(job.interval)*time.Second, job.run)
		})
		if err != nil {
			logger.Fatal().Err(err).Str("job", job.name).Msg("注册调度任务失败")
		}
		logger.Info().Str("job", job.name).Int("interval_seconds", job.interval).Msg("任务已注册")
	}

	var relay *outbox.MessageRelay
	if a.storage.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(a.storage.MySQL.DB(), a.storage.RabbitMQ)
		relay.Start()
	}

	scheduler.StartAsync()
	logger.Info().Msg("调度器已启动")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("收到退出信号，停止调度")
	scheduler.Stop()
	if relay != nil {
		relay.Stop()
	}
}

// runLocked 抢到分布式锁才执行，抢不到说明别的实例正在跑
func (a *application) runLocked(ctx context.Context, name string, ttl time.Duration, run func(context.Context) error) {
	if a.storage.Redis != nil {
		lockKey := fmt.Sprintf(constants.KeyJobLock, name)
		lockValue, err := a.storage.Redis.AcquireLock(ctx, lockKey, ttl)
		if err != nil {
			logger.Warn().Err(err).Str("job", name).Msg("获取任务锁失败，跳过本轮")
			return
		}
		if lockValue == "" {
			logger.Debug().Str("job", name).Msg("任务锁被其他实例持有，跳过本轮")
			return
		}
		defer func() {
			if _, err := a.storage.Redis.ReleaseLock(ctx, lockKey, lockValue); err != nil {
				logger.Warn().Err(err).Str("job", name).Msg("释放任务锁失败")
			}
		}()
	}

	if err := run(ctx); err != nil {
		logger.Error().Err(err).Str("job", name).Msg("调度任务执行失败")
	}
}

// printSummary 把任务统计以JSON输出到标准输出，方便调用方采集
func printSummary(job string, summary interface{}) error {
	out, err := json.Marshal(map[string]interface{}{
		"job":     job,
		"summary": summary,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
