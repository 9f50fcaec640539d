package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hellmoyy/futurepilotv2-sub000/internal/app"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/backtest"
	fpcfg "github.com/hellmoyy/futurepilotv2-sub000/internal/config"
	"github.com/hellmoyy/futurepilotv2-sub000/internal/logger"
)

var errUsage = errors.New("unknown mode")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			flag.Usage()
			os.Exit(2)
		}
		log.Printf("%v", err)
		os.Exit(1)
	}
}

// run 返回后所有 defer 已执行，main 再决定退出码。
func run() error {
	defaultCfg := os.Getenv("FUTUREPILOT_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "configs/config.yaml"
	}
	cfgPath := flag.String("config", defaultCfg, "配置文件路径")
	mode := flag.String("mode", "serve", "运行模式: backtest | fetch | import | serve")
	symbol := flag.String("symbol", "", "交易对（默认取 trading.symbols 第一个）")
	period := flag.String("period", "", "回测区间，如 7d、30d、12h")
	capital := flag.Float64("capital", 0, "初始资金（默认取 trading.capital）")
	strategyName := flag.String("strategy", "", "策略预设名称")
	timeframe := flag.String("timeframe", "", "回测执行周期（默认取预设最小周期）")
	file := flag.String("file", "", "import 模式读取的 K 线 JSON 文件")
	flag.Parse()

	cfg, err := fpcfg.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	if opts := cfg.App.RotateOptions(); opts.Path != "" {
		closer, err := logger.SetRotatingFile(opts)
		if err != nil {
			return fmt.Errorf("初始化日志文件失败: %w", err)
		}
		defer closer.Close()
	}
	logger.Infof("✓ 配置加载成功（环境=%s，策略=%s）", cfg.App.Env, cfg.Trading.Strategy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer a.Close()

	req := backtest.RunRequest{
		Symbol:    *symbol,
		Strategy:  *strategyName,
		Timeframe: *timeframe,
		Period:    *period,
		Capital:   *capital,
	}
	if req.Symbol == "" && len(cfg.Trading.Symbols) > 0 {
		req.Symbol = cfg.Trading.Symbols[0]
	}

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case "backtest":
		res, err := a.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("回测失败: %w", err)
		}
		printJSON(map[string]any{
			"run_id":        res.RunID,
			"config":        res.Config,
			"decisions":     res.Decisions,
			"final_balance": res.FinalBalance,
			"metrics":       res.Metrics,
		})
	case "fetch":
		report, err := a.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("补齐 K 线失败: %w", err)
		}
		printJSON(report)
		if !report.Complete() {
			logger.Warnf("仍有 %d 段缺失", len(report.Gaps))
		}
	case "import":
		tf := req.Timeframe
		if tf == "" {
			tf = "1m"
		}
		n, err := a.Import(ctx, req.Symbol, tf, *file)
		if err != nil {
			return fmt.Errorf("导入 K 线失败: %w", err)
		}
		fmt.Printf("imported %d candles\n", n)
	case "serve":
		if err := a.Serve(ctx); err != nil {
			return fmt.Errorf("运行失败: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", errUsage, *mode)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("输出结果失败: %v", err)
	}
}
