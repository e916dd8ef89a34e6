// SCPS-TP-Go的命令行接口，用于在仿真链路上运行批量传输场景
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/junbin-yang/scpstp-go/pkg/simulation"
	log "github.com/junbin-yang/scpstp-go/pkg/utils/logger"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"
	BuildTime = "unknown"

	cfgFile string
	logger  *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scpstp",
	Short: "SCPS-TP-Go: 面向长时延易出错链路的传输协议",
	Long: `SCPS-TP-Go是空间通信协议规范传输协议(SCPS-TP)的Go实现。
它区分拥塞、误码与链路中断三类丢包，在虚拟时钟驱动的仿真链路上运行批量传输场景。`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SCPS-TP-Go %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在仿真链路上运行一次批量传输",
	RunE:  runSimulate,
}

func init() {
	cobra.OnInitialize(initConfig)

	// 全局标志
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认是./scpstp.yaml）")
	rootCmd.PersistentFlags().String("log-level", "info", "日志级别（debug, info, warn, error）")
	rootCmd.PersistentFlags().String("log-file", "", "日志文件路径，为空时只输出到stderr")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))

	// 仿真命令专属标志，只有显式给出时才覆盖场景文件
	f := simulateCmd.Flags()
	f.String("scenario", "", "场景文件（yaml）")
	f.Uint64("bytes", 0, "传输字节数")
	f.Duration("delay", 0, "单向传播时延")
	f.Uint64("rate", 0, "链路速率（bit/s）")
	f.Float64("ber", 0, "误码率")
	f.Int64("seed", 0, "随机数种子")
	f.Duration("deadline", 0, "仿真截止时间")
	f.String("trace-dir", "", "拥塞窗口轨迹输出目录，为空时不记录")
	f.Duration("trace-interval", 100*time.Millisecond, "轨迹采样间隔")
	viper.BindPFlag("scenario", f.Lookup("scenario"))
	viper.BindPFlag("trace-dir", f.Lookup("trace-dir"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

// initConfig 读取配置文件与环境变量，初始化日志
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("scpstp")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为SCPSTP（例如SCPSTP_LOG_LEVEL对应log-level）
	viper.SetEnvPrefix("SCPSTP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("使用配置文件:", viper.ConfigFileUsed())
	}

	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
	}
	if file := viper.GetString("log-file"); file != "" {
		logger = log.NewFile(log.FileConfig{
			Filename:   file,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		}, level, true)
	} else {
		logger = log.New(os.Stderr, level)
	}
	log.ReplaceDefault(logger)
}

// loadScenario 场景文件打底，再依次叠加配置文件中的client/server段和命令行标志
func loadScenario(cmd *cobra.Command) (*simulation.Scenario, error) {
	sc := simulation.DefaultScenario()
	if path := viper.GetString("scenario"); path != "" {
		loaded, err := simulation.LoadScenario(path)
		if err != nil {
			return nil, err
		}
		sc = *loaded
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if viper.IsSet("client") {
		if err := viper.UnmarshalKey("client", &sc.Client, hook); err != nil {
			return nil, errors.Wrap(err, "decode client config")
		}
	}
	if viper.IsSet("server") {
		if err := viper.UnmarshalKey("server", &sc.Server, hook); err != nil {
			return nil, errors.Wrap(err, "decode server config")
		}
	}

	f := cmd.Flags()
	if f.Changed("bytes") {
		sc.Bytes, _ = f.GetUint64("bytes")
	}
	if f.Changed("delay") {
		sc.Link.Delay, _ = f.GetDuration("delay")
	}
	if f.Changed("rate") {
		sc.Link.Rate, _ = f.GetUint64("rate")
	}
	if f.Changed("ber") {
		sc.Link.BER, _ = f.GetFloat64("ber")
	}
	if f.Changed("seed") {
		sc.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("deadline") {
		sc.Deadline, _ = f.GetDuration("deadline")
	}
	return &sc, sc.Validate()
}

// runSimulate 执行simulate命令：运行场景并打印结果，收到中断信号时提前结束
func runSimulate(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	sc, err := loadScenario(cmd)
	if err != nil {
		return err
	}

	opts := simulation.RunOptions{Logger: logger}
	if dir := viper.GetString("trace-dir"); dir != "" {
		sc.TraceInterval, _ = cmd.Flags().GetDuration("trace-interval")
		tw, err := simulation.NewTraceWriter(dir, sc.Name)
		if err != nil {
			return err
		}
		defer tw.Close()
		opts.Trace = tw
	}

	// SIGINT=Ctrl+C, SIGTERM=终止信号
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting simulation", log.String("version", Version), log.String("scenario", sc.Name))
	res, err := simulation.Run(ctx, sc, opts)
	if res != nil {
		printResult(res)
	}
	return err
}

func printResult(res *simulation.Result) {
	fmt.Printf("\n场景 %s：", res.Scenario)
	if res.Completed {
		fmt.Println("传输完成")
	} else {
		fmt.Println("未完成")
	}
	fmt.Printf("交付字节: %d\n", res.Delivered)
	fmt.Printf("用时: %v\n", res.Duration)
	fmt.Printf("吞吐: %.0f bit/s\n", res.Goodput)
	fmt.Printf("发送方: 段 %d, 重传 %d, 超时 %d, 中断 %d 次, SNACK %d, ECN回显 %d\n",
		res.Client.SegmentsSent, res.Client.Retransmissions, res.Client.Timeouts,
		res.Client.OutageEpisodes, res.Client.SnackHolesReceived, res.Client.EcnEchoes)
	fmt.Printf("接收方: 段 %d, 重复ACK %d, 发出SNACK %d\n",
		res.Server.SegmentsReceived, res.Server.DupAcks, res.Server.SnackHolesSent)
	fmt.Printf("前向链路: 误码 %d, 拥塞 %d, 中断 %d, CE %d\n",
		res.Forward.DroppedCorruption, res.Forward.DroppedCongestion, res.Forward.DroppedOutage, res.Forward.Marked)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./scpstp simulate --bytes 1048576 --delay 250ms --rate 10000000 --ber 1e-7

// ./scpstp simulate --scenario mars.yaml --trace-dir ./trace --log-level debug
