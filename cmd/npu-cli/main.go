package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/naqibannur/fpga-npu-pcie/internal/config"
	"github.com/naqibannur/fpga-npu-pcie/internal/device"
	"github.com/naqibannur/fpga-npu-pcie/internal/fpga"
	"github.com/naqibannur/fpga-npu-pcie/internal/logger"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/telemetry"
	"github.com/naqibannur/fpga-npu-pcie/pkg/npu"
)

func main() {
	var cfg *config.Config
	var log *zap.Logger

	app := &cli.App{
		Name:  "npu-cli",
		Usage: "Operate and inspect an NPU card",
		Before: func(c *cli.Context) error {
			var err error
			if path := c.String("config"); path != "" {
				cfg, err = config.LoadConfig(path)
				if err != nil {
					return err
				}
			} else {
				cfg = config.Default()
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			log = zapLogger.Named("cli")
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"NPU_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Print the device identity",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						info := ctx.Device().Info()
						fmt.Printf("board:        %s\n", info.BoardName)
						fmt.Printf("vendor:       0x%04X\n", info.VendorID)
						fmt.Printf("device:       0x%04X\n", info.DeviceID)
						fmt.Printf("revision:     %d\n", info.Revision)
						fmt.Printf("pci:          %02x:%02x.%d gen%d x%d\n",
							info.PCIBus, info.PCIDevice, info.PCIFunction,
							info.PCIeGeneration, info.PCIeLanes)
						fmt.Printf("pe count:     %d\n", info.PECount)
						fmt.Printf("max clock:    %d MHz\n", info.MaxFrequencyMHz)
						fmt.Printf("memory:       %d MiB\n", info.MemorySize>>20)
						return nil
					})
				},
			},
			{
				Name:  "status",
				Usage: "Print status flags, last error and performance counters",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						status, err := ctx.Status()
						if err != nil {
							return err
						}
						fmt.Printf("status:   0x%08X%s\n", status, statusFlags(status))

						lastErr, err := ctx.Device().LastError()
						if err != nil {
							return err
						}
						fmt.Printf("errors:   %d (last: %s)\n", lastErr.Count, lastErr.Description)

						snap, err := ctx.Telemetry().Snapshot()
						if err != nil {
							return err
						}
						for i, v := range snap.Counters {
							fmt.Printf("%-18s %d\n", telemetry.CounterName(i)+":", v)
						}
						return nil
					})
				},
			},
			{
				Name:  "thermal",
				Usage: "Print the thermal and power state",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						snap, err := ctx.Telemetry().Snapshot()
						if err != nil {
							return err
						}
						fmt.Printf("temperature:  %d C (%s)\n", snap.TemperatureC, snap.Thermal)
						fmt.Printf("power:        %d mW\n", snap.PowerMW)
						fmt.Printf("fan:          %d RPM\n", snap.FanRPM)
						fmt.Printf("utilization:  %.1f%%\n", snap.Utilization)
						return nil
					})
				},
			},
			{
				Name:  "selftest",
				Usage: "Run the built-in datapath self-test",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						start := time.Now()
						if err := ctx.SelfTest(); err != nil {
							return err
						}
						fmt.Printf("self-test passed in %v\n", time.Since(start).Round(time.Millisecond))
						return nil
					})
				},
			},
			{
				Name:  "matmul",
				Usage: "Run a matrix multiplication and verify it on the host",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "size", Value: 64, Usage: "Square matrix dimension"},
				},
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						return runMatMul(ctx, uint32(c.Uint("size")))
					})
				},
			},
			{
				Name:  "reset",
				Usage: "Pulse the device reset",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						if err := ctx.Reset(); err != nil {
							return err
						}
						fmt.Println("device reset")
						return nil
					})
				},
			},
			{
				Name:  "monitor",
				Usage: "Serve telemetry metrics and log periodic samples",
				Action: func(c *cli.Context) error {
					return withContext(cfg, log, func(ctx *npu.Context) error {
						figure.NewFigure("NPU Monitor", "", true).Print()

						http.Handle("/metrics", promhttp.Handler())
						go func() {
							ticker := time.NewTicker(cfg.Telemetry.PollInterval)
							defer ticker.Stop()
							for range ticker.C {
								snap, err := ctx.Telemetry().Snapshot()
								if err != nil {
									log.Warn("snapshot failed", zap.Error(err))
									continue
								}
								log.Info("telemetry",
									zap.Uint32("celsius", snap.TemperatureC),
									zap.Uint32("power_mw", snap.PowerMW),
									zap.String("thermal", snap.Thermal.String()),
									zap.Float64("utilization", snap.Utilization))
							}
						}()

						log.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen))
						return http.ListenAndServe(cfg.Metrics.Listen, nil)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if log != nil {
			log.Fatal("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// withContext assembles the simulated card and a runtime session, runs
// fn and tears everything down.
func withContext(cfg *config.Config, log *zap.Logger, fn func(*npu.Context) error) error {
	model := fpga.New(fpga.Config{
		ArenaSize:   cfg.Device.ArenaSize,
		ExecLatency: cfg.Device.ExecLatency,
		Logger:      log,
	})
	defer model.Drain()

	dev, err := device.Probe(model, 0, log)
	if err != nil {
		return err
	}
	ctx, err := npu.Open(dev, cfg, log)
	if err != nil {
		return err
	}
	defer ctx.Close()
	return fn(ctx)
}

func runMatMul(ctx *npu.Context, size uint32) error {
	if size == 0 || size > 512 {
		return fmt.Errorf("size %d out of range (1..512)", size)
	}
	n := int(size)

	av := make([]float32, n*n)
	bv := make([]float32, n*n)
	a64 := make([]float64, n*n)
	b64 := make([]float64, n*n)
	for i := range av {
		av[i] = float32((i*7)%13) - 6
		bv[i] = float32((i*3)%11) * 0.5
		a64[i] = float64(av[i])
		b64[i] = float64(bv[i])
	}

	a, err := npu.NewMatrix(size, size)
	if err != nil {
		return err
	}
	if err := a.SetFloat32s(av); err != nil {
		return err
	}
	b, err := npu.NewMatrix(size, size)
	if err != nil {
		return err
	}
	if err := b.SetFloat32s(bv); err != nil {
		return err
	}

	start := time.Now()
	out, err := ctx.MatMul(a, b)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	var want mat.Dense
	want.Mul(mat.NewDense(n, n, a64), mat.NewDense(n, n, b64))
	got := out.Float32s()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff := float64(got[i*n+j]) - want.At(i, j)
			if diff > 1e-3 || diff < -1e-3 {
				return fmt.Errorf("verification failed at (%d,%d): device %v, host %v",
					i, j, got[i*n+j], want.At(i, j))
			}
		}
	}

	flops := 2 * float64(n) * float64(n) * float64(n)
	fmt.Printf("%dx%d matmul verified in %v (%.2f MFLOPS)\n",
		n, n, elapsed.Round(time.Microsecond), flops/elapsed.Seconds()/1e6)
	return nil
}

func statusFlags(status uint32) string {
	out := ""
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{mmio.StatusReady, "READY"},
		{mmio.StatusBusy, "BUSY"},
		{mmio.StatusError, "ERROR"},
		{mmio.StatusDone, "DONE"},
		{mmio.StatusThermalWarning, "THERMAL"},
		{mmio.StatusPowerWarning, "POWER"},
	} {
		if status&f.bit != 0 {
			out += " " + f.name
		}
	}
	return out
}
