//go:build integration
// +build integration

package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/config"
	"github.com/naqibannur/fpga-npu-pcie/internal/device"
	"github.com/naqibannur/fpga-npu-pcie/internal/fpga"
	"github.com/naqibannur/fpga-npu-pcie/internal/telemetry"
	"github.com/naqibannur/fpga-npu-pcie/pkg/npu"
)

// newRuntime wires the full stack the way a deployment would: config,
// simulated card, probed device, opened session. The session closes on
// app stop.
func newRuntime(t testing.TB) (*fxtest.App, *npu.Context) {
	var ctx *npu.Context
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Provide(
			config.Default,
			zap.NewNop,
			func(cfg *config.Config, log *zap.Logger) *fpga.Model {
				return fpga.New(fpga.Config{
					ArenaSize:   cfg.Device.ArenaSize,
					ExecLatency: cfg.Device.ExecLatency,
					Logger:      log,
				})
			},
			func(model *fpga.Model, log *zap.Logger) (*device.Device, error) {
				return device.Probe(model, 0, log)
			},
			func(lc fx.Lifecycle, dev *device.Device, cfg *config.Config, log *zap.Logger) (*npu.Context, error) {
				c, err := npu.Open(dev, cfg, log)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.StopHook(c.Close))
				return c, nil
			},
		),
		fx.Populate(&ctx),
	)
	app.RequireStart()
	return app, ctx
}

func TestIdentityMatMulEndToEnd(t *testing.T) {
	app, ctx := newRuntime(t)
	defer app.RequireStop()

	const n = 64
	av := make([]float32, n*n)
	iv := make([]float32, n*n)
	for i := range av {
		av[i] = float32(i%17)*0.5 - 4
	}
	for i := 0; i < n; i++ {
		iv[i*n+i] = 1
	}

	a, err := npu.NewMatrix(n, n)
	require.NoError(t, err)
	require.NoError(t, a.SetFloat32s(av))
	identity, err := npu.NewMatrix(n, n)
	require.NoError(t, err)
	require.NoError(t, identity.SetFloat32s(iv))

	out, err := ctx.MatMul(a, identity)
	require.NoError(t, err)

	got := out.Float32s()
	for i := range av {
		assert.InDelta(t, av[i], got[i], 1e-4)
	}
}

func TestInferencePipelineEndToEnd(t *testing.T) {
	app, ctx := newRuntime(t)
	defer app.RequireStop()

	input, err := npu.NewTensor([4]uint32{1, 1, 8, 8}, npu.Float32)
	require.NoError(t, err)
	vals := make([]float32, input.Elems())
	for i := range vals {
		vals[i] = float32(i%10) - 4.5
	}
	require.NoError(t, input.SetFloat32s(vals))

	weights, err := npu.NewTensor([4]uint32{2, 1, 3, 3}, npu.Float32)
	require.NoError(t, err)
	wv := make([]float32, weights.Elems())
	for i := range wv {
		wv[i] = 0.25
	}
	require.NoError(t, weights.SetFloat32s(wv))

	feat, err := ctx.Conv2D(input, weights, [2]uint32{1, 1}, [2]uint32{1, 1})
	require.NoError(t, err)
	assert.Equal(t, [4]uint32{1, 2, 8, 8}, feat.Dims)

	feat, err = ctx.ReLU(feat)
	require.NoError(t, err)
	for _, v := range feat.Float32s() {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	feat, err = ctx.MaxPool(feat, [2]uint32{2, 2}, [2]uint32{2, 2})
	require.NoError(t, err)
	assert.Equal(t, [4]uint32{1, 2, 4, 4}, feat.Dims)

	// The whole pipeline cleaned up after itself.
	assert.Zero(t, ctx.Buffers().Count())
}

func TestTelemetryAfterWork(t *testing.T) {
	app, ctx := newRuntime(t)
	defer app.RequireStop()

	require.NoError(t, ctx.SelfTest())

	snap, err := ctx.Telemetry().Snapshot()
	require.NoError(t, err)
	assert.NotZero(t, snap.Counters[0], "cycles should advance")
	assert.GreaterOrEqual(t, snap.TemperatureC, uint32(45))
	assert.NotZero(t, snap.PowerMW)
	assert.NotEqual(t, telemetry.ThermalUnknown, snap.Thermal)
}

func TestResetRecoversTheDatapath(t *testing.T) {
	app, ctx := newRuntime(t)
	defer app.RequireStop()

	a, err := npu.NewMatrix(4, 4)
	require.NoError(t, err)
	require.NoError(t, a.SetFloat32s(make([]float32, 16)))

	_, err = ctx.Add(a, a)
	require.NoError(t, err)

	require.NoError(t, ctx.Reset())

	out, err := ctx.Add(a, a)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), out.Float32s())
}

func BenchmarkMatMul(b *testing.B) {
	app, ctx := newRuntime(b)
	defer app.RequireStop()

	for _, size := range []int{32, 64, 128} {
		b.Run(fmt.Sprintf("size_%d", size), func(b *testing.B) {
			vals := make([]float32, size*size)
			for i := range vals {
				vals[i] = float32(i%100) / 100
			}
			m, err := npu.NewMatrix(uint32(size), uint32(size))
			require.NoError(b, err)
			require.NoError(b, m.SetFloat32s(vals))

			b.ResetTimer()
			start := time.Now()
			for i := 0; i < b.N; i++ {
				if _, err := ctx.MatMul(m, m); err != nil {
					b.Fatal(err)
				}
			}
			flops := float64(2*size*size*size) * float64(b.N)
			b.ReportMetric(flops/time.Since(start).Seconds()/1e9, "GFLOPS")
		})
	}
}
