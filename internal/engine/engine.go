// Package engine executes inference jobs on the simulated compute engines.
// A model carrying a square float32 weight matrix runs as y = tanh(W·x);
// any other blob degrades to a bounded copy, which is all the reference
// hardware model ever did.
package engine

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/accelforge/aicore/internal/model"
	"github.com/accelforge/aicore/internal/status"
)

// Engine fans inference jobs out over a fixed number of compute engines.
// Execution itself is synchronous; callers layer fencing on top.
type Engine struct {
	log  *zap.Logger
	num  uint32
	next atomic.Uint32
}

// Result reports what one job did.
type Result struct {
	Bytes    int // bytes written to the output region
	Cycles   uint64
	EngineID uint32
}

func New(numEngines int, log *zap.Logger) *Engine {
	if numEngines <= 0 {
		numEngines = 1
	}
	return &Engine{log: log.Named("engine"), num: uint32(numEngines)}
}

// NumEngines reports the configured engine count.
func (e *Engine) NumEngines() int { return int(e.num) }

// Infer runs m against input and writes the result into output.
func (e *Engine) Infer(m *model.Model, input, output []byte) (Result, error) {
	if m == nil {
		return Result{}, errors.Wrap(status.ErrInvalidArgument, "nil model")
	}
	id := e.next.Add(1) % e.num

	in, err := m.Input(0)
	if err != nil {
		return Result{}, err
	}
	if in.DType == model.Float32 && in.Rank() == 1 {
		n := in.Shape[0]
		if len(input) >= 4*n && (len(output) >= 4*n || len(output) == 2*n) {
			return e.matvec(m, n, input, output, id)
		}
	}

	// Opaque model: mirror the input, bounded by the output region.
	n := len(input)
	if n > len(output) {
		n = len(output)
	}
	copy(output[:n], input[:n])
	return Result{Bytes: n, Cycles: uint64(n), EngineID: id}, nil
}

// matvec computes y = tanh(W·x). The output region's size selects the
// result precision: four bytes per element emits float32, two emits
// half-precision.
func (e *Engine) matvec(m *model.Model, n int, input, output []byte, id uint32) (Result, error) {
	blob := m.Data()

	w := make([]float64, n*n)
	for i := range w {
		w[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:])))
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(input[4*i:])))
	}

	var y mat.VecDense
	y.MulVec(mat.NewDense(n, n, w), mat.NewVecDense(n, x))

	half := len(output) == 2*n
	written := 0
	for i := 0; i < n; i++ {
		v := math32.Tanh(float32(y.AtVec(i)))
		if half {
			binary.LittleEndian.PutUint16(output[2*i:], float16.Fromfloat32(v).Bits())
			written += 2
		} else {
			binary.LittleEndian.PutUint32(output[4*i:], math.Float32bits(v))
			written += 4
		}
	}

	e.log.Debug("matvec inference",
		zap.Int("dim", n),
		zap.Bool("half_precision", half),
		zap.Uint32("engine", id))

	// Two FLOPs per multiply-accumulate, the usual cycle stand-in.
	return Result{Bytes: written, Cycles: uint64(2 * n * n), EngineID: id}, nil
}
