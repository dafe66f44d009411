package backend

import (
	"fmt"
	"os"
	"runtime"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// MemoryEstimate is the memory breakdown for a model+config combination:
// total = model_file_size + kv_bytes + compute_buf, where kv_bytes =
// 2 * n_layers * n_embd * context_size * bytes_per_kv and compute_buf
// ~= model_file_size / 7.
type MemoryEstimate struct {
	ModelWeightsBytes  uint64
	KVCacheBytes       uint64
	ComputeBufferBytes uint64
	TotalBytes         uint64
}

func (e MemoryEstimate) TotalGB() float64 { return float64(e.TotalBytes) / (1 << 30) }

// EstimateMemory reads modelPath's GGUF metadata and file size (without
// loading tensors) and computes a MemoryEstimate for contextSize tokens at
// kvType precision.
func EstimateMemory(modelPath string, contextSize int, kvType KVQuantization) (MemoryEstimate, error) {
	meta, err := ReadGgufMetadata(modelPath)
	if err != nil {
		return MemoryEstimate{}, err
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		return MemoryEstimate{}, engine.Wrap(engine.KindModelLoadFailed, "cannot stat model file", err).WithContext(modelPath)
	}
	modelBytes := uint64(info.Size())

	var kvBytes uint64
	if meta.NLayers > 0 && meta.NEmbd > 0 && contextSize > 0 {
		kvBytes = uint64(2 * float64(meta.NLayers) * float64(meta.NEmbd) * float64(contextSize) * kvType.BytesPerKV())
	}

	computeBytes := modelBytes / 7

	return MemoryEstimate{
		ModelWeightsBytes:  modelBytes,
		KVCacheBytes:       kvBytes,
		ComputeBufferBytes: computeBytes,
		TotalBytes:         modelBytes + kvBytes + computeBytes,
	}, nil
}

// availablePhysicalMemory probes the platform for free physical memory.
// On Linux it reads /proc/meminfo's MemAvailable; elsewhere (or if that
// read fails) it reports unknown so the sanity check degrades to a
// no-op rather than a false refusal.
func availablePhysicalMemory() (uint64, bool) {
	if runtime.GOOS == "linux" {
		if avail, ok := readProcMeminfoAvailable("/proc/meminfo"); ok {
			return avail, true
		}
	}
	return 0, false
}

// CheckMemorySanity refuses to proceed if the model file size alone
// exceeds available physical memory, with a fix-hint pointing at
// context_size or KV quantization.
func CheckMemorySanity(modelPath string, contextSize int, kvType KVQuantization) error {
	info, err := os.Stat(modelPath)
	if err != nil {
		return engine.Wrap(engine.KindModelLoadFailed, "cannot stat model file", err).WithContext(modelPath)
	}
	modelBytes := uint64(info.Size())

	avail, ok := availablePhysicalMemory()
	if !ok {
		return nil
	}
	if modelBytes > avail {
		return engine.New(engine.KindInvalidConfig, fmt.Sprintf(
			"model file (%d bytes) alone exceeds available physical memory (%d bytes); "+
				"reduce context_size or choose a lighter KV quantization (current: %s)",
			modelBytes, avail, kvType))
	}
	return nil
}
