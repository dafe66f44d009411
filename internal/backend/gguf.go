package backend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// GgufModelInfo is the lightweight metadata extracted from a GGUF file
// header, without loading tensor data.
type GgufModelInfo struct {
	Architecture         string
	TrainingContextLength int
	NLayers              int
	NEmbd                int
	NHead                int
}

const (
	ggufMagic = 0x46554747 // "GGUF" little-endian

	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// ReadGgufMetadata reads the GGUF header's key/value section from
// modelPath without mapping the (potentially multi-gigabyte) tensor blob,
// making it suitable for pre-load OOM estimation and default context-size
// selection.
func ReadGgufMetadata(modelPath string) (GgufModelInfo, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "cannot open model file", err).WithContext(modelPath)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read GGUF magic", err).WithContext(modelPath)
	}
	if magic != ggufMagic {
		return GgufModelInfo{}, engine.New(engine.KindModelLoadFailed, "not a GGUF file").WithContext(modelPath)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read GGUF version", err).WithContext(modelPath)
	}

	var tensorCount, kvCount uint64
	if version == 1 {
		var tc, kc uint32
		if err := binary.Read(r, binary.LittleEndian, &tc); err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read tensor count", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &kc); err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read kv count", err)
		}
		tensorCount, kvCount = uint64(tc), uint64(kc)
	} else {
		if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read tensor count", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read kv count", err)
		}
	}
	_ = tensorCount

	kv := make(map[string]any, kvCount)
	for i := uint64(0); i < kvCount; i++ {
		key, err := readGgufString(r)
		if err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, "failed to read GGUF key", err)
		}
		value, err := readGgufValue(r)
		if err != nil {
			return GgufModelInfo{}, engine.Wrap(engine.KindModelLoadFailed, fmt.Sprintf("failed to read GGUF value for key %q", key), err)
		}
		kv[key] = value
	}

	var info GgufModelInfo
	if arch, ok := kv["general.architecture"].(string); ok {
		info.Architecture = arch
	}
	if info.Architecture == "" {
		return info, nil
	}

	info.TrainingContextLength = asInt(kv[info.Architecture+".context_length"])
	info.NLayers = asInt(kv[info.Architecture+".block_count"])
	info.NEmbd = asInt(kv[info.Architecture+".embedding_length"])
	info.NHead = asInt(kv[info.Architecture+".attention.head_count"])
	return info, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case uint8:
		return int(n)
	case int8:
		return int(n)
	case uint16:
		return int(n)
	case int16:
		return int(n)
	case uint32:
		return int(n)
	case int32:
		return int(n)
	case uint64:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func readGgufString(r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readGgufValue reads one typed value, including arrays, whose elements
// are read and returned as a []any.
func readGgufValue(r io.Reader) (any, error) {
	var valueType uint32
	if err := binary.Read(r, binary.LittleEndian, &valueType); err != nil {
		return nil, err
	}
	return readGgufValueOfType(r, valueType)
}

func readGgufValueOfType(r io.Reader, valueType uint32) (any, error) {
	switch valueType {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readGgufString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		elements := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			v, err := readGgufValueOfType(r, elemType)
			if err != nil {
				return nil, err
			}
			elements = append(elements, v)
		}
		return elements, nil
	default:
		return nil, fmt.Errorf("unknown GGUF value type %d", valueType)
	}
}
