package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/swdee/go-heatcount"
	"github.com/swdee/go-heatcount/target"
)

const (
	// checkpointMagic starts every checkpoint file
	checkpointMagic = "HCKP"
	// checkpointVersion of the file layout
	checkpointVersion = 1
	// maxHeaderSize guards against reading a corrupt header length
	maxHeaderSize = 1 << 24
)

// Checkpoint value encodings
const (
	EncodingFloat64 = "float64"
	EncodingFloat32 = "float32"
	EncodingFloat16 = "float16"
)

var (
	// ErrBadCheckpoint is returned for files that are not checkpoints
	ErrBadCheckpoint = errors.New("not a checkpoint file")
	// ErrCheckpointMismatch is returned when a checkpoint does not fit the
	// model it is loaded into
	ErrCheckpointMismatch = errors.New("checkpoint does not match model")
)

// ParamInfo describes one stored parameter
type ParamInfo struct {
	// Name of the parameter
	Name string `json:"name"`
	// Shape of the parameter
	Shape []int `json:"shape"`
}

// CheckpointHeader is the JSON header stored ahead of the weights
type CheckpointHeader struct {
	// Model is the architecture the weights belong to
	Model heatcount.ModelConfig `json:"model"`
	// Objective is the name of the training objective
	Objective string `json:"objective"`
	// Target are the parameters the training targets were generated with
	Target target.Params `json:"target"`
	// Epoch the weights were saved at
	Epoch int `json:"epoch"`
	// Score is the validation score at Epoch
	Score float64 `json:"score"`
	// Encoding of the values, float64, float32 or float16
	Encoding string `json:"encoding"`
	// Params lists the stored parameters in order
	Params []ParamInfo `json:"params"`
	// Created is the save time
	Created time.Time `json:"created"`
}

// SaveCheckpoint writes the model weights to file.  The file is written to a
// temporary name and renamed so a crash never leaves a truncated checkpoint.
// The layout is the magic, a uint32 version, a uint32 header length, the JSON
// header and then every parameter as little endian values.
func SaveCheckpoint(file string, m heatcount.Model, hdr CheckpointHeader) error {

	params := m.Params()
	hdr.Model = m.Config()
	hdr.Params = make([]ParamInfo, len(params))

	for i, p := range params {
		hdr.Params[i] = ParamInfo{Name: p.Name, Shape: p.Shape}
	}

	switch hdr.Encoding {
	case "":
		hdr.Encoding = EncodingFloat64
	case EncodingFloat64, EncodingFloat32, EncodingFloat16:
	default:
		return fmt.Errorf("unknown checkpoint encoding %q", hdr.Encoding)
	}

	if hdr.Created.IsZero() {
		hdr.Created = time.Now().UTC()
	}

	js, err := json.Marshal(hdr)

	if err != nil {
		return fmt.Errorf("error encoding checkpoint header: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), ".ckpt-*")

	if err != nil {
		return fmt.Errorf("error creating checkpoint: %w", err)
	}

	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)

	err = writeCheckpoint(w, js, params, hdr.Encoding)

	if err == nil {
		err = w.Flush()
	}

	if cerr := tmp.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("error writing checkpoint %s: %w", file, err)
	}

	return os.Rename(tmp.Name(), file)
}

// writeCheckpoint writes the checkpoint layout to w
func writeCheckpoint(w io.Writer, header []byte, params []*heatcount.Param, encoding string) error {

	if _, err := io.WriteString(w, checkpointMagic); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, [2]uint32{checkpointVersion, uint32(len(header))}); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, p := range params {
		var err error

		switch encoding {
		case EncodingFloat16:
			buf := make([]uint16, len(p.Value))
			heatcount.Float64ToFloat16(p.Value, buf)
			err = binary.Write(w, binary.LittleEndian, buf)

		case EncodingFloat32:
			buf := make([]float32, len(p.Value))

			for i, v := range p.Value {
				buf[i] = float32(v)
			}

			err = binary.Write(w, binary.LittleEndian, buf)

		default:
			err = binary.Write(w, binary.LittleEndian, p.Value)
		}

		if err != nil {
			return fmt.Errorf("param %s: %w", p.Name, err)
		}
	}

	return nil
}

// ReadCheckpointHeader returns the header of a checkpoint file without
// loading the weights
func ReadCheckpointHeader(file string) (CheckpointHeader, error) {

	f, err := os.Open(file)

	if err != nil {
		return CheckpointHeader{}, err
	}

	defer f.Close()

	return readHeader(bufio.NewReader(f))
}

// readHeader reads the magic, version and JSON header
func readHeader(r io.Reader) (CheckpointHeader, error) {

	magic := make([]byte, len(checkpointMagic))

	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != checkpointMagic {
		return CheckpointHeader{}, ErrBadCheckpoint
	}

	var meta [2]uint32

	if err := binary.Read(r, binary.LittleEndian, &meta); err != nil {
		return CheckpointHeader{}, fmt.Errorf("reading version: %w", err)
	}

	if meta[0] != checkpointVersion {
		return CheckpointHeader{}, fmt.Errorf("checkpoint version %d: %w", meta[0], ErrBadCheckpoint)
	}

	if meta[1] > maxHeaderSize {
		return CheckpointHeader{}, fmt.Errorf("header size %d: %w", meta[1], ErrBadCheckpoint)
	}

	js := make([]byte, meta[1])

	if _, err := io.ReadFull(r, js); err != nil {
		return CheckpointHeader{}, fmt.Errorf("reading header: %w", err)
	}

	var hdr CheckpointHeader

	if err := json.Unmarshal(js, &hdr); err != nil {
		return CheckpointHeader{}, fmt.Errorf("decoding header: %w", err)
	}

	return hdr, nil
}

// LoadCheckpoint reads the weights in file into the model.  The architecture
// and every parameter name and shape must match the model.
func LoadCheckpoint(file string, m heatcount.Model) (CheckpointHeader, error) {

	f, err := os.Open(file)

	if err != nil {
		return CheckpointHeader{}, err
	}

	defer f.Close()

	r := bufio.NewReader(f)
	hdr, err := readHeader(r)

	if err != nil {
		return CheckpointHeader{}, fmt.Errorf("%s: %w", file, err)
	}

	cfg := m.Config()

	if hdr.Model.Architecture != cfg.Architecture || hdr.Model.NumClasses != cfg.NumClasses ||
		hdr.Model.OutputStride != cfg.OutputStride || hdr.Model.Hidden != cfg.Hidden {
		return CheckpointHeader{}, fmt.Errorf("checkpoint model %+v into %+v: %w",
			hdr.Model, cfg, ErrCheckpointMismatch)
	}

	params := m.Params()

	if len(hdr.Params) != len(params) {
		return CheckpointHeader{}, fmt.Errorf("%d params into %d: %w",
			len(hdr.Params), len(params), ErrCheckpointMismatch)
	}

	for i, p := range params {
		if err := matchParam(hdr.Params[i], p); err != nil {
			return CheckpointHeader{}, err
		}
	}

	// weights are replaced only once the whole file decoded
	values := make([][]float64, len(params))

	for i, p := range params {
		values[i] = make([]float64, len(p.Value))

		if err := readValues(r, values[i], hdr.Encoding); err != nil {
			return CheckpointHeader{}, fmt.Errorf("reading param %s: %w", p.Name, err)
		}
	}

	for i, p := range params {
		copy(p.Value, values[i])
	}

	return hdr, nil
}

// matchParam checks a stored parameter description against a model param
func matchParam(info ParamInfo, p *heatcount.Param) error {

	if info.Name != p.Name || len(info.Shape) != len(p.Shape) {
		return fmt.Errorf("param %s%v into %s%v: %w", info.Name, info.Shape,
			p.Name, p.Shape, ErrCheckpointMismatch)
	}

	for i := range info.Shape {
		if info.Shape[i] != p.Shape[i] {
			return fmt.Errorf("param %s%v into %v: %w", info.Name, info.Shape,
				p.Shape, ErrCheckpointMismatch)
		}
	}

	return nil
}

// readValues decodes len(dst) values of the encoding
func readValues(r io.Reader, dst []float64, encoding string) error {

	switch encoding {
	case EncodingFloat16:
		buf := make([]uint16, len(dst))

		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return err
		}

		heatcount.Float16ToFloat64(buf, dst)

	case EncodingFloat32:
		buf := make([]float32, len(dst))

		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return err
		}

		for i, v := range buf {
			dst[i] = float64(v)
		}

	case EncodingFloat64:
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown encoding %q: %w", encoding, ErrBadCheckpoint)
	}

	for i, v := range dst {
		if math.IsNaN(v) {
			return fmt.Errorf("NaN weight at %d: %w", i, ErrBadCheckpoint)
		}
	}

	return nil
}
