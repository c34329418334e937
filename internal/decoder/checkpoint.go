package decoder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

var checkpointMagic = [4]byte{'L', 'W', 'G', '1'}

const (
	maxCheckpointDim  = 4096
	maxCheckpointBase = 512
	channels          = 3
)

var ErrIncompatibleCheckpoint = errors.New("incompatible checkpoint")

// Checkpoint holds the weights of a single linear layer mapping a latent
// vector to a channels x BaseRes x BaseRes image (channel-major), followed by
// tanh. Weights is row-major: one row of LatentDim values per output.
type Checkpoint struct {
	LatentDim int
	BaseRes   int
	Weights   []float32
	Bias      []float32
}

func (c *Checkpoint) outputs() int {
	return channels * c.BaseRes * c.BaseRes
}

func (c *Checkpoint) validate() error {
	if c.LatentDim < 1 || c.LatentDim > maxCheckpointDim {
		return fmt.Errorf("%w: latent dim %d out of range", ErrIncompatibleCheckpoint, c.LatentDim)
	}
	if c.BaseRes < 1 || c.BaseRes > maxCheckpointBase {
		return fmt.Errorf("%w: base resolution %d out of range", ErrIncompatibleCheckpoint, c.BaseRes)
	}
	if len(c.Weights) != c.outputs()*c.LatentDim {
		return fmt.Errorf("%w: %d weights, want %d", ErrIncompatibleCheckpoint, len(c.Weights), c.outputs()*c.LatentDim)
	}
	if len(c.Bias) != c.outputs() {
		return fmt.Errorf("%w: %d biases, want %d", ErrIncompatibleCheckpoint, len(c.Bias), c.outputs())
	}
	return nil
}

type checkpointHeader struct {
	Magic     [4]byte
	LatentDim uint32
	BaseRes   uint32
	Channels  uint32
}

// ReadCheckpoint parses the little-endian LWG1 layout: header, weights, bias.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	br := bufio.NewReader(r)

	var hdr checkpointHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrIncompatibleCheckpoint, err)
	}
	if hdr.Magic != checkpointMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrIncompatibleCheckpoint, hdr.Magic[:])
	}
	if hdr.Channels != channels {
		return nil, fmt.Errorf("%w: %d channels, want %d", ErrIncompatibleCheckpoint, hdr.Channels, channels)
	}

	ckpt := &Checkpoint{LatentDim: int(hdr.LatentDim), BaseRes: int(hdr.BaseRes)}
	if hdr.LatentDim < 1 || hdr.LatentDim > maxCheckpointDim || hdr.BaseRes < 1 || hdr.BaseRes > maxCheckpointBase {
		return nil, fmt.Errorf("%w: header dim=%d base=%d out of range", ErrIncompatibleCheckpoint, hdr.LatentDim, hdr.BaseRes)
	}

	ckpt.Weights = make([]float32, ckpt.outputs()*ckpt.LatentDim)
	if err := binary.Read(br, binary.LittleEndian, ckpt.Weights); err != nil {
		return nil, fmt.Errorf("%w: read weights: %v", ErrIncompatibleCheckpoint, err)
	}
	ckpt.Bias = make([]float32, ckpt.outputs())
	if err := binary.Read(br, binary.LittleEndian, ckpt.Bias); err != nil {
		return nil, fmt.Errorf("%w: read bias: %v", ErrIncompatibleCheckpoint, err)
	}
	for _, v := range ckpt.Weights {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite weight", ErrIncompatibleCheckpoint)
		}
	}
	return ckpt, nil
}

func WriteCheckpoint(w io.Writer, c *Checkpoint) error {
	if err := c.validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	hdr := checkpointHeader{
		Magic:     checkpointMagic,
		LatentDim: uint32(c.LatentDim),
		BaseRes:   uint32(c.BaseRes),
		Channels:  channels,
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, c.Weights); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, c.Bias); err != nil {
		return fmt.Errorf("write bias: %w", err)
	}
	return bw.Flush()
}

// Source yields the raw bytes of a checkpoint.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

type FileSource struct {
	Path string
}

func (s FileSource) Open(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", s.Path, err)
	}
	return f, nil
}

func (s FileSource) String() string {
	return s.Path
}

// ObjectReader is the slice of the object storage client used to fetch
// checkpoints.
type ObjectReader interface {
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

type ObjectSource struct {
	Objects ObjectReader
	Key     string
}

func (s ObjectSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Objects == nil {
		return nil, errors.New("object storage is not configured")
	}
	return s.Objects.OpenObject(ctx, s.Key)
}

func (s ObjectSource) String() string {
	return "s3://" + s.Key
}

const objectScheme = "s3://"

// ParseSource maps a checkpoint reference to a Source: "s3://key" reads from
// object storage, anything else is a local path.
func ParseSource(ref string, objects ObjectReader) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("checkpoint reference is empty")
	}
	if strings.HasPrefix(ref, objectScheme) {
		key := strings.TrimPrefix(ref, objectScheme)
		if key == "" {
			return nil, fmt.Errorf("checkpoint reference %q has no object key", ref)
		}
		return ObjectSource{Objects: objects, Key: key}, nil
	}
	return FileSource{Path: ref}, nil
}
