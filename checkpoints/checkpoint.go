package checkpoints

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-seqvae/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	// FormatBinary is the protobuf wire encoding of the checkpoint.
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

var (
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrCorrupt           = errors.New("corrupt checkpoint")
)

// Checkpoint is a snapshot of a sequence VAE: every trainable tensor in
// optimizer order, the update rule's accumulators and training progress.
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	// Group is the owner of the tensor: "generative", "recognition" or
	// "embedding".
	Group string `json:"group"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	Beta         float64 `json:"beta"`
	BestELBO     float64 `json:"best_elbo"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures update-rule state (momentum, variance, etc.)
// Accumulators are stored in parameter order.
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", "squared_grad_avg", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Save writes checkpoint to w. Missing metadata (ID, framework, version,
// creation time) is filled in first.
func (cs *CheckpointSaver) Save(w io.Writer, checkpoint *Checkpoint) error {
	fillMetadata(&checkpoint.Metadata)

	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
		return nil
	case FormatBinary:
		data, err := marshalCheckpoint(checkpoint)
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "failed to write checkpoint")
		}
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "format %s", cs.format)
	}
}

// Load reads a checkpoint from r.
func (cs *CheckpointSaver) Load(r io.Reader) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "failed to decode checkpoint: %v", err)
		}
		return &checkpoint, nil
	case FormatBinary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint")
		}
		return unmarshalCheckpoint(data)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "format %s", cs.format)
	}
}

// SaveCheckpoint saves a complete checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	return cs.saveAndClose(file, checkpoint)
}

// saveAndClose writes the checkpoint through a buffer and always closes wc.
// A close error is reported when the write itself succeeded.
func (cs *CheckpointSaver) saveAndClose(wc io.WriteCloser, checkpoint *Checkpoint) (err error) {
	defer func() {
		if cerr := wc.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close checkpoint file")
		}
	}()

	w := bufio.NewWriter(wc)
	if err := cs.Save(w, checkpoint); err != nil {
		return err
	}
	return errors.Wrap(w.Flush(), "failed to flush checkpoint file")
}

// LoadCheckpoint loads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	return cs.Load(bufio.NewReader(file))
}

func fillMetadata(m *CheckpointMetadata) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Framework == "" {
		m.Framework = "go-seqvae"
		m.Version = "1.0.0"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

// ExtractWeights copies every tensor into a WeightTensor, keeping order.
// names and groups must have one entry per tensor.
func ExtractWeights(names, groups []string, tensors []*tensor.Tensor) ([]WeightTensor, error) {
	if len(names) != len(tensors) || len(groups) != len(tensors) {
		return nil, errors.Errorf("got %d names and %d groups for %d tensors", len(names), len(groups), len(tensors))
	}

	weights := make([]WeightTensor, len(tensors))
	for i, t := range tensors {
		weights[i] = WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
			Group: groups[i],
		}
	}
	return weights, nil
}

// LoadWeightsIntoTensors copies weights back into tensors in place. The
// weights must match the tensors one-to-one in order and shape; nothing is
// written unless all of them do.
func LoadWeightsIntoTensors(weights []WeightTensor, tensors []*tensor.Tensor) error {
	if len(weights) != len(tensors) {
		return errors.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(tensors))
	}

	for i, t := range tensors {
		weight := weights[i]
		if len(t.Shape) != len(weight.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, t.Shape, weight.Shape)
		}
		for j, dim := range t.Shape {
			if dim != weight.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != t.NumElems {
			return errors.Errorf("weight %s has %d values, expected %d", weight.Name, len(weight.Data), t.NumElems)
		}
	}

	for i, t := range tensors {
		if err := t.CopyFrom(weights[i].Data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", weights[i].Name)
		}
	}
	return nil
}
