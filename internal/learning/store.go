// Package learning persists operator corrections from supervised runs and
// turns them into average click-coordinate offsets applied on later runs.
package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/cropwatch/irrigation.report/internal/fsutil"
)

// DefaultPath is where training samples are persisted.
const DefaultPath = "training/training-data.json"

// PointXY is a page coordinate.
type PointXY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SlotPair carries a value for the first and last irrigation-time slots.
type SlotPair struct {
	First PointXY `json:"first"`
	Last  PointXY `json:"last"`
}

// Sample is one supervised decision. Offsets is user − algorithm and is only
// present when the operator actually corrected the click.
type Sample struct {
	Timestamp          time.Time `json:"timestamp"`
	Farm               string    `json:"farm"`
	Date               string    `json:"date"`
	AlgorithmDetection SlotPair  `json:"algorithmDetection"`
	UserCorrections    *SlotPair `json:"userCorrections"`
	Offsets            *SlotPair `json:"offsets"`
	Feedback           string    `json:"feedback"`
}

// NewSample builds a sample from the algorithm's coordinates and an optional
// user correction, deriving offsets when a correction is present.
func NewSample(ts time.Time, farm, date string, algorithm SlotPair, user *SlotPair, feedback string) Sample {
	s := Sample{
		Timestamp:          ts,
		Farm:               farm,
		Date:               date,
		AlgorithmDetection: algorithm,
		UserCorrections:    user,
		Feedback:           feedback,
	}
	if user != nil {
		s.Offsets = &SlotPair{
			First: PointXY{X: user.First.X - algorithm.First.X, Y: user.First.Y - algorithm.First.Y},
			Last:  PointXY{X: user.Last.X - algorithm.Last.X, Y: user.Last.Y - algorithm.Last.Y},
		}
	}
	return s
}

// Offsets is the averaged correction applied to computed click coordinates.
type Offsets struct {
	First       PointXY `json:"first"`
	Last        PointXY `json:"last"`
	SampleCount int     `json:"sampleCount"`
}

// Store is the append-only training-data file. Appends rewrite the whole
// array atomically; the single orchestrator goroutine serializes them.
type Store struct {
	fs   fsutil.FileSystem
	path string
}

// NewStore creates a store over path, using the real filesystem when fs is nil.
func NewStore(fs fsutil.FileSystem, path string) *Store {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if path == "" {
		path = DefaultPath
	}
	return &Store{fs: fs, path: path}
}

// Samples loads all persisted samples. A missing file is an empty store.
func (s *Store) Samples() ([]Sample, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read training data: %w", err)
	}
	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("training data is corrupt: %w", err)
	}
	return samples, nil
}

// Append adds one sample and rewrites the file atomically.
func (s *Store) Append(sample Sample) error {
	samples, err := s.Samples()
	if err != nil {
		return err
	}
	samples = append(samples, sample)

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create training directory: %w", err)
	}
	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode training data: %w", err)
	}
	return fsutil.WriteFileAtomic(s.fs, s.path, data, 0o644)
}

// AveragedOffsets computes the mean offset over all samples that carry a user
// correction, separately for the first and last slots. With no corrected
// samples the zero Offsets is returned.
func (s *Store) AveragedOffsets() (Offsets, error) {
	samples, err := s.Samples()
	if err != nil {
		return Offsets{}, err
	}

	var fx, fy, lx, ly []float64
	for _, sample := range samples {
		if sample.Offsets == nil {
			continue
		}
		fx = append(fx, sample.Offsets.First.X)
		fy = append(fy, sample.Offsets.First.Y)
		lx = append(lx, sample.Offsets.Last.X)
		ly = append(ly, sample.Offsets.Last.Y)
	}
	if len(fx) == 0 {
		return Offsets{}, nil
	}
	return Offsets{
		First:       PointXY{X: stat.Mean(fx, nil), Y: stat.Mean(fy, nil)},
		Last:        PointXY{X: stat.Mean(lx, nil), Y: stat.Mean(ly, nil)},
		SampleCount: len(fx),
	}, nil
}
