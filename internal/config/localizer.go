package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/tag.localizer/internal/landmark"
	"github.com/banshee-data/tag.localizer/internal/uncertainty"
)

// DefaultConfigPath is the path to the canonical localizer defaults file.
const DefaultConfigPath = "config/localizer.defaults.json"

// ErrInvalidDetectionMode is returned when detection_mode is not one of the
// detector modes the tag detector understands.
var ErrInvalidDetectionMode = errors.New("invalid detection_mode")

// Detection modes understood by the upstream tag detector. The localizer
// does not detect tags itself; the mode is validated and passed through.
const (
	DetectionModeNormal    = "DM_NORMAL"
	DetectionModeFast      = "DM_FAST"
	DetectionModeVideoFast = "DM_VIDEO_FAST"
)

var detectionModes = []string{DetectionModeNormal, DetectionModeFast, DetectionModeVideoFast}

// LocalizerConfig is the root configuration for the correction service.
// Fields omitted from the JSON fall back to the defaults returned by the
// Get* accessors.
type LocalizerConfig struct {
	// Detector pass-through
	MarkerSize    *float64 `json:"marker_size,omitempty"` // metres
	DetectionMode *string  `json:"detection_mode,omitempty"`
	MinMarkerSize *float64 `json:"min_marker_size,omitempty"`

	// Landmarks
	TargetTagIDs []string `json:"target_tag_ids,omitempty"`
	TagFamily    *string  `json:"tag_family,omitempty"`

	// Frames
	MapFrame  *string `json:"map_frame,omitempty"`
	BodyFrame *string `json:"body_frame,omitempty"`

	// Validation
	DistanceThreshold    *float64 `json:"distance_threshold,omitempty"`     // metres, squared on use
	EKFTimeTolerance     *string  `json:"ekf_time_tolerance,omitempty"`     // duration string like "5s"
	EKFPositionTolerance *float64 `json:"ekf_position_tolerance,omitempty"` // metres

	// Uncertainty, 36 row-major values of the 6x6 pose covariance.
	BaseCovariance []float64 `json:"base_covariance,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptyConfig returns a LocalizerConfig with every field unset.
func EmptyConfig() *LocalizerConfig {
	return &LocalizerConfig{}
}

// DefaultConfig returns a config with every field populated with its default.
func DefaultConfig() *LocalizerConfig {
	c := EmptyConfig()
	return &LocalizerConfig{
		MarkerSize:           ptrFloat64(c.GetMarkerSize()),
		DetectionMode:        ptrString(c.GetDetectionMode()),
		MinMarkerSize:        ptrFloat64(c.GetMinMarkerSize()),
		TargetTagIDs:         c.GetTargetTagIDs(),
		TagFamily:            ptrString(c.GetTagFamily()),
		MapFrame:             ptrString(c.GetMapFrame()),
		BodyFrame:            ptrString(c.GetBodyFrame()),
		DistanceThreshold:    ptrFloat64(c.GetDistanceThreshold()),
		EKFTimeTolerance:     ptrString(c.GetEKFTimeTolerance().String()),
		EKFPositionTolerance: ptrFloat64(c.GetEKFPositionTolerance()),
		BaseCovariance:       c.GetBaseCovariance().Slice(),
	}
}

// LoadConfig loads a LocalizerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*LocalizerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *LocalizerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/trail-plot/
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Any error here
// is a startup failure.
func (c *LocalizerConfig) Validate() error {
	if c.MarkerSize != nil && *c.MarkerSize <= 0 {
		return fmt.Errorf("marker_size must be positive, got %f", *c.MarkerSize)
	}
	if c.MinMarkerSize != nil && *c.MinMarkerSize < 0 {
		return fmt.Errorf("min_marker_size must be non-negative, got %f", *c.MinMarkerSize)
	}
	if c.DetectionMode != nil && !slices.Contains(detectionModes, *c.DetectionMode) {
		return fmt.Errorf("%w: %q (want one of %v)", ErrInvalidDetectionMode, *c.DetectionMode, detectionModes)
	}

	if c.TargetTagIDs != nil {
		if len(c.TargetTagIDs) == 0 {
			return errors.New("target_tag_ids must not be empty")
		}
		seen := make(map[string]bool, len(c.TargetTagIDs))
		for _, id := range c.TargetTagIDs {
			if id == "" {
				return errors.New("target_tag_ids contains an empty id")
			}
			if seen[id] {
				return fmt.Errorf("target_tag_ids contains %q twice", id)
			}
			seen[id] = true
		}
	}
	if c.TagFamily != nil && *c.TagFamily == "" {
		return errors.New("tag_family must not be empty")
	}
	if c.MapFrame != nil && *c.MapFrame == "" {
		return errors.New("map_frame must not be empty")
	}
	if c.BodyFrame != nil && *c.BodyFrame == "" {
		return errors.New("body_frame must not be empty")
	}

	if c.DistanceThreshold != nil && *c.DistanceThreshold <= 0 {
		return fmt.Errorf("distance_threshold must be positive, got %f", *c.DistanceThreshold)
	}
	if c.EKFTimeTolerance != nil {
		d, err := time.ParseDuration(*c.EKFTimeTolerance)
		if err != nil {
			return fmt.Errorf("invalid ekf_time_tolerance '%s': %w", *c.EKFTimeTolerance, err)
		}
		if d < 0 {
			return fmt.Errorf("ekf_time_tolerance must be non-negative, got %s", d)
		}
	}
	if c.EKFPositionTolerance != nil && *c.EKFPositionTolerance < 0 {
		return fmt.Errorf("ekf_position_tolerance must be non-negative, got %f", *c.EKFPositionTolerance)
	}

	if c.BaseCovariance != nil {
		cov, err := uncertainty.FromSlice(c.BaseCovariance)
		if err != nil {
			return fmt.Errorf("base_covariance: %w", err)
		}
		if err := cov.Validate(); err != nil {
			return fmt.Errorf("base_covariance: %w", err)
		}
	}
	return nil
}

// GetMarkerSize returns the marker_size value or the default.
func (c *LocalizerConfig) GetMarkerSize() float64 {
	if c.MarkerSize == nil {
		return 0.6
	}
	return *c.MarkerSize
}

// GetDetectionMode returns the detection_mode value or the default.
func (c *LocalizerConfig) GetDetectionMode() string {
	if c.DetectionMode == nil {
		return DetectionModeNormal
	}
	return *c.DetectionMode
}

// GetMinMarkerSize returns the min_marker_size value or the default.
func (c *LocalizerConfig) GetMinMarkerSize() float64 {
	if c.MinMarkerSize == nil {
		return 0.02
	}
	return *c.MinMarkerSize
}

// GetTargetTagIDs returns a copy of the trusted tag ids or the default set.
func (c *LocalizerConfig) GetTargetTagIDs() []string {
	if c.TargetTagIDs == nil {
		return []string{"0", "1", "2", "3", "4", "5", "6"}
	}
	return slices.Clone(c.TargetTagIDs)
}

// GetTagFamily returns the landmark family selector or the default.
func (c *LocalizerConfig) GetTagFamily() string {
	if c.TagFamily == nil {
		return landmark.DefaultFamily
	}
	return *c.TagFamily
}

// GetMapFrame returns the map frame id or the default.
func (c *LocalizerConfig) GetMapFrame() string {
	if c.MapFrame == nil {
		return "map"
	}
	return *c.MapFrame
}

// GetBodyFrame returns the vehicle body frame id or the default.
func (c *LocalizerConfig) GetBodyFrame() string {
	if c.BodyFrame == nil {
		return "base_link"
	}
	return *c.BodyFrame
}

// GetDistanceThreshold returns the distance_threshold value in metres or the default.
func (c *LocalizerConfig) GetDistanceThreshold() float64 {
	if c.DistanceThreshold == nil {
		return 13.0
	}
	return *c.DistanceThreshold
}

// GetDistanceThresholdSquared returns distance_threshold squared, the form
// the range filter compares against.
func (c *LocalizerConfig) GetDistanceThresholdSquared() float64 {
	d := c.GetDistanceThreshold()
	return d * d
}

// GetEKFTimeTolerance parses and returns ekf_time_tolerance as a time.Duration.
func (c *LocalizerConfig) GetEKFTimeTolerance() time.Duration {
	if c.EKFTimeTolerance == nil || *c.EKFTimeTolerance == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.EKFTimeTolerance)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetEKFPositionTolerance returns ekf_position_tolerance in metres or the default.
func (c *LocalizerConfig) GetEKFPositionTolerance() float64 {
	if c.EKFPositionTolerance == nil {
		return 10.0
	}
	return *c.EKFPositionTolerance
}

// GetBaseCovariance returns the base pose covariance or the default
// diagonal (0.2 on position, 0.02 on rotation).
func (c *LocalizerConfig) GetBaseCovariance() uncertainty.Covariance {
	if c.BaseCovariance == nil {
		return uncertainty.Diagonal(0.2, 0.02)
	}
	cov, err := uncertainty.FromSlice(c.BaseCovariance)
	if err != nil {
		return uncertainty.Diagonal(0.2, 0.02)
	}
	return cov
}
