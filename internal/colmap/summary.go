package colmap

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Summary condenses a reconstruction for reports and the run ledger.
type Summary struct {
	InputImages      int      `json:"input_images"`
	RegisteredImages int      `json:"registered_images"`
	Cameras          int      `json:"cameras"`
	Points3D         int      `json:"points3d"`
	Observations     int      `json:"observations"`
	MeanObservations float64  `json:"mean_observations_per_image"`
	MeanTrackLength  float64  `json:"mean_track_length"`
	MeanReprojError  float64  `json:"mean_reprojection_error"`
	Unregistered     []string `json:"unregistered,omitempty"`
}

// Summarize computes counts and means for m. inputImages is the frame's
// image list; names absent from the model are reported as unregistered.
func Summarize(m *Model, inputImages []string) Summary {
	s := Summary{
		InputImages:      len(inputImages),
		RegisteredImages: len(m.Images),
		Cameras:          len(m.Cameras),
		Points3D:         len(m.Points3D),
		MeanObservations: meanObservationsPerImage(m),
		MeanTrackLength:  meanTrackLength(m),
	}
	for _, p := range m.Points3D {
		s.Observations += len(p.Track)
	}
	if len(m.Points3D) > 0 {
		errs := make([]float64, 0, len(m.Points3D))
		for _, p := range m.Points3D {
			errs = append(errs, p.Error)
		}
		s.MeanReprojError = stat.Mean(errs, nil)
	}

	registered := make(map[string]struct{}, len(m.Images))
	for _, im := range m.Images {
		registered[im.Name] = struct{}{}
	}
	for _, name := range inputImages {
		if _, ok := registered[name]; !ok {
			s.Unregistered = append(s.Unregistered, name)
		}
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d images registered, %d points, track %.2f, reproj %.3fpx",
		s.RegisteredImages, s.InputImages, s.Points3D, s.MeanTrackLength, s.MeanReprojError)
}

func meanObservationsPerImage(m *Model) float64 {
	if len(m.Images) == 0 {
		return 0
	}
	counts := make([]float64, 0, len(m.Images))
	for _, im := range m.Images {
		counts = append(counts, float64(im.NumPoints3D()))
	}
	return stat.Mean(counts, nil)
}

func meanTrackLength(m *Model) float64 {
	if len(m.Points3D) == 0 {
		return 0
	}
	lengths := make([]float64, 0, len(m.Points3D))
	for _, p := range m.Points3D {
		lengths = append(lengths, float64(len(p.Track)))
	}
	return stat.Mean(lengths, nil)
}
