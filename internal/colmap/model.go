// Package colmap reads and writes reconstructions in the COLMAP sparse model
// layout (cameras, images, points3D) produced by the reconstruction stage.
package colmap

import "math"

// InvalidPoint3DID marks a 2D keypoint that is not part of any track.
const InvalidPoint3DID = math.MaxUint64

// CameraModel describes one of the COLMAP camera models.
type CameraModel struct {
	ID        int32
	Name      string
	NumParams int
}

// CameraModels lists the camera models in id order.
var CameraModels = []CameraModel{
	{0, "SIMPLE_PINHOLE", 3},
	{1, "PINHOLE", 4},
	{2, "SIMPLE_RADIAL", 4},
	{3, "RADIAL", 5},
	{4, "OPENCV", 8},
	{5, "OPENCV_FISHEYE", 8},
	{6, "FULL_OPENCV", 12},
	{7, "FOV", 5},
	{8, "SIMPLE_RADIAL_FISHEYE", 4},
	{9, "RADIAL_FISHEYE", 5},
	{10, "THIN_PRISM_FISHEYE", 12},
}

// ModelByID looks up a camera model by its numeric id.
func ModelByID(id int32) (CameraModel, bool) {
	if id < 0 || int(id) >= len(CameraModels) {
		return CameraModel{}, false
	}
	return CameraModels[id], true
}

// ModelByName looks up a camera model by its name.
func ModelByName(name string) (CameraModel, bool) {
	for _, m := range CameraModels {
		if m.Name == name {
			return m, true
		}
	}
	return CameraModel{}, false
}

// Camera holds intrinsics.
type Camera struct {
	ID     uint32
	Model  CameraModel
	Width  uint64
	Height uint64
	Params []float64
}

// Point2D is a keypoint observation in an image.
type Point2D struct {
	X, Y      float64
	Point3DID uint64
}

// HasPoint3D reports whether the keypoint belongs to a track.
func (p Point2D) HasPoint3D() bool {
	return p.Point3DID != InvalidPoint3DID
}

// Image is a registered image with its world-to-camera pose.
type Image struct {
	ID       uint32
	QVec     [4]float64 // w, x, y, z
	TVec     [3]float64
	CameraID uint32
	Name     string
	Points2D []Point2D
}

// NumPoints3D counts keypoints that are part of a track.
func (im Image) NumPoints3D() int {
	n := 0
	for _, p := range im.Points2D {
		if p.HasPoint3D() {
			n++
		}
	}
	return n
}

// TrackElement references a keypoint of an image.
type TrackElement struct {
	ImageID    uint32
	Point2DIdx uint32
}

// Point3D is a triangulated scene point.
type Point3D struct {
	ID    uint64
	XYZ   [3]float64
	RGB   [3]uint8
	Error float64
	Track []TrackElement
}

// Model is a sparse reconstruction.
type Model struct {
	Cameras  map[uint32]Camera
	Images   map[uint32]Image
	Points3D map[uint64]Point3D
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		Cameras:  make(map[uint32]Camera),
		Images:   make(map[uint32]Image),
		Points3D: make(map[uint64]Point3D),
	}
}
